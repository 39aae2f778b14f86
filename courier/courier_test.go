// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package courier

import (
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/deaddrop/chunker"
	"github.com/companyzero/deaddrop/event"
	"github.com/companyzero/deaddrop/rowstore"
	"github.com/companyzero/deaddrop/wire"
	"github.com/jpillora/backoff"
)

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

// fakeScheduler records timers and lets the test fire them by hand.
type fakeScheduler struct {
	mtx    sync.Mutex
	timers []*fakeTimer
}

func (f *fakeScheduler) After(d time.Duration, fn func()) CancelFunc {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	tm := &fakeTimer{d: d, fn: fn}
	f.timers = append(f.timers, tm)
	return func() {
		f.mtx.Lock()
		tm.stopped = true
		f.mtx.Unlock()
	}
}

// fireNext runs the oldest live timer and returns the duration it was
// scheduled with.
func (f *fakeScheduler) fireNext(t *testing.T) time.Duration {
	t.Helper()

	for i := 0; i < 500; i++ {
		f.mtx.Lock()
		for len(f.timers) > 0 {
			tm := f.timers[0]
			f.timers = f.timers[1:]
			if tm.stopped {
				continue
			}
			f.mtx.Unlock()
			tm.fn()
			return tm.d
		}
		f.mtx.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no pending timer")
	return 0
}

type recorder struct {
	event.Nop
	push     chan event.PushState
	evicted  chan int
	progress chan int
	rejects  chan string
	errs     chan string
}

func newRecorder() *recorder {
	return &recorder{
		push:     make(chan event.PushState, 16),
		evicted:  make(chan int, 16),
		progress: make(chan int, 64),
		rejects:  make(chan string, 16),
		errs:     make(chan string, 16),
	}
}

func (r *recorder) PushChanged(st event.PushState)       { r.push <- st }
func (r *recorder) Eviction(rows int)                    { r.evicted <- rows }
func (r *recorder) ChunkProgress(mid string, have, total int) { r.progress <- have }
func (r *recorder) MessageRejected(reason string, err error)  { r.rejects <- reason }
func (r *recorder) TransportError(op string, err error)  { r.errs <- op }

type delivery struct {
	from   string
	sealed string
}

func waitDelivery(t *testing.T, ch chan delivery) delivery {
	t.Helper()

	select {
	case d := <-ch:
		return d
	case <-time.After(10 * time.Second):
		t.Fatalf("no delivery")
	}
	return delivery{}
}

func noDelivery(t *testing.T, ch chan delivery) {
	t.Helper()

	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery from %v", d.from)
	case <-time.After(300 * time.Millisecond):
	}
}

func waitPush(t *testing.T, r *recorder, want event.PushState) {
	t.Helper()

	select {
	case st := <-r.push:
		if st != want {
			t.Fatalf("push state %v, want %v", st, want)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("no push transition, want %v", want)
	}
}

func waitStoreLen(t *testing.T, m *rowstore.MemStore, want int) {
	t.Helper()

	for i := 0; i < 500; i++ {
		if m.Len() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("store len %v, want %v", m.Len(), want)
}

func directRow(t *testing.T, from, data string) []byte {
	t.Helper()

	buf, err := json.Marshal(wire.Direct{From: from, Data: data})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return buf
}

func chunkRow(t *testing.T, c *wire.Chunk) []byte {
	t.Helper()

	buf, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return buf
}

func testCourier(t *testing.T, store rowstore.Store, handle Handler) (*Courier, *fakeScheduler, *recorder) {
	t.Helper()

	sched := &fakeScheduler{}
	rec := newRecorder()
	c, err := New(Config{
		Store:          store,
		Us:             "usfpAB12",
		Handle:         handle,
		Observer:       rec,
		PollInterval:   42 * time.Second,
		BackupInterval: 9 * time.Minute,
		Scheduler:      sched,
		Backoff: &backoff.Backoff{
			Min:    7 * time.Second,
			Max:    7 * time.Second,
			Factor: 1,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, sched, rec
}

func TestConfigValidation(t *testing.T) {
	m := rowstore.NewMemStore()
	defer m.Close()
	h := func(string, string) bool { return true }

	if _, err := New(Config{Us: "x", Handle: h}); err == nil {
		t.Fatalf("New accepted nil store")
	}
	if _, err := New(Config{Store: m, Us: "x"}); err == nil {
		t.Fatalf("New accepted nil handler")
	}
	if _, err := New(Config{Store: m, Handle: h}); err == nil {
		t.Fatalf("New accepted empty fingerprint")
	}
}

func TestPollDelivery(t *testing.T) {
	m := rowstore.NewMemStore()
	defer m.Close()

	// A peer row, our own echo and a garbage row are waiting before
	// the courier starts.
	if _, err := m.Insert(directRow(t, "peerfpCD", "sealed-blob")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := m.Insert(directRow(t, "usfpAB12", "echo")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := m.Insert([]byte("junk, not an envelope")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	deliveries := make(chan delivery, 16)
	c, _, _ := testCourier(t, m, func(from, sealed string) bool {
		deliveries <- delivery{from, sealed}
		return true
	})
	c.Start()
	defer c.Stop()

	if !c.Running() {
		t.Fatalf("courier not running after Start")
	}

	d := waitDelivery(t, deliveries)
	if d.from != "peerfpCD" || d.sealed != "sealed-blob" {
		t.Fatalf("delivered %+v", d)
	}

	// Only the consumed peer row is deleted; the echo row belongs to
	// the peer and the garbage row to nobody we know.
	waitStoreLen(t, m, 2)
	noDelivery(t, deliveries)
}

func TestPushDelivery(t *testing.T) {
	m := rowstore.NewMemStore()
	defer m.Close()

	deliveries := make(chan delivery, 16)
	c, _, rec := testCourier(t, m, func(from, sealed string) bool {
		deliveries <- delivery{from, sealed}
		return true
	})
	c.Start()
	defer c.Stop()

	waitPush(t, rec, event.PushPending)

	if _, err := m.Insert(directRow(t, "peerfpCD", "pushed")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	waitPush(t, rec, event.PushConfirmed)
	d := waitDelivery(t, deliveries)
	if d.from != "peerfpCD" || d.sealed != "pushed" {
		t.Fatalf("delivered %+v", d)
	}
	waitStoreLen(t, m, 0)
}

func TestChunkedDelivery(t *testing.T) {
	m := rowstore.NewMemStore()
	defer m.Close()

	deliveries := make(chan delivery, 16)
	c, _, rec := testCourier(t, m, func(from, sealed string) bool {
		deliveries <- delivery{from, sealed}
		return true
	})
	c.Start()
	defer c.Stop()

	waitPush(t, rec, event.PushPending)

	rnd := rand.New(rand.NewSource(42))
	sealed := strings.Repeat("ab", chunker.ChunkSize) + "tail"
	chunks, err := chunker.Split(rnd, sealed, "peerfpCD")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %v chunks, want 3", len(chunks))
	}

	// Out of order on purpose.
	for _, i := range []int{0, 2, 1} {
		if _, err := m.Insert(chunkRow(t, chunks[i])); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	d := waitDelivery(t, deliveries)
	if d.from != "peerfpCD" {
		t.Fatalf("delivered from %v", d.from)
	}
	if d.sealed != sealed {
		t.Fatalf("assembled %v bytes, want %v", len(d.sealed), len(sealed))
	}
	waitStoreLen(t, m, 0)

	for _, want := range []int{1, 2, 3} {
		select {
		case have := <-rec.progress:
			if have != want {
				t.Fatalf("progress %v, want %v", have, want)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("missing progress event %v", want)
		}
	}
}

func TestPoisonChunkBurned(t *testing.T) {
	m := rowstore.NewMemStore()
	defer m.Close()

	// A fragment pointing past its own total waits in the drop before
	// the courier starts.
	if _, err := m.Insert(chunkRow(t, &wire.Chunk{
		From:      "peerfpCD",
		Type:      wire.TypeChunk,
		MessageID: "aaaaaa",
		Seq:       9,
		Total:     2,
		Data:      "JUNK",
	})); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	deliveries := make(chan delivery, 16)
	c, _, rec := testCourier(t, m, func(from, sealed string) bool {
		deliveries <- delivery{from, sealed}
		return true
	})
	c.Start()
	defer c.Stop()

	// The fragment can never complete a transfer; it is reported and
	// its row burned instead of lingering for every later poll.
	select {
	case reason := <-rec.rejects:
		if reason != "chunk" {
			t.Fatalf("rejected for %v, want chunk", reason)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("poison fragment not reported")
	}
	waitStoreLen(t, m, 0)
	noDelivery(t, deliveries)

	// A fragment contradicting a live transfer's total burns alone;
	// the transfer still completes.
	frag := func(seq, total int, data string) *wire.Chunk {
		return &wire.Chunk{
			From:      "peerfpCD",
			Type:      wire.TypeChunk,
			MessageID: "bbbbbb",
			Seq:       seq,
			Total:     total,
			Data:      data,
		}
	}
	if _, err := m.Insert(chunkRow(t, frag(0, 2, "AB"))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := m.Insert(chunkRow(t, frag(0, 3, "XX"))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	select {
	case reason := <-rec.rejects:
		if reason != "chunk" {
			t.Fatalf("rejected for %v, want chunk", reason)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("mismatched fragment not reported")
	}
	if _, err := m.Insert(chunkRow(t, frag(1, 2, "CD"))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if d := waitDelivery(t, deliveries); d.sealed != "ABCD" {
		t.Fatalf("assembled %q, want ABCD", d.sealed)
	}
	waitStoreLen(t, m, 0)
}

func TestEviction(t *testing.T) {
	m := rowstore.NewMemStore()
	defer m.Close()

	deliveries := make(chan delivery, 16)
	sched := &fakeScheduler{}
	rec := newRecorder()
	c, err := New(Config{
		Store:        m,
		Us:           "usfpAB12",
		Handle:       func(from, sealed string) bool { deliveries <- delivery{from, sealed}; return true },
		Observer:     rec,
		PollInterval: 42 * time.Second,
		MaxChunkAge:  time.Nanosecond,
		Scheduler:    sched,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start()
	defer c.Stop()

	waitPush(t, rec, event.PushPending)

	rnd := rand.New(rand.NewSource(7))
	sealed := strings.Repeat("x", chunker.ChunkSize+1)
	chunks, err := chunker.Split(rnd, sealed, "peerfpCD")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	// Only the first of two fragments ever lands.
	if _, err := m.Insert(chunkRow(t, chunks[0])); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	select {
	case <-rec.progress:
	case <-time.After(10 * time.Second):
		t.Fatalf("fragment not ingested")
	}

	// The next poll re-ingests the fragment from the same row, then
	// evicts the stale transfer.  The row key was accumulated twice,
	// once per ingest.
	sched.fireNext(t)
	select {
	case rows := <-rec.evicted:
		if rows != 2 {
			t.Fatalf("evicted %v row keys, want 2", rows)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("no eviction")
	}
	waitStoreLen(t, m, 0)
	noDelivery(t, deliveries)
}

// noPushStore reports ErrNoPush so the courier must stay on the short
// poll interval.
type noPushStore struct {
	*rowstore.MemStore
}

func (n noPushStore) SubscribeInsert(func(rowstore.Row)) (rowstore.Subscription, error) {
	return nil, rowstore.ErrNoPush
}

func TestNoPushFallsBack(t *testing.T) {
	m := rowstore.NewMemStore()
	defer m.Close()

	if _, err := m.Insert(directRow(t, "peerfpCD", "first")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	deliveries := make(chan delivery, 16)
	c, sched, rec := testCourier(t, noPushStore{m}, func(from, sealed string) bool {
		deliveries <- delivery{from, sealed}
		return true
	})
	c.Start()
	defer c.Stop()

	if d := waitDelivery(t, deliveries); d.sealed != "first" {
		t.Fatalf("delivered %+v", d)
	}
	waitStoreLen(t, m, 0)

	// Every rescheduled poll keeps the short interval and no push
	// transition is ever reported.
	for i := 0; i < 3; i++ {
		if d := sched.fireNext(t); d != 42*time.Second {
			t.Fatalf("poll interval %v, want 42s", d)
		}
	}
	if _, err := m.Insert(directRow(t, "peerfpCD", "second")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	sched.fireNext(t)
	if d := waitDelivery(t, deliveries); d.sealed != "second" {
		t.Fatalf("delivered %+v", d)
	}

	select {
	case st := <-rec.push:
		t.Fatalf("unexpected push transition %v", st)
	default:
	}
}

// flakySub wraps a live subscription with a kill switch.
type flakySub struct {
	inner rowstore.Subscription
	once  sync.Once
	done  chan struct{}

	mtx sync.Mutex
	err error
}

func (f *flakySub) kill(err error) {
	f.once.Do(func() {
		f.mtx.Lock()
		f.err = err
		f.mtx.Unlock()
		close(f.done)
	})
}

func (f *flakySub) Cancel() {
	f.inner.Cancel()
	f.kill(nil)
}

func (f *flakySub) Done() <-chan struct{} {
	return f.done
}

func (f *flakySub) Err() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.err
}

type flakyStore struct {
	*rowstore.MemStore

	mtx  sync.Mutex
	last *flakySub
}

func (fs *flakyStore) SubscribeInsert(cb func(rowstore.Row)) (rowstore.Subscription, error) {
	sub, err := fs.MemStore.SubscribeInsert(cb)
	if err != nil {
		return nil, err
	}
	f := &flakySub{inner: sub, done: make(chan struct{})}
	fs.mtx.Lock()
	fs.last = f
	fs.mtx.Unlock()
	return f, nil
}

func (fs *flakyStore) lastSub() *flakySub {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	return fs.last
}

func TestPushLossRedial(t *testing.T) {
	m := rowstore.NewMemStore()
	defer m.Close()
	fs := &flakyStore{MemStore: m}

	deliveries := make(chan delivery, 16)
	c, sched, rec := testCourier(t, fs, func(from, sealed string) bool {
		deliveries <- delivery{from, sealed}
		return true
	})
	c.Start()
	defer c.Stop()

	waitPush(t, rec, event.PushPending)
	if _, err := m.Insert(directRow(t, "peerfpCD", "one")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	waitPush(t, rec, event.PushConfirmed)
	waitDelivery(t, deliveries)

	// The feed dies.  The courier reports the loss, polls right away
	// and schedules a redial with the configured backoff.
	fs.lastSub().kill(errors.New("feed died"))
	waitPush(t, rec, event.PushNone)
	select {
	case op := <-rec.errs:
		if op != "push" {
			t.Fatalf("transport error op %v, want push", op)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("no transport error for lost push")
	}

	if d := sched.fireNext(t); d != 7*time.Second {
		t.Fatalf("redial after %v, want 7s", d)
	}
	waitPush(t, rec, event.PushPending)

	// The recovered feed confirms again.
	if _, err := m.Insert(directRow(t, "peerfpCD", "two")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	waitPush(t, rec, event.PushConfirmed)
	if d := waitDelivery(t, deliveries); d.sealed != "two" {
		t.Fatalf("delivered %+v", d)
	}
}

func TestHandlerRetry(t *testing.T) {
	m := rowstore.NewMemStore()
	defer m.Close()

	if _, err := m.Insert(directRow(t, "peerfpCD", "retry me")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	responses := make(chan bool, 2)
	responses <- false
	responses <- true
	deliveries := make(chan delivery, 16)
	c, sched, _ := testCourier(t, m, func(from, sealed string) bool {
		deliveries <- delivery{from, sealed}
		return <-responses
	})
	c.Start()
	defer c.Stop()

	// First attempt is refused; the row stays put.
	waitDelivery(t, deliveries)
	waitStoreLen(t, m, 1)

	// The next poll hands the same row over again.
	sched.fireNext(t)
	if d := waitDelivery(t, deliveries); d.sealed != "retry me" {
		t.Fatalf("delivered %+v", d)
	}
	waitStoreLen(t, m, 0)
}

func TestStopRestart(t *testing.T) {
	m := rowstore.NewMemStore()
	defer m.Close()

	deliveries := make(chan delivery, 16)
	c, _, rec := testCourier(t, m, func(from, sealed string) bool {
		deliveries <- delivery{from, sealed}
		return true
	})

	c.Start()
	c.Start() // idempotent
	waitPush(t, rec, event.PushPending)
	c.Stop()
	c.Stop() // idempotent
	if c.Running() {
		t.Fatalf("courier running after Stop")
	}

	// A row inserted while stopped is not delivered.
	if _, err := m.Insert(directRow(t, "peerfpCD", "parked")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	noDelivery(t, deliveries)

	// A restarted courier picks it up on the initial poll.
	c.Start()
	defer c.Stop()
	if d := waitDelivery(t, deliveries); d.sealed != "parked" {
		t.Fatalf("delivered %+v", d)
	}
	waitStoreLen(t, m, 0)
}
