// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package courier synchronizes one side of a conversation with its
// drop.  It polls the row store, rides the store's push feed when one
// exists, reassembles chunked messages and hands each completed sealed
// message to a handler.  Consumed rows are deleted from the drop; a
// row is consumed only after the handler accepts it, so delivery is at
// least once and a crash never loses a message.
//
// All courier state is owned by a single event loop goroutine.  Store
// calls run in their own goroutines and post results back to the loop,
// so a slow drop never blocks Stop.
package courier

import (
	"errors"
	"sync"
	"time"

	"github.com/companyzero/deaddrop/chunker"
	"github.com/companyzero/deaddrop/event"
	"github.com/companyzero/deaddrop/rowstore"
	"github.com/companyzero/deaddrop/wire"
	"github.com/jpillora/backoff"
)

const (
	defaultPollInterval   = 30 * time.Second
	defaultBackupInterval = 5 * time.Minute
)

// Handler consumes one reassembled sealed message.  from is the
// sender fingerprint from the envelope, sealed the base64 ciphertext.
// It reports whether the backing rows may be deleted; false leaves
// them in the drop for a later attempt.
type Handler func(from, sealed string) bool

// CancelFunc stops a scheduled callback.  Stopping a callback that
// already fired is a no-op.
type CancelFunc func()

// Scheduler schedules a single callback.  Production wraps
// time.AfterFunc; tests drive a fake so the arbitration logic runs
// without real timers.
type Scheduler interface {
	After(d time.Duration, fn func()) CancelFunc
}

type timerScheduler struct{}

func (timerScheduler) After(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// TimerScheduler returns the production scheduler.
func TimerScheduler() Scheduler {
	return timerScheduler{}
}

// Config carries the courier's collaborators.  Store, Us and Handle
// are required.
type Config struct {
	Store rowstore.Store

	// Us is our fingerprint.  Rows we wrote ourselves carry it and
	// are skipped; they belong to the peer.
	Us string

	Handle Handler

	Observer event.Observer

	// PollInterval is the cadence without a confirmed push feed,
	// default 30s.  BackupInterval is the cadence with one, default
	// 5m.
	PollInterval   time.Duration
	BackupInterval time.Duration

	// MaxChunkAge bounds how long a partial transfer may linger,
	// default chunker.MaxAge.
	MaxChunkAge time.Duration

	Scheduler Scheduler

	// Backoff paces push resubscription attempts.
	Backoff *backoff.Backoff
}

// Courier runs the delivery sync loop.  Start and Stop are idempotent
// and a stopped courier may be started again; each start gets fresh
// chunk buffers.
type Courier struct {
	cfg Config

	mtx sync.Mutex
	cur *session
}

func New(cfg Config) (*Courier, error) {
	if cfg.Store == nil {
		return nil, errors.New("courier: nil store")
	}
	if cfg.Handle == nil {
		return nil, errors.New("courier: nil handler")
	}
	if cfg.Us == "" {
		return nil, errors.New("courier: empty fingerprint")
	}
	if cfg.Observer == nil {
		cfg.Observer = event.Nop{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BackupInterval <= 0 {
		cfg.BackupInterval = defaultBackupInterval
	}
	if cfg.MaxChunkAge <= 0 {
		cfg.MaxChunkAge = chunker.MaxAge
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = TimerScheduler()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = &backoff.Backoff{
			Min:    time.Second,
			Max:    time.Minute,
			Factor: 2,
			Jitter: true,
		}
	}
	return &Courier{cfg: cfg}, nil
}

// Start begins syncing.  A running courier is left alone.
func (c *Courier) Start() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.cur != nil {
		return
	}
	s := &session{
		cfg:       c.cfg,
		ops:       make(chan func(), 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		assembler: chunker.NewAssembler(),
		consumed:  make(map[string]struct{}),
		deleting:  make(map[string]struct{}),
		backoff:   c.cfg.Backoff,
	}
	s.backoff.Reset()
	c.cur = s
	go s.run()
	s.post(func() {
		s.trySubscribe()
		s.pollNow()
	})
}

// Stop tears the sync loop down: the pending poll timer is canceled,
// the push subscription ends and results of store calls still in
// flight are dropped.  Stop waits for the loop to exit.
func (c *Courier) Stop() {
	c.mtx.Lock()
	s := c.cur
	c.cur = nil
	c.mtx.Unlock()
	if s == nil {
		return
	}
	close(s.quit)
	<-s.done
}

// Running reports whether the sync loop is up.
func (c *Courier) Running() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.cur != nil
}

// session is the per-start state.  Only the run goroutine touches its
// fields; everything else posts closures.
type session struct {
	cfg  Config
	ops  chan func()
	quit chan struct{}
	done chan struct{}

	assembler *chunker.Assembler
	consumed  map[string]struct{} // handled, delete pending
	deleting  map[string]struct{} // delete in flight

	pushState    event.PushState
	push         rowstore.Subscription
	backoff      *backoff.Backoff
	polling      bool
	pollCancel   CancelFunc
	redialCancel CancelFunc
}

func (s *session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.teardown()
			return
		default:
		}
		select {
		case fn := <-s.ops:
			fn()
		case <-s.quit:
			s.teardown()
			return
		}
	}
}

func (s *session) teardown() {
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
	if s.redialCancel != nil {
		s.redialCancel()
		s.redialCancel = nil
	}
	if s.push != nil {
		s.push.Cancel()
		s.push = nil
	}
}

// post hands fn to the loop, or drops it if the session is over.
func (s *session) post(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.quit:
	}
}

func (s *session) interval() time.Duration {
	if s.pushState == event.PushConfirmed {
		return s.cfg.BackupInterval
	}
	return s.cfg.PollInterval
}

func (s *session) schedulePoll(d time.Duration) {
	if s.pollCancel != nil {
		s.pollCancel()
	}
	s.pollCancel = s.cfg.Scheduler.After(d, func() {
		s.post(s.pollNow)
	})
}

func (s *session) pollNow() {
	if s.polling {
		s.schedulePoll(s.interval())
		return
	}
	s.polling = true
	go func() {
		rows, err := s.cfg.Store.SelectAll()
		s.post(func() { s.pollDone(rows, err) })
	}()
}

func (s *session) pollDone(rows []rowstore.Row, err error) {
	s.polling = false
	if err != nil {
		s.cfg.Observer.TransportError("select", err)
	} else {
		for i := range rows {
			s.handleRow(rows[i])
		}
	}
	s.evict(time.Now())
	s.schedulePoll(s.interval())
}

// handleRow classifies one row and advances delivery.  Rows we wrote
// ourselves and rows that do not parse are left for their rightful
// consumer.
func (s *session) handleRow(row rowstore.Row) {
	if _, ok := s.consumed[row.Key]; ok {
		s.deleteRow(row.Key)
		return
	}
	env, err := wire.ParseEnvelope(row.Payload)
	if err != nil {
		return
	}
	if env.From == s.cfg.Us {
		return
	}

	if env.Type == wire.TypeChunk {
		s.handleChunk(env.Chunk(), row.Key)
		return
	}

	d := env.Direct()
	if s.cfg.Handle(d.From, d.Data) {
		s.consumed[row.Key] = struct{}{}
		s.deleteRow(row.Key)
	}
}

func (s *session) handleChunk(c *wire.Chunk, rowKey string) {
	complete, err := s.assembler.Ingest(c, rowKey, time.Now())
	if err != nil {
		// Poison fragment; it can never complete a transfer, so it
		// is burned instead of reparsed on every poll.  The transfer
		// it claims to belong to is unharmed.
		s.cfg.Observer.MessageRejected("chunk", err)
		s.consumed[rowKey] = struct{}{}
		s.deleteRow(rowKey)
		return
	}
	if complete == nil {
		have, total := s.assembler.Progress(c.MessageID)
		s.cfg.Observer.ChunkProgress(c.MessageID, have, total)
		return
	}

	s.cfg.Observer.ChunkProgress(c.MessageID, c.Total, c.Total)
	if !s.cfg.Handle(c.From, complete.Assembled) {
		// The fragments stay in the drop and reassemble on a later
		// poll.
		return
	}
	for _, key := range complete.RowKeys {
		s.consumed[key] = struct{}{}
		s.deleteRow(key)
	}
}

func (s *session) deleteRow(key string) {
	if _, ok := s.deleting[key]; ok {
		return
	}
	s.deleting[key] = struct{}{}
	go func() {
		err := s.cfg.Store.Delete(key)
		s.post(func() { s.deleteDone(key, err) })
	}()
}

func (s *session) deleteDone(key string, err error) {
	delete(s.deleting, key)
	if err != nil {
		// The consumed mark stays; the delete is retried when the
		// row shows up again.
		s.cfg.Observer.TransportError("delete", err)
		return
	}
	delete(s.consumed, key)
}

func (s *session) evict(now time.Time) {
	keys := s.assembler.EvictStale(now, s.cfg.MaxChunkAge)
	if len(keys) == 0 {
		return
	}
	s.cfg.Observer.Eviction(len(keys))
	for _, key := range keys {
		s.consumed[key] = struct{}{}
		s.deleteRow(key)
	}
}

func (s *session) setPushState(st event.PushState) {
	if s.pushState == st {
		return
	}
	s.pushState = st
	s.cfg.Observer.PushChanged(st)
}

func (s *session) trySubscribe() {
	s.redialCancel = nil
	go func() {
		// The callback must never block an inserter, so a full queue
		// drops the push; the poll path covers anything missed.
		sub, err := s.cfg.Store.SubscribeInsert(func(row rowstore.Row) {
			select {
			case s.ops <- func() { s.pushRow(row) }:
			default:
			}
		})
		select {
		case s.ops <- func() { s.subscribeDone(sub, err) }:
		case <-s.quit:
			if sub != nil {
				sub.Cancel()
			}
		}
	}()
}

func (s *session) subscribeDone(sub rowstore.Subscription, err error) {
	if err != nil {
		if errors.Is(err, rowstore.ErrNoPush) {
			// The store will never push; poll at the short
			// interval forever.
			s.setPushState(event.PushNone)
			return
		}
		s.cfg.Observer.TransportError("subscribe", err)
		s.setPushState(event.PushNone)
		s.scheduleRedial()
		return
	}
	s.push = sub
	s.backoff.Reset()
	s.setPushState(event.PushPending)
	go func() {
		select {
		case <-sub.Done():
			s.post(func() { s.pushLost(sub) })
		case <-s.quit:
		}
	}()
}

// pushRow applies one pushed row.  The first push proves the feed
// works end to end; polling then relaxes to the backup interval.
func (s *session) pushRow(row rowstore.Row) {
	if s.pushState != event.PushConfirmed {
		s.setPushState(event.PushConfirmed)
		s.schedulePoll(s.cfg.BackupInterval)
	}
	s.handleRow(row)
}

func (s *session) pushLost(sub rowstore.Subscription) {
	if s.push != sub {
		return
	}
	s.push = nil
	if err := sub.Err(); err != nil {
		s.cfg.Observer.TransportError("push", err)
	}
	s.setPushState(event.PushNone)

	// Cover the gap right away and fall back to short polling.
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
	s.pollNow()
	s.scheduleRedial()
}

func (s *session) scheduleRedial() {
	if s.redialCancel != nil {
		s.redialCancel()
	}
	s.redialCancel = s.cfg.Scheduler.After(s.backoff.Duration(), func() {
		s.post(s.trySubscribe)
	})
}
