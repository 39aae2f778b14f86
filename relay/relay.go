// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package relay hosts named drops over HTTP.  A drop is an ordered row
// table; paired peers derive a drop name from their public keys and
// exchange sealed rows through it.  Rows are served through a small
// JSON API with a WebSocket insert feed so that httpstore can satisfy
// the full row store contract, push included, against a shared relay.
package relay

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/companyzero/deaddrop/ddutil"
	"github.com/companyzero/deaddrop/rowstore"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const (
	// maxRowBytes bounds a single row.  A full chunk row is ~750 KiB of
	// base64 plus envelope overhead.
	maxRowBytes = 1 << 20

	maxNameLen = 64

	// pushBacklog is the per-feed buffer between the store callback and
	// the WebSocket writer.  A feed that falls this far behind is
	// closed; the subscriber reverts to polling and redials.
	pushBacklog = 64

	writeWait = 10 * time.Second

	defaultSweepInterval = time.Minute
)

// StoredRow is the JSON shape of a row in list replies and feed frames.
type StoredRow struct {
	Key     string `json:"key"`     // store assigned, ascending
	Payload []byte `json:"payload"` // base64 over the wire
}

// InsertReply carries the key assigned to a posted row.
type InsertReply struct {
	Key string `json:"key"`
}

// Opts configures a Relay.  The zero value serves drops forever with
// no logging.
type Opts struct {
	// TTL expires rows this long after insertion.  Zero disables
	// sweeping; abandoned rows then live until the drop is closed.
	TTL time.Duration

	// SweepInterval is the sweeper period, default one minute.
	SweepInterval time.Duration

	Log logrus.FieldLogger
}

// Relay serves a set of named drops.  Drops are created on first use
// and live until Close.
type Relay struct {
	ttl        time.Duration
	sweepEvery time.Duration
	log        logrus.FieldLogger
	router     *gin.Engine

	mtx   sync.Mutex
	drops map[string]*drop
}

func New(opts Opts) *Relay {
	r := &Relay{
		ttl:        opts.TTL,
		sweepEvery: opts.SweepInterval,
		log:        opts.Log,
		drops:      make(map[string]*drop),
	}
	if r.sweepEvery <= 0 {
		r.sweepEvery = defaultSweepInterval
	}
	if r.log == nil {
		l := logrus.New()
		l.SetOutput(ioutil.Discard)
		r.log = l
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.HEAD("/", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": ddutil.Version()})
	})
	router.POST("/drop/:name/rows", r.handleInsert)
	router.GET("/drop/:name/rows", r.handleSelect)
	router.DELETE("/drop/:name/rows/:key", r.handleDelete)
	router.GET("/drop/:name/feed", r.handleFeed)
	r.router = router
	return r
}

// Router returns the HTTP handler, for tests and for callers that run
// their own server.
func (r *Relay) Router() http.Handler {
	return r.router
}

// Run serves l until ctx is canceled, sweeping expired rows in the
// background.  All drops are closed on the way out.  Call once.
func (r *Relay) Run(ctx context.Context, l net.Listener) error {
	defer r.Close()

	srv := &http.Server{Handler: r.router}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		err := srv.Serve(l)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	if r.ttl > 0 {
		g.Go(func() error {
			r.sweep(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Close closes every drop, which ends all feed subscriptions.  The
// router keeps answering; later inserts create fresh drops.
func (r *Relay) Close() {
	r.mtx.Lock()
	drops := r.drops
	r.drops = make(map[string]*drop)
	r.mtx.Unlock()
	for _, d := range drops {
		d.store.Close()
	}
}

func (r *Relay) sweep(ctx context.Context) {
	t := time.NewTicker(r.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweepOnce(time.Now())
		}
	}
}

// sweepOnce deletes rows older than the TTL.  Abandoned rows are the
// usual cause: a peer that chunked a message and died mid send.
func (r *Relay) sweepOnce(now time.Time) {
	if r.ttl <= 0 {
		return
	}
	r.mtx.Lock()
	drops := make(map[string]*drop, len(r.drops))
	for name, d := range r.drops {
		drops[name] = d
	}
	r.mtx.Unlock()

	for name, d := range drops {
		keys := d.expired(now, r.ttl)
		for _, key := range keys {
			if err := d.remove(key); err != nil {
				r.log.Warnf("relay: sweep %v/%v: %v", name, key, err)
			}
		}
		if len(keys) > 0 {
			r.log.Debugf("relay: swept %v rows from %v", len(keys), name)
		}
	}
}

// openDrop returns the named drop, creating it on first use.
func (r *Relay) openDrop(name string) *drop {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	d, ok := r.drops[name]
	if !ok {
		d = &drop{
			store: rowstore.NewMemStore(),
			born:  make(map[string]time.Time),
		}
		r.drops[name] = d
	}
	return d
}

func (r *Relay) handleInsert(c *gin.Context) {
	name := c.Param("name")
	if !validName(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad drop name"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body,
		maxRowBytes+1)
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}
	if len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty payload"})
		return
	}
	if len(payload) > maxRowBytes {
		c.JSON(http.StatusRequestEntityTooLarge,
			gin.H{"error": "payload too large"})
		return
	}
	key, err := r.openDrop(name).insert(payload, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	r.log.Debugf("relay: insert %v/%v %v bytes", name, key, len(payload))
	c.JSON(http.StatusOK, InsertReply{Key: key})
}

func (r *Relay) handleSelect(c *gin.Context) {
	name := c.Param("name")
	if !validName(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad drop name"})
		return
	}
	rows, err := r.openDrop(name).store.SelectAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	reply := make([]StoredRow, 0, len(rows))
	for _, row := range rows {
		reply = append(reply, StoredRow{Key: row.Key, Payload: row.Payload})
	}
	c.JSON(http.StatusOK, reply)
}

func (r *Relay) handleDelete(c *gin.Context) {
	name := c.Param("name")
	if !validName(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad drop name"})
		return
	}
	if err := r.openDrop(name).remove(c.Param("key")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// handleFeed upgrades to a WebSocket and forwards inserts as JSON
// frames.  The subscription is registered before the upgrade completes
// so a row posted right after a successful dial is never missed.
func (r *Relay) handleFeed(c *gin.Context) {
	name := c.Param("name")
	if !validName(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad drop name"})
		return
	}
	d := r.openDrop(name)

	rows := make(chan rowstore.Row, pushBacklog)
	var once sync.Once
	overflow := make(chan struct{})
	sub, err := d.store.SubscribeInsert(func(row rowstore.Row) {
		select {
		case rows <- row:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer sub.Cancel()

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Debugf("relay: feed accept %v: %v", name, err)
		return
	}

	ctx := conn.CloseRead(c.Request.Context())
	r.log.Debugf("relay: feed open %v", name)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-sub.Done():
			conn.Close(websocket.StatusGoingAway, "drop closed")
			return
		case <-overflow:
			r.log.Warnf("relay: feed %v lagging, closing", name)
			conn.Close(websocket.StatusPolicyViolation, "feed lagging")
			return
		case row := <-rows:
			frame, err := json.Marshal(StoredRow{
				Key:     row.Key,
				Payload: row.Payload,
			})
			if err != nil {
				conn.Close(websocket.StatusInternalError, "encode")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err = conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				r.log.Debugf("relay: feed write %v: %v", name, err)
				return
			}
		}
	}
}

// drop pairs a memory store with insert timestamps for the sweeper.
type drop struct {
	store *rowstore.MemStore

	mtx  sync.Mutex
	born map[string]time.Time
}

func (d *drop) insert(payload []byte, now time.Time) (string, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	key, err := d.store.Insert(payload)
	if err != nil {
		return "", err
	}
	d.born[key] = now
	return key, nil
}

func (d *drop) remove(key string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if err := d.store.Delete(key); err != nil {
		return err
	}
	delete(d.born, key)
	return nil
}

func (d *drop) expired(now time.Time, ttl time.Duration) []string {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var keys []string
	for key, t := range d.born {
		if now.Sub(t) > ttl {
			keys = append(keys, key)
		}
	}
	return keys
}

func validName(name string) bool {
	if name == "" || len(name) > maxNameLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
