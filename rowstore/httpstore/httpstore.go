// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package httpstore implements the row store contract against a relay
// drop over HTTP.  Inserts land with POST, polls with GET, and the
// push side rides the relay's WebSocket feed.
package httpstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/companyzero/deaddrop/relay"
	"github.com/companyzero/deaddrop/rowstore"
	"nhooyr.io/websocket"
)

const (
	requestWait = 30 * time.Second
	dialWait    = 15 * time.Second

	// feedReadLimit must hold a full chunk row frame.
	feedReadLimit = 4 << 20
)

// HTTPStore is a rowstore.Store client for one relay drop.
type HTTPStore struct {
	base string
	name string
	hc   *http.Client // JSON API, bounded per request
	wc   *http.Client // WebSocket dials, lifetime bound by the feed

	mtx    sync.Mutex
	closed bool
	subs   []*wsSub
}

var _ rowstore.Store = (*HTTPStore)(nil)

// Open validates the relay URL and returns a store for the named drop.
// No connection is attempted until the first operation.
func Open(base, name string) (*HTTPStore, error) {
	return OpenPinned(base, name, nil)
}

// OpenPinned is Open with the relay's PEM certificate pinned as the
// only trusted root, for relays that serve a self signed certificate.
func OpenPinned(base, name string, serverCert []byte) (*HTTPStore, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("relay url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("relay url: missing host")
	}
	if name == "" {
		return nil, errors.New("empty drop name")
	}

	hc := &http.Client{Timeout: requestWait}
	wc := &http.Client{}
	if serverCert != nil {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(serverCert) {
			return nil, errors.New("relay url: no certificate " +
				"in pin")
		}
		tc := &tls.Config{RootCAs: pool}
		hc.Transport = &http.Transport{TLSClientConfig: tc}
		wc.Transport = &http.Transport{TLSClientConfig: tc}
	}
	return &HTTPStore{
		base: strings.TrimRight(base, "/"),
		name: name,
		hc:   hc,
		wc:   wc,
	}, nil
}

func (h *HTTPStore) rowsURL() string {
	return h.base + "/drop/" + url.PathEscape(h.name) + "/rows"
}

// feedURL rewrites the scheme for the WebSocket dialer.
func (h *HTTPStore) feedURL() string {
	u := h.base + "/drop/" + url.PathEscape(h.name) + "/feed"
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return "ws://" + strings.TrimPrefix(u, "http://")
}

func (h *HTTPStore) isClosed() bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.closed
}

// statusError surfaces the relay's error reply when there is one.
func statusError(op string, resp *http.Response) error {
	var reply struct {
		Error string `json:"error"`
	}
	err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&reply)
	if err == nil && reply.Error != "" {
		return fmt.Errorf("relay %v: %v: %v", op, resp.Status, reply.Error)
	}
	return fmt.Errorf("relay %v: %v", op, resp.Status)
}

func (h *HTTPStore) Insert(payload []byte) (string, error) {
	if h.isClosed() {
		return "", rowstore.ErrClosed
	}
	resp, err := h.hc.Post(h.rowsURL(), "application/octet-stream",
		bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("relay insert: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", statusError("insert", resp)
	}
	var reply relay.InsertReply
	if err = json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("relay insert: %v", err)
	}
	if reply.Key == "" {
		return "", errors.New("relay insert: no key")
	}
	return reply.Key, nil
}

func (h *HTTPStore) SelectAll() ([]rowstore.Row, error) {
	if h.isClosed() {
		return nil, rowstore.ErrClosed
	}
	resp, err := h.hc.Get(h.rowsURL())
	if err != nil {
		return nil, fmt.Errorf("relay select: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, statusError("select", resp)
	}
	var reply []relay.StoredRow
	if err = json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("relay select: %v", err)
	}
	rows := make([]rowstore.Row, 0, len(reply))
	for _, row := range reply {
		rows = append(rows, rowstore.Row{Key: row.Key, Payload: row.Payload})
	}
	return rows, nil
}

func (h *HTTPStore) Delete(key string) error {
	if h.isClosed() {
		return rowstore.ErrClosed
	}
	req, err := http.NewRequest(http.MethodDelete,
		h.rowsURL()+"/"+url.PathEscape(key), nil)
	if err != nil {
		return fmt.Errorf("relay delete: %v", err)
	}
	resp, err := h.hc.Do(req)
	if err != nil {
		return fmt.Errorf("relay delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError("delete", resp)
	}
	io.Copy(ioutil.Discard, resp.Body)
	return nil
}

// SubscribeInsert dials the drop's feed and invokes cb for every
// pushed row.  The subscription ends with a nil error on Cancel and a
// non-nil error when the feed fails; either way the caller is expected
// to keep polling, pushes are best effort.
func (h *HTTPStore) SubscribeInsert(cb func(rowstore.Row)) (rowstore.Subscription, error) {
	if h.isClosed() {
		return nil, rowstore.ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	dctx, dcancel := context.WithTimeout(ctx, dialWait)
	conn, _, err := websocket.Dial(dctx, h.feedURL(), &websocket.DialOptions{
		HTTPClient: h.wc,
	})
	dcancel()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("relay feed: %v", err)
	}
	conn.SetReadLimit(feedReadLimit)

	sub := &wsSub{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	h.mtx.Lock()
	if h.closed {
		h.mtx.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, rowstore.ErrClosed
	}
	h.subs = append(h.subs, sub)
	h.mtx.Unlock()

	go func() {
		defer h.unlist(sub)
		sub.run(ctx, conn, cb)
	}()
	return sub, nil
}

// Close marks the store unusable and tears down live subscriptions
// with ErrClosed.
func (h *HTTPStore) Close() error {
	h.mtx.Lock()
	if h.closed {
		h.mtx.Unlock()
		return rowstore.ErrClosed
	}
	h.closed = true
	subs := h.subs
	h.subs = nil
	h.mtx.Unlock()

	for _, s := range subs {
		s.fail(rowstore.ErrClosed)
		s.cancel()
	}
	h.hc.CloseIdleConnections()
	h.wc.CloseIdleConnections()
	return nil
}

func (h *HTTPStore) unlist(sub *wsSub) {
	h.mtx.Lock()
	for i, s := range h.subs {
		if s == sub {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			break
		}
	}
	h.mtx.Unlock()
}

type wsSub struct {
	cancel context.CancelFunc
	done   chan struct{}

	mtx sync.Mutex
	err error
}

var _ rowstore.Subscription = (*wsSub)(nil)

func (s *wsSub) run(ctx context.Context, conn *websocket.Conn, cb func(rowstore.Row)) {
	defer close(s.done)
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			// A canceled subscription is not a failure.
			if ctx.Err() == nil {
				s.fail(fmt.Errorf("relay feed: %v", err))
			}
			return
		}
		var row relay.StoredRow
		if err = json.Unmarshal(frame, &row); err != nil {
			s.fail(fmt.Errorf("relay feed: bad frame: %v", err))
			return
		}
		cb(rowstore.Row{Key: row.Key, Payload: row.Payload})
	}
}

// fail records the first error only.
func (s *wsSub) fail(err error) {
	s.mtx.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mtx.Unlock()
}

func (s *wsSub) Cancel() {
	s.cancel()
}

func (s *wsSub) Done() <-chan struct{} {
	return s.done
}

func (s *wsSub) Err() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.err
}
