// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package httpstore

import (
	"bytes"
	"encoding/pem"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/companyzero/deaddrop/relay"
	"github.com/companyzero/deaddrop/rowstore"
)

func testRelay(t *testing.T) (*relay.Relay, *httptest.Server) {
	t.Helper()

	r := relay.New(relay.Opts{})
	return r, httptest.NewServer(r.Router())
}

func TestOpenRejects(t *testing.T) {
	tests := []struct {
		descr string
		base  string
		name  string
	}{
		{"unparsable url", "http://bad url", "x"},
		{"bad scheme", "ftp://relay", "x"},
		{"missing host", "http://", "x"},
		{"empty name", "http://relay", ""},
	}
	for _, test := range tests {
		if _, err := Open(test.base, test.name); err == nil {
			t.Fatalf("%v: Open succeeded", test.descr)
		}
	}
}

func TestStoreContract(t *testing.T) {
	r, srv := testRelay(t)
	defer r.Close()
	defer srv.Close()

	h, err := Open(srv.URL, "pair1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	payloads := [][]byte{
		[]byte("one"),
		{0x00, 0xde, 0xad, 0xff},
		[]byte("three"),
	}
	keys := make([]string, 0, len(payloads))
	for _, p := range payloads {
		key, err := h.Insert(p)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		keys = append(keys, key)
	}
	for i := 1; i < len(keys); i++ {
		if !(keys[i-1] < keys[i]) {
			t.Fatalf("keys out of order: %v !< %v", keys[i-1], keys[i])
		}
	}

	rows, err := h.SelectAll()
	if err != nil {
		t.Fatalf("SelectAll: %v", err)
	}
	if len(rows) != len(payloads) {
		t.Fatalf("got %v rows, want %v", len(rows), len(payloads))
	}
	for i, row := range rows {
		if row.Key != keys[i] || !bytes.Equal(row.Payload, payloads[i]) {
			t.Fatalf("row %v mismatch: %+v", i, row)
		}
	}

	if err = h.Delete(keys[1]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err = h.Delete(keys[1]); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	rows, err = h.SelectAll()
	if err != nil {
		t.Fatalf("SelectAll: %v", err)
	}
	if len(rows) != 2 || rows[0].Key != keys[0] || rows[1].Key != keys[2] {
		t.Fatalf("unexpected rows after delete: %+v", rows)
	}

	// The relay rejects empty payloads.
	if _, err = h.Insert(nil); err == nil {
		t.Fatalf("Insert of empty payload succeeded")
	} else if !strings.Contains(err.Error(), "400") {
		t.Fatalf("unexpected insert error: %v", err)
	}

	// A second client on the same drop shares the rows.
	h2, err := Open(srv.URL, "pair1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h2.Close()
	rows, err = h2.SelectAll()
	if err != nil {
		t.Fatalf("SelectAll: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("shared drop not visible: %+v", rows)
	}

	// A different drop is empty.
	other, err := Open(srv.URL, "pair2")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer other.Close()
	rows, err = other.SelectAll()
	if err != nil {
		t.Fatalf("SelectAll: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("drop isolation broken: %+v", rows)
	}
}

func TestPinnedCert(t *testing.T) {
	r := relay.New(relay.Opts{})
	defer r.Close()
	srv := httptest.NewTLSServer(r.Router())
	defer srv.Close()

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: srv.Certificate().Raw,
	})

	// The relay signs its own certificate, so without the pin the
	// handshake fails.
	bad, err := Open(srv.URL, "tlstest")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer bad.Close()
	if _, err = bad.Insert([]byte("x")); err == nil {
		t.Fatalf("Insert without pin succeeded")
	}

	h, err := OpenPinned(srv.URL, "tlstest", certPEM)
	if err != nil {
		t.Fatalf("OpenPinned: %v", err)
	}
	defer h.Close()
	key, err := h.Insert([]byte("sealed and delivered"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	rows, err := h.SelectAll()
	if err != nil {
		t.Fatalf("SelectAll: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != key {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	// The push feed dials wss through the same pin.
	pushed := make(chan rowstore.Row, 1)
	sub, err := h.SubscribeInsert(func(row rowstore.Row) {
		pushed <- row
	})
	if err != nil {
		t.Fatalf("SubscribeInsert: %v", err)
	}
	defer sub.Cancel()
	key, err = h.Insert([]byte("over wss"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	select {
	case row := <-pushed:
		if row.Key != key {
			t.Fatalf("pushed key %v, want %v", row.Key, key)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("push did not arrive")
	}

	if _, err = OpenPinned(srv.URL, "tlstest", []byte("junk")); err == nil {
		t.Fatalf("OpenPinned accepted a junk pin")
	}
}

func TestSubscribe(t *testing.T) {
	r, srv := testRelay(t)
	defer r.Close()
	defer srv.Close()

	alice, err := Open(srv.URL, "subtest")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer alice.Close()
	bob, err := Open(srv.URL, "subtest")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer bob.Close()

	rows := make(chan rowstore.Row, 8)
	sub, err := alice.SubscribeInsert(func(row rowstore.Row) {
		rows <- row
	})
	if err != nil {
		t.Fatalf("SubscribeInsert: %v", err)
	}
	defer sub.Cancel()

	key, err := bob.Insert([]byte("over the wire"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	select {
	case row := <-rows:
		if row.Key != key {
			t.Fatalf("pushed key %v, want %v", row.Key, key)
		}
		if string(row.Payload) != "over the wire" {
			t.Fatalf("pushed payload %q", row.Payload)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("push did not arrive")
	}

	sub.Cancel()
	select {
	case <-sub.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("subscription did not end")
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("canceled subscription error: %v", err)
	}
}

func TestSubscribeFeedLoss(t *testing.T) {
	r, srv := testRelay(t)
	defer srv.Close()

	h, err := Open(srv.URL, "losstest")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	sub, err := h.SubscribeInsert(func(rowstore.Row) {})
	if err != nil {
		t.Fatalf("SubscribeInsert: %v", err)
	}
	defer sub.Cancel()

	// Closing the relay's drops kills the feed server side.
	r.Close()
	select {
	case <-sub.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("subscription did not end")
	}
	if sub.Err() == nil {
		t.Fatalf("lost feed reported no error")
	}
}

func TestCloseEndsSubscription(t *testing.T) {
	r, srv := testRelay(t)
	defer r.Close()
	defer srv.Close()

	h, err := Open(srv.URL, "closetest")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	sub, err := h.SubscribeInsert(func(rowstore.Row) {})
	if err != nil {
		t.Fatalf("SubscribeInsert: %v", err)
	}

	if err = h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-sub.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("subscription did not end")
	}
	if !errors.Is(sub.Err(), rowstore.ErrClosed) {
		t.Fatalf("subscription error %v, want ErrClosed", sub.Err())
	}

	if _, err = h.Insert([]byte("x")); !errors.Is(err, rowstore.ErrClosed) {
		t.Fatalf("Insert after close: %v", err)
	}
	if _, err = h.SelectAll(); !errors.Is(err, rowstore.ErrClosed) {
		t.Fatalf("SelectAll after close: %v", err)
	}
	if err = h.Delete("k"); !errors.Is(err, rowstore.ErrClosed) {
		t.Fatalf("Delete after close: %v", err)
	}
	if _, err = h.SubscribeInsert(func(rowstore.Row) {}); !errors.Is(err, rowstore.ErrClosed) {
		t.Fatalf("SubscribeInsert after close: %v", err)
	}
	if err = h.Close(); !errors.Is(err, rowstore.ErrClosed) {
		t.Fatalf("second Close: %v", err)
	}
}
