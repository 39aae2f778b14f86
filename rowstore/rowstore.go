// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package rowstore defines the dead drop contract.  A drop is an
// ordered bag of opaque rows; peers insert sealed envelopes, poll
// with SelectAll, delete what they consumed and may subscribe to
// inserts for lower latency.  Everything above this interface is
// transport agnostic: the same delivery code runs against memory,
// sqlite or a relay server.
package rowstore

import "errors"

var (
	ErrClosed = errors.New("store closed")

	// ErrNoPush is returned by SubscribeInsert when a store has no
	// insert feed at all.  Consumers fall back to polling.
	ErrNoPush = errors.New("push not supported")
)

// Row is one drop record.  Key is assigned by the store on insert and
// orders rows by insertion; Payload is an opaque JSON envelope.
type Row struct {
	Key     string
	Payload []byte
}

// Store is a dead drop.  Implementations must be safe for concurrent
// use.
type Store interface {
	// Insert appends a row and returns its key.
	Insert(payload []byte) (string, error)

	// SelectAll returns every live row in insertion order.
	SelectAll() ([]Row, error)

	// Delete removes a row.  Deleting an absent key is not an
	// error; at least once consumers delete the same key freely.
	Delete(key string) error

	// SubscribeInsert registers cb to run for rows inserted from
	// now on.  A nil error confirms the push channel is live; the
	// returned subscription reports when it dies.  Push is best
	// effort, polling remains the source of truth.
	SubscribeInsert(cb func(Row)) (Subscription, error)

	// Close releases the store.  Open subscriptions end with
	// ErrClosed.
	Close() error
}

// Subscription is a live insert feed.
type Subscription interface {
	// Cancel ends the subscription.  Safe to call repeatedly.
	Cancel()

	// Done is closed once the subscription has ended, whether by
	// Cancel or by failure.
	Done() <-chan struct{}

	// Err reports why the subscription ended, nil after Cancel.
	// Valid only after Done is closed.
	Err() error
}
