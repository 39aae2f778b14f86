// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package event carries the messaging core's observability.  The core
// reports what happened to an injected Observer and never logs on its
// own; callers decide whether events end up in a log file, a UI or
// nowhere.
package event

import (
	"github.com/sirupsen/logrus"
)

// PushState describes the push subscription half of delivery.  The
// poll cadence follows it: without a confirmed subscription polling
// runs at the short interval, with one it relaxes to the long backup
// interval.
type PushState int

const (
	PushNone      PushState = iota // no subscription
	PushPending                    // subscription being established
	PushConfirmed                  // subscription live
)

func (s PushState) String() string {
	switch s {
	case PushNone:
		return "none"
	case PushPending:
		return "pending"
	case PushConfirmed:
		return "confirmed"
	}
	return "unknown"
}

// Observer receives progress events from the messaging core.
// Implementations must not block; they are called from the delivery
// loop.
type Observer interface {
	// HandshakeCompleted fires once both identities are known and
	// the chains are derived.  peer is the peer's fingerprint.
	HandshakeCompleted(peer string)

	// MessageSent fires after a send committed and reached the
	// drop.  rows is the number of drop rows written.
	MessageSent(rows int)

	// MessageReceived fires after a message authenticated and
	// parsed.  size is the plaintext payload size in bytes.
	MessageReceived(from string, size int)

	// ChunkProgress fires per ingested fragment.
	ChunkProgress(mid string, have, total int)

	// MessageRejected fires when an incoming row is discarded as
	// unusable: a ciphertext that does not authenticate, a payload
	// that does not parse, a fragment with an impossible header.
	// reason names the check that failed.  Distinct from
	// TransportError; the drop is fine, the message is not.
	MessageRejected(reason string, err error)

	// Eviction fires when stale partial transfers are reclaimed.
	// rows is the number of drop rows scheduled for deletion.
	Eviction(rows int)

	// PushChanged fires on every push subscription transition.
	PushChanged(state PushState)

	// TransportError fires when a drop operation fails.  op names
	// the operation.
	TransportError(op string, err error)
}

// Nop discards all events.
type Nop struct{}

func (Nop) HandshakeCompleted(string)      {}
func (Nop) MessageSent(int)                {}
func (Nop) MessageReceived(string, int)    {}
func (Nop) ChunkProgress(string, int, int) {}
func (Nop) MessageRejected(string, error)  {}
func (Nop) Eviction(int)                   {}
func (Nop) PushChanged(PushState)          {}
func (Nop) TransportError(string, error)   {}

// Log writes events to a logrus logger with structured fields.
type Log struct {
	Logger logrus.FieldLogger
}

func (l *Log) HandshakeCompleted(peer string) {
	l.Logger.WithField("peer", peer).Info("handshake completed")
}

func (l *Log) MessageSent(rows int) {
	l.Logger.WithField("rows", rows).Info("message sent")
}

func (l *Log) MessageReceived(from string, size int) {
	l.Logger.WithFields(logrus.Fields{
		"from": from,
		"size": size,
	}).Info("message received")
}

func (l *Log) ChunkProgress(mid string, have, total int) {
	l.Logger.WithFields(logrus.Fields{
		"mid":   mid,
		"have":  have,
		"total": total,
	}).Debug("chunk progress")
}

func (l *Log) MessageRejected(reason string, err error) {
	l.Logger.WithFields(logrus.Fields{
		"reason": reason,
		"err":    err.Error(),
	}).Warn("message rejected")
}

func (l *Log) Eviction(rows int) {
	l.Logger.WithField("rows", rows).Info("evicted stale transfers")
}

func (l *Log) PushChanged(state PushState) {
	l.Logger.WithField("state", state.String()).Info("push subscription")
}

func (l *Log) TransportError(op string, err error) {
	l.Logger.WithFields(logrus.Fields{
		"op":  op,
		"err": err.Error(),
	}).Warn("transport error")
}

// Multi fans events out to several observers in order.
type Multi []Observer

func (m Multi) HandshakeCompleted(peer string) {
	for _, o := range m {
		o.HandshakeCompleted(peer)
	}
}

func (m Multi) MessageSent(rows int) {
	for _, o := range m {
		o.MessageSent(rows)
	}
}

func (m Multi) MessageReceived(from string, size int) {
	for _, o := range m {
		o.MessageReceived(from, size)
	}
}

func (m Multi) ChunkProgress(mid string, have, total int) {
	for _, o := range m {
		o.ChunkProgress(mid, have, total)
	}
}

func (m Multi) MessageRejected(reason string, err error) {
	for _, o := range m {
		o.MessageRejected(reason, err)
	}
}

func (m Multi) Eviction(rows int) {
	for _, o := range m {
		o.Eviction(rows)
	}
}

func (m Multi) PushChanged(state PushState) {
	for _, o := range m {
		o.PushChanged(state)
	}
}

func (m Multi) TransportError(op string, err error) {
	for _, o := range m {
		o.TransportError(op, err)
	}
}
