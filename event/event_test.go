// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package event

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

type counter struct {
	Nop
	events int
}

func (c *counter) MessageSent(int)              { c.events++ }
func (c *counter) PushChanged(PushState)        { c.events++ }
func (c *counter) TransportError(string, error) { c.events++ }

func TestMulti(t *testing.T) {
	a, b := &counter{}, &counter{}
	m := Multi{a, b}

	m.MessageSent(1)
	m.PushChanged(PushConfirmed)
	m.TransportError("insert", errors.New("down"))
	m.HandshakeCompleted("FP") // absorbed by the embedded Nop

	if a.events != 3 || b.events != 3 {
		t.Fatalf("fan out miscounted: %v %v", a.events, b.events)
	}
}

func TestLog(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	l := &Log{Logger: logger}

	l.HandshakeCompleted("FP")
	l.MessageSent(3)
	l.MessageReceived("FP", 42)
	l.ChunkProgress("a1b2c3", 1, 2)
	l.MessageRejected("decrypt", errors.New("forged"))
	l.Eviction(5)
	l.PushChanged(PushPending)
	l.TransportError("delete", errors.New("down"))

	if len(hook.Entries) != 8 {
		t.Fatalf("got %v log entries, want 8", len(hook.Entries))
	}
	if hook.Entries[0].Data["peer"] != "FP" {
		t.Fatalf("missing structured field: %+v", hook.Entries[0].Data)
	}
}

func TestPushStateString(t *testing.T) {
	tests := []struct {
		state PushState
		want  string
	}{
		{PushNone, "none"},
		{PushPending, "pending"},
		{PushConfirmed, "confirmed"},
		{PushState(99), "unknown"},
	}
	for i, test := range tests {
		if got := test.state.String(); got != test.want {
			t.Fatalf("test %v: got %q, want %q", i, got, test.want)
		}
	}
}
