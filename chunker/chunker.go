// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chunker splits oversized sealed payloads into drop sized
// fragments and reassembles them from an unordered, possibly
// duplicated delivery stream.  Partial transfers that stop making
// progress are evicted so an abandoned send cannot pin memory or drop
// rows forever.
package chunker

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/companyzero/deaddrop/wire"
)

const (
	// ChunkSize is the largest sealed payload, in characters, that
	// travels in a single drop row.  Anything larger is split.
	ChunkSize = 750000

	// MessageIDSize is the length of a reassembly token.
	MessageIDSize = 6

	// MaxAge is how long an incomplete transfer may linger before
	// eviction reclaims it.
	MaxAge = 5 * time.Minute
)

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewMessageID draws a random reassembly token from rand.
func NewMessageID(rand io.Reader) (string, error) {
	var raw [MessageIDSize]byte
	if _, err := io.ReadFull(rand, raw[:]); err != nil {
		return "", err
	}

	id := make([]byte, MessageIDSize)
	for i, b := range raw {
		id[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(id), nil
}

// Split fragments a sealed payload into chunks of at most ChunkSize
// characters, all sharing a fresh message id.  Payloads at or under
// ChunkSize do not need this package and travel as a single direct
// envelope instead.
func Split(rand io.Reader, sealed, from string) ([]*wire.Chunk, error) {
	mid, err := NewMessageID(rand)
	if err != nil {
		return nil, err
	}

	total := (len(sealed) + ChunkSize - 1) / ChunkSize
	chunks := make([]*wire.Chunk, 0, total)
	for seq := 0; seq < total; seq++ {
		end := (seq + 1) * ChunkSize
		if end > len(sealed) {
			end = len(sealed)
		}
		chunks = append(chunks, &wire.Chunk{
			From:      from,
			Type:      wire.TypeChunk,
			MessageID: mid,
			Seq:       seq,
			Total:     total,
			Data:      sealed[seq*ChunkSize : end],
		})
	}
	return chunks, nil
}

// Complete is a fully reassembled payload plus every drop row that
// contributed a fragment, duplicates included, for deletion.
type Complete struct {
	Assembled string
	RowKeys   []string
}

// buffer collects the fragments of one message id.
type buffer struct {
	total     int
	firstSeen time.Time
	chunks    map[int]string
	rowKeys   []string
}

// Assembler reassembles chunked messages.  It is not safe for
// concurrent use; the delivery loop owns it.
type Assembler struct {
	buffers map[string]*buffer
}

func NewAssembler() *Assembler {
	return &Assembler{buffers: make(map[string]*buffer)}
}

// Pending returns the number of incomplete transfers.
func (a *Assembler) Pending() int {
	return len(a.buffers)
}

// Progress reports how much of a pending transfer has arrived.  An
// unknown message id reports 0 of 0.
func (a *Assembler) Progress(mid string) (have, total int) {
	b, ok := a.buffers[mid]
	if !ok {
		return 0, 0
	}
	return len(b.chunks), b.total
}

// Ingest records one fragment.  Duplicate sequence numbers are
// expected under at least once delivery; the latest write wins and
// every contributing row key is remembered for deletion.  When the
// final fragment lands the assembled payload is returned and the
// transfer forgotten.
func (a *Assembler) Ingest(c *wire.Chunk, rowKey string, now time.Time) (*Complete, error) {
	if err := c.Valid(); err != nil {
		return nil, err
	}

	b, ok := a.buffers[c.MessageID]
	if !ok {
		b = &buffer{
			total:     c.Total,
			firstSeen: now,
			chunks:    make(map[int]string),
		}
		a.buffers[c.MessageID] = b
	}
	if c.Total != b.total {
		return nil, fmt.Errorf("%w: total changed from %v to %v",
			wire.ErrMalformed, b.total, c.Total)
	}

	b.chunks[c.Seq] = c.Data
	b.rowKeys = append(b.rowKeys, rowKey)

	if len(b.chunks) < b.total {
		return nil, nil
	}

	// every sequence is present; gaps are impossible
	seqs := make([]int, 0, b.total)
	for seq := range b.chunks {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	var sb strings.Builder
	for _, seq := range seqs {
		sb.WriteString(b.chunks[seq])
	}

	delete(a.buffers, c.MessageID)
	return &Complete{Assembled: sb.String(), RowKeys: b.rowKeys}, nil
}

// EvictStale removes every transfer first seen before now less maxAge
// and returns the row keys it had accumulated, for best effort
// deletion from the drop.
func (a *Assembler) EvictStale(now time.Time, maxAge time.Duration) []string {
	var evicted []string
	for mid, b := range a.buffers {
		if now.Sub(b.firstSeen) <= maxAge {
			continue
		}
		evicted = append(evicted, b.rowKeys...)
		delete(a.buffers, mid)
	}
	return evicted
}
