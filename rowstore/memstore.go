// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rowstore

import (
	"fmt"
	"sync"
)

// MemStore is an in-process Store.  The relay server backs each live
// drop with one, and tests use it directly.
type MemStore struct {
	mtx    sync.Mutex
	rows   []Row
	seq    uint64
	subs   map[uint64]*memSub
	subSeq uint64
	closed bool
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{subs: make(map[uint64]*memSub)}
}

func (m *MemStore) Insert(payload []byte) (string, error) {
	m.mtx.Lock()
	if m.closed {
		m.mtx.Unlock()
		return "", ErrClosed
	}

	m.seq++
	row := Row{
		// zero padded so insertion order survives string sorting
		Key:     fmt.Sprintf("%09d", m.seq),
		Payload: append([]byte(nil), payload...),
	}
	m.rows = append(m.rows, row)

	subs := make([]*memSub, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mtx.Unlock()

	// notify outside the lock so callbacks may use the store
	for _, s := range subs {
		s.notify(row)
	}
	return row.Key, nil
}

func (m *MemStore) SelectAll() ([]Row, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]Row, len(m.rows))
	copy(out, m.rows)
	return out, nil
}

func (m *MemStore) Delete(key string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return ErrClosed
	}

	for i, row := range m.rows {
		if row.Key == key {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemStore) SubscribeInsert(cb func(Row)) (Subscription, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	m.subSeq++
	id := m.subSeq
	s := &memSub{
		cb:   cb,
		done: make(chan struct{}),
		drop: func() {
			m.mtx.Lock()
			delete(m.subs, id)
			m.mtx.Unlock()
		},
	}
	m.subs[id] = s
	return s, nil
}

func (m *MemStore) Close() error {
	m.mtx.Lock()
	if m.closed {
		m.mtx.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[uint64]*memSub)
	m.rows = nil
	m.mtx.Unlock()

	for _, s := range subs {
		s.fail(ErrClosed)
	}
	return nil
}

// Len returns the number of live rows.
func (m *MemStore) Len() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.rows)
}

type memSub struct {
	cb   func(Row)
	drop func()

	mtx  sync.Mutex
	err  error
	done chan struct{}
	dead bool
}

func (s *memSub) notify(row Row) {
	s.mtx.Lock()
	dead := s.dead
	s.mtx.Unlock()
	if !dead {
		s.cb(row)
	}
}

func (s *memSub) end(err error) {
	s.mtx.Lock()
	if s.dead {
		s.mtx.Unlock()
		return
	}
	s.dead = true
	s.err = err
	close(s.done)
	s.mtx.Unlock()
	s.drop()
}

func (s *memSub) fail(err error) {
	s.end(err)
}

func (s *memSub) Cancel() {
	s.end(nil)
}

func (s *memSub) Done() <-chan struct{} {
	return s.done
}

func (s *memSub) Err() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.err
}
