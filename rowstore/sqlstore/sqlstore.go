// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sqlstore backs a dead drop with a sqlite file.  Two clients
// on a shared filesystem can point at the same file and use it as
// their drop; a file lock is taken per operation so the peers
// interleave instead of excluding each other.  There is no insert
// feed across processes, so SubscribeInsert declines and delivery
// runs on polling alone.
package sqlstore

import (
	"database/sql"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/companyzero/deaddrop/rowstore"
)

const (
	createStmt = `create table if not exists drop_rows (
	id integer primary key autoincrement,
	payload blob not null
);`

	// lockWait bounds how long one operation waits for the peer to
	// release the file lock.
	lockWait = 5 * time.Second
)

// SQLStore is a file backed Store.
type SQLStore struct {
	mtx    sync.Mutex
	db     *sql.DB
	lock   *flock.Flock
	closed bool
}

var _ rowstore.Store = (*SQLStore)(nil)

// Open opens or creates the drop file.
func Open(filename string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}

	s := &SQLStore{
		db:   db,
		lock: flock.New(filename + ".lock"),
	}
	err = s.locked(func() error {
		_, err := s.db.Exec(createStmt)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create table")
	}
	return s, nil
}

// locked runs fn while holding the cross process file lock.
func (s *SQLStore) locked(fn func() error) error {
	deadline := time.Now().Add(lockWait)
	for {
		ok, err := s.lock.TryLock()
		if err != nil {
			return errors.Wrap(err, "lock")
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return errors.New("lock timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer s.lock.Unlock()

	return fn()
}

func (s *SQLStore) Insert(payload []byte) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return "", rowstore.ErrClosed
	}

	var key string
	err := s.locked(func() error {
		res, err := s.db.Exec("insert into drop_rows(payload) "+
			"values(?)", payload)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		key = formatKey(id)
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "insert")
	}
	return key, nil
}

func (s *SQLStore) SelectAll() ([]rowstore.Row, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil, rowstore.ErrClosed
	}

	var out []rowstore.Row
	err := s.locked(func() error {
		rows, err := s.db.Query("select id, payload from drop_rows " +
			"order by id")
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id      int64
				payload []byte
			)
			if err := rows.Scan(&id, &payload); err != nil {
				return err
			}
			out = append(out, rowstore.Row{
				Key:     formatKey(id),
				Payload: payload,
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.Wrap(err, "select")
	}
	return out, nil
}

func (s *SQLStore) Delete(key string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return rowstore.ErrClosed
	}

	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		// not a key this store ever issued, nothing to delete
		return nil
	}

	err = s.locked(func() error {
		_, err := s.db.Exec("delete from drop_rows where id = ?", id)
		return err
	})
	return errors.Wrap(err, "delete")
}

func (s *SQLStore) SubscribeInsert(func(rowstore.Row)) (rowstore.Subscription, error) {
	return nil, rowstore.ErrNoPush
}

func (s *SQLStore) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Wrap(s.db.Close(), "close")
}

// formatKey zero pads so keys sort the same as ids.
func formatKey(id int64) string {
	key := strconv.FormatInt(id, 10)
	for len(key) < 12 {
		key = "0" + key
	}
	return key
}
