// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package messenger ties the messaging core together: a long term
// identity on disk, a paired ratchet, and a courier draining the
// shared drop.  A Messenger owns exactly one conversation.
//
// State lives under a root directory.  identity.xdr holds the key
// pair, session.xdr the peer key and ratchet state, downloads/ the
// spooled attachments.  The session file is rewritten after every
// send and receive so a restart resumes mid conversation.
package messenger

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/companyzero/deaddrop/courier"
	"github.com/companyzero/deaddrop/ddidentity"
	"github.com/companyzero/deaddrop/ddutil"
	"github.com/companyzero/deaddrop/event"
	"github.com/companyzero/deaddrop/ratchet"
	"github.com/companyzero/deaddrop/ratchet/disk"
	"github.com/companyzero/deaddrop/rowstore"
	"github.com/davecgh/go-xdr/xdr2"
)

const defaultMaxAttachment = 10 * 1024 * 1024

var (
	// ErrTransport wraps drop failures so callers can tell a dead
	// transport from a caller mistake and retry the send verbatim.
	ErrTransport = errors.New("transport failure")

	// ErrNotConnected means the session is paired but the drop has
	// not been opened; Start fixes that.
	ErrNotConnected = errors.New("not connected to a drop")
)

// Config carries everything a Messenger needs.  Root, OpenStore and
// OnMessage are mandatory.
type Config struct {
	// Root is the state directory.  It is created if missing.
	Root string

	// Downloads overrides the attachment spool directory.  Empty
	// means downloads/ under Root.
	Downloads string

	// OpenStore opens the row store backing a named drop.  It is
	// called on connect with the rendezvous name derived from both
	// public keys.
	OpenStore func(name string) (rowstore.Store, error)

	// OnMessage receives every delivered message.  It runs on the
	// delivery goroutine; a slow callback delays further deliveries
	// but never drops them.
	OnMessage func(Message)

	// Observer receives lifecycle events.  Nil means none.
	Observer event.Observer

	// Rand is the entropy source for keys and message ids.  Nil
	// means crypto/rand.
	Rand io.Reader

	// MaxAttachmentBytes bounds a single outgoing attachment.
	// Zero means 10 MiB.
	MaxAttachmentBytes int64

	// Courier knobs.  Zero values take the courier defaults.
	PollInterval   time.Duration
	BackupInterval time.Duration
	Scheduler      courier.Scheduler
}

// Messenger drives one end to end encrypted conversation.
type Messenger struct {
	cfg          Config
	downloads    string
	identityPath string
	sessionPath  string
	us           string

	mtx   sync.Mutex
	kp    *ddidentity.KeyPair
	peer  *[ddidentity.KeySize]byte
	r     *ratchet.Ratchet
	store rowstore.Store
	cour  *courier.Courier
}

// sessionFile is the persisted conversation state.
type sessionFile struct {
	PeerPublic []byte
	Ratchet    disk.RatchetState
}

// New loads or creates the identity under cfg.Root and loads the
// session if one was saved.  It does not touch the network; call
// Start to connect a paired session, or Pair to establish one.
func New(cfg Config) (*Messenger, error) {
	if cfg.Root == "" {
		return nil, errors.New("messenger: empty root")
	}
	if cfg.OpenStore == nil {
		return nil, errors.New("messenger: nil store opener")
	}
	if cfg.OnMessage == nil {
		return nil, errors.New("messenger: nil message callback")
	}
	if cfg.Observer == nil {
		cfg.Observer = event.Nop{}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = defaultMaxAttachment
	}

	m := &Messenger{
		cfg:          cfg,
		downloads:    cfg.Downloads,
		identityPath: path.Join(cfg.Root, ddutil.DefaultIdentityFilename),
		sessionPath:  path.Join(cfg.Root, ddutil.DefaultSessionFilename),
	}
	if m.downloads == "" {
		m.downloads = path.Join(cfg.Root, ddutil.DefaultDownloadsDir)
	}
	if err := os.MkdirAll(cfg.Root, 0700); err != nil {
		return nil, fmt.Errorf("create root: %v", err)
	}
	if err := os.MkdirAll(m.downloads, 0700); err != nil {
		return nil, fmt.Errorf("create downloads: %v", err)
	}
	if err := m.loadIdentity(); err != nil {
		return nil, err
	}
	if err := m.loadSession(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Messenger) loadIdentity() error {
	buf, err := ioutil.ReadFile(m.identityPath)
	if err == nil {
		kp, err := ddidentity.UnmarshalKeyPair(buf)
		if err != nil {
			return fmt.Errorf("identity file: %v", err)
		}
		m.kp = kp
		m.us = ddidentity.Fingerprint(kp.Public)
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("identity file: %v", err)
	}

	kp, err := ddidentity.New(m.cfg.Rand)
	if err != nil {
		return err
	}
	buf, err = kp.Marshal()
	if err != nil {
		return err
	}
	if err = ioutil.WriteFile(m.identityPath, buf, 0600); err != nil {
		return fmt.Errorf("write identity: %v", err)
	}
	m.kp = kp
	m.us = ddidentity.Fingerprint(kp.Public)
	return nil
}

func (m *Messenger) loadSession() error {
	buf, err := ioutil.ReadFile(m.sessionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("session file: %v", err)
	}
	var sf sessionFile
	if _, err = xdr.Unmarshal(bytes.NewReader(buf), &sf); err != nil {
		return fmt.Errorf("session file: %v", err)
	}
	if len(sf.PeerPublic) != ddidentity.KeySize {
		return fmt.Errorf("session file: invalid peer key")
	}
	var peer [ddidentity.KeySize]byte
	copy(peer[:], sf.PeerPublic)

	r := ratchet.New(m.cfg.Rand)
	if err = r.Unmarshal(&sf.Ratchet); err != nil {
		return fmt.Errorf("session file: %v", err)
	}
	m.peer = &peer
	m.r = r
	return nil
}

// saveSessionLocked rewrites the session file.  Callers hold m.mtx.
func (m *Messenger) saveSessionLocked() error {
	if m.r == nil || m.peer == nil {
		return nil
	}
	sf := sessionFile{
		PeerPublic: m.peer[:],
		Ratchet:    *m.r.Marshal(),
	}
	b := &bytes.Buffer{}
	if _, err := xdr.Marshal(b, sf); err != nil {
		return fmt.Errorf("session encode: %v", err)
	}
	if err := ioutil.WriteFile(m.sessionPath, b.Bytes(), 0600); err != nil {
		return fmt.Errorf("session write: %v", err)
	}
	return nil
}

// Save flushes the session to disk.  Sends and receives save on their
// own; this exists for orderly shutdown paths.
func (m *Messenger) Save() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.saveSessionLocked()
}

// Fingerprint returns our public key fingerprint.
func (m *Messenger) Fingerprint() string {
	return m.us
}

// Invite returns the code a peer needs to pair with us.
func (m *Messenger) Invite() string {
	return ddidentity.EncodePublic(m.kp.Public)
}

// Paired returns true once a key exchange has completed.
func (m *Messenger) Paired() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.r != nil && m.r.Established()
}

// PeerFingerprint returns the paired peer's fingerprint.
func (m *Messenger) PeerFingerprint() (string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.peer == nil {
		return "", ratchet.ErrNotEstablished
	}
	return ddidentity.Fingerprint(m.peer), nil
}

// DropName returns the rendezvous name shared with the peer.
func (m *Messenger) DropName() (string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.peer == nil {
		return "", ratchet.ErrNotEstablished
	}
	return ddidentity.Rendezvous(m.kp.Public, m.peer), nil
}

// Counts returns how many messages each direction of the ratchet has
// sealed and opened.
func (m *Messenger) Counts() (sent, received uint32) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.r == nil {
		return 0, 0
	}
	return m.r.SendCount(), m.r.RecvCount()
}

// Pair completes a key exchange with a peer's invite code, saves the
// session and connects to the shared drop.  Pairing over an
// established session is refused; Reset first.  A connect failure
// leaves the session paired, Start retries the connection.
func (m *Messenger) Pair(invite string) error {
	pub, err := ddidentity.ParsePublic(strings.TrimSpace(invite))
	if err != nil {
		return err
	}

	m.mtx.Lock()
	if m.r != nil && m.r.Established() {
		m.mtx.Unlock()
		return ratchet.ErrEstablished
	}
	r := ratchet.New(m.cfg.Rand)
	if err := r.KeyExchange(m.kp, pub); err != nil {
		m.mtx.Unlock()
		return err
	}
	m.r = r
	m.peer = pub
	if err := m.saveSessionLocked(); err != nil {
		m.mtx.Unlock()
		return err
	}
	peerFP := ddidentity.Fingerprint(pub)
	err = m.connectLocked()
	m.mtx.Unlock()
	if err != nil {
		return err
	}

	m.cfg.Observer.HandshakeCompleted(peerFP)
	return nil
}

// Start connects a paired session to its drop.  Starting an unpaired
// or already connected Messenger is an error and a no-op
// respectively.
func (m *Messenger) Start() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.r == nil || !m.r.Established() {
		return ratchet.ErrNotEstablished
	}
	return m.connectLocked()
}

// connectLocked opens the rendezvous drop and starts the courier.
// Callers hold m.mtx.
func (m *Messenger) connectLocked() error {
	if m.store != nil {
		return nil
	}
	name := ddidentity.Rendezvous(m.kp.Public, m.peer)
	store, err := m.cfg.OpenStore(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	cour, err := courier.New(courier.Config{
		Store:          store,
		Us:             m.us,
		Handle:         m.handleSealed,
		Observer:       m.cfg.Observer,
		PollInterval:   m.cfg.PollInterval,
		BackupInterval: m.cfg.BackupInterval,
		Scheduler:      m.cfg.Scheduler,
	})
	if err != nil {
		store.Close()
		return err
	}
	m.store = store
	m.cour = cour
	cour.Start()
	return nil
}

// Stop disconnects from the drop.  The session stays paired and on
// disk; Start reconnects.
func (m *Messenger) Stop() {
	m.mtx.Lock()
	cour, store := m.cour, m.store
	m.cour, m.store = nil, nil
	m.mtx.Unlock()

	// The courier may be mid delivery and blocked on our mutex, so
	// it is stopped after the release above.
	if cour != nil {
		cour.Stop()
	}
	if store != nil {
		store.Close()
	}
}

// Reset burns the conversation: the courier stops, the ratchet is
// wiped and the session file is removed.  The identity survives, so
// both sides can exchange invites and pair again.
func (m *Messenger) Reset() error {
	m.mtx.Lock()
	cour, store := m.cour, m.store
	m.cour, m.store = nil, nil
	if m.r != nil {
		m.r.Zero()
		m.r = nil
	}
	m.peer = nil
	err := os.Remove(m.sessionPath)
	m.mtx.Unlock()

	if cour != nil {
		cour.Stop()
	}
	if store != nil {
		store.Close()
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session: %v", err)
	}
	return nil
}
