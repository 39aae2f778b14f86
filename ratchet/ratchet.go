// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ratchet implements a simplified double ratchet.  Two chain
// keys, one per direction, advance by a one way function on every
// message and absorb a fresh Diffie-Hellman result after every
// message.  A compromised chain key therefore exposes neither past
// messages (the step is one way) nor future ones (the next step folds
// in key material the attacker does not hold).
//
// The simplification relative to a full double ratchet is deliberate:
// there is no header encryption and no skipped message key storage.
// Messages must reach the receiver in the order they were sent; a
// permanently lost message desynchronizes the chains and only a
// session reset recovers.  The transport above this package provides
// ordered, at least once delivery to compensate.
//
// State changes follow a strict commit discipline.  Encrypt commits
// the send chain advance and the ephemeral key rotation only after
// the sealed message exists; a transport failure afterwards is undone
// with SendSnapshot and RestoreSend.  Decrypt commits the receive
// chain advance only after the message authenticated and parsed, so a
// corrupt or forged message can be retried or discarded without
// consuming a ratchet step.
package ratchet

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/companyzero/deaddrop/ddidentity"
	"github.com/companyzero/deaddrop/ratchet/disk"
	"github.com/companyzero/deaddrop/sealbox"
	"github.com/companyzero/deaddrop/wire"
)

const (
	// KeySize is the chain and message key size, in bytes.
	KeySize = 32
)

// chain key derivation tags
const (
	tagChain   = 0x01
	tagMessage = 0x02
)

var (
	ErrNotEstablished = errors.New("ratchet not established")
	ErrEstablished    = errors.New("ratchet already established")
	ErrEqualKeys      = errors.New("identical public keys")
)

// Ratchet holds one conversation's chain state.  It is not safe for
// concurrent use; the owner serializes access.
type Ratchet struct {
	rand io.Reader

	established bool
	sendChain   [KeySize]byte
	recvChain   [KeySize]byte

	// ratchetPriv and ratchetPub are the key pair announced in our
	// last message.  Until the first send they are a copy of the
	// identity pair, which is what the peer folds against.
	ratchetPriv [KeySize]byte
	ratchetPub  [KeySize]byte

	// theirRatchet is the peer's last announced public key, their
	// identity until their first message arrives.
	theirRatchet [KeySize]byte

	sendCount uint32
	recvCount uint32
}

// New creates an unestablished ratchet drawing randomness from rand.
func New(rand io.Reader) *Ratchet {
	return &Ratchet{rand: rand}
}

// kdf hashes a key with a domain separation tag.
func kdf(key *[KeySize]byte, tag byte) *[KeySize]byte {
	h := sha256.New()
	h.Write(key[:])
	h.Write([]byte{tag})

	var out [KeySize]byte
	h.Sum(out[:0])
	return &out
}

// SymmetricStep derives the successor chain key and a one time
// message key from a chain key.  It is a pure function; committing
// next as the new chain state is the caller's decision.
func SymmetricStep(chain *[KeySize]byte) (next, message *[KeySize]byte) {
	return kdf(chain, tagChain), kdf(chain, tagMessage)
}

// DHStep folds a Diffie-Hellman result into a chain key.  It is a
// pure function.
func DHStep(chain, dh *[KeySize]byte) *[KeySize]byte {
	h := sha256.New()
	h.Write(chain[:])
	h.Write(dh[:])

	var out [KeySize]byte
	h.Sum(out[:0])
	return &out
}

// KeyExchange establishes the chains from our identity pair and the
// peer's identity public key.  Both sides derive the same two chains
// and pick opposite send directions by comparing public keys, so no
// additional round trip is needed.  It may be called once.
func (r *Ratchet) KeyExchange(ours *ddidentity.KeyPair, theirPublic *[KeySize]byte) error {
	if r.established {
		return ErrEstablished
	}
	switch bytes.Compare(ours.Public[:], theirPublic[:]) {
	case 0:
		return ErrEqualKeys
	}

	shared, err := ddidentity.SharedSecret(ours.Private, theirPublic)
	if err != nil {
		return err
	}

	chainA := kdf(shared, tagChain)
	chainB := kdf(shared, tagMessage)
	zero(shared[:])

	// the smaller public key's owner sends on chain A
	if bytes.Compare(ours.Public[:], theirPublic[:]) < 0 {
		copy(r.sendChain[:], chainA[:])
		copy(r.recvChain[:], chainB[:])
	} else {
		copy(r.sendChain[:], chainB[:])
		copy(r.recvChain[:], chainA[:])
	}
	zero(chainA[:])
	zero(chainB[:])

	copy(r.ratchetPriv[:], ours.Private[:])
	copy(r.ratchetPub[:], ours.Public[:])
	copy(r.theirRatchet[:], theirPublic[:])

	r.established = true
	return nil
}

// Encrypt seals p under the next one time message key and commits the
// send chain advance.  A fresh ephemeral pair is generated per call;
// its public key is stamped into p.RatchetKey before sealing so the
// peer can fold the same Diffie-Hellman result, and the pair replaces
// the announced one on commit.
func (r *Ratchet) Encrypt(p *wire.Payload) ([]byte, error) {
	if !r.established {
		return nil, ErrNotEstablished
	}

	fresh, err := ddidentity.New(r.rand)
	if err != nil {
		return nil, err
	}
	dh, err := ddidentity.SharedSecret(fresh.Private, &r.theirRatchet)
	if err != nil {
		return nil, err
	}

	next, message := SymmetricStep(&r.sendChain)
	folded := DHStep(next, dh)
	zero(next[:])
	zero(dh[:])

	p.RatchetKey = ddidentity.EncodePublic(fresh.Public)
	blob, err := json.Marshal(p)
	if err != nil {
		zero(message[:])
		zero(folded[:])
		return nil, err
	}
	sealed, err := sealbox.Seal(blob, message)
	zero(message[:])
	zero(blob)
	if err != nil {
		zero(folded[:])
		return nil, err
	}

	// commit
	copy(r.sendChain[:], folded[:])
	copy(r.ratchetPriv[:], fresh.Private[:])
	copy(r.ratchetPub[:], fresh.Public[:])
	r.sendCount++

	zero(folded[:])
	fresh.Zero()

	return sealed, nil
}

// Decrypt opens a sealed message with the next one time message key
// and, only once it has authenticated and parsed, commits the receive
// chain advance and adopts the sender's announced ratchet key.  On any
// failure the ratchet is exactly as it was, so the same or another
// message may be tried again.
func (r *Ratchet) Decrypt(sealed []byte) (*wire.Payload, error) {
	if !r.established {
		return nil, ErrNotEstablished
	}

	next, message := SymmetricStep(&r.recvChain)
	blob, err := sealbox.Open(sealed, message)
	zero(message[:])
	if err != nil {
		zero(next[:])
		return nil, err
	}

	p, err := wire.ParsePayload(blob)
	if err != nil {
		zero(next[:])
		return nil, err
	}
	theirNext, err := ddidentity.ParsePublic(p.RatchetKey)
	if err != nil {
		zero(next[:])
		return nil, fmt.Errorf("%w: bad ratchet key", wire.ErrMalformed)
	}
	dh, err := ddidentity.SharedSecret(&r.ratchetPriv, theirNext)
	if err != nil {
		zero(next[:])
		return nil, fmt.Errorf("%w: degenerate ratchet key", wire.ErrMalformed)
	}

	folded := DHStep(next, dh)
	zero(next[:])
	zero(dh[:])

	// commit
	copy(r.recvChain[:], folded[:])
	copy(r.theirRatchet[:], theirNext[:])
	r.recvCount++

	zero(folded[:])

	return p, nil
}

// SendState is a snapshot of the send half of a ratchet, taken before
// a send and restored if the transport attempt fails.
type SendState struct {
	sendChain   [KeySize]byte
	ratchetPriv [KeySize]byte
	ratchetPub  [KeySize]byte
	sendCount   uint32
}

// SendSnapshot captures the send half of the ratchet.
func (r *Ratchet) SendSnapshot() *SendState {
	s := &SendState{sendCount: r.sendCount}
	copy(s.sendChain[:], r.sendChain[:])
	copy(s.ratchetPriv[:], r.ratchetPriv[:])
	copy(s.ratchetPub[:], r.ratchetPub[:])
	return s
}

// RestoreSend rewinds the send half to a snapshot.  The chain key,
// the announced key pair and the send counter revert together; there
// is no partial restore.
func (r *Ratchet) RestoreSend(s *SendState) {
	copy(r.sendChain[:], s.sendChain[:])
	copy(r.ratchetPriv[:], s.ratchetPriv[:])
	copy(r.ratchetPub[:], s.ratchetPub[:])
	r.sendCount = s.sendCount
}

// Zero wipes the snapshot.
func (s *SendState) Zero() {
	zero(s.sendChain[:])
	zero(s.ratchetPriv[:])
	zero(s.ratchetPub[:])
	s.sendCount = 0
}

// Established returns true once KeyExchange has completed.
func (r *Ratchet) Established() bool {
	return r.established
}

// SendCount returns the number of committed sends.
func (r *Ratchet) SendCount() uint32 {
	return r.sendCount
}

// RecvCount returns the number of committed receives.
func (r *Ratchet) RecvCount() uint32 {
	return r.recvCount
}

// TheirRatchet returns the peer's last announced public key.
func (r *Ratchet) TheirRatchet() *[KeySize]byte {
	var pub [KeySize]byte
	copy(pub[:], r.theirRatchet[:])
	return &pub
}

// Marshal flattens the ratchet for persistence.
func (r *Ratchet) Marshal() *disk.RatchetState {
	rs := disk.RatchetState{
		Established: r.established,
		SendCount:   r.sendCount,
		RecvCount:   r.recvCount,
	}
	if r.established {
		rs.SendChainKey = dup(r.sendChain[:])
		rs.RecvChainKey = dup(r.recvChain[:])
		rs.SendRatchetPrivate = dup(r.ratchetPriv[:])
		rs.RecvRatchetPublic = dup(r.theirRatchet[:])
	}
	return &rs
}

// Unmarshal restores a ratchet from persisted state.  The announced
// public key is recomputed from its private scalar rather than
// stored.
func (r *Ratchet) Unmarshal(rs *disk.RatchetState) error {
	if r.established {
		return ErrEstablished
	}
	if !rs.Established {
		r.sendCount = rs.SendCount
		r.recvCount = rs.RecvCount
		return nil
	}

	for _, k := range [][]byte{
		rs.SendChainKey,
		rs.RecvChainKey,
		rs.SendRatchetPrivate,
		rs.RecvRatchetPublic,
	} {
		if len(k) != KeySize {
			return fmt.Errorf("corrupt ratchet state: "+
				"key length %v", len(k))
		}
	}

	copy(r.sendChain[:], rs.SendChainKey)
	copy(r.recvChain[:], rs.RecvChainKey)
	copy(r.ratchetPriv[:], rs.SendRatchetPrivate)
	copy(r.theirRatchet[:], rs.RecvRatchetPublic)

	pub, err := ddidentity.PublicFromPrivate(&r.ratchetPriv)
	if err != nil {
		return fmt.Errorf("corrupt ratchet state: %v", err)
	}
	copy(r.ratchetPub[:], pub[:])

	r.sendCount = rs.SendCount
	r.recvCount = rs.RecvCount
	r.established = true
	return nil
}

// Zero wipes all key material.  The ratchet is unusable afterwards.
func (r *Ratchet) Zero() {
	zero(r.sendChain[:])
	zero(r.recvChain[:])
	zero(r.ratchetPriv[:])
	zero(r.ratchetPub[:])
	zero(r.theirRatchet[:])
	r.established = false
	r.sendCount = 0
	r.recvCount = 0
}

func dup(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func zero(in []byte) {
	for i := range in {
		in[i] ^= in[i]
	}
}
