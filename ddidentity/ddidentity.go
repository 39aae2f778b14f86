// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// ddidentity package manages deaddrop key pairs, fingerprints and invites.
//
// A deaddrop identity is a bare X25519 key pair.  The public key doubles as
// the invite artifact: peers exchange base64 encoded public keys through any
// out-of-band channel and derive a shared secret from them.  There is no
// signing key, no certificate and no name; the public key is the identity.
package ddidentity

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/davecgh/go-xdr/xdr2"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidKey = errors.New("invalid public key")
)

const (
	// KeySize is the size of X25519 public keys and scalars.
	KeySize = 32

	// FingerprintSize is the number of base64 characters that make up a
	// fingerprint.  Fingerprints are used for echo suppression on the
	// relay, not for authentication.
	FingerprintSize = 8
)

// KeyPair holds an X25519 key pair.  The private key is kept behind a
// pointer so that it can be zeroed in place when the pair is retired.
type KeyPair struct {
	Public  *[KeySize]byte
	Private *[KeySize]byte
}

// diskKeyPair is the XDR on-disk representation of a KeyPair.
type diskKeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// New generates a key pair from rand.  Every call consumes fresh
// randomness; a scalar is never handed out twice.
func New(rand io.Reader) (*KeyPair, error) {
	var private [KeySize]byte
	_, err := io.ReadFull(rand, private[:])
	if err != nil {
		return nil, err
	}

	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	kp := KeyPair{
		Public:  new([KeySize]byte),
		Private: new([KeySize]byte),
	}
	copy(kp.Public[:], pub)
	copy(kp.Private[:], private[:])
	zero(private[:])
	zero(pub)

	return &kp, nil
}

// SharedSecret computes the raw X25519 shared secret between private and
// public.  The output is not hashed; callers are expected to run it through
// a KDF.  Degenerate public keys (low order points) are rejected with
// ErrInvalidKey.
func SharedSecret(private, public *[KeySize]byte) (*[KeySize]byte, error) {
	s, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	var secret [KeySize]byte
	copy(secret[:], s)
	zero(s)

	return &secret, nil
}

// PublicFromPrivate recomputes the public key of a scalar.  Used when
// restoring persisted state that stores only the private half.
func PublicFromPrivate(private *[KeySize]byte) (*[KeySize]byte, error) {
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	var public [KeySize]byte
	copy(public[:], pub)
	zero(pub)

	return &public, nil
}

// Fingerprint returns the short printable handle of a public key, the
// first FingerprintSize characters of its base64 encoding.
func Fingerprint(public *[KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(public[:])[:FingerprintSize]
}

// EncodePublic encodes a public key as base64.  The result is both the
// invite artifact and the ratchetKey payload encoding.
func EncodePublic(public *[KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(public[:])
}

// ParsePublic decodes a base64 public key.  Anything that does not decode
// to exactly KeySize bytes fails with ErrInvalidKey.
func ParsePublic(in string) (*[KeySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: got %v bytes, want %v",
			ErrInvalidKey, len(raw), KeySize)
	}

	var public [KeySize]byte
	copy(public[:], raw)

	return &public, nil
}

// Rendezvous derives the drop name shared by two peers from their public
// keys.  Both sides sort the keys before hashing so they arrive at the same
// name without an extra round trip.
func Rendezvous(a, b *[KeySize]byte) string {
	x, y := a, b
	if bytes.Compare(x[:], y[:]) > 0 {
		x, y = y, x
	}
	d := sha256.New()
	d.Write(x[:])
	d.Write(y[:])
	return hex.EncodeToString(d.Sum(nil))[:12]
}

func (kp *KeyPair) Marshal() ([]byte, error) {
	b := &bytes.Buffer{}
	_, err := xdr.Marshal(b, diskKeyPair{
		Public:  *kp.Public,
		Private: *kp.Private,
	})
	if err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func UnmarshalKeyPair(data []byte) (*KeyPair, error) {
	br := bytes.NewReader(data)
	dk := diskKeyPair{}
	_, err := xdr.Unmarshal(br, &dk)
	if err != nil {
		return nil, err
	}

	kp := KeyPair{
		Public:  new([KeySize]byte),
		Private: new([KeySize]byte),
	}
	copy(kp.Public[:], dk.Public[:])
	copy(kp.Private[:], dk.Private[:])
	zero(dk.Private[:])

	return &kp, nil
}

// Zero wipes the private half of the key pair.
func (kp *KeyPair) Zero() {
	if kp == nil || kp.Private == nil {
		return
	}
	zero(kp.Private[:])
}

// Zero out a byte slice.
func zero(in []byte) {
	if in == nil {
		return
	}
	for i := 0; i < len(in); i++ {
		in[i] ^= in[i]
	}
}
