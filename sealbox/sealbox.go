// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sealbox authenticates and encrypts small blobs with
// NaCl secretbox.  The nonce travels with the box.
package sealbox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the symmetric key size, in bytes.
	KeySize = 32

	// NonceSize is the secretbox nonce size, in bytes.
	NonceSize = 24

	// Overhead is the number of bytes a sealed blob exceeds its
	// plaintext by.
	Overhead = NonceSize + secretbox.Overhead
)

var (
	ErrOpen = errors.New("could not decrypt")
)

// Seal encrypts and authenticates data under key.  The returned blob
// carries the random nonce in its first NonceSize bytes.
func Seal(data []byte, key *[KeySize]byte) ([]byte, error) {
	var nonce [NonceSize]byte

	// random nonce
	_, err := io.ReadFull(rand.Reader, nonce[:])
	if err != nil {
		return nil, err
	}

	// pack nonce and box together
	packed := make([]byte, NonceSize, Overhead+len(data))
	copy(packed, nonce[:])
	return secretbox.Seal(packed, data, &nonce, key), nil
}

// Open authenticates and decrypts a blob produced by Seal.  Any
// modification of the blob fails with ErrOpen.
func Open(packed []byte, key *[KeySize]byte) ([]byte, error) {
	if len(packed) < Overhead {
		return nil, fmt.Errorf("%w: short blob", ErrOpen)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], packed[:NonceSize])

	data, ok := secretbox.Open(nil, packed[NonceSize:], &nonce, key)
	if !ok {
		return nil, ErrOpen
	}
	return data, nil
}

// Encode returns the transport encoding of a sealed blob.
func Encode(packed []byte) string {
	return base64.StdEncoding.EncodeToString(packed)
}

// Decode reverses Encode.
func Decode(blob string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(blob)
}
