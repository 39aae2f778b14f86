// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// wire contains all structures that travel through a dead drop.
//
// Two envelope shapes exist.  A Direct envelope carries a complete
// sealed payload.  A Chunk envelope carries one fragment of a payload
// that was too large for a single drop row; fragments are reassembled
// by message id before decryption.  Envelopes are JSON on the wire and
// their sealed bodies are base64.
//
// The plaintext inside a sealed body is a Payload.  Every payload
// carries the sender's next ratchet public key; text and attachments
// are optional.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// TypeChunk is the envelope discriminator for fragments.  Direct
	// envelopes carry no discriminator at all.
	TypeChunk = "chunk"
)

// Attachment kinds.  Receivers that render inline use the kind; the
// MIME type is authoritative for everything else.
const (
	AttachmentAudio = "audio"
	AttachmentImage = "image"
	AttachmentFile  = "file"
)

var (
	ErrMalformed = errors.New("malformed message")
)

// Direct is a complete sealed payload in a single drop row.
type Direct struct {
	From string `json:"s"` // sender fingerprint, echo filter only
	Data string `json:"d"` // sealed payload
}

// Chunk is one fragment of an oversized payload.  All fragments of a
// message share a MessageID and announce the same Total.
type Chunk struct {
	From      string `json:"s"`     // sender fingerprint, echo filter only
	Type      string `json:"t"`     // always TypeChunk
	MessageID string `json:"mid"`   // reassembly group
	Seq       int    `json:"seq"`   // zero based fragment index
	Total     int    `json:"total"` // fragment count
	Data      string `json:"d"`     // sealed fragment
}

// Valid returns nil if the chunk header is internally consistent.
func (c *Chunk) Valid() error {
	if c.MessageID == "" {
		return fmt.Errorf("%w: empty message id", ErrMalformed)
	}
	if c.Total < 1 {
		return fmt.Errorf("%w: total %v", ErrMalformed, c.Total)
	}
	if c.Seq < 0 || c.Seq >= c.Total {
		return fmt.Errorf("%w: seq %v of %v", ErrMalformed,
			c.Seq, c.Total)
	}
	return nil
}

// Envelope is the superset of Direct and Chunk fields.  Ingest decodes
// into an Envelope and dispatches on Type; it is never encoded.
type Envelope struct {
	From      string `json:"s"`
	Type      string `json:"t"`
	MessageID string `json:"mid"`
	Seq       int    `json:"seq"`
	Total     int    `json:"total"`
	Data      string `json:"d"`
}

// Direct returns the envelope reinterpreted as a Direct.
func (e *Envelope) Direct() *Direct {
	return &Direct{From: e.From, Data: e.Data}
}

// Chunk returns the envelope reinterpreted as a Chunk.
func (e *Envelope) Chunk() *Chunk {
	return &Chunk{
		From:      e.From,
		Type:      e.Type,
		MessageID: e.MessageID,
		Seq:       e.Seq,
		Total:     e.Total,
		Data:      e.Data,
	}
}

// ParseEnvelope decodes a drop row.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.From == "" || e.Data == "" {
		return nil, fmt.Errorf("%w: missing field", ErrMalformed)
	}
	if e.Type != "" && e.Type != TypeChunk {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed,
			e.Type)
	}
	return &e, nil
}

// Attachment is a file that rides along with a message.
type Attachment struct {
	Type string `json:"type"`           // attachment kind, e.g. "file"
	MIME string `json:"mime"`           // content type
	Data string `json:"data"`           // base64 file contents
	Name string `json:"name,omitempty"` // suggested filename
}

// Payload is the plaintext inside a sealed body.
type Payload struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	RatchetKey  string       `json:"ratchetKey"` // sender's next public key
}

// ParsePayload decodes a decrypted payload.  A payload without a
// ratchet key cannot advance the conversation and is rejected, as is
// any attachment of a kind this codec does not define.
func ParsePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.RatchetKey == "" {
		return nil, fmt.Errorf("%w: missing ratchet key",
			ErrMalformed)
	}
	for i := range p.Attachments {
		switch p.Attachments[i].Type {
		case AttachmentAudio, AttachmentImage, AttachmentFile:
		default:
			return nil, fmt.Errorf("%w: attachment type %q",
				ErrMalformed, p.Attachments[i].Type)
		}
	}
	return &p, nil
}
