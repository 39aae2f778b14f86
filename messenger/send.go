// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package messenger

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/companyzero/deaddrop/chunker"
	"github.com/companyzero/deaddrop/ratchet"
	"github.com/companyzero/deaddrop/sealbox"
	"github.com/companyzero/deaddrop/wire"
	"github.com/mitchellh/go-homedir"
)

// FileMIME returns a file's MIME type by sniffing its leading bytes.
// The read offset is restored before returning.
func FileMIME(f *os.File) (string, error) {
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", err
	}
	b := make([]byte, 512) // all that's needed per DetectContentType
	n, err := f.Read(b)
	if err != nil && err != io.EOF {
		return "", err
	}
	if _, err = f.Seek(pos, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(b[:n]), nil
}

// attachmentKind buckets a MIME type into the wire categories.
func attachmentKind(mime string) string {
	switch {
	case strings.HasPrefix(mime, "audio/"):
		return wire.AttachmentAudio
	case strings.HasPrefix(mime, "image/"):
		return wire.AttachmentImage
	}
	return wire.AttachmentFile
}

// loadAttachment reads a file into an attachment.  The size cap
// protects memory, not the wire; oversized payloads are chunked.
func (m *Messenger) loadAttachment(filename string) (*wire.Attachment, error) {
	filename, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat %v: %v", filename, err)
	}
	if fi.Size() > m.cfg.MaxAttachmentBytes {
		return nil, fmt.Errorf("file too large %v: %v, max allowed %v",
			filename, fi.Size(), m.cfg.MaxAttachmentBytes)
	}
	mime, err := FileMIME(f)
	if err != nil {
		return nil, fmt.Errorf("could not obtain mime type %v: %v",
			filename, err)
	}
	data, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("could not read %v: %v", filename, err)
	}
	return &wire.Attachment{
		Type: attachmentKind(mime),
		MIME: mime,
		Data: base64.StdEncoding.EncodeToString(data),
		Name: path.Base(filename),
	}, nil
}

// Send seals text and the named files into one message and inserts it
// into the drop.  On a transport failure every row that landed is
// taken back, the ratchet rewinds, and the returned error wraps
// ErrTransport so the caller may retry the identical send.
func (m *Messenger) Send(text string, files []string) error {
	if text == "" && len(files) == 0 {
		return errors.New("empty message")
	}
	atts := make([]wire.Attachment, 0, len(files))
	for _, filename := range files {
		att, err := m.loadAttachment(filename)
		if err != nil {
			return err
		}
		atts = append(atts, *att)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.r == nil || !m.r.Established() {
		return ratchet.ErrNotEstablished
	}
	if m.store == nil {
		return ErrNotConnected
	}

	snap := m.r.SendSnapshot()
	defer snap.Zero()
	sealed, err := m.r.Encrypt(&wire.Payload{Text: text, Attachments: atts})
	if err != nil {
		return err
	}

	rows, err := m.rows(sealbox.Encode(sealed))
	if err != nil {
		m.r.RestoreSend(snap)
		return err
	}

	var inserted []string
	for _, row := range rows {
		key, err := m.store.Insert(row)
		if err != nil {
			// Take back what landed, then the chain advance.
			for _, k := range inserted {
				m.store.Delete(k)
			}
			m.r.RestoreSend(snap)
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		inserted = append(inserted, key)
	}

	if err := m.saveSessionLocked(); err != nil {
		m.cfg.Observer.TransportError("save", err)
	}
	m.cfg.Observer.MessageSent(len(inserted))
	return nil
}

// rows encodes one sealed message as drop rows, fragmenting when it
// exceeds a single row.
func (m *Messenger) rows(sealed string) ([][]byte, error) {
	if len(sealed) <= chunker.ChunkSize {
		buf, err := json.Marshal(wire.Direct{From: m.us, Data: sealed})
		if err != nil {
			return nil, err
		}
		return [][]byte{buf}, nil
	}
	chunks, err := chunker.Split(m.cfg.Rand, sealed, m.us)
	if err != nil {
		return nil, err
	}
	rows := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		buf, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		rows = append(rows, buf)
	}
	return rows, nil
}
