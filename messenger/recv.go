// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package messenger

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"path"

	"github.com/companyzero/deaddrop/ddidentity"
	"github.com/companyzero/deaddrop/sealbox"
	"github.com/companyzero/deaddrop/wire"
	"github.com/marcopeereboom/goutil"
)

// Message is one delivered conversation message.
type Message struct {
	From  string // peer fingerprint
	Text  string
	Files []ReceivedFile
}

// ReceivedFile describes a spooled attachment.
type ReceivedFile struct {
	Name   string // filename inside the downloads directory
	MIME   string
	Path   string
	Size   int64
	Digest string // hex sha256 of the spooled file
}

// handleSealed is the courier delivery handler.  The sender claim on
// the row is cosmetic; possession of the message key is what
// authenticates, so From is taken from the pairing instead.
//
// A failed decrypt consumes the row.  Each side seals in the order it
// sends and the courier completes messages per sender in that order,
// so a message that does not open now never will.
func (m *Messenger) handleSealed(_, sealed string) bool {
	m.mtx.Lock()
	if m.r == nil || !m.r.Established() {
		m.mtx.Unlock()
		return false
	}
	raw, err := sealbox.Decode(sealed)
	if err != nil {
		m.mtx.Unlock()
		m.cfg.Observer.MessageRejected("decrypt", err)
		return true
	}
	p, err := m.r.Decrypt(raw)
	if err != nil {
		m.mtx.Unlock()
		m.cfg.Observer.MessageRejected("decrypt", err)
		return true
	}
	peerFP := ddidentity.Fingerprint(m.peer)
	if err := m.saveSessionLocked(); err != nil {
		m.cfg.Observer.TransportError("save", err)
	}
	m.mtx.Unlock()

	msg := Message{From: peerFP, Text: p.Text}
	size := len(p.Text)
	for i := range p.Attachments {
		rf, err := m.spool(&p.Attachments[i])
		if err != nil {
			m.cfg.Observer.TransportError("spool", err)
			continue
		}
		size += int(rf.Size)
		msg.Files = append(msg.Files, rf)
	}

	m.cfg.Observer.MessageReceived(peerFP, size)
	m.cfg.OnMessage(msg)
	return true
}

// spool writes one attachment into the downloads directory.  Existing
// files are never overwritten; the name grows a prefix until it is
// free.
func (m *Messenger) spool(att *wire.Attachment) (ReceivedFile, error) {
	data, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		return ReceivedFile{}, fmt.Errorf("attachment decode: %v", err)
	}

	filename := path.Base(att.Name)
	if filename == "/" || filename == "." || filename == ".." {
		filename = "attachment"
	}
	var fullpath string
	for {
		fullpath = path.Join(m.downloads, filename)
		if _, err := os.Stat(fullpath); err != nil {
			break
		}
		filename = "1" + filename
	}
	if err = ioutil.WriteFile(fullpath, data, 0600); err != nil {
		return ReceivedFile{}, fmt.Errorf("attachment write: %v", err)
	}
	fd, err := goutil.FileSHA256(fullpath)
	if err != nil {
		return ReceivedFile{}, fmt.Errorf("could not digest %v: %v",
			fullpath, err)
	}
	return ReceivedFile{
		Name:   filename,
		MIME:   att.MIME,
		Path:   fullpath,
		Size:   int64(len(data)),
		Digest: hex.EncodeToString(fd[:]),
	}, nil
}
