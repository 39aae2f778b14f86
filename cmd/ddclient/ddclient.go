// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/companyzero/deaddrop/ddutil"
	"github.com/companyzero/deaddrop/event"
	"github.com/companyzero/deaddrop/messenger"
	"github.com/companyzero/deaddrop/rowstore"
	"github.com/companyzero/deaddrop/rowstore/httpstore"
	"github.com/companyzero/deaddrop/rowstore/sqlstore"
	"github.com/peterh/liner"
	"github.com/sirupsen/logrus"
)

var commands = []string{
	"/invite",
	"/pair ",
	"/file ",
	"/status",
	"/reset",
	"/help",
	"/quit",
}

type DDC struct {
	settings *Settings
	log      *logrus.Logger
	m        *messenger.Messenger
}

// newLogger logs to the file only; stdout belongs to the
// conversation.
func newLogger(s *Settings) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	if s.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: s.TimeFormat,
	})
	f, err := os.OpenFile(s.LogFile,
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("could not open log file: %v", err)
	}
	log.SetOutput(f)
	return log, nil
}

func (z *DDC) onMessage(msg messenger.Message) {
	ts := time.Now().Format(z.settings.TimeFormat)
	if msg.Text != "" {
		fmt.Printf("\r%v <%v> %v\n", ts, msg.From, msg.Text)
	}
	for _, f := range msg.Files {
		fmt.Printf("\r%v <%v> file %v (%v, %v bytes) saved to %v\n",
			ts, msg.From, f.Name, f.MIME, f.Size, f.Path)
	}
	if z.settings.Beep {
		fmt.Printf("\a")
	}
}

func (z *DDC) status() {
	fmt.Printf("fingerprint: %v\n", z.m.Fingerprint())
	fmt.Printf("server:      %v\n", z.settings.Server)
	peer, err := z.m.PeerFingerprint()
	if err != nil {
		fmt.Printf("paired:      no\n")
		return
	}
	drop, _ := z.m.DropName()
	sent, received := z.m.Counts()
	fmt.Printf("paired:      yes\n")
	fmt.Printf("peer:        %v\n", peer)
	fmt.Printf("drop:        %v\n", drop)
	fmt.Printf("sent:        %v\n", sent)
	fmt.Printf("received:    %v\n", received)
}

func (z *DDC) help() {
	fmt.Printf("commands:\n")
	fmt.Printf("  /invite              print our invite code\n")
	fmt.Printf("  /pair <code>         pair with a peer's invite code\n")
	fmt.Printf("  /file <path> [note]  send a file\n")
	fmt.Printf("  /status              show session state\n")
	fmt.Printf("  /reset               burn the conversation\n")
	fmt.Printf("  /quit                exit\n")
	fmt.Printf("anything else is sent to the peer as text\n")
}

// executeCommand runs one REPL line and reports whether to quit.
func (z *DDC) executeCommand(ln string) bool {
	if !strings.HasPrefix(ln, "/") {
		if err := z.m.Send(ln, nil); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
		return false
	}

	args := strings.Fields(ln)
	switch args[0] {
	case "/help", "/h":
		z.help()

	case "/invite":
		fmt.Printf("invite code: %v\n", z.m.Invite())
		fmt.Printf("hand it to your peer out of band, then /pair " +
			"with theirs\n")

	case "/pair":
		if len(args) != 2 {
			fmt.Printf("usage: /pair <code>\n")
			break
		}
		if err := z.m.Pair(args[1]); err != nil {
			fmt.Printf("pair failed: %v\n", err)
			break
		}
		peer, _ := z.m.PeerFingerprint()
		fmt.Printf("paired with %v\n", peer)

	case "/file":
		if len(args) < 2 {
			fmt.Printf("usage: /file <path> [note]\n")
			break
		}
		note := strings.Join(args[2:], " ")
		if err := z.m.Send(note, []string{args[1]}); err != nil {
			fmt.Printf("send failed: %v\n", err)
			break
		}
		fmt.Printf("sent %v\n", args[1])

	case "/reset":
		if err := z.m.Reset(); err != nil {
			fmt.Printf("reset failed: %v\n", err)
			break
		}
		fmt.Printf("conversation reset; exchange invites to pair " +
			"again\n")

	case "/status", "/info":
		z.status()

	case "/quit", "/q":
		return true

	default:
		fmt.Printf("unknown command: %v, try /help\n", args[0])
	}
	return false
}

func (z *DDC) run(line *liner.State) error {
	for {
		ln, err := line.Prompt("> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return nil
			}
			return err
		}
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		if strings.HasPrefix(ln, "/") {
			line.AppendHistory(ln)
		}
		if z.executeCommand(ln) {
			return nil
		}
	}
}

func _main() error {
	// flags and settings
	settings, err := ObtainSettings()
	if err != nil {
		return err
	}

	// create paths
	err = os.MkdirAll(settings.Root, 0700)
	if err != nil {
		return err
	}

	// handle logging
	log, err := newLogger(settings)
	if err != nil {
		return err
	}
	log.Infof("Version: %v", ddutil.Version())
	log.Infof("Start of day")
	defer log.Infof("End of times")

	// debugging
	if settings.Debug && settings.Profiler != "" {
		log.Infof("Profiler enabled on http://%v/debug/pprof",
			settings.Profiler)
		go http.ListenAndServe(settings.Profiler, nil)
	}

	// pinned relay certificate
	var serverCert []byte
	if settings.ServerCert != "" {
		serverCert, err = ioutil.ReadFile(settings.ServerCert)
		if err != nil {
			return fmt.Errorf("could not read servercert: %v", err)
		}
	}

	z := &DDC{
		settings: settings,
		log:      log,
	}
	z.m, err = messenger.New(messenger.Config{
		Root:      settings.Root,
		Downloads: settings.Downloads,
		OpenStore: func(name string) (rowstore.Store, error) {
			// a directory shared with the peer works as a drop
			// too; no push there, delivery runs on polling
			if strings.HasPrefix(settings.Server, "file://") {
				dir := strings.TrimPrefix(settings.Server,
					"file://")
				return sqlstore.Open(filepath.Join(dir,
					name+".db"))
			}
			return httpstore.OpenPinned(settings.Server, name,
				serverCert)
		},
		OnMessage:          z.onMessage,
		Observer:           &event.Log{Logger: log},
		MaxAttachmentBytes: int64(settings.AttachmentSize),
		PollInterval:       settings.PollInterval,
		BackupInterval:     settings.BackupInterval,
	})
	if err != nil {
		return err
	}
	defer z.m.Stop()

	fmt.Printf("ddclient %v\n", ddutil.Version())
	fmt.Printf("fingerprint: %v\n", z.m.Fingerprint())
	if z.m.Paired() {
		if err := z.m.Start(); err != nil {
			return err
		}
		peer, _ := z.m.PeerFingerprint()
		fmt.Printf("resumed conversation with %v\n", peer)
	} else {
		fmt.Printf("not paired; /invite prints your code, " +
			"/pair <code> completes\n")
	}

	// interactive loop
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(line string) (c []string) {
		for _, cmd := range commands {
			if strings.HasPrefix(cmd, line) {
				c = append(c, cmd)
			}
		}
		return
	})

	historyPath := filepath.Join(settings.Root, "history")
	if settings.SaveHistory {
		if f, err := os.Open(historyPath); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}

	err = z.run(line)

	if settings.SaveHistory {
		f, herr := os.OpenFile(historyPath,
			os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
		if herr == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}
	return err
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
