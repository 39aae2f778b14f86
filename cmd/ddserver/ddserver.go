// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/companyzero/deaddrop/ddutil"
	"github.com/companyzero/deaddrop/relay"
	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
)

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
	if s.LogFile != "" {
		f, err := os.OpenFile(s.LogFile,
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("could not open log file: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	return log, nil
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
	log.Debugf("Settings %v", spew.Sdump(settings))

	// debugging
	if settings.Debug && settings.Profiler != "" {
		log.Infof("Profiler enabled on http://%v/debug/pprof",
			settings.Profiler)
		go http.ListenAndServe(settings.Profiler, nil)
	}

	// listen for incoming connections
	l, err := net.Listen("tcp", settings.Listen)
	if err != nil {
		return fmt.Errorf("could not listen on %v: %v",
			settings.Listen, err)
	}
	if settings.ListenTLS {
		cert, err := obtainCert(settings.Root)
		if err != nil {
			return err
		}
		log.Infof("Certificate fingerprint: %v", certFingerprint(cert))
		l = tls.NewListener(l, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	log.Infof("Listening on %v", settings.Listen)
	if settings.RowTTL > 0 {
		log.Infof("Expiring rows after %v", settings.RowTTL)
	}

	r := relay.New(relay.Opts{
		TTL:           settings.RowTTL,
		SweepInterval: settings.SweepInterval,
		Log:           log,
	})

	// wait for termination signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.Infof("Received signal %v, shutting down", s)
		cancel()
	}()

	return r.Run(ctx, l)
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
