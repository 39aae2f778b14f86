// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/companyzero/deaddrop/ddutil"
	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
)

var (
	ErrIniNotFound = errors.New("not found")
)

type Settings struct {
	// default section
	Root           string // root directory for ddclient
	Server         string // relay server URL
	ServerCert     string // pinned relay certificate, empty trusts system roots
	Downloads      string // attachment spool directory
	Beep           bool   // annoy user when a message comes in
	AttachmentSize uint64 // maximum attachment size

	// delivery section
	PollInterval   time.Duration // poll cadence without push
	BackupInterval time.Duration // poll cadence with live push

	// log section
	SaveHistory bool   // persist command history across runs
	LogFile     string // log filename
	TimeFormat  string // time stamp format
	Debug       bool   // enable debug
	Profiler    string // go profiler link
}

func ObtainSettings() (*Settings, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}
	// defaults
	s := Settings{
		// default
		Root:           filepath.Join("~", ddutil.DefaultDDClientDir),
		Server:         "http://127.0.0.1:12345",
		Beep:           false,
		AttachmentSize: 10 * 1024 * 1024,

		// log
		SaveHistory: false,
		LogFile: filepath.Join("~", ddutil.DefaultDDClientDir,
			ddutil.DefaultDDClientLog),
		TimeFormat: "15:04:05",
		Debug:      false,
		Profiler:   "127.0.0.1:6061",
	}

	// config file
	defaultConfFile := filepath.Join(home, ddutil.DefaultDDClientDir,
		ddutil.DefaultDDClientConf)
	filename := flag.String("cfg", defaultConfFile, "config file")
	export := flag.String("export", "", "export config file")
	version := flag.Bool("version", false, "show version")
	flag.Parse()

	if *version {
		fmt.Fprintf(os.Stderr, "ddclient %s (%s)\n", ddutil.Version(),
			runtime.Version())
		os.Exit(0)
	}

	if *export != "" {
		fmt.Printf("exporting config file to: %v\n", *export)
		err = ioutil.WriteFile(*export,
			[]byte(defaultConfigFileContent), 0700)
		if err != nil {
			return nil, err
		}
		os.Exit(0)
	}

	// see if we are running for the first time with defaults
	fi, err := os.Stat(*filename)
	if err != nil {
		if os.IsNotExist(err) && *filename == defaultConfFile {
			fmt.Printf("Initial run, creating default config: %v\n",
				defaultConfFile)
			err = os.MkdirAll(filepath.Dir(defaultConfFile), 0700)
			if err != nil {
				return nil, err
			}
			err = ioutil.WriteFile(defaultConfFile,
				[]byte(defaultConfigFileContent), 0700)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	} else {
		// make sure conf isn't a dir
		if fi.IsDir() {
			return nil, fmt.Errorf("not a valid configuration file")
		}
	}

	// parse file
	cfg, err := ini.LoadFile(*filename)
	if err != nil {
		return nil, err
	}

	// root directory
	root, ok := cfg.Get("", "root")
	if ok {
		s.Root = root
	}
	s.Root, err = homedir.Expand(s.Root)
	if err != nil {
		return nil, err
	}

	// relay server
	server, ok := cfg.Get("", "server")
	if ok {
		s.Server = server
	}

	serverCert, ok := cfg.Get("", "servercert")
	if ok {
		s.ServerCert, err = homedir.Expand(serverCert)
		if err != nil {
			return nil, err
		}
	}

	// downloads directory
	downloads, ok := cfg.Get("", "downloads")
	if ok {
		s.Downloads, err = homedir.Expand(downloads)
		if err != nil {
			return nil, err
		}
	}

	// beep
	err = iniBool(cfg, &s.Beep, "", "beep")
	if err != nil && !errors.Is(err, ErrIniNotFound) {
		return nil, err
	}

	// attachmentsize
	asz, ok := cfg.Get("", "attachmentsize")
	if ok {
		s.AttachmentSize, err = strconv.ParseUint(asz, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("attachmentsize invalid: %v", err)
		}
	}

	// delivery cadence
	err = iniDuration(cfg, &s.PollInterval, "delivery", "pollinterval")
	if err != nil && !errors.Is(err, ErrIniNotFound) {
		return nil, err
	}
	err = iniDuration(cfg, &s.BackupInterval, "delivery", "backupinterval")
	if err != nil && !errors.Is(err, ErrIniNotFound) {
		return nil, err
	}

	// logging and debug
	err = iniBool(cfg, &s.SaveHistory, "log", "savehistory")
	if err != nil && !errors.Is(err, ErrIniNotFound) {
		return nil, err
	}

	logFile, ok := cfg.Get("log", "logfile")
	if ok {
		s.LogFile = logFile
	}
	s.LogFile, err = homedir.Expand(s.LogFile)
	if err != nil {
		return nil, err
	}

	timeFormat, ok := cfg.Get("log", "timeformat")
	if ok {
		s.TimeFormat = timeFormat
	}

	err = iniBool(cfg, &s.Debug, "log", "debug")
	if err != nil && !errors.Is(err, ErrIniNotFound) {
		return nil, err
	}

	profiler, ok := cfg.Get("log", "profiler")
	if ok {
		s.Profiler = profiler
	}

	return &s, nil
}

func iniBool(cfg ini.File, p *bool, section, key string) error {
	v, ok := cfg.Get(section, key)
	if ok {
		switch strings.ToLower(v) {
		case "yes":
			*p = true
			return nil
		case "no":
			*p = false
			return nil
		default:
			return fmt.Errorf("[%v]%v must be yes or no",
				section, key)
		}
	}
	return ErrIniNotFound
}

func iniDuration(cfg ini.File, p *time.Duration, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return ErrIniNotFound
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("[%v]%v: %v", section, key, err)
	}
	*p = d
	return nil
}
