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
	Root          string        // root directory for ddserver
	Listen        string        // listen address and port
	ListenTLS     bool          // serve https with a self signed cert
	RowTTL        time.Duration // row expiry, 0 keeps rows forever
	SweepInterval time.Duration // expiry sweeper period

	// log section
	LogFile    string // log filename
	TimeFormat string // log time stamp format
	Debug      bool   // enable debug
	Profiler   string // go profiler link
}

func ObtainSettings() (*Settings, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}
	// defaults
	s := Settings{
		// default
		Root:          filepath.Join("~", ddutil.DefaultDDServerDir),
		Listen:        "127.0.0.1:12345",
		ListenTLS:     false,
		RowTTL:        168 * time.Hour,
		SweepInterval: time.Minute,

		// log
		LogFile: filepath.Join("~", ddutil.DefaultDDServerDir,
			ddutil.DefaultDDServerLog),
		TimeFormat: "2006-01-02 15:04:05",
		Debug:      false,
		Profiler:   "127.0.0.1:6060",
	}

	// config file
	defaultConfFile := filepath.Join(home, ddutil.DefaultDDServerDir,
		ddutil.DefaultDDServerConf)
	filename := flag.String("cfg", defaultConfFile, "config file")
	export := flag.String("export", "", "export config file")
	version := flag.Bool("version", false, "show version")
	flag.Parse()

	if *version {
		fmt.Fprintf(os.Stderr, "ddserver %s (%s)\n", ddutil.Version(),
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

	// listen address
	listen, ok := cfg.Get("", "listen")
	if ok {
		s.Listen = listen
	}

	err = iniBool(cfg, &s.ListenTLS, "", "tls")
	if err != nil && !errors.Is(err, ErrIniNotFound) {
		return nil, err
	}

	// row expiry
	err = iniDuration(cfg, &s.RowTTL, "", "rowttl")
	if err != nil && !errors.Is(err, ErrIniNotFound) {
		return nil, err
	}
	err = iniDuration(cfg, &s.SweepInterval, "", "sweepinterval")
	if err != nil && !errors.Is(err, ErrIniNotFound) {
		return nil, err
	}

	// logging and debug
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
