// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.
//
// ddinvite writes a ddclient identity's fingerprint and invite code
// on stdout, creating the identity first if the root has none.  The
// invite code is what the peer feeds to /pair.

package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"runtime"

	"github.com/companyzero/deaddrop/ddidentity"
	"github.com/companyzero/deaddrop/ddutil"
	"github.com/mitchellh/go-homedir"
)

func loadOrCreate(root string) (*ddidentity.KeyPair, error) {
	filename := path.Join(root, ddutil.DefaultIdentityFilename)
	buf, err := ioutil.ReadFile(filename)
	if err == nil {
		return ddidentity.UnmarshalKeyPair(buf)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	fmt.Fprintf(os.Stderr, "creating new identity in %v\n", filename)
	kp, err := ddidentity.New(rand.Reader)
	if err != nil {
		return nil, err
	}
	buf, err = kp.Marshal()
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	if err = ioutil.WriteFile(filename, buf, 0600); err != nil {
		return nil, err
	}
	return kp, nil
}

func _main() error {
	defaultRoot, err := ddutil.DefaultClientRootPath()
	if err != nil {
		return err
	}
	root := flag.String("root", defaultRoot, "client root directory")
	version := flag.Bool("version", false, "show version")
	flag.Parse()

	if *version {
		fmt.Fprintf(os.Stderr, "ddinvite %s (%s)\n", ddutil.Version(),
			runtime.Version())
		os.Exit(0)
	}

	r, err := homedir.Expand(*root)
	if err != nil {
		return err
	}
	kp, err := loadOrCreate(r)
	if err != nil {
		return err
	}

	fmt.Printf("fingerprint: %v\n", ddidentity.Fingerprint(kp.Public))
	fmt.Printf("invite: %v\n", ddidentity.EncodePublic(kp.Public))
	return nil
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
