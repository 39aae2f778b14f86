// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ddutil

import (
	"fmt"
	"os/user"
	"path"
)

const (
	VersionMajor = 0
	VersionMinor = 2
	VersionPatch = 0
)

const (
	DefaultDDClientDir  = ".ddclient"
	DefaultDDClientConf = "ddclient.conf"
	DefaultDDClientLog  = "ddclient.log"
	DefaultDDServerDir  = ".ddserver"
	DefaultDDServerConf = "ddserver.conf"
	DefaultDDServerLog  = "ddserver.log"
	DefaultDDServerCert = "ddserver.crt"
	DefaultDDServerKey  = "ddserver.key"

	DefaultIdentityFilename = "identity.xdr"
	DefaultSessionFilename  = "session.xdr"
	DefaultDownloadsDir     = "downloads"
)

func Version() string {
	return fmt.Sprintf("%v.%v.%v", VersionMajor, VersionMinor, VersionPatch)
}

func DefaultClientRootPath() (string, error) {
	usr, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("user.Current: %v", err)
	}
	return path.Join(usr.HomeDir, DefaultDDClientDir), nil
}

func DefaultServerRootPath() (string, error) {
	usr, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("user.Current: %v", err)
	}
	return path.Join(usr.HomeDir, DefaultDDServerDir), nil
}
