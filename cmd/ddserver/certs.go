// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/companyzero/deaddrop/ddutil"
)

// newTLSCertPair returns a PEM encoded self signed certificate and key
// valid for localhost, the machine's hostname and interface addresses,
// plus extraHosts.
func newTLSCertPair(organization string, validUntil time.Time, extraHosts []string) ([]byte, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("could not generate serial "+
			"number: %v", err)
	}

	host, err := os.Hostname()
	if err != nil {
		return nil, nil, err
	}

	ipAddresses := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	dnsNames := []string{host}
	if host != "localhost" {
		dnsNames = append(dnsNames, "localhost")
	}

	addIP := func(ip net.IP) {
		for _, have := range ipAddresses {
			if have.Equal(ip) {
				return
			}
		}
		ipAddresses = append(ipAddresses, ip)
	}
	addHost := func(host string) {
		for _, have := range dnsNames {
			if have == host {
				return
			}
		}
		dnsNames = append(dnsNames, host)
	}

	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ip, _, err := net.ParseCIDR(a.String())
			if err == nil {
				addIP(ip)
			}
		}
	}
	for _, h := range extraHosts {
		if ip := net.ParseIP(h); ip != nil {
			addIP(ip)
		} else {
			addHost(h)
		}
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   host,
		},
		NotBefore: time.Now().Add(-time.Hour * 24),
		NotAfter:  validUntil,

		KeyUsage: x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:                  true, // self signed
		BasicConstraintsValid: true,

		DNSNames:    dnsNames,
		IPAddresses: ipAddresses,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template,
		&template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create certificate: %v",
			err)
	}

	certBuf := &bytes.Buffer{}
	err = pem.Encode(certBuf, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: derBytes,
	})
	if err != nil {
		return nil, nil, err
	}

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	keyBuf := &bytes.Buffer{}
	err = pem.Encode(keyBuf, &pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: keyBytes,
	})
	if err != nil {
		return nil, nil, err
	}

	return certBuf.Bytes(), keyBuf.Bytes(), nil
}

// obtainCert loads the certificate pair from the root directory and
// creates a fresh self signed pair when there is none.
func obtainCert(root string) (tls.Certificate, error) {
	certPath := filepath.Join(root, ddutil.DefaultDDServerCert)
	keyPath := filepath.Join(root, ddutil.DefaultDDServerKey)
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		return cert, nil
	}

	// create a new cert
	valid := time.Date(2049, 12, 31, 23, 59, 59, 0, time.UTC)
	cp, kp, err := newTLSCertPair("deaddrop", valid, []string{})
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("could not create a new "+
			"cert: %v", err)
	}

	// save on disk
	err = ioutil.WriteFile(certPath, cp, 0600)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("could not save cert: %v",
			err)
	}
	err = ioutil.WriteFile(keyPath, kp, 0600)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("could not save key: %v",
			err)
	}

	return tls.X509KeyPair(cp, kp)
}

// certFingerprint returns the hex sha256 over the certificate DER so
// that peers may pin the certificate out-of-band.
func certFingerprint(c tls.Certificate) string {
	if len(c.Certificate) != 1 {
		return "unexpected chained certificate"
	}
	digest := sha256.Sum256(c.Certificate[0])
	return hex.EncodeToString(digest[:])
}
