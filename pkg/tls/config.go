// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tls builds crypto/tls configurations from certificate files for
// the MQTT listener and for replication connections to peer brokers.
package tls

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"
)

// VerifyMode defines how a listener treats client certificates.
type VerifyMode string

const (
	// VerifyNone - No certificate verification
	VerifyNone VerifyMode = "none"
	// VerifyPeer - Verify peer certificate
	VerifyPeer VerifyMode = "verify_peer"
	// VerifyPeerFailIfNoCert - Verify peer certificate and fail if not provided
	VerifyPeerFailIfNoCert VerifyMode = "verify_peer_fail_if_no_peer_cert"
)

// Config points at PEM files. The same shape serves both sides: a listener
// needs CertFile and KeyFile, a client needs at most CAFile and an
// optional client certificate.
type Config struct {
	CertFile   string     `yaml:"certfile" json:"certfile"`
	KeyFile    string     `yaml:"keyfile" json:"keyfile"`
	CAFile     string     `yaml:"cacertfile" json:"cacertfile"`
	Verify     VerifyMode `yaml:"verify" json:"verify"`
	ServerName string     `yaml:"server_name" json:"server_name"`
}

// Enabled reports whether a certificate is configured.
func (c Config) Enabled() bool {
	return c.CertFile != ""
}

// CertificateInfo contains parsed certificate information
type CertificateInfo struct {
	Subject     string
	Issuer      string
	DNSNames    []string
	NotBefore   time.Time
	NotAfter    time.Time
	Fingerprint string
}

// ExpiresWithin reports whether the certificate is invalid at now+d.
func (i CertificateInfo) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !now.Add(d).Before(i.NotAfter)
}

// Server returns a listener configuration.
func (c Config) Server() (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, errors.New("certfile and keyfile are required for a TLS listener")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	config := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	// Configure client certificate authentication
	switch c.Verify {
	case "", VerifyNone:
		config.ClientAuth = tls.NoClientCert
	case VerifyPeer:
		config.ClientAuth = tls.VerifyClientCertIfGiven
	case VerifyPeerFailIfNoCert:
		config.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("unsupported verify mode %q", c.Verify)
	}

	if config.ClientAuth != tls.NoClientCert {
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		config.ClientCAs = pool
	}
	return config, nil
}

// Client returns a configuration for dialing a TLS broker. Without CAFile
// the system roots are used.
func (c Config) Client() (*tls.Config, error) {
	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: c.ServerName,
	}
	if c.CAFile != "" {
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return config, nil
}

// Describe parses the first certificate in CertFile.
func (c Config) Describe() (CertificateInfo, error) {
	data, err := os.ReadFile(c.CertFile)
	if err != nil {
		return CertificateInfo{}, err
	}
	return parseCertificate(data)
}

func loadPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, errors.New("cacertfile is required to verify peer certificates")
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}

// parseCertificate parses a PEM certificate and extracts information
func parseCertificate(certPEM []byte) (CertificateInfo, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return CertificateInfo{}, errors.New("failed to parse certificate PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return CertificateInfo{}, fmt.Errorf("failed to parse certificate: %w", err)
	}

	fingerprint := sha256.Sum256(cert.Raw)
	return CertificateInfo{
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		DNSNames:    cert.DNSNames,
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Fingerprint: hex.EncodeToString(fingerprint[:]),
	}, nil
}
