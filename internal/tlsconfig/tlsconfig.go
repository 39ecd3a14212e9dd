// Package tlsconfig loads the server certificate and client CA for the https
// control endpoint.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prodo-dev/plz/internal/paths"
)

// File names inside the plz TLS directory, as written by `plz tls init`.
const (
	CAFile     = "ca.pem"
	CAKeyFile  = "ca.key"
	CertFile   = "server.pem"
	KeyFile    = "server.key"
	minVersion = tls.VersionTLS13
)

// Options holds explicit TLS paths from CLI flags. Empty fields fall back to
// the files in Dir, or in paths.TLSDir when Dir is empty.
type Options struct {
	CertPath string
	KeyPath  string
	CAPath   string
	Dir      string
}

// Material is the set of files an Options resolves to. Empty fields mean the
// file was neither given nor found.
type Material struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// Discover fills the empty paths of opts from the TLS directory.
func Discover(opts Options) Material {
	m := Material{CertPath: opts.CertPath, KeyPath: opts.KeyPath, CAPath: opts.CAPath}
	dir := opts.Dir
	if dir == "" {
		d, err := paths.TLSDir()
		if err != nil {
			return m
		}
		dir = d
	}
	m.CertPath = orExisting(m.CertPath, filepath.Join(dir, CertFile))
	m.KeyPath = orExisting(m.KeyPath, filepath.Join(dir, KeyFile))
	m.CAPath = orExisting(m.CAPath, filepath.Join(dir, CAFile))
	return m
}

// ResolveServer returns the server tls.Config, or nil when no certificate
// and key are available.
func ResolveServer(opts Options) (*tls.Config, error) {
	m := Discover(opts)
	if m.CertPath == "" || m.KeyPath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(m.CertPath, m.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

// ResolveClient returns the client tls.Config. Without a CA file the system
// roots are used.
func ResolveClient(opts Options) (*tls.Config, error) {
	if opts.CertPath != "" || opts.KeyPath != "" {
		return nil, errors.New("client certificates are not supported")
	}
	cfg := &tls.Config{MinVersion: minVersion}
	m := Discover(Options{CAPath: opts.CAPath, Dir: opts.Dir})
	if m.CAPath == "" {
		return cfg, nil
	}
	pool, err := loadCAPool(m.CAPath)
	if err != nil {
		return nil, err
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func orExisting(given, candidate string) string {
	if given != "" {
		return given
	}
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

func loadCAPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("no valid certificates found in CA file %s", path)
	}
	return pool, nil
}
