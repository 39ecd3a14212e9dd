// Package tlsbootstrap issues the CA and server certificate used by https
// control endpoints.
package tlsbootstrap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/prodo-dev/plz/internal/tlsconfig"
)

const (
	caCommonName     = "plz-ca"
	serverCommonName = "plz-controller"
	DefaultValidity  = 365 * 24 * time.Hour
)

// KeyPair holds PEM-encoded certificate and private key material.
type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

type Options struct {
	Dir   string
	Force bool
	// Hosts are extra DNS names or IPs for the server certificate.
	Hosts    []string
	Validity time.Duration
}

// Result lists the files Init wrote. Clients trust CAPath; the controller
// serves CertPath and KeyPath.
type Result struct {
	CAPath   string
	CertPath string
	KeyPath  string
	Hosts    []string
	NotAfter time.Time
}

// GenerateCA creates a self-signed ECDSA P-256 CA certificate.
func GenerateCA(validity time.Duration) (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: caCommonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	return encode(der, key)
}

// IssueServerCert signs a server certificate for hosts with the given CA.
func IssueServerCert(ca *KeyPair, hosts []string, validity time.Duration) (*KeyPair, error) {
	caCert, caKey, err := parseCA(ca)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("server certificate needs at least one host")
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: serverCommonName},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create server certificate: %w", err)
	}
	return encode(der, key)
}

// DefaultHosts covers loopback and this machine's hostname.
func DefaultHosts() []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if name, err := os.Hostname(); err == nil && strings.TrimSpace(name) != "" {
		hosts = append(hosts, strings.TrimSpace(name))
	}
	return hosts
}

// Init writes ca.pem, ca.key, server.pem and server.key to opts.Dir. It
// refuses to replace an existing CA unless opts.Force is set.
func Init(opts Options) (*Result, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("missing TLS directory")
	}
	validity := opts.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}
	caPath := filepath.Join(dir, tlsconfig.CAFile)
	if !opts.Force {
		if _, err := os.Stat(caPath); err == nil {
			return nil, fmt.Errorf("CA already exists at %s (use --force to overwrite)", caPath)
		}
	}

	hosts := DefaultHosts()
	for _, h := range opts.Hosts {
		if h = strings.TrimSpace(h); h != "" && !slices.Contains(hosts, h) {
			hosts = append(hosts, h)
		}
	}

	ca, err := GenerateCA(validity)
	if err != nil {
		return nil, err
	}
	server, err := IssueServerCert(ca, hosts, validity)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create TLS directory: %w", err)
	}
	res := &Result{
		CAPath:   caPath,
		CertPath: filepath.Join(dir, tlsconfig.CertFile),
		KeyPath:  filepath.Join(dir, tlsconfig.KeyFile),
		Hosts:    hosts,
		NotAfter: time.Now().Add(validity),
	}
	for _, f := range []struct {
		path string
		data []byte
		perm os.FileMode
	}{
		{res.CAPath, ca.CertPEM, 0o644},
		{filepath.Join(dir, tlsconfig.CAKeyFile), ca.KeyPEM, 0o600},
		{res.CertPath, server.CertPEM, 0o644},
		{res.KeyPath, server.KeyPEM, 0o600},
	} {
		if err := os.WriteFile(f.path, f.data, f.perm); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	return res, nil
}

func parseCA(ca *KeyPair) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(ca.CertPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(ca.KeyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("decode CA key PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA key: %w", err)
	}
	return cert, key, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}

func encode(der []byte, key *ecdsa.PrivateKey) (*KeyPair, error) {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return &KeyPair{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}
