package tlsbootstrap

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prodo-dev/plz/internal/tlsconfig"
)

func parseCert(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func TestGenerateCA(t *testing.T) {
	t.Parallel()

	ca, err := GenerateCA(time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	cert := parseCert(t, ca.CertPEM)
	if !cert.IsCA || cert.Subject.CommonName != caCommonName {
		t.Fatalf("unexpected CA certificate: ca=%v cn=%q", cert.IsCA, cert.Subject.CommonName)
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Fatal("expected CertSign key usage")
	}
}

func TestIssueServerCertVerifiesAgainstCA(t *testing.T) {
	t.Parallel()

	ca, err := GenerateCA(time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	leaf, err := IssueServerCert(ca, []string{"plz.internal", "10.0.0.7"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueServerCert: %v", err)
	}
	cert := parseCert(t, leaf.CertPEM)
	if cert.IsCA {
		t.Fatal("server certificate must not be a CA")
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "plz.internal" {
		t.Fatalf("unexpected DNS names %v", cert.DNSNames)
	}
	if len(cert.IPAddresses) != 1 || cert.IPAddresses[0].String() != "10.0.0.7" {
		t.Fatalf("unexpected IPs %v", cert.IPAddresses)
	}

	roots := x509.NewCertPool()
	roots.AddCert(parseCert(t, ca.CertPEM))
	if _, err := cert.Verify(x509.VerifyOptions{Roots: roots, DNSName: "plz.internal"}); err != nil {
		t.Fatalf("verify server certificate: %v", err)
	}

	other, err := GenerateCA(time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	wrong := x509.NewCertPool()
	wrong.AddCert(parseCert(t, other.CertPEM))
	if _, err := cert.Verify(x509.VerifyOptions{Roots: wrong, DNSName: "plz.internal"}); err == nil {
		t.Fatal("expected verification against another CA to fail")
	}
}

func TestIssueServerCertRequiresHost(t *testing.T) {
	t.Parallel()

	ca, err := GenerateCA(time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	if _, err := IssueServerCert(ca, nil, time.Hour); err == nil {
		t.Fatal("expected error without hosts")
	}
}

func TestInitMaterialServesHTTPS(t *testing.T) {
	t.Parallel()

	res, err := Init(Options{Dir: filepath.Join(t.TempDir(), "tls"), Hosts: []string{"plz.example"}})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, h := range []string{"localhost", "127.0.0.1", "plz.example"} {
		found := false
		for _, got := range res.Hosts {
			found = found || got == h
		}
		if !found {
			t.Fatalf("expected host %q in %v", h, res.Hosts)
		}
	}
	st, err := os.Stat(filepath.Join(filepath.Dir(res.CAPath), "ca.key"))
	if err != nil {
		t.Fatalf("stat ca.key: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("expected ca.key mode 0600, got %v", st.Mode().Perm())
	}

	serverTLS, err := tlsconfig.ResolveServer(tlsconfig.Options{CertPath: res.CertPath, KeyPath: res.KeyPath})
	if err != nil {
		t.Fatalf("ResolveServer: %v", err)
	}
	clientTLS, err := tlsconfig.ResolveClient(tlsconfig.Options{CAPath: res.CAPath})
	if err != nil {
		t.Fatalf("ResolveClient: %v", err)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	srv.TLS = serverTLS
	srv.StartTLS()
	t.Cleanup(srv.Close)

	httpClient := &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}}
	resp, err := httpClient.Get(srv.URL)
	if err != nil {
		t.Fatalf("https request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("unexpected body %q", body)
	}

	untrusted := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS13}}}
	if _, err := untrusted.Get(srv.URL); err == nil {
		t.Fatal("expected a client without the CA to reject the server")
	}
}

func TestInitRefusesOverwriteUnlessForced(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := Init(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	before, _ := os.ReadFile(first.CAPath)

	_, err = Init(Options{Dir: dir})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}

	if _, err := Init(Options{Dir: dir, Force: true}); err != nil {
		t.Fatalf("Init --force: %v", err)
	}
	after, _ := os.ReadFile(first.CAPath)
	if string(before) == string(after) {
		t.Fatal("expected forced init to replace the CA")
	}
}
