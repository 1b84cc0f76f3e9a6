package tlsmaterial

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrGenerate_GeneratesOnFirstCall(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")

	m, err := LoadOrGenerate(certPath, keyPath, "127.0.0.1")
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if m.Fingerprint == "" {
		t.Fatal("Fingerprint is empty")
	}
	if strings.Count(m.Fingerprint, ":") != 31 {
		t.Fatalf("Fingerprint = %q, want 32 hex pairs joined with ':'", m.Fingerprint)
	}

	for _, p := range []string{certPath, keyPath} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("%s mode = %v, want 0600", p, info.Mode().Perm())
		}
	}

	cert, err := x509.ParseCertificate(m.CertDER)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	var sawLoopback bool
	for _, ip := range cert.IPAddresses {
		if ip.String() == "127.0.0.1" {
			sawLoopback = true
		}
	}
	if !sawLoopback {
		t.Fatalf("certificate IP SANs = %v, want 127.0.0.1 present", cert.IPAddresses)
	}
	var sawLocalhost bool
	for _, name := range cert.DNSNames {
		if name == "localhost" {
			sawLocalhost = true
		}
	}
	if !sawLocalhost {
		t.Fatalf("certificate DNS SANs = %v, want localhost present", cert.DNSNames)
	}
}

func TestLoadOrGenerate_ReloadsExistingMaterial(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")

	first, err := LoadOrGenerate(certPath, keyPath, "127.0.0.1")
	if err != nil {
		t.Fatalf("LoadOrGenerate (first): %v", err)
	}
	second, err := LoadOrGenerate(certPath, keyPath, "127.0.0.1")
	if err != nil {
		t.Fatalf("LoadOrGenerate (second): %v", err)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Fatalf("fingerprint changed across reload: %s != %s", first.Fingerprint, second.Fingerprint)
	}
}

func TestPinnedVerifier(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadOrGenerate(filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key"), "127.0.0.1")
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	verify := PinnedVerifier(m.Fingerprint)
	if err := verify([][]byte{m.CertDER}, nil); err != nil {
		t.Fatalf("PinnedVerifier rejected the matching certificate: %v", err)
	}

	other, err := LoadOrGenerate(filepath.Join(dir, "other.crt"), filepath.Join(dir, "other.key"), "127.0.0.1")
	if err != nil {
		t.Fatalf("LoadOrGenerate (other): %v", err)
	}
	if err := verify([][]byte{other.CertDER}, nil); err == nil {
		t.Fatal("PinnedVerifier accepted a certificate with a different fingerprint")
	}
}
