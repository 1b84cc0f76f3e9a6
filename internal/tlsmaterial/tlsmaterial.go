// Package tlsmaterial implements the self-signed certificate manager
// from spec.md §4.D: generate-or-load a cert/key pair for the HTTPS
// control surface, compute its fingerprint, and build a pinned
// verifier for clients that trust that fingerprint instead of a CA.
package tlsmaterial

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"
)

const validity = 365 * 24 * time.Hour

// Material is a loaded or freshly generated cert/key pair plus its
// fingerprint.
type Material struct {
	CertDER     []byte
	KeyDER      []byte
	Fingerprint string // hex, colon-separated, e.g. "ab:cd:...".
}

// TLSCertificate returns a tls.Certificate suitable for
// tls.Config.Certificates.
func (m *Material) TLSCertificate() (tls.Certificate, error) {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.CertDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: m.KeyDER})
	return tls.X509KeyPair(certPEM, keyPEM)
}

// LoadOrGenerate reads certPath/keyPath if both exist, parse cleanly,
// and are not expired; otherwise it generates a fresh self-signed pair
// covering localhost, 127.0.0.1, ::1 and bindHost, and writes it to
// those paths at 0600.
func LoadOrGenerate(certPath, keyPath, bindHost string) (*Material, error) {
	if m, err := load(certPath, keyPath); err == nil {
		return m, nil
	}
	return generate(certPath, keyPath, bindHost)
}

func load(certPath, keyPath string) (*Material, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errors.New("tlsmaterial: no PEM block in certificate file")
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("tlsmaterial: no PEM block in key file")
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial: parse existing certificate: %w", err)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, errors.New("tlsmaterial: existing certificate is expired")
	}

	return &Material{
		CertDER:     certBlock.Bytes,
		KeyDER:      keyBlock.Bytes,
		Fingerprint: fingerprint(certBlock.Bytes),
	}, nil
}

func generate(certPath, keyPath, bindHost string) (*Material, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial: generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial: generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "ssh-tunnel-manager"},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	if ip := net.ParseIP(bindHost); ip != nil && !ip.IsUnspecified() {
		template.IPAddresses = appendIfNew(template.IPAddresses, ip)
	} else if bindHost != "" && bindHost != "0.0.0.0" && bindHost != "::" {
		template.DNSNames = append(template.DNSNames, bindHost)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial: create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial: marshal private key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", certDER); err != nil {
		return nil, err
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", keyDER); err != nil {
		return nil, err
	}

	return &Material{CertDER: certDER, KeyDER: keyDER, Fingerprint: fingerprint(certDER)}, nil
}

func appendIfNew(ips []net.IP, ip net.IP) []net.IP {
	for _, existing := range ips {
		if existing.Equal(ip) {
			return ips
		}
	}
	return append(ips, ip)
}

func writePEM(path, blockType string, der []byte) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("tlsmaterial: write %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

// fingerprint formats the SHA-256 digest of a DER certificate as
// lowercase hex pairs joined with ':', e.g. "ab:3f:...".
func fingerprint(certDER []byte) string {
	sum := sha256.Sum256(certDER)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// PinnedVerifier returns a tls.Config.VerifyPeerCertificate callback
// that accepts the connection if and only if the leaf certificate's
// fingerprint matches want, short-circuiting all other chain checks.
// Used on the client side with tls.Config.InsecureSkipVerify = true —
// pinning the exact leaf replaces CA-chain trust entirely, which is
// the point: this is a self-signed, unrotated cert the client already
// knows out of band.
func PinnedVerifier(want string) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	want = strings.ToLower(want)
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("tlsmaterial: server presented no certificate")
		}
		got := fingerprint(rawCerts[0])
		if got != want {
			return fmt.Errorf("tlsmaterial: certificate fingerprint mismatch: got %s, want %s", got, want)
		}
		return nil
	}
}
