// Package certs implements CertManager (spec.md §4.2): generation,
// persistence, loading, and fingerprinting of the self-signed
// certificate the Gateway presents for TLS pinning.
//
// Certificate minting has no home anywhere in the retrieval pack — the
// examples consume TLS (dial, serve) but none of them mint an X.509
// certificate, so this is necessarily built on crypto/x509, crypto/rsa,
// and encoding/pem from the standard library. No third-party
// certificate-generation library appears anywhere in the pack to
// substitute for it.
package certs

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/personalagent/sessiond/internal/applog"
	"github.com/personalagent/sessiond/internal/constants"
)

const (
	certFileName = "server.crt"
	keyFileName  = "server.key"
	rsaKeyBits   = 2048
)

// Info is what Initialize and Regenerate return: the PEM-encoded
// material plus its fingerprint.
type Info struct {
	CertPEM     []byte
	KeyPEM      []byte
	Fingerprint string
}

// Manager owns the on-disk certificate/key pair exclusively (spec.md
// §5): no other component opens server.crt/server.key directly.
type Manager struct {
	mu       sync.RWMutex
	certPath string
	keyPath  string
	log      *slog.Logger

	certPEM     []byte
	fingerprint string
}

// New builds a Manager rooted at dir (typically "<userData>/certs").
func New(dir string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		certPath: filepath.Join(dir, certFileName),
		keyPath:  filepath.Join(dir, keyFileName),
		log:      applog.Component(log, "certmanager"),
	}
}

// Initialize loads the existing certificate/key pair if both files
// exist and parse; otherwise it generates a fresh pair. additionalIP,
// if non-empty, is folded into the SAN list (the local Tailscale IPv4,
// per spec.md §6).
func (m *Manager) Initialize(additionalIP string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if certPEM, keyPEM, err := m.loadLocked(); err == nil {
		m.certPEM = certPEM
		m.fingerprint = fingerprintFromPEM(certPEM)
		m.log.Info("loaded existing certificate", "fingerprint", m.fingerprint)
		return Info{CertPEM: certPEM, KeyPEM: keyPEM, Fingerprint: m.fingerprint}, nil
	}

	return m.generateLocked(additionalIP)
}

// Fingerprint returns the colon-separated uppercase SHA-256 over the
// DER bytes of the current certificate.
func (m *Manager) Fingerprint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fingerprint
}

// Regenerate unconditionally replaces the on-disk pair. Any component
// (notably the Gateway's TLS listener) that cached the old credentials
// must be restarted to pick up the new keypair — Regenerate does not
// and cannot hot-swap a live net/http.Server's TLS config.
func (m *Manager) Regenerate(additionalIP string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Warn("regenerating certificate, gateway must restart to use it")
	return m.generateLocked(additionalIP)
}

func (m *Manager) loadLocked() (certPEM, keyPEM []byte, err error) {
	certPEM, err = os.ReadFile(m.certPath)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err = os.ReadFile(m.keyPath)
	if err != nil {
		return nil, nil, err
	}
	// Both must parse, or we treat this as "no usable pair on disk".
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, errors.New("cert file does not contain a PEM block")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return nil, nil, fmt.Errorf("parse existing certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, errors.New("key file does not contain a PEM block")
	}
	if _, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes); err != nil {
		return nil, nil, fmt.Errorf("parse existing key: %w", err)
	}
	return certPEM, keyPEM, nil
}

func (m *Manager) generateLocked(additionalIP string) (Info, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return Info{}, fmt.Errorf("generate RSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Info{}, fmt.Errorf("generate serial number: %w", err)
	}

	ips := []net.IP{net.ParseIP("127.0.0.1")}
	if additionalIP != "" {
		if parsed := net.ParseIP(additionalIP); parsed != nil {
			ips = append(ips, parsed)
		}
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: constants.CertCommonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(constants.CertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return Info{}, fmt.Errorf("create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.MkdirAll(filepath.Dir(m.certPath), 0o755); err != nil {
		return Info{}, fmt.Errorf("create certs dir: %w", err)
	}
	if err := os.WriteFile(m.certPath, certPEM, 0o644); err != nil {
		return Info{}, fmt.Errorf("write cert file: %w", err)
	}
	if err := os.WriteFile(m.keyPath, keyPEM, 0o600); err != nil {
		return Info{}, fmt.Errorf("write key file: %w", err)
	}

	m.certPEM = certPEM
	m.fingerprint = fingerprintFromPEM(certPEM)
	m.log.Info("generated new certificate", "fingerprint", m.fingerprint, "san_ip_count", len(ips))

	return Info{CertPEM: certPEM, KeyPEM: keyPEM, Fingerprint: m.fingerprint}, nil
}

// PairingInfo is the data the Pairing component encodes into a QR code
// and manual-entry fallback (spec.md §6).
type PairingInfo struct {
	Host            string
	Port            int
	Token           string
	CertFingerprint string
}

// BuildPairingPayload assembles PairingInfo from the manager's current
// fingerprint, the caller-supplied host/port, and token (from
// secretstore). host is expected to already be the Tailscale IPv4 or
// loopback fallback the caller resolved.
func (m *Manager) BuildPairingPayload(host string, port int, token string) PairingInfo {
	return PairingInfo{
		Host:            host,
		Port:            port,
		Token:           token,
		CertFingerprint: m.Fingerprint(),
	}
}

// fingerprintFromPEM computes the colon-separated uppercase SHA-256 of
// the DER extracted directly from the PEM body. Spec.md §4.2 forbids
// re-encoding through an X.509 library first: different parsers can
// produce different DER byte sequences for the same logical
// certificate (e.g. attribute re-ordering), and a pinning client always
// hashes the exact bytes the server presents on the wire, not a
// re-serialized copy.
func fingerprintFromPEM(certPEM []byte) string {
	der := derFromPEM(certPEM)
	sum := sha256.Sum256(der)
	return formatFingerprint(sum)
}

func derFromPEM(certPEM []byte) []byte {
	text := string(certPEM)
	lines := strings.Split(text, "\n")
	var b64 strings.Builder
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		b64.WriteString(line)
	}
	der, err := base64.StdEncoding.DecodeString(b64.String())
	if err != nil {
		return nil
	}
	return der
}

func formatFingerprint(sum [32]byte) string {
	var b bytes.Buffer
	for i, v := range sum {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}
