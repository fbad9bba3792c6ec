// Package pairing turns a CertManager.PairingInfo into the QR code and
// manual-entry text a new device uses to pair (spec.md §6). Rendering
// is built on github.com/skip2/go-qrcode, present in the retrieval
// pack's go.mod surface with no other natural home in this module.
package pairing

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/skip2/go-qrcode"

	"github.com/personalagent/sessiond/internal/certs"
)

// wirePayload is the exact JSON shape spec.md §6 defines for the
// pairing payload, independent of certs.PairingInfo's Go-side field
// names.
type wirePayload struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Token           string `json:"token"`
	CertFingerprint string `json:"certFingerprint"`
}

// Encode serializes info into the pairing payload's canonical JSON
// form, the bytes both QR renderings (PNG and terminal) encode.
// ManualEntryText formats the same fields separately, not this JSON.
func Encode(info certs.PairingInfo) ([]byte, error) {
	return json.Marshal(wirePayload{
		Host:            info.Host,
		Port:            info.Port,
		Token:           hexify(info.Token),
		CertFingerprint: info.CertFingerprint,
	})
}

// hexify is a no-op when the token already looks like hex (the normal
// case, since secretstore generates hex tokens). A non-hex override
// token is hex-encoded, so the payload then carries that encoding
// rather than the token itself.
func hexify(token string) string {
	if _, err := hex.DecodeString(token); err == nil {
		return token
	}
	return hex.EncodeToString([]byte(token))
}

// WritePNG renders the pairing payload as a QR code PNG at path
// (typically "<userData>/pairing.png"), sized for comfortable phone
// camera scanning.
func WritePNG(info certs.PairingInfo, path string) error {
	payload, err := Encode(info)
	if err != nil {
		return fmt.Errorf("pairing: encode payload: %w", err)
	}
	png, err := qrcode.Encode(string(payload), qrcode.Medium, 512)
	if err != nil {
		return fmt.Errorf("pairing: render qr png: %w", err)
	}
	return os.WriteFile(path, png, 0o644)
}

// TerminalASCII renders the pairing payload as a terminal-friendly QR
// code block, for headless pairing over SSH where a PNG viewer is not
// available.
func TerminalASCII(info certs.PairingInfo) (string, error) {
	payload, err := Encode(info)
	if err != nil {
		return "", fmt.Errorf("pairing: encode payload: %w", err)
	}
	q, err := qrcode.New(string(payload), qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("pairing: build qr: %w", err)
	}
	return q.ToString(false), nil
}

// ManualEntryText is the human-readable fallback shown alongside the
// QR code for devices with no camera (e.g. a CI smoke test pairing a
// second gateway instance).
func ManualEntryText(info certs.PairingInfo) string {
	return fmt.Sprintf("host=%s port=%d token=%s fingerprint=%s",
		info.Host, info.Port, info.Token, info.CertFingerprint)
}
