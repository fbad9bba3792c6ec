package pairing

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/personalagent/sessiond/internal/certs"
)

func sampleInfo() certs.PairingInfo {
	return certs.PairingInfo{
		Host:            "100.64.1.2",
		Port:            9876,
		Token:           "deadbeefcafefeed",
		CertFingerprint: "AA:BB:CC",
	}
}

func TestEncodeProducesSpecShapedJSON(t *testing.T) {
	raw, err := Encode(sampleInfo())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"host", "port", "token", "certFingerprint"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("payload missing key %q: %s", key, raw)
		}
	}
}

func TestWritePNGProducesAFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pairing.png")
	if err := WritePNG(sampleInfo(), path); err != nil {
		t.Fatalf("WritePNG: %v", err)
	}
}

func TestTerminalASCIIIsNonEmpty(t *testing.T) {
	out, err := TerminalASCII(sampleInfo())
	if err != nil {
		t.Fatalf("TerminalASCII: %v", err)
	}
	if strings.TrimSpace(out) == "" {
		t.Fatal("expected non-empty ASCII QR block")
	}
}

func TestManualEntryTextContainsFingerprint(t *testing.T) {
	text := ManualEntryText(sampleInfo())
	if !strings.Contains(text, "AA:BB:CC") {
		t.Fatalf("ManualEntryText = %q, missing fingerprint", text)
	}
}
