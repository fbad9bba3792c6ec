package dataplane

import (
	"bytes"
	"testing"

	"github.com/personalagent/sessiond/internal/ptypool"
)

func TestOpenWithoutBoundConnFails(t *testing.T) {
	m := New(ptypool.New(func() string { return "x" }, nil), nil)
	if err := m.Open("conn-1", "sess-1"); err == nil {
		t.Fatal("expected an error opening a data plane for an unbound connection")
	}
}

func TestTryWriteWithoutOpenStreamReturnsFalse(t *testing.T) {
	m := New(ptypool.New(func() string { return "x" }, nil), nil)
	m.BindConn("conn-1", func([]byte) error { return nil })
	if m.TryWrite("conn-1", "sess-1", []byte("hi")) {
		t.Fatal("TryWrite should report false when no stream is open yet")
	}
}

func TestWriteHeaderEncodesLengthPrefixedSessionID(t *testing.T) {
	var buf bytes.Buffer
	if err := writeHeader(&buf, "sess-42"); err != nil {
		t.Fatalf("writeHeader: %v", err)
	}
	got := buf.Bytes()
	if len(got) != 2+len("sess-42") {
		t.Fatalf("header length = %d, want %d", len(got), 2+len("sess-42"))
	}
	length := int(got[0])<<8 | int(got[1])
	if length != len("sess-42") {
		t.Fatalf("encoded length = %d, want %d", length, len("sess-42"))
	}
	if string(got[2:]) != "sess-42" {
		t.Fatalf("encoded session id = %q, want sess-42", got[2:])
	}
}

func TestUnbindConnIsIdempotentForUnknownConn(t *testing.T) {
	m := New(ptypool.New(func() string { return "x" }, nil), nil)
	m.UnbindConn("never-bound") // must not panic
}
