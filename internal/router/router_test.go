package router

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/personalagent/sessiond/internal/authgate"
	"github.com/personalagent/sessiond/internal/ptypool"
	"github.com/personalagent/sessiond/internal/sessions"
	"github.com/personalagent/sessiond/internal/svcsupervisor"
	"github.com/personalagent/sessiond/internal/wire"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	pool := ptypool.New(uuid.NewString, nil)
	supervisor := svcsupervisor.New(nil)
	registry := sessions.New(sessions.NewMemoryStore())
	gate := authgate.New(func() (string, error) { return "test-token-0123456789abcdef-0123456789", nil }, nil)
	return New(pool, supervisor, registry, nil, gate, nil)
}

func frame(t *testing.T, typ wire.Type, action string, payload interface{}, requestID string) []byte {
	t.Helper()
	env := wire.NewEnvelope(typ, action, payload, requestID)
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return raw
}

func drainReply(t *testing.T, c *Client, timeout time.Duration) wire.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a reply")
	}
	panic("unreachable")
}

func TestPTYCreateClaimsOwnership(t *testing.T) {
	r := newTestRouter(t)
	c := NewClient("conn-1", "device-a", "laptop", false)

	r.HandleFrame(c, frame(t, wire.TypePTY, "create", wire.PTYCreatePayload{Shell: "/bin/sh", Cwd: "/tmp"}, "req-1"))

	env := drainReply(t, c, time.Second)
	if env.Action != "created" {
		t.Fatalf("action = %q, want created", env.Action)
	}
	var p wire.PTYCreatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if !c.ownsSession(p.ID) {
		t.Fatal("client does not own the session it created")
	}
	owner, ok := r.registry.Owner(p.ID)
	if !ok || owner != "device-a" {
		t.Fatalf("registry owner = (%q, %v), want (device-a, true)", owner, ok)
	}
	_ = r.pool.Close(p.ID)
}

func TestPTYWriteDeniedForNonOwner(t *testing.T) {
	r := newTestRouter(t)
	owner := NewClient("conn-1", "device-a", "laptop", false)
	r.HandleFrame(owner, frame(t, wire.TypePTY, "create", wire.PTYCreatePayload{Shell: "/bin/sh", Cwd: "/tmp"}, "req-1"))
	created := drainReply(t, owner, time.Second)
	var p wire.PTYCreatedPayload
	_ = json.Unmarshal(created.Payload, &p)

	other := NewClient("conn-2", "device-b", "phone", false)
	r.HandleFrame(other, frame(t, wire.TypePTY, "write", wire.PTYWritePayload{SessionID: p.ID, Data: b64("echo hi\n")}, "req-2"))

	env := drainReply(t, other, time.Second)
	if env.Action != "error" {
		t.Fatalf("action = %q, want error", env.Action)
	}
	_ = r.pool.Close(p.ID)
}

func TestPTYWriteAllowedForLocalClient(t *testing.T) {
	r := newTestRouter(t)
	owner := NewClient("conn-1", "device-a", "laptop", false)
	r.HandleFrame(owner, frame(t, wire.TypePTY, "create", wire.PTYCreatePayload{Shell: "/bin/sh", Cwd: "/tmp"}, "req-1"))
	created := drainReply(t, owner, time.Second)
	var p wire.PTYCreatedPayload
	_ = json.Unmarshal(created.Payload, &p)

	local := NewClient("conn-2", "device-local", "desktop-app", true)
	r.HandleFrame(local, frame(t, wire.TypePTY, "write", wire.PTYWritePayload{SessionID: p.ID, Data: b64("echo hi\n")}, ""))

	// No requestId means no reply is expected; just ensure nothing was
	// enqueued as an error within a short window.
	select {
	case env := <-local.Send:
		t.Fatalf("unexpected reply for a no-requestId write: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
	_ = r.pool.Close(p.ID)
}

func TestPTYUnknownSessionSubscribeErrors(t *testing.T) {
	r := newTestRouter(t)
	c := NewClient("conn-1", "device-a", "laptop", false)
	r.HandleFrame(c, frame(t, wire.TypePTY, "subscribe", wire.PTYSessionIDPayload{SessionID: uuid.NewString()}, "req-1"))

	env := drainReply(t, c, time.Second)
	if env.Action != "error" {
		t.Fatalf("action = %q, want error", env.Action)
	}
}

func TestServiceSubscribeFailsForUnregisteredService(t *testing.T) {
	r := newTestRouter(t)
	c := NewClient("conn-1", "device-a", "laptop", false)
	r.HandleFrame(c, frame(t, wire.TypeService, "subscribe", wire.ServiceIDPayload{ServiceID: "unknown"}, "req-1"))

	env := drainReply(t, c, time.Second)
	if env.Action != "error" {
		t.Fatalf("action = %q, want error", env.Action)
	}
}

func TestSystemPing(t *testing.T) {
	r := newTestRouter(t)
	c := NewClient("conn-1", "device-a", "laptop", false)
	r.HandleFrame(c, frame(t, wire.TypeSystem, "ping", wire.PingPayload{}, "req-1"))

	env := drainReply(t, c, time.Second)
	if env.Action != "pong" {
		t.Fatalf("action = %q, want pong", env.Action)
	}
}

func TestScreenshotDeniedForRemoteClient(t *testing.T) {
	r := newTestRouter(t)
	c := NewClient("conn-1", "device-a", "phone", false)
	r.HandleFrame(c, frame(t, wire.TypeSystem, "screenshot", nil, "req-1"))

	env := drainReply(t, c, time.Second)
	if env.Action != "error" {
		t.Fatalf("action = %q, want error for a non-local screenshot request", env.Action)
	}
}

func TestReconnectRestoresOwnedSessions(t *testing.T) {
	r := newTestRouter(t)
	first := NewClient("conn-1", "device-a", "laptop", false)
	r.RegisterClient(first)
	r.HandleFrame(first, frame(t, wire.TypePTY, "create", wire.PTYCreatePayload{Shell: "/bin/sh", Cwd: "/tmp"}, "req-1"))
	created := drainReply(t, first, time.Second)
	var p wire.PTYCreatedPayload
	_ = json.Unmarshal(created.Payload, &p)
	r.UnregisterClient(first.ConnID)

	second := NewClient("conn-2", "device-a", "laptop", false)
	reply := r.RegisterClient(second)
	if len(reply.Sessions) != 1 || reply.Sessions[0] != p.ID {
		t.Fatalf("auth/success sessions = %v, want [%s]", reply.Sessions, p.ID)
	}
	if !second.ownsSession(p.ID) {
		t.Fatal("reconnected client does not own its previous session")
	}

	_ = r.pool.Close(p.ID)
}

func TestUnauthenticatedClientGetsErrorNotClose(t *testing.T) {
	r := newTestRouter(t)
	c := NewPendingClient("conn-1", false)
	closed := false
	c.CloseWithCode = func(int, string) { closed = true }

	r.HandleFrame(c, frame(t, wire.TypeSystem, "ping", wire.PingPayload{}, "req-1"))

	env := drainReply(t, c, time.Second)
	if env.Action != "error" {
		t.Fatalf("action = %q, want error for an unauthenticated frame", env.Action)
	}
	if closed {
		t.Fatal("connection was closed, want it kept alive until the auth timer decides")
	}
	if c.IsAuthenticated() {
		t.Fatal("client should still be unauthenticated")
	}
}

func TestMalformedFrameKeepsConnectionAlive(t *testing.T) {
	r := newTestRouter(t)
	c := NewPendingClient("conn-1", false)
	closed := false
	c.CloseWithCode = func(int, string) { closed = true }

	r.HandleFrame(c, []byte("{not json"))

	env := drainReply(t, c, time.Second)
	if env.Action != "error" {
		t.Fatalf("action = %q, want error for a malformed frame", env.Action)
	}
	if closed {
		t.Fatal("malformed frame should not close the connection")
	}
}

func TestAuthFrameSuccessRegistersAndReplies(t *testing.T) {
	r := newTestRouter(t)
	c := NewPendingClient("conn-1", false)
	authenticatedCallback := false
	c.OnAuthenticated = func() { authenticatedCallback = true }

	r.HandleFrame(c, frame(t, wire.TypeAuth, "", wire.AuthPayload{
		Token: "test-token-0123456789abcdef-0123456789", ClientID: "device-a", DeviceName: "laptop",
	}, "req-1"))

	env := drainReply(t, c, time.Second)
	if env.Type != wire.TypeAuth || env.Action != "success" {
		t.Fatalf("got %s/%s, want auth/success", env.Type, env.Action)
	}
	if !c.IsAuthenticated() || c.DeviceID != "device-a" {
		t.Fatalf("client not authenticated as device-a: authenticated=%v deviceID=%q", c.IsAuthenticated(), c.DeviceID)
	}
	if !authenticatedCallback {
		t.Fatal("OnAuthenticated callback never fired")
	}
}

func TestAuthFrameInvalidTokenClosesWithCode(t *testing.T) {
	r := newTestRouter(t)
	c := NewPendingClient("conn-1", false)
	var closeCode int
	c.CloseWithCode = func(code int, reason string) { closeCode = code }

	r.HandleFrame(c, frame(t, wire.TypeAuth, "", wire.AuthPayload{
		Token: "wrong-token-0123456789abcdefgh", ClientID: "device-a",
	}, "req-1"))

	if closeCode != 4003 {
		t.Fatalf("closeCode = %d, want 4003", closeCode)
	}
	if c.IsAuthenticated() {
		t.Fatal("client should not be authenticated after an invalid token")
	}
}

func TestAuthenticatedClientFramesDispatchNormally(t *testing.T) {
	r := newTestRouter(t)
	c := NewPendingClient("conn-1", false)
	r.HandleFrame(c, frame(t, wire.TypeAuth, "", wire.AuthPayload{
		Token: "test-token-0123456789abcdef-0123456789", ClientID: "device-a",
	}, ""))
	drainReply(t, c, time.Second) // auth/success

	r.HandleFrame(c, frame(t, wire.TypeSystem, "ping", wire.PingPayload{}, "req-2"))
	env := drainReply(t, c, time.Second)
	if env.Action != "pong" {
		t.Fatalf("action = %q, want pong once authenticated", env.Action)
	}
}
