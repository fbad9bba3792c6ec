package gateway

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/personalagent/sessiond/internal/authgate"
	"github.com/personalagent/sessiond/internal/constants"
	"github.com/personalagent/sessiond/internal/dataplane"
	"github.com/personalagent/sessiond/internal/ptypool"
	"github.com/personalagent/sessiond/internal/router"
	"github.com/personalagent/sessiond/internal/sessions"
	"github.com/personalagent/sessiond/internal/svcsupervisor"
	"github.com/personalagent/sessiond/internal/wire"
)

const testToken = "correct-token-0123456789abcdef-0123456789"

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	n := 0
	pool := ptypool.New(func() string {
		n++
		return fmt.Sprintf("test-sess-%d", n)
	}, nil)
	supervisor := svcsupervisor.New(nil)
	registry := sessions.New(sessions.NewMemoryStore())
	dp := dataplane.New(pool, nil)
	gate := authgate.New(func() (string, error) { return testToken, nil }, nil)
	r := router.New(pool, supervisor, registry, dp, gate, nil)

	gw := New(Config{AuthTimeout: 200 * time.Millisecond}, r, dp, nil)

	// handleUpgrade is exercised directly through httptest rather than
	// ListenAndServe, to stay clear of the TLS listener it also owns.
	srv := httptest.NewServer(http.HandlerFunc(gw.handleUpgrade))
	t.Cleanup(srv.Close)
	return gw, srv
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(addr, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func authFrame(token, clientID, deviceName string) wire.Envelope {
	return wire.NewEnvelope(wire.TypeAuth, "", wire.AuthPayload{
		Token: token, ClientID: clientID, DeviceName: deviceName,
	}, "")
}

func TestAuthSuccessRegistersClientAndRepliesWithSuccess(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dialWS(t, srv.URL)

	if err := conn.WriteJSON(authFrame(testToken, "device-a", "laptop")); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}

	var env wire.Envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read auth reply: %v", err)
	}
	if env.Type != wire.TypeAuth || env.Action != "success" {
		t.Fatalf("got %s/%s, want auth/success", env.Type, env.Action)
	}
}

func TestAuthFailureClosesWithInvalidTokenCode(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dialWS(t, srv.URL)

	if err := conn.WriteJSON(authFrame("wrong-token-0123456789abcdefgh", "device-a", "")); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != constants.CloseInvalidToken {
		t.Fatalf("close code = %d, want %d", closeErr.Code, constants.CloseInvalidToken)
	}
}

func TestAuthTimeoutClosesConnection(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dialWS(t, srv.URL)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != constants.CloseAuthTimeout {
		t.Fatalf("close code = %d, want %d", closeErr.Code, constants.CloseAuthTimeout)
	}
}

// A malformed frame sent before auth must not be mistaken for an auth
// timeout: the connection stays open and the client gets a system/error
// reply, per spec.md §7.
func TestMalformedFrameBeforeAuthKeepsConnectionAlive(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dialWS(t, srv.URL)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env wire.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("expected a system/error reply, got error: %v", err)
	}
	if env.Action != "error" {
		t.Fatalf("action = %q, want error", env.Action)
	}

	// Still unauthenticated, so the auth timer should still fire 4001
	// once its window elapses rather than having already closed 4003.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != constants.CloseAuthTimeout {
		t.Fatalf("close code = %d, want %d", closeErr.Code, constants.CloseAuthTimeout)
	}
}

// A well-formed non-auth frame sent before auth must not be treated as
// an invalid token: the client gets a "not authenticated" error and the
// connection is kept alive, per spec.md §7.
func TestNonAuthFrameBeforeAuthGetsErrorNotClose(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dialWS(t, srv.URL)

	pingEnv := wire.NewEnvelope(wire.TypeSystem, "ping", wire.PingPayload{}, "req-1")
	if err := conn.WriteJSON(pingEnv); err != nil {
		t.Fatalf("write system/ping: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env wire.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("expected a system/error reply, got error: %v", err)
	}
	if env.Action != "error" {
		t.Fatalf("action = %q, want error for a non-auth frame before auth", env.Action)
	}

	if err := conn.WriteJSON(authFrame(testToken, "device-a", "laptop")); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var authReply wire.Envelope
	if err := conn.ReadJSON(&authReply); err != nil {
		t.Fatalf("read auth reply after recovering from the earlier error: %v", err)
	}
	if authReply.Type != wire.TypeAuth || authReply.Action != "success" {
		t.Fatalf("got %s/%s, want auth/success", authReply.Type, authReply.Action)
	}
}

func TestAuthenticatedClientCanCreatePTY(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dialWS(t, srv.URL)

	if err := conn.WriteJSON(authFrame(testToken, "device-b", "")); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var authReply wire.Envelope
	if err := conn.ReadJSON(&authReply); err != nil {
		t.Fatalf("read auth reply: %v", err)
	}

	createEnv := wire.NewEnvelope(wire.TypePTY, "create", wire.PTYCreatePayload{Shell: "/bin/sh"}, "req-1")
	if err := conn.WriteJSON(createEnv); err != nil {
		t.Fatalf("write pty/create: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var createdReply wire.Envelope
	if err := conn.ReadJSON(&createdReply); err != nil {
		t.Fatalf("read pty/created: %v", err)
	}
	if createdReply.Type != wire.TypePTY || createdReply.Action != "created" {
		t.Fatalf("got %s/%s, want pty/created", createdReply.Type, createdReply.Action)
	}
}
