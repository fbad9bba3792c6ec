// Package dataplane implements the optional binary side channel
// SPEC_FULL.md §4.9.1 describes: a yamux session multiplexed over a
// single WebSocket connection's binary-message traffic, opened lazily
// the first time a client sends pty/openDataPlane, carrying one stream
// per PTY session's raw bytes instead of base64/JSON pty/data frames.
//
// Grounded in ssrok's internal/tunnel package: wsConnWrapper
// (here wsConn) adapts the WebSocket to net.Conn, and yamux.Server /
// yamuxConfig are lifted directly from tunnel.go and tunnel/config.go.
package dataplane

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/personalagent/sessiond/internal/applog"
	"github.com/personalagent/sessiond/internal/ptypool"
)

func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.MaxStreamWindowSize = 4 * 1024 * 1024
	cfg.AcceptBacklog = 64
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = 30 * time.Second
	return cfg
}

// Manager owns one yamux session per WebSocket connection that has
// requested at least one data-plane stream, and the open streams
// within each session keyed by PTY session ID.
type Manager struct {
	pool *ptypool.Pool
	log  *slog.Logger

	mu    sync.Mutex
	conns map[string]*connState
}

type connState struct {
	mu      sync.Mutex
	wsConn  *wsConn
	session *yamux.Session
	streams map[string]*yamux.Stream
}

// New builds a Manager that writes PTY keystrokes read off any open
// data-plane stream back into pool.
func New(pool *ptypool.Pool, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		pool:  pool,
		log:   applog.Component(log, "dataplane"),
		conns: make(map[string]*connState),
	}
}

// BindConn registers connID's outbound binary-write path so later Open
// calls have a transport to multiplex over. The Gateway calls this
// once per accepted connection, whether or not the client ever
// actually opens a data plane; writeBinary should send one
// websocket.BinaryMessage frame per call, serialized against the
// Gateway's JSON writes on the same connection.
func (m *Manager) BindConn(connID string, writeBinary func([]byte) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[connID] = &connState{wsConn: newWSConn(writeBinary), streams: make(map[string]*yamux.Stream)}
}

// Feed routes one binary WebSocket message read by the Gateway's main
// loop to connID's transport. A connID with no bound connection or no
// yamux session yet (the client sent binary traffic before ever
// calling pty/openDataPlane) is simply dropped.
func (m *Manager) Feed(connID string, data []byte) {
	m.mu.Lock()
	cs, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return
	}
	cs.mu.Lock()
	started := cs.session != nil
	cs.mu.Unlock()
	if !started {
		return
	}
	cs.wsConn.Feed(data)
}

// UnbindConn tears down connID's yamux session, if one was ever
// created, and every stream opened on it.
func (m *Manager) UnbindConn(connID string) {
	m.mu.Lock()
	cs, ok := m.conns[connID]
	delete(m.conns, connID)
	m.mu.Unlock()
	if !ok {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.session != nil {
		_ = cs.session.Close()
	}
}

// Open lazily creates connID's yamux session, then opens one stream
// for sessionID, sends a length-prefixed header identifying the
// session so the client's AcceptStream loop can route it, and starts
// the goroutine that copies client keystrokes from the stream into the
// PTY pool.
func (m *Manager) Open(connID, sessionID string) error {
	m.mu.Lock()
	cs, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("dataplane: no bound connection %q", connID)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.session == nil {
		session, err := yamux.Server(cs.wsConn, yamuxConfig())
		if err != nil {
			return fmt.Errorf("dataplane: start yamux session: %w", err)
		}
		cs.session = session
	}

	if _, exists := cs.streams[sessionID]; exists {
		return nil
	}

	stream, err := cs.session.OpenStream()
	if err != nil {
		return fmt.Errorf("dataplane: open stream: %w", err)
	}
	if err := writeHeader(stream, sessionID); err != nil {
		_ = stream.Close()
		return fmt.Errorf("dataplane: write stream header: %w", err)
	}
	cs.streams[sessionID] = stream

	go m.pumpInbound(connID, sessionID, stream)
	return nil
}

// TryWrite delivers data to connID's open stream for sessionID, if
// one exists, implementing router.dataPlaneWriter's optional fast
// path. It reports false when no stream is open, telling the router
// to fall back to a JSON pty/data frame for that subscriber.
func (m *Manager) TryWrite(connID, sessionID string, data []byte) bool {
	m.mu.Lock()
	cs, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	cs.mu.Lock()
	stream, ok := cs.streams[sessionID]
	cs.mu.Unlock()
	if !ok {
		return false
	}

	if _, err := stream.Write(data); err != nil {
		m.log.Warn("data plane write failed, falling back to json frames", "conn_id", connID, "session_id", sessionID, "error", err)
		cs.mu.Lock()
		delete(cs.streams, sessionID)
		cs.mu.Unlock()
		return false
	}
	return true
}

// pumpInbound forwards everything the client writes on this stream
// (keystrokes, resize is still JSON-only) into the PTY pool until the
// stream or the underlying session closes.
func (m *Manager) pumpInbound(connID, sessionID string, stream *yamux.Stream) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			m.pool.Write(sessionID, buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				m.log.Debug("data plane stream closed", "conn_id", connID, "session_id", sessionID, "error", err)
			}
			return
		}
	}
}

// writeHeader sends a 2-byte length prefix followed by the session ID,
// the minimal framing a peer needs to route a freshly opened stream to
// the right PTY session without a second control-plane round trip.
func writeHeader(w io.Writer, sessionID string) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(sessionID)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, sessionID)
	return err
}
