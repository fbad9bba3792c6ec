// Package gateway implements Gateway (spec.md §4.9): the TLS listener,
// WebSocket upgrade, and per-connection lifecycle that sits in front of
// MessageRouter. Grounded in ssrok's internal/server package —
// net/http.Server plus a gorilla/websocket upgrader — trimmed of the
// HTTP tunnel-registration surface that has no analogue here.
package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/personalagent/sessiond/internal/applog"
	"github.com/personalagent/sessiond/internal/constants"
	"github.com/personalagent/sessiond/internal/dataplane"
	"github.com/personalagent/sessiond/internal/originfilter"
	"github.com/personalagent/sessiond/internal/router"
	"github.com/personalagent/sessiond/internal/security"
)

// TLSCredentials is the minimal shape Gateway needs from CertManager;
// accepting the PEM pair directly instead of *certs.Manager keeps this
// package testable without minting a certificate per test.
type TLSCredentials struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Config bundles everything New needs beyond the already-constructed
// collaborator components.
type Config struct {
	Addr                string // host:port to listen on
	TLS                 *TLSCredentials
	RestrictToTailscale bool
	AuthTimeout         time.Duration
}

// Gateway owns the HTTP(S) listener and the per-connection
// goroutines that bridge a WebSocket to Router/Client. Authentication
// itself lives in Router/AuthGate — Gateway's only remaining auth
// responsibility is the 10-second timer spec.md §4.6 describes: close
// with 4001 if nothing has authenticated the connection by the time
// it fires.
type Gateway struct {
	cfg       Config
	filter    originfilter.Filter
	router    *router.Router
	dataPlane *dataplane.Manager
	upgrader  websocket.Upgrader
	log       *slog.Logger

	httpServer *http.Server

	mu    sync.Mutex
	conns map[string]func() // connID -> forced-close callback, for coordinated teardown
}

// New wires a Gateway. r is the already-constructed Router (which
// owns AuthGate); dp may be nil, in which case pty/openDataPlane
// always fails (matching router.New's contract).
func New(cfg Config, r *router.Router, dp *dataplane.Manager, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = constants.AuthTimeout
	}
	return &Gateway{
		cfg:       cfg,
		filter:    originfilter.Filter{RestrictToTailscale: cfg.RestrictToTailscale},
		router:    r,
		dataPlane: dp,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  constants.WSBufferSize,
			WriteBufferSize: constants.WSBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true }, // OriginFilter enforces admission, not browser CORS
		},
		log:   applog.Component(log, "gateway"),
		conns: make(map[string]func()),
	}
}

// ListenAndServe binds cfg.Addr and serves upgrade requests at any
// path until ctx is canceled, per spec.md §4.9 ("accepts WebSocket
// upgrades at any path"). Plaintext mode (cfg.TLS == nil) is
// diagnostic-only and logs a warning, as spec.md §6 requires.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleUpgrade)

	var handler http.Handler = mux
	if g.cfg.TLS == nil {
		// Diagnostic mode has no ALPN negotiation to offer h2, so the
		// only way a plaintext client reaches HTTP/2 is prior-knowledge
		// h2c, same as ssrok's server.go falls back to when
		// SSROK_ENABLE_TLS is unset.
		handler = h2c.NewHandler(mux, &http2.Server{})
	}

	g.httpServer = &http.Server{
		Addr:              g.cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if g.cfg.TLS != nil {
			cert, err := tls.X509KeyPair(g.cfg.TLS.CertPEM, g.cfg.TLS.KeyPEM)
			if err != nil {
				errCh <- fmt.Errorf("gateway: parse tls credentials: %w", err)
				return
			}
			g.httpServer.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
			g.log.Info("listening", "addr", g.cfg.Addr, "tls", true)
			errCh <- g.httpServer.ListenAndServeTLS("", "")
		} else {
			g.log.Warn("TLS not configured, serving plaintext — diagnostic mode only", "addr", g.cfg.Addr)
			errCh <- g.httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		return g.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Close terminates every live client connection, then shuts the
// listener, per spec.md §5's coordinated-teardown ordering ("close
// Gateway" is the last step; callers stop services and PTYs first).
func (g *Gateway) Close() error {
	g.mu.Lock()
	closers := make([]func(), 0, len(g.conns))
	for _, close := range g.conns {
		closers = append(closers, close)
	}
	g.mu.Unlock()
	for _, close := range closers {
		close()
	}

	if g.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.httpServer.Shutdown(ctx)
}

func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientIP := security.GetClientIP(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("websocket upgrade failed", "error", err, "remote", clientIP)
		return
	}
	conn.SetReadLimit(constants.MaxWSMessageSize)

	if !g.filter.Allowed(clientIP) {
		g.log.Warn("rejected connection from disallowed origin", "remote", clientIP)
		closeWithCode(conn, constants.CloseOriginNotAllowed, constants.CloseReasonOriginNotAllowed)
		return
	}

	g.serve(conn, clientIP)
}

// serve runs for the lifetime of one WebSocket connection. It arms the
// auth timer, starts reading and writing immediately, and leaves the
// actual auth frame to flow through readLoop/Router like any other
// frame — per spec.md §7, an unauthenticated connection stays open and
// keeps getting system/error replies until either a valid auth frame
// arrives or the timer fires with 4001.
func (g *Gateway) serve(conn *websocket.Conn, clientIP string) {
	defer conn.Close()

	connID := uuid.NewString()
	isLocal := clientIP == "127.0.0.1" || clientIP == "::1"
	client := router.NewPendingClient(connID, isLocal)

	var writeMu sync.Mutex
	client.Disconnect = func() { conn.Close() }
	client.CloseWithCode = func(code int, reason string) {
		closeWithCode(conn, code, reason)
		conn.Close()
	}

	if g.dataPlane != nil {
		g.dataPlane.BindConn(connID, func(data []byte) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteMessage(websocket.BinaryMessage, data)
		})
		defer g.dataPlane.UnbindConn(connID)
	}

	g.mu.Lock()
	g.conns[connID] = func() { conn.Close() }
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.conns, connID)
		g.mu.Unlock()
	}()
	defer g.router.UnregisterClient(connID)

	authTimer := time.AfterFunc(g.cfg.AuthTimeout, func() {
		if !client.IsAuthenticated() {
			closeWithCode(conn, constants.CloseAuthTimeout, constants.CloseReasonAuthTimeout)
			conn.Close()
		}
	})
	defer authTimer.Stop()
	client.OnAuthenticated = func() { authTimer.Stop() }

	// quit stops the write pump once readLoop returns. It is a separate
	// signal rather than closing client.Send, since publish() (called
	// from arbitrary router goroutines for the rest of this client's
	// life) would panic sending on a closed channel.
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case env := <-client.Send:
				writeMu.Lock()
				err := conn.WriteJSON(env)
				writeMu.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			case <-quit:
				return
			}
		}
	}()

	g.readLoop(conn, client, connID)
	close(quit)
	<-done
}

func (g *Gateway) readLoop(conn *websocket.Conn, client *router.Client, connID string) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			g.router.HandleFrame(client, data)
		case websocket.BinaryMessage:
			if g.dataPlane != nil {
				g.dataPlane.Feed(connID, data)
			}
		}
	}
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
