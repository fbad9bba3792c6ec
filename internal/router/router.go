// Package router implements MessageRouter (spec.md §4.8): frame
// parsing, authorization, dispatch, and fan-out of PTYPool and
// ServiceSupervisor events to subscribed clients.
package router

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/personalagent/sessiond/internal/applog"
	"github.com/personalagent/sessiond/internal/authgate"
	"github.com/personalagent/sessiond/internal/ptypool"
	"github.com/personalagent/sessiond/internal/screenshot"
	"github.com/personalagent/sessiond/internal/security"
	"github.com/personalagent/sessiond/internal/sessions"
	"github.com/personalagent/sessiond/internal/svcsupervisor"
	"github.com/personalagent/sessiond/internal/wire"
)

// DataPlaneOpener accepts a yamux stream for one session over the
// connection identified by connID, per SPEC_FULL.md §4.9.1. The
// Gateway supplies the implementation; Router never touches yamux
// directly.
type DataPlaneOpener interface {
	Open(connID, sessionID string) error
}

// dataPlaneWriter is an optional capability a DataPlaneOpener may also
// implement: deliver raw PTY bytes directly to an open stream instead
// of a JSON pty/data frame. TryWrite reports whether connID has an
// open stream for sessionID; the router falls back to the JSON
// envelope for any subscriber it reports false for.
type dataPlaneWriter interface {
	TryWrite(connID, sessionID string, data []byte) bool
}

// Router owns every connected Client and dispatches frames to
// PTYPool, ServiceSupervisor, and SessionRegistry. It also owns
// AuthGate, since the auth frame is just another frame type in the
// unified wire format (spec.md §4.8) rather than a handshake that
// happens ahead of the router entirely.
type Router struct {
	pool       *ptypool.Pool
	supervisor *svcsupervisor.Supervisor
	registry   *sessions.Registry
	dataPlane  DataPlaneOpener
	authGate   *authgate.Gate
	log        *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// New builds a Router wired to the given components. dataPlane may be
// nil; pty/openDataPlane then always fails with system/error.
func New(pool *ptypool.Pool, supervisor *svcsupervisor.Supervisor, registry *sessions.Registry, dataPlane DataPlaneOpener, authGate *authgate.Gate, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		pool:       pool,
		supervisor: supervisor,
		registry:   registry,
		dataPlane:  dataPlane,
		authGate:   authGate,
		log:        applog.Component(log, "router"),
		clients:    make(map[string]*Client),
	}
	go r.pumpPTYEvents()
	go r.pumpServiceEvents()
	return r
}

// RegisterClient adds client to the routing table and rebuilds its
// owned/subscribed session sets from the registry, per the
// reconnection contract.
func (r *Router) RegisterClient(c *Client) wire.AuthSuccessPayload {
	owned := r.registry.SessionsOwnedBy(c.DeviceID)
	c.restoreOwnedSessions(owned)

	r.mu.Lock()
	r.clients[c.ConnID] = c
	r.mu.Unlock()

	var visible []string
	if c.IsLocal {
		for _, info := range r.pool.List() {
			visible = append(visible, info.ID)
		}
	} else {
		visible = owned
	}

	return wire.AuthSuccessPayload{
		ConnID:   c.ConnID,
		Sessions: visible,
		Services: r.serviceStatuses(),
	}
}

// UnregisterClient drops client from the routing table. Per spec.md
// §5, this unsubscribes it from everything but leaves ownership intact
// in the global registry.
func (r *Router) UnregisterClient(connID string) {
	r.mu.Lock()
	delete(r.clients, connID)
	r.mu.Unlock()
}

func (r *Router) serviceStatuses() []wire.ServiceStatusPayload {
	all := r.supervisor.ListAll()
	out := make([]wire.ServiceStatusPayload, 0, len(all))
	for _, info := range all {
		out = append(out, wire.ServiceStatusPayload{
			ServiceID: info.ID,
			Status:    string(info.Status),
			PID:       info.PID,
			UptimeMS:  info.Uptime.Milliseconds(),
			LastError: info.LastError,
		})
	}
	return out
}

// HandleFrame parses raw as an Envelope and dispatches it. Malformed
// frames and unknown types/actions produce a system/error reply but
// never close the connection on their own — per spec.md §7, a bad
// frame is recoverable. The sole exception is an invalid token on a
// type:"auth" frame, which handleAuth closes explicitly, since that
// failure is fatal rather than recoverable.
//
// A client that has not yet authenticated gets a system/error for
// every frame type except "auth" — it stays connected until either a
// valid auth frame arrives or Gateway's auth timer closes it with
// 4001.
func (r *Router) HandleFrame(c *Client, raw []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.publish(wire.NewError("", "malformed frame"))
		return
	}

	if env.Type == wire.TypeAuth {
		r.handleAuth(c, env)
		return
	}
	if !c.IsAuthenticated() {
		c.publish(wire.NewError(env.RequestID, "not authenticated"))
		return
	}

	switch env.Type {
	case wire.TypePTY:
		r.handlePTY(c, env)
	case wire.TypeService:
		r.handleService(c, env)
	case wire.TypeSystem:
		r.handleSystem(c, env)
	default:
		c.publish(wire.NewError(env.RequestID, fmt.Sprintf("unknown message type %q", env.Type)))
	}
}

// handleAuth validates a type:"auth" frame's token. Success marks c
// authenticated, registers it in the routing table, and replies with
// auth/success; an invalid token closes the connection with 4003
// through c.CloseWithCode, the one case a frame handler is allowed to
// end the connection rather than just reply with an error.
func (r *Router) handleAuth(c *Client, env wire.Envelope) {
	var p wire.AuthPayload
	if err := decode(env.Payload, &p); err != nil {
		c.publish(wire.NewError(env.RequestID, "malformed payload"))
		return
	}

	result, err := r.authGate.Validate(p)
	if err != nil {
		if ce, ok := err.(*authgate.CloseError); ok && c.CloseWithCode != nil {
			c.CloseWithCode(ce.Code, ce.Reason)
			return
		}
		c.publish(wire.NewError(env.RequestID, "authentication failed"))
		return
	}

	c.markAuthenticated(result.DeviceID, result.DeviceName)
	if c.OnAuthenticated != nil {
		c.OnAuthenticated()
	}

	success := r.RegisterClient(c)
	c.publish(wire.NewEnvelope(wire.TypeAuth, "success", success, env.RequestID))
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(raw, v)
}

func (r *Router) reply(c *Client, env wire.Envelope, requestID string) {
	if requestID == "" {
		return
	}
	env.RequestID = requestID
	c.publish(env)
}

// --- pty ---

func (r *Router) handlePTY(c *Client, env wire.Envelope) {
	switch env.Action {
	case "create":
		r.ptyCreate(c, env)
	case "list":
		r.ptyList(c, env)
	case "write":
		r.ptyWrite(c, env)
	case "resize":
		r.ptyResize(c, env)
	case "close":
		r.ptyClose(c, env)
	case "subscribe":
		r.ptySubscribe(c, env)
	case "unsubscribe":
		r.ptyUnsubscribe(c, env)
	case "openDataPlane":
		r.ptyOpenDataPlane(c, env)
	default:
		c.publish(wire.NewError(env.RequestID, fmt.Sprintf("unknown pty action %q", env.Action)))
	}
}

func (r *Router) ptyCreate(c *Client, env wire.Envelope) {
	var p wire.PTYCreatePayload
	_ = decode(env.Payload, &p) // zero-value opts are valid; PTYPool fills in defaults

	info, err := r.pool.Create(ptypool.CreateOptions{
		Name: p.Name, Cols: p.Cols, Rows: p.Rows, Cwd: p.Cwd, Shell: p.Shell,
	})
	if err != nil {
		r.reply(c, wire.NewError(env.RequestID, err.Error()), env.RequestID)
		return
	}

	if err := r.registry.Claim(info.ID, c.DeviceID); err != nil {
		r.log.Error("claim after create failed", "session_id", info.ID, "error", err)
	}
	c.addOwnedSession(info.ID)

	r.reply(c, wire.NewEnvelope(wire.TypePTY, "created", wire.PTYCreatedPayload{
		ID: info.ID, Name: info.Name, Shell: info.Shell, Cwd: info.Cwd,
		Cols: info.Cols, Rows: info.Rows, CreatedAt: info.CreatedAt.UnixMilli(),
	}, env.RequestID), env.RequestID)
}

func (r *Router) ptyList(c *Client, env wire.Envelope) {
	var ids []string
	if c.IsLocal {
		for _, info := range r.pool.List() {
			ids = append(ids, info.ID)
		}
	} else {
		ids = c.ownedSessionIDs()
	}
	r.reply(c, wire.NewEnvelope(wire.TypePTY, "list", struct {
		Sessions []string `json:"sessions"`
	}{ids}, env.RequestID), env.RequestID)
}

// authorizedForSession implements the spec.md §4.8 rule shared by
// write/resize/close/openDataPlane: owns it, is subscribed to it, or
// is a local (trusted) client.
func (c *Client) authorizedForSession(id string) bool {
	return c.IsLocal || c.ownsSession(id) || c.subscribedToSession(id)
}

// validSessionID rejects a sessionId that cannot possibly be one
// PTYPool minted (its ids are always uuid.NewString output), so
// obviously bogus input never reaches the pool's lookup map at all.
func validSessionID(id string) bool {
	return security.ValidateUUID(id)
}

func (r *Router) ptyWrite(c *Client, env wire.Envelope) {
	var p wire.PTYWritePayload
	data, err := decodePTYData(env.Payload, &p)
	if err != nil || !validSessionID(p.SessionID) {
		c.publish(wire.NewError(env.RequestID, "malformed payload"))
		return
	}
	if !c.authorizedForSession(p.SessionID) {
		c.publish(wire.NewError(env.RequestID, "access denied"))
		return
	}
	r.pool.Write(p.SessionID, data) // unknown IDs no-op silently inside the pool
}

// decodePTYData decodes a PTYWritePayload and base64-decodes its Data
// field, since the wire format carries arbitrary PTY input as base64
// rather than a raw JSON string.
func decodePTYData(raw json.RawMessage, p *wire.PTYWritePayload) ([]byte, error) {
	if err := decode(raw, p); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("pty write: invalid base64 data: %w", err)
	}
	return data, nil
}

func (r *Router) ptyResize(c *Client, env wire.Envelope) {
	var p wire.PTYResizePayload
	if err := decode(env.Payload, &p); err != nil || !validSessionID(p.SessionID) {
		c.publish(wire.NewError(env.RequestID, "malformed payload"))
		return
	}
	if !c.authorizedForSession(p.SessionID) {
		c.publish(wire.NewError(env.RequestID, "access denied"))
		return
	}
	_ = r.pool.Resize(p.SessionID, p.Cols, p.Rows) // unknown session: silent no-op
}

func (r *Router) ptyClose(c *Client, env wire.Envelope) {
	var p wire.PTYSessionIDPayload
	if err := decode(env.Payload, &p); err != nil || !validSessionID(p.SessionID) {
		c.publish(wire.NewError(env.RequestID, "malformed payload"))
		return
	}
	if !c.authorizedForSession(p.SessionID) {
		c.publish(wire.NewError(env.RequestID, "access denied"))
		return
	}
	_ = r.pool.Close(p.SessionID) // unknown session: silent no-op
}

func (r *Router) ptySubscribe(c *Client, env wire.Envelope) {
	var p wire.PTYSessionIDPayload
	if err := decode(env.Payload, &p); err != nil || !validSessionID(p.SessionID) {
		c.publish(wire.NewError(env.RequestID, "malformed payload"))
		return
	}
	if _, ok := r.pool.Get(p.SessionID); !ok {
		c.publish(wire.NewError(env.RequestID, "session not found"))
		return
	}
	if !c.IsLocal && !c.ownsSession(p.SessionID) {
		c.publish(wire.NewError(env.RequestID, "access denied"))
		return
	}
	c.subscribeSession(p.SessionID)
	r.reply(c, wire.NewEnvelope(wire.TypePTY, "subscribed", wire.PTYSessionIDPayload{SessionID: p.SessionID}, env.RequestID), env.RequestID)
}

func (r *Router) ptyUnsubscribe(c *Client, env wire.Envelope) {
	var p wire.PTYSessionIDPayload
	if err := decode(env.Payload, &p); err != nil {
		c.publish(wire.NewError(env.RequestID, "malformed payload"))
		return
	}
	c.unsubscribeSession(p.SessionID)
	r.reply(c, wire.NewEnvelope(wire.TypePTY, "unsubscribed", wire.PTYSessionIDPayload{SessionID: p.SessionID}, env.RequestID), env.RequestID)
}

func (r *Router) ptyOpenDataPlane(c *Client, env wire.Envelope) {
	var p wire.PTYOpenDataPlanePayload
	if err := decode(env.Payload, &p); err != nil || !validSessionID(p.SessionID) {
		c.publish(wire.NewError(env.RequestID, "malformed payload"))
		return
	}
	if !c.authorizedForSession(p.SessionID) {
		c.publish(wire.NewError(env.RequestID, "access denied"))
		return
	}
	if r.dataPlane == nil {
		c.publish(wire.NewError(env.RequestID, "data plane unavailable"))
		return
	}
	if err := r.dataPlane.Open(c.ConnID, p.SessionID); err != nil {
		c.publish(wire.NewError(env.RequestID, err.Error()))
		return
	}
	r.reply(c, wire.NewEnvelope(wire.TypePTY, "dataPlaneOpened", wire.PTYDataPlaneOpenedPayload{SessionID: p.SessionID}, env.RequestID), env.RequestID)
}

// --- service ---

func (r *Router) handleService(c *Client, env wire.Envelope) {
	switch env.Action {
	case "start":
		r.serviceAction(c, env, r.supervisor.Start)
	case "stop":
		r.serviceAction(c, env, r.supervisor.Stop)
	case "restart":
		r.serviceAction(c, env, r.supervisor.Restart)
	case "list":
		r.reply(c, wire.NewEnvelope(wire.TypeService, "list", wire.ServiceListPayload{Services: r.serviceListEntries()}, env.RequestID), env.RequestID)
	case "subscribe":
		r.serviceSubscribe(c, env)
	case "unsubscribe":
		r.serviceUnsubscribe(c, env)
	default:
		c.publish(wire.NewError(env.RequestID, fmt.Sprintf("unknown service action %q", env.Action)))
	}
}

func (r *Router) serviceListEntries() []wire.ServiceListEntry {
	all := r.supervisor.ListAll()
	out := make([]wire.ServiceListEntry, 0, len(all))
	for _, info := range all {
		out = append(out, wire.ServiceListEntry{ServiceID: info.ID, Name: info.Name, Status: string(info.Status)})
	}
	return out
}

func (r *Router) serviceAction(c *Client, env wire.Envelope, action func(string) error) {
	var p wire.ServiceIDPayload
	if err := decode(env.Payload, &p); err != nil {
		c.publish(wire.NewError(env.RequestID, "malformed payload"))
		return
	}
	if err := action(p.ServiceID); err != nil {
		c.publish(wire.NewError(env.RequestID, err.Error()))
		return
	}
	r.reply(c, wire.NewEnvelope(wire.TypeService, "ack", wire.ServiceIDPayload{ServiceID: p.ServiceID}, env.RequestID), env.RequestID)
}

func (r *Router) serviceSubscribe(c *Client, env wire.Envelope) {
	var p wire.ServiceIDPayload
	if err := decode(env.Payload, &p); err != nil {
		c.publish(wire.NewError(env.RequestID, "malformed payload"))
		return
	}
	if _, err := r.supervisor.Status(p.ServiceID); err != nil {
		c.publish(wire.NewError(env.RequestID, "service not registered"))
		return
	}
	c.subscribeService(p.ServiceID)
	r.reply(c, wire.NewEnvelope(wire.TypeService, "subscribed", p, env.RequestID), env.RequestID)
}

func (r *Router) serviceUnsubscribe(c *Client, env wire.Envelope) {
	var p wire.ServiceIDPayload
	if err := decode(env.Payload, &p); err != nil {
		c.publish(wire.NewError(env.RequestID, "malformed payload"))
		return
	}
	c.unsubscribeService(p.ServiceID)
	r.reply(c, wire.NewEnvelope(wire.TypeService, "unsubscribed", p, env.RequestID), env.RequestID)
}

// --- system ---

func (r *Router) handleSystem(c *Client, env wire.Envelope) {
	switch env.Action {
	case "ping":
		r.reply(c, wire.NewEnvelope(wire.TypeSystem, "pong", wire.PongPayload{Timestamp: time.Now().UnixMilli()}, env.RequestID), env.RequestID)
	case "info":
		hostname, _ := os.Hostname()
		r.reply(c, wire.NewEnvelope(wire.TypeSystem, "info", wire.InfoPayload{
			Platform: runtime.GOOS, Architecture: runtime.GOARCH, Hostname: hostname,
			NumCPU: runtime.NumCPU(), GoVersion: runtime.Version(),
		}, env.RequestID), env.RequestID)
	case "screenshot":
		r.systemScreenshot(c, env)
	default:
		c.publish(wire.NewError(env.RequestID, fmt.Sprintf("unknown system action %q", env.Action)))
	}
}

func (r *Router) systemScreenshot(c *Client, env wire.Envelope) {
	if !c.IsLocal {
		c.publish(wire.NewError(env.RequestID, "access denied"))
		return
	}
	pngBase64, width, height, err := screenshot.Capture()
	if err != nil {
		c.publish(wire.NewError(env.RequestID, err.Error()))
		return
	}
	r.reply(c, wire.NewEnvelope(wire.TypeSystem, "screenshot", wire.ScreenshotPayload{
		PNGBase64: pngBase64, Width: width, Height: height,
	}, env.RequestID), env.RequestID)
}

// --- fan-out ---

// pumpPTYEvents drains PTYPool's event channel and delivers data/exit
// events only to each session's subscribers, per spec.md §4.8.
func (r *Router) pumpPTYEvents() {
	for e := range r.pool.Events() {
		switch e.Type {
		case ptypool.EventData:
			r.fanOutPTYData(e.SessionID, e.Bytes)
		case ptypool.EventExit:
			r.registry.Release(e.SessionID)
			r.fanOutToSessionSubscribers(e.SessionID, wire.NewEnvelope(wire.TypePTY, "exit", wire.PTYExitPayload{
				SessionID: e.SessionID, ExitCode: e.ExitCode, Signal: e.Signal,
			}, ""))
		case ptypool.EventClosed:
			r.registry.Release(e.SessionID)
			r.fanOutToSessionSubscribers(e.SessionID, wire.NewEnvelope(wire.TypePTY, "exit", wire.PTYExitPayload{
				SessionID: e.SessionID,
			}, ""))
		}
	}
}

// fanOutPTYData delivers one chunk of PTY output to every subscriber,
// preferring each subscriber's open binary data-plane stream (if any)
// over the JSON envelope — the data plane is an optimization, never a
// change to who receives the data.
func (r *Router) fanOutPTYData(sessionID string, data []byte) {
	r.mu.RLock()
	subs := make([]*Client, 0)
	for _, c := range r.clients {
		if c.isSessionSubscriber(sessionID) {
			subs = append(subs, c)
		}
	}
	r.mu.RUnlock()

	dpw, _ := r.dataPlane.(dataPlaneWriter)
	env := wire.NewEnvelope(wire.TypePTY, "data", wire.PTYDataPayload{
		SessionID: sessionID, Data: base64.StdEncoding.EncodeToString(data),
	}, "")
	for _, c := range subs {
		if dpw != nil && dpw.TryWrite(c.ConnID, sessionID, data) {
			continue
		}
		c.publish(env)
	}
}

func (r *Router) fanOutToSessionSubscribers(sessionID string, env wire.Envelope) {
	r.mu.RLock()
	subs := make([]*Client, 0)
	for _, c := range r.clients {
		if c.isSessionSubscriber(sessionID) {
			subs = append(subs, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range subs {
		c.publish(env)
	}
}

// pumpServiceEvents drains ServiceSupervisor's event channel.
// service:status is broadcast to every authenticated client
// (status-only observers are first-class, per spec.md §4.8);
// service:output is delivered only to that service's subscribers.
func (r *Router) pumpServiceEvents() {
	for e := range r.supervisor.Events() {
		switch e.Type {
		case svcsupervisor.EventStatus:
			r.broadcast(wire.NewEnvelope(wire.TypeService, "status", wire.ServiceStatusPayload{
				ServiceID: e.ID, Status: string(e.Status), PID: e.PID,
				UptimeMS: e.Uptime.Milliseconds(), LastError: e.LastError,
			}, ""))
		case svcsupervisor.EventOutput:
			r.fanOutToServiceSubscribers(e.ID, wire.NewEnvelope(wire.TypeService, "output", wire.ServiceOutputPayload{
				ServiceID: e.ID, Stream: string(e.Stream), Data: base64.StdEncoding.EncodeToString(e.Data),
			}, ""))
		}
	}
}

func (r *Router) broadcast(env wire.Envelope) {
	r.mu.RLock()
	all := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		all = append(all, c)
	}
	r.mu.RUnlock()
	for _, c := range all {
		c.publish(env)
	}
}

func (r *Router) fanOutToServiceSubscribers(serviceID string, env wire.Envelope) {
	r.mu.RLock()
	subs := make([]*Client, 0)
	for _, c := range r.clients {
		if c.isServiceSubscriber(serviceID) {
			subs = append(subs, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range subs {
		c.publish(env)
	}
}
