package router

import (
	"sync"

	"github.com/personalagent/sessiond/internal/wire"
)

// sendQueueSize bounds each client's outbound queue (spec.md §5:
// "unbounded queues are forbidden"). A full queue means the client is
// too slow to keep up and gets disconnected rather than stalling the
// producer that filled it.
const sendQueueSize = 64

// Client is the router's view of one connection, authenticated or
// not. The Gateway owns the actual network connection; Client only
// tracks routing state and a bounded outbound queue the Gateway's
// write pump drains.
type Client struct {
	ConnID     string
	DeviceID   string
	DeviceName string
	IsLocal    bool

	Send       chan wire.Envelope
	Disconnect func()

	// CloseWithCode, if set, closes the connection with a specific
	// WebSocket close code — used only by the auth frame handler to
	// reject an invalid token with 4003, per spec.md §7.
	CloseWithCode func(code int, reason string)
	// OnAuthenticated, if set, fires once a type:"auth" frame
	// validates successfully. Gateway uses it to cancel its own
	// auth-timeout timer.
	OnAuthenticated func()

	mu            sync.Mutex
	authenticated bool
	owned         map[string]bool // sessions this client created
	sessionSubs   map[string]bool // sessions this client receives pty/data for
	serviceSubs   map[string]bool // services this client receives service/output for
}

// NewClient builds an already-authenticated Client — deviceID identifies
// the device a prior auth frame established. Tests that skip the auth
// handshake use this directly; real connections go through
// NewPendingClient and Router's own auth handler instead.
func NewClient(connID, deviceID, deviceName string, isLocal bool) *Client {
	return &Client{
		ConnID:        connID,
		DeviceID:      deviceID,
		DeviceName:    deviceName,
		IsLocal:       isLocal,
		authenticated: deviceID != "",
		Send:          make(chan wire.Envelope, sendQueueSize),
		owned:         make(map[string]bool),
		sessionSubs:   make(map[string]bool),
		serviceSubs:   make(map[string]bool),
	}
}

// NewPendingClient builds a Client that has not yet presented a valid
// auth frame. HandleFrame rejects every non-auth frame from it with a
// system/error reply until the router's auth handler calls
// markAuthenticated.
func NewPendingClient(connID string, isLocal bool) *Client {
	return NewClient(connID, "", "", isLocal)
}

// IsAuthenticated reports whether a type:"auth" frame has already
// validated successfully on this connection.
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// markAuthenticated records the device identity an auth frame
// established and flips the client into the authenticated state.
func (c *Client) markAuthenticated(deviceID, deviceName string) {
	c.mu.Lock()
	c.DeviceID = deviceID
	c.DeviceName = deviceName
	c.authenticated = true
	c.mu.Unlock()
}

func (c *Client) ownsSession(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owned[id]
}

func (c *Client) subscribedToSession(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionSubs[id]
}

func (c *Client) addOwnedSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owned[id] = true
	c.sessionSubs[id] = true
}

func (c *Client) subscribeSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionSubs[id] = true
}

func (c *Client) unsubscribeSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessionSubs, id)
}

func (c *Client) isSessionSubscriber(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionSubs[id]
}

func (c *Client) subscribeService(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serviceSubs[id] = true
}

func (c *Client) unsubscribeService(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.serviceSubs, id)
}

func (c *Client) isServiceSubscriber(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serviceSubs[id]
}

// ownedSessionIDs snapshots the owned set, used by pty/list to show a
// remote client only the sessions it owns.
func (c *Client) ownedSessionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.owned))
	for id := range c.owned {
		out = append(out, id)
	}
	return out
}

// restoreOwnedSessions seeds both the owned and subscription sets from
// the session registry at reconnect time, per the reconnection
// contract in spec.md §4.8: "sessionSubscriptions = ownedSessions".
func (c *Client) restoreOwnedSessions(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.owned[id] = true
		c.sessionSubs[id] = true
	}
}

// publish enqueues env, disconnecting the client if its queue is full
// rather than blocking the caller.
func (c *Client) publish(env wire.Envelope) {
	select {
	case c.Send <- env:
	default:
		if c.Disconnect != nil {
			c.Disconnect()
		}
	}
}
