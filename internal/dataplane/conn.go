package dataplane

import (
	"io"
	"net"
	"sync"
	"time"
)

// wsConn is the net.Conn yamux multiplexes over. It never touches the
// underlying *websocket.Conn directly — the Gateway owns the single
// read loop that demultiplexes text (JSON control frames) from binary
// (data-plane) WebSocket messages, and must call Feed for every binary
// message it sees so it reaches here. Writes go back out through
// writeBinary, which the Gateway implements so the same
// write-serialization it already uses for JSON frames also covers
// yamux's binary frames on the one shared connection.
//
// Adapted from ssrok's internal/tunnel/conn.go wsConnWrapper,
// which instead called conn.NextReader()/WriteMessage directly — safe
// there because ssrok's tunnel connection carries nothing but
// yamux traffic. Here the connection is shared with JSON control
// frames, so ownership of the read side has to live one level up.
type wsConn struct {
	writeBinary func([]byte) error

	incoming  chan []byte
	pending   []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSConn(writeBinary func([]byte) error) *wsConn {
	return &wsConn{
		writeBinary: writeBinary,
		incoming:    make(chan []byte, 64),
		closed:      make(chan struct{}),
	}
}

// Feed hands one binary WebSocket message's payload to the transport,
// called by the Gateway's read loop when it classifies a message as
// data-plane traffic rather than a JSON control frame.
func (w *wsConn) Feed(data []byte) {
	select {
	case w.incoming <- data:
	case <-w.closed:
	}
}

func (w *wsConn) Read(p []byte) (int, error) {
	if len(w.pending) == 0 {
		select {
		case b, ok := <-w.incoming:
			if !ok {
				return 0, io.EOF
			}
			w.pending = b
		case <-w.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.writeBinary(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

func (w *wsConn) LocalAddr() net.Addr               { return nil }
func (w *wsConn) RemoteAddr() net.Addr              { return nil }
func (w *wsConn) SetDeadline(t time.Time) error     { return nil }
func (w *wsConn) SetReadDeadline(t time.Time) error { return nil }
func (w *wsConn) SetWriteDeadline(t time.Time) error { return nil }
