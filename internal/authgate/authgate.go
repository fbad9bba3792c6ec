// Package authgate implements AuthGate (spec.md §4.6): validating the
// token presented in a type:"auth" frame. The 10-second window a
// connection has to present that frame is Gateway's timer, not this
// package's — Validate itself is synchronous and does no I/O, so
// Router can call it inline from its normal frame-dispatch path
// instead of a frame reader blocking ahead of everything else.
package authgate

import (
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/personalagent/sessiond/internal/applog"
	"github.com/personalagent/sessiond/internal/constants"
	"github.com/personalagent/sessiond/internal/security"
	"github.com/personalagent/sessiond/internal/wire"
)

// Result is what a successful Validate call yields. Router uses it to
// register the device and assemble the auth/success reply; AuthGate
// itself has no knowledge of sessions or service status.
type Result struct {
	DeviceID   string
	DeviceName string
}

// CloseError carries the WebSocket close code and reason an auth
// failure must close the connection with.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("authgate: %s (code %d)", e.Reason, e.Code)
}

// Unwrap lets errors.Is match ErrInvalidToken on an invalid-token close.
func (e *CloseError) Unwrap() error {
	if e.Code == constants.CloseInvalidToken {
		return ErrInvalidToken
	}
	return nil
}

// ErrInvalidToken is wrapped by the CloseInvalidToken CloseError.
var ErrInvalidToken = fmt.Errorf("authgate: invalid token")

// TokenFunc returns the current authentication token, mirroring
// SecretStore.GetAuthToken.
type TokenFunc func() (string, error)

// Gate checks a type:"auth" frame's token against TokenFunc.
type Gate struct {
	TokenFunc TokenFunc
	log       *slog.Logger
}

// New builds a Gate.
func New(tokenFunc TokenFunc, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		TokenFunc: tokenFunc,
		log:       applog.Component(log, "authgate"),
	}
}

// Validate checks payload's token and returns the device identity a
// successful frame establishes. A bad token comes back as a
// *CloseError identifying the close code/reason the caller must send
// before closing the connection.
func (g *Gate) Validate(payload wire.AuthPayload) (Result, error) {
	want, err := g.TokenFunc()
	if err != nil {
		return Result{}, fmt.Errorf("authgate: load token: %w", err)
	}

	if !security.ValidateToken(payload.Token) || !constantTimeEqual(payload.Token, want) {
		g.log.Warn("rejected auth frame", "client_id", payload.ClientID, "token_prefix", applog.RedactToken(payload.Token))
		return Result{}, &CloseError{
			Code:   constants.CloseInvalidToken,
			Reason: constants.CloseReasonInvalidToken,
		}
	}

	deviceName := security.SanitizeInput(payload.DeviceName)
	if deviceName == "" {
		deviceName = payload.ClientID
	}
	g.log.Info("authenticated device", "client_id", payload.ClientID)
	return Result{DeviceID: payload.ClientID, DeviceName: deviceName}, nil
}

// constantTimeEqual rejects mismatched lengths up front — token
// lengths are not secret, only their contents — then compares the
// value bytes in constant time so no early-exit on the first
// differing byte leaks which prefix matched.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
