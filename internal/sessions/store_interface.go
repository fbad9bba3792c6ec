// Package sessions implements SessionRegistry (spec.md §4.7): the
// atomic map from a PTY/service session id to the device that owns
// it, pluggable between an in-process map and Redis the way ssrok's
// own internal/session package pluggable stores worked — adapted here
// from whole tunnel-session records down to the single fact this
// registry actually needs: who owns which session id.
package sessions

import "errors"

// ErrClaimedByOther is returned by Claim when sessionId is already
// owned by a different device.
var ErrClaimedByOther = errors.New("sessions: already claimed by another device")

// Store is the pluggable backing for SessionRegistry. Both
// implementations must make Claim atomic: two concurrent claims for
// the same sessionId must not both succeed for different deviceIds.
type Store interface {
	Claim(sessionID, deviceID string) error
	Owner(sessionID string) (string, bool)
	Release(sessionID string)
	SessionsOwnedBy(deviceID string) []string
	Close() error
}
