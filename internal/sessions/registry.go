package sessions

// Registry is the public SessionRegistry surface: three atomic
// operations plus the derived sessionsOwnedBy query, backed by a
// pluggable Store.
type Registry struct {
	store Store
}

// New wraps a Store as a Registry.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// Claim records deviceID as the owner of sessionID, called after
// PTYPool.Create. It fails if sessionID is already owned by a
// different device.
func (r *Registry) Claim(sessionID, deviceID string) error {
	return r.store.Claim(sessionID, deviceID)
}

// Owner returns the device that owns sessionID, if any.
func (r *Registry) Owner(sessionID string) (string, bool) {
	return r.store.Owner(sessionID)
}

// Release drops sessionID's ownership record, called after close or
// on PTY exit.
func (r *Registry) Release(sessionID string) {
	r.store.Release(sessionID)
}

// SessionsOwnedBy is the derived query over the ownership map.
func (r *Registry) SessionsOwnedBy(deviceID string) []string {
	return r.store.SessionsOwnedBy(deviceID)
}

// Close releases the underlying store's resources (e.g. the Redis
// client), called during gateway shutdown.
func (r *Registry) Close() error {
	return r.store.Close()
}
