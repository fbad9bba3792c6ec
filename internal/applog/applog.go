// Package applog configures the gateway's operational logging.
//
// This is transient stderr output for operators, not a persisted
// security record — spec.md §1 excludes audit logging and persistent
// session recording as features, and nothing here writes a queryable
// history of past connections or sessions to disk.
package applog

import (
	"log/slog"
	"os"

	"github.com/personalagent/sessiond/internal/constants"
)

// New builds the process-wide logger. When pretty is true (or
// PERSONALAGENT_LOG_PRETTY=1 is set) it uses a human-readable text
// handler; otherwise it emits structured JSON, suitable for ingestion
// by a log shipper.
func New(pretty bool, level slog.Level) *slog.Logger {
	if os.Getenv(constants.EnvLogPretty) == "1" {
		pretty = true
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if pretty {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// Component returns a logger scoped to a single component, matching
// the "component" field convention used throughout the gateway.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With("component", name)
}

// RedactToken returns at most the first 8 hex characters of a token,
// the maximum spec.md §4.1 allows in diagnostic output.
func RedactToken(token string) string {
	n := constants.TokenDiagnosticHex
	if len(token) < n {
		n = len(token)
	}
	return token[:n]
}
