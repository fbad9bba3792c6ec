// Package secretstore loads, generates, and rotates the gateway's
// authentication token (spec.md §4.1).
//
// Persistence is a 0600 file in the user data directory rather than an
// OS keyring binding — ssrok and the rest of the retrieval
// pack carry no keyring client (no go-keyring, no Windows DPAPI
// wrapper), so a permission-restricted file is the closest available
// "OS-level secret storage" that needs no new, ungrounded dependency.
// An environment override is also honored for headless deployments.
package secretstore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/personalagent/sessiond/internal/applog"
	"github.com/personalagent/sessiond/internal/constants"
)

// Store loads, generates, and rotates the authentication token.
type Store struct {
	mu       sync.Mutex
	path     string
	log      *slog.Logger
	token    string
	envFixed bool // token came from the environment; rotation refuses to persist
}

// New builds a Store backed by tokenPath (typically
// "<userData>/secrets/auth.token"). If PERSONALAGENT_AUTH_TOKEN is
// set, it takes precedence over the file and rotation is a no-op that
// returns an error, since there is nowhere durable to persist a new
// value without contradicting the operator's override.
func New(tokenPath string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{path: tokenPath, log: applog.Component(log, "secretstore")}
	if env := os.Getenv(constants.EnvAuthToken); env != "" {
		s.token = env
		s.envFixed = true
	}
	return s
}

// GetAuthToken returns the current token, generating and persisting
// one on first use if none exists yet.
func (s *Store) GetAuthToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" {
		return s.token, nil
	}

	loaded, err := s.load()
	if err == nil {
		s.token = loaded
		return s.token, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	if err := s.persist(token); err != nil {
		return "", err
	}
	s.token = token
	s.log.Info("generated new auth token", "prefix", applog.RedactToken(token))
	return s.token, nil
}

// RotateAuthToken replaces the stored token atomically. Every live
// connection authenticated under the old token is unaffected by this
// call alone — it is the caller's (Gateway's) responsibility to close
// existing connections so the rotation actually takes effect.
func (s *Store) RotateAuthToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.envFixed {
		return "", errors.New("auth token is fixed by environment override, cannot rotate")
	}

	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	if err := s.persist(token); err != nil {
		return "", err
	}
	s.token = token
	s.log.Warn("rotated auth token, connections authenticated under the previous token stay open", "prefix", applog.RedactToken(token))
	return s.token, nil
}

// AdoptToken persists a token value supplied by the caller rather than
// generating a random one — used once, at startup, to migrate a token
// found inline in config.json into the secret store (spec.md §6).
func (s *Store) AdoptToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.envFixed {
		return errors.New("auth token is fixed by environment override, cannot adopt a migrated value")
	}
	if err := s.persist(token); err != nil {
		return err
	}
	s.token = token
	s.log.Info("adopted migrated auth token", "prefix", applog.RedactToken(token))
	return nil
}

func (s *Store) load() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// persist writes the token atomically: write to a temp file in the
// same directory, then rename over the target. The rename is what
// makes this atomic from a reader's perspective; writing directly
// could leave a half-written token on crash.
func (s *Store) persist(token string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create secrets dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".auth-token-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp token file: %w", err)
	}
	if _, err := tmp.WriteString(token); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp token file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("persist token file: %w", err)
	}
	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, constants.AuthTokenMinBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
