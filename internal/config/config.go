// Package config loads and saves the gateway's human-editable
// config.json (spec.md §6), overlaid with a ".env" file via
// github.com/joho/godotenv the way ssrok's CLI and server
// entrypoints load environment configuration.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/personalagent/sessiond/internal/applog"
	"github.com/personalagent/sessiond/internal/constants"
	"github.com/personalagent/sessiond/internal/svcsupervisor"
)

// ConnectionConfig mirrors spec.md §6's "connection" object.
type ConnectionConfig struct {
	DirectPort          int  `json:"directPort"`
	RestrictToTailscale bool `json:"restrictToTailscale"`
}

// ServiceDefinition is the on-disk shape of one managed service entry,
// translated to svcsupervisor.Definition at startup.
type ServiceDefinition struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Command          string            `json:"command"`
	Args             []string          `json:"args"`
	Cwd              string            `json:"cwd"`
	Env              map[string]string `json:"env"`
	AutoStart        bool              `json:"autoStart"`
	RestartOnFailure bool              `json:"restartOnFailure"`
}

func (d ServiceDefinition) toDefinition() svcsupervisor.Definition {
	return svcsupervisor.Definition{
		ID:               d.ID,
		Name:             d.Name,
		Command:          d.Command,
		Args:             d.Args,
		Cwd:              d.Cwd,
		Env:              d.Env,
		AutoStart:        d.AutoStart,
		RestartOnFailure: d.RestartOnFailure,
	}
}

// GatewayConfig is the parsed config.json plus ambient fields that are
// never written to the file (they come from the environment only).
type GatewayConfig struct {
	Connection     ConnectionConfig    `json:"connection"`
	Services       []ServiceDefinition `json:"services"`
	AutoLaunch     bool                `json:"autoLaunch"`
	StartMinimized bool                `json:"startMinimized"`

	// AuthToken is accepted on read for migration purposes only (spec.md
	// §6: "MUST NOT appear in this file ... the core moves it to the
	// secret store and removes it from JSON on next save"). It is never
	// marshaled back out by Save.
	AuthToken string `json:"authToken,omitempty"`

	// Ambient fields, never persisted: sourced from environment/.env only.
	LogLevel string `json:"-"`
	DataDir  string `json:"-"`
	RedisURL string `json:"-"`
}

// ServiceDefinitions converts the configured services into the shape
// svcsupervisor.Register expects.
func (c GatewayConfig) ServiceDefinitions() []svcsupervisor.Definition {
	out := make([]svcsupervisor.Definition, 0, len(c.Services))
	for _, d := range c.Services {
		out = append(out, d.toDefinition())
	}
	return out
}

func defaultConfig() GatewayConfig {
	return GatewayConfig{
		Connection: ConnectionConfig{
			DirectPort:          constants.DefaultGatewayPort,
			RestrictToTailscale: true,
		},
		LogLevel: "info",
	}
}

// Load reads path (typically paths.ConfigFile()), applies the .env
// overlay at envPath if present, and migrates a bare authToken out of
// the JSON body into migratedToken for the caller to hand to
// secretstore. A missing config file is not an error: Load returns
// defaults.
func Load(path, envPath string, log *slog.Logger) (cfg GatewayConfig, migratedToken string, err error) {
	if log == nil {
		log = slog.Default()
	}
	log = applog.Component(log, "config")

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to load .env overlay", "path", envPath, "error", err)
		}
	}

	cfg = defaultConfig()
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if !os.IsNotExist(readErr) {
			return cfg, "", fmt.Errorf("config: read %s: %w", path, readErr)
		}
	} else if len(data) > 0 {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, "", fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if cfg.AuthToken != "" {
		migratedToken = cfg.AuthToken
		cfg.AuthToken = ""
		log.Warn("found auth token inlined in config.json, migrating to secret store")
	}

	applyEnvOverlay(&cfg)
	return cfg, migratedToken, nil
}

// Save writes cfg back to path, atomically, with AuthToken always
// cleared first so a migrated token can never be re-written to disk.
func Save(path string, cfg GatewayConfig) error {
	cfg.AuthToken = ""

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

func applyEnvOverlay(cfg *GatewayConfig) {
	if v := os.Getenv("PERSONALAGENT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PERSONALAGENT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if host := os.Getenv(constants.EnvRedisHost); host != "" {
		port := os.Getenv(constants.EnvRedisPort)
		if port == "" {
			port = "6379"
		}
		cfg.RedisURL = host + ":" + port
	}
	if v := os.Getenv("PERSONALAGENT_DIRECT_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Connection.DirectPort = p
		}
	}
}
