// Package tailscale is the thin collaborator boundary named in
// spec.md §6: the core consumes only "what is the local Tailscale
// IPv4?" and tolerates its absence. Invoking the Tailscale CLI for
// anything else is explicitly out of scope.
package tailscale

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os/exec"
	"strings"
	"time"
)

// IPv4Prober returns the local Tailscale IPv4, or an error if
// Tailscale is not installed, not running, or has no IPv4 address.
// Absence is always non-fatal to callers — they simply omit the
// Tailscale IP from SAN lists and pairing payloads.
type IPv4Prober interface {
	LocalIPv4(ctx context.Context) (string, error)
}

// CLIProber shells out to `tailscale status --json` the way a desktop
// companion app would, parsing just enough of the payload to find the
// local node's IPv4 address.
type CLIProber struct {
	// Timeout bounds how long the subprocess may run.
	Timeout time.Duration
}

type tailscaleStatus struct {
	Self struct {
		TailscaleIPs []string `json:"TailscaleIPs"`
	} `json:"Self"`
}

func (p CLIProber) LocalIPv4(ctx context.Context) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "tailscale", "status", "--json").Output()
	if err != nil {
		return "", err
	}

	var status tailscaleStatus
	if err := json.Unmarshal(out, &status); err != nil {
		return "", err
	}

	for _, addr := range status.Self.TailscaleIPs {
		addr = strings.TrimSpace(addr)
		ip := net.ParseIP(addr)
		if ip != nil && ip.To4() != nil {
			return ip.String(), nil
		}
	}
	return "", errors.New("tailscale: no IPv4 address reported")
}

// None is a prober for hosts with no Tailscale collaborator at all
// (e.g. CI, or a platform build with the feature compiled out).
type None struct{}

func (None) LocalIPv4(context.Context) (string, error) {
	return "", errors.New("tailscale: not configured")
}
