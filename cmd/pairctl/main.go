// pairctl is the operator-facing companion to personalagentd: it
// prints a pairing QR code, rotates the auth token, regenerates the
// TLS certificate, and lists configured service definitions, all by reading the
// same config.json/secrets/certs the daemon uses.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/personalagent/sessiond/internal/applog"
	"github.com/personalagent/sessiond/internal/certs"
	"github.com/personalagent/sessiond/internal/config"
	"github.com/personalagent/sessiond/internal/constants"
	"github.com/personalagent/sessiond/internal/pairing"
	"github.com/personalagent/sessiond/internal/paths"
	"github.com/personalagent/sessiond/internal/secretstore"
	"github.com/personalagent/sessiond/internal/tailscale"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%spairctl: %v%s\n", constants.ColorRed, err, constants.ColorReset)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	dataDir, err := paths.UserDataDir()
	if err != nil {
		return err
	}
	certsDir, err := paths.CertsDir()
	if err != nil {
		return err
	}
	secretsDir, err := paths.SecretsDir()
	if err != nil {
		return err
	}
	configPath, err := paths.ConfigFile()
	if err != nil {
		return err
	}

	certManager := certs.New(certsDir, log)
	secrets := secretstore.New(secretsDir+"/auth.token", log)

	switch args[0] {
	case "qr":
		return cmdQR(args[1:], certManager, secrets, configPath, dataDir)
	case "rotate-token":
		return cmdRotateToken(secrets)
	case "regenerate-cert":
		return cmdRegenerateCert(certManager)
	case "services":
		return cmdServices(args[1:], configPath)
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown subcommand %q (try: qr, rotate-token, regenerate-cert, services)", args[0])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `pairctl — operator CLI for the personal agent remote session gateway.

Usage:
  pairctl qr [--png path] [--port N]     print/save a pairing QR code
  pairctl rotate-token                   invalidate the current auth token and mint a new one
  pairctl regenerate-cert                mint a fresh self-signed TLS certificate
  pairctl services list                  show configured service definitions
`)
}

func cmdQR(args []string, certManager *certs.Manager, secrets *secretstore.Store, configPath, dataDir string) error {
	flags := pflag.NewFlagSet("pairctl qr", pflag.ContinueOnError)
	pngPath := flags.String("png", "", "write the QR code PNG to this path (default <dataDir>/pairing.png); the terminal QR is printed as well")
	port := flags.Int("port", constants.DefaultGatewayPort, "port the gateway is listening on")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, _, err := config.Load(configPath, "", nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !flags.Changed("port") && cfg.Connection.DirectPort > 0 {
		*port = cfg.Connection.DirectPort
	}

	token, err := secrets.GetAuthToken()
	if err != nil {
		return fmt.Errorf("load auth token: %w", err)
	}

	host := resolveHost()
	if _, err := certManager.Initialize(host); err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}
	info := certManager.BuildPairingPayload(host, *port, token)

	if *pngPath == "" {
		*pngPath = dataDir + "/pairing.png"
	}

	if err := pairing.WritePNG(info, *pngPath); err != nil {
		return fmt.Errorf("write pairing png: %w", err)
	}
	fmt.Printf("%sPairing QR saved to %s%s\n\n", constants.ColorGreen, *pngPath, constants.ColorReset)

	ascii, err := pairing.TerminalASCII(info)
	if err != nil {
		return fmt.Errorf("render terminal qr: %w", err)
	}
	fmt.Println(ascii)
	fmt.Printf("%s%s%s\n", constants.ColorDim, pairing.ManualEntryText(info), constants.ColorReset)
	return nil
}

func cmdRotateToken(secrets *secretstore.Store) error {
	token, err := secrets.RotateAuthToken()
	if err != nil {
		return fmt.Errorf("rotate token: %w", err)
	}
	fmt.Printf("%sNew token generated (prefix %s...). Restart personalagentd and re-pair every device.%s\n",
		constants.ColorYellow, applog.RedactToken(token), constants.ColorReset)
	return nil
}

func cmdRegenerateCert(certManager *certs.Manager) error {
	var tsProbe tailscale.IPv4Prober = tailscale.CLIProber{}
	ip, _ := tsProbe.LocalIPv4(context.Background())
	info, err := certManager.Regenerate(ip)
	if err != nil {
		return fmt.Errorf("regenerate certificate: %w", err)
	}
	fmt.Printf("%sNew certificate fingerprint: %s. Restart personalagentd to serve it.%s\n",
		constants.ColorYellow, info.Fingerprint, constants.ColorReset)
	return nil
}

func cmdServices(args []string, configPath string) error {
	if len(args) == 0 || args[0] != "list" {
		return fmt.Errorf("usage: pairctl services list")
	}
	cfg, _, err := config.Load(configPath, "", nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Services) == 0 {
		fmt.Println("no services configured")
		return nil
	}
	for _, svc := range cfg.Services {
		fmt.Printf("%s%-20s%s  %s %v  autoStart=%v restartOnFailure=%v\n",
			constants.ColorCyan, svc.ID, constants.ColorReset, svc.Command, svc.Args, svc.AutoStart, svc.RestartOnFailure)
	}
	return nil
}

func resolveHost() string {
	var tsProbe tailscale.IPv4Prober = tailscale.CLIProber{}
	if ip, err := tsProbe.LocalIPv4(context.Background()); err == nil && ip != "" {
		return ip
	}
	return "127.0.0.1"
}
