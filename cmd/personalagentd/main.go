// personalagentd is the Remote Session Gateway daemon: it loads
// config.json, mints or loads the TLS certificate and auth token,
// starts the managed services marked autoStart, and serves WebSocket connections
// until it receives SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/personalagent/sessiond/internal/applog"
	"github.com/personalagent/sessiond/internal/authgate"
	"github.com/personalagent/sessiond/internal/certs"
	"github.com/personalagent/sessiond/internal/config"
	"github.com/personalagent/sessiond/internal/dataplane"
	"github.com/personalagent/sessiond/internal/gateway"
	"github.com/personalagent/sessiond/internal/paths"
	"github.com/personalagent/sessiond/internal/ptypool"
	"github.com/personalagent/sessiond/internal/router"
	"github.com/personalagent/sessiond/internal/secretstore"
	"github.com/personalagent/sessiond/internal/security"
	"github.com/personalagent/sessiond/internal/sessions"
	"github.com/personalagent/sessiond/internal/svcsupervisor"
	"github.com/personalagent/sessiond/internal/tailscale"

	"github.com/google/uuid"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "personalagentd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		envPath    string
		port       int
		restrictTS bool
		pretty     bool
		logLevel   string
	)

	flags := pflag.NewFlagSet("personalagentd", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to config.json (default: <userData>/config.json)")
	flags.StringVar(&envPath, "env", ".env", "path to an optional .env overlay")
	flags.IntVar(&port, "port", 0, "override connection.directPort")
	flags.BoolVar(&restrictTS, "restrict-tailscale", false, "force connection.restrictToTailscale on")
	flags.BoolVar(&pretty, "pretty", false, "human-readable log output instead of JSON")
	flags.StringVar(&logLevel, "log-level", "", "override the configured log level")
	help := flags.BoolP("help", "h", false, "show help")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *help {
		flags.PrintDefaults()
		return nil
	}

	dataDir, err := paths.UserDataDir()
	if err != nil {
		return fmt.Errorf("resolve user data dir: %w", err)
	}
	if configPath == "" {
		configPath, err = paths.ConfigFile()
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
	}

	bootLog := applog.New(pretty, slog.LevelInfo)

	cfg, migratedToken, err := config.Load(configPath, envPath, bootLog)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		if !security.ValidatePort(port) {
			return fmt.Errorf("invalid --port %d", port)
		}
		cfg.Connection.DirectPort = port
	}
	if restrictTS {
		cfg.Connection.RestrictToTailscale = true
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	log := applog.New(pretty, level)

	secretsDir, err := paths.SecretsDir()
	if err != nil {
		return fmt.Errorf("resolve secrets dir: %w", err)
	}
	secrets := secretstore.New(secretsDir+"/auth.token", log)
	if migratedToken != "" {
		if err := secrets.AdoptToken(migratedToken); err != nil {
			log.Warn("could not migrate inline config token", "error", err)
		}
	}
	if err := config.Save(configPath, cfg); err != nil {
		log.Warn("failed to persist config after load", "error", err)
	}

	certsDir, err := paths.CertsDir()
	if err != nil {
		return fmt.Errorf("resolve certs dir: %w", err)
	}
	certManager := certs.New(certsDir, log)

	var tsProbe tailscale.IPv4Prober = tailscale.CLIProber{}
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 3*time.Second)
	tailscaleIP, tsErr := tsProbe.LocalIPv4(probeCtx)
	probeCancel()
	if tsErr != nil {
		log.Info("tailscale not available, continuing without it", "error", tsErr)
		tailscaleIP = ""
	}

	certInfo, err := certManager.Initialize(tailscaleIP)
	if err != nil {
		return fmt.Errorf("initialize certificate: %w", err)
	}

	store := sessions.NewStore(log)
	registry := sessions.New(store)
	defer registry.Close()

	pool := ptypool.New(uuid.NewString, log)
	supervisor := svcsupervisor.New(log)
	for _, def := range cfg.ServiceDefinitions() {
		if err := supervisor.Register(def); err != nil {
			log.Warn("failed to register service", "service_id", def.ID, "error", err)
		}
	}

	dataPlane := dataplane.New(pool, log)
	authGate := authgate.New(secrets.GetAuthToken, log)
	r := router.New(pool, supervisor, registry, dataPlane, authGate, log)

	gw := gateway.New(gateway.Config{
		Addr:                fmt.Sprintf(":%d", cfg.Connection.DirectPort),
		TLS:                 &gateway.TLSCredentials{CertPEM: certInfo.CertPEM, KeyPEM: certInfo.KeyPEM},
		RestrictToTailscale: cfg.Connection.RestrictToTailscale,
	}, r, dataPlane, log)

	// autoStart is a per-service property (spec.md §3), independent of
	// cfg.AutoLaunch (the OS auto-launch-at-login setting).
	supervisor.StartAutoStart()

	log.Info("personalagentd starting",
		"data_dir", dataDir,
		"port", cfg.Connection.DirectPort,
		"restrict_tailscale", cfg.Connection.RestrictToTailscale,
		"cert_fingerprint", certInfo.Fingerprint,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- gw.ListenAndServe(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("gateway exited with error", "error", err)
		}
	}

	// Coordinated teardown per spec.md §5: stop services, then close
	// PTYs, then close the gateway listener — reverse of startup order.
	log.Info("shutting down")
	supervisor.StopAll()
	for _, info := range pool.List() {
		_ = pool.Close(info.ID)
	}
	if err := gw.Close(); err != nil {
		log.Warn("error closing gateway", "error", err)
	}
	return nil
}
