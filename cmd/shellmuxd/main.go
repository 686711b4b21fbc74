// Command shellmuxd is the PTY Session Broker daemon: it serves the
// WebSocket wire protocol (and, optionally, SSH passthrough) for
// clients to open, attach to, and drive terminal sessions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shellmux/shellmux/internal/config"
	"github.com/shellmux/shellmux/internal/permission"
	"github.com/shellmux/shellmux/internal/registry"
	"github.com/shellmux/shellmux/internal/session"
	"github.com/shellmux/shellmux/internal/sshtransport"
	"github.com/shellmux/shellmux/internal/tailnet"
	"github.com/shellmux/shellmux/internal/telemetry"
	"github.com/shellmux/shellmux/internal/transport"
	"github.com/shellmux/shellmux/internal/workspace"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:     "shellmuxd",
		Short:   "Web-accessible terminal multiplexer broker",
		Version: Version,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the broker daemon",
		RunE:  runStart,
	}
	startCmd.Flags().String("host", "", "bind host (overrides config)")
	startCmd.Flags().Int("port", 0, "bind port (overrides config)")
	startCmd.Flags().Bool("unsecure", false, "allow unauthenticated connections (open mode)")
	startCmd.Flags().Bool("debug", false, "verbose logging and /metrics endpoint")
	startCmd.Flags().Bool("tailnet", false, "serve over an embedded Tailscale node instead of a bare listener")
	startCmd.Flags().Int("ssh-port", 0, "also serve SSH passthrough on this port (0 disables)")
	rootCmd.AddCommand(startCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Port = port
	}
	if unsecure, _ := cmd.Flags().GetBool("unsecure"); unsecure {
		cfg.Unsecure = true
		cfg.OpenMode = true
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Debug = true
	}
	useTailnet, _ := cmd.Flags().GetBool("tailnet")
	if useTailnet {
		cfg.Tailnet = true
	}
	sshPort, _ := cmd.Flags().GetInt("ssh-port")
	if sshPort == 0 {
		sshPort = cfg.SSHPort
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting shellmuxd", "version", Version, "host", cfg.Host, "port", cfg.Port, "tailnet", useTailnet)

	policy := permission.New(cfg.OpenMode)
	// Telemetry (and with it the /metrics endpoint) is wired only in
	// --debug mode.
	var tel *telemetry.Telemetry
	if cfg.Debug {
		tel = telemetry.New()
	}

	sessionCfg := session.Config{
		BufferByteCap:     cfg.BufferByteCap,
		BufferLineCap:     cfg.BufferLineCap,
		OutboundQueueSize: cfg.OutboundQueueSize,
		WriteTimeout:      cfg.PTYWriteTimeout,
		CloseGrace:        cfg.CloseGracePeriod,
		Tel:               tel,
	}
	reg := registry.New(policy, sessionCfg, cfg.SessionRetention, logger)
	defer reg.Stop()

	ws := workspace.New(func(sessionID string) {
		_ = reg.Close(sessionID, permission.Subject{Role: permission.Supervisor}, "tab or pane removed")
	})

	var tokenSecret string
	if !cfg.Unsecure {
		tokenSecret = cfg.TokenSecret
	}
	identity := transport.NewIdentityExtractor(tokenSecret)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	var tailClient *tailnet.Client
	if cfg.Tailnet {
		tailClient, err = tailnet.New(&tailnet.Config{
			BrokerID:     fmt.Sprintf("%s-%d", cfg.Host, cfg.Port),
			HeadscaleURL: cfg.HeadscaleURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create tailnet client: %w", err)
		}
		if err := tailClient.Start(ctx); err != nil {
			return fmt.Errorf("failed to join tailnet: %w", err)
		}
		defer tailClient.Close()
	}

	srv := transport.NewServer(reg, ws, policy, tel, identity, transport.ServerConfig{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		OutboundQueueSize: cfg.OutboundQueueSize,
		MaxChunkBytes:     cfg.MaxChunkBytes,
	}, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	if sshPort != 0 {
		var ln net.Listener
		if tailClient != nil {
			ln, err = tailClient.Listen("tcp", fmt.Sprintf(":%d", sshPort))
		} else {
			ln, err = net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, sshPort))
		}
		if err != nil {
			return fmt.Errorf("failed to listen for ssh: %w", err)
		}

		sshSrv := sshtransport.New(ln, reg, policy, logger)
		defer sshSrv.Close()
		go func() { errCh <- sshSrv.Serve(ctx) }()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			logger.Error("server error", "error", err)
		}
	}

	logger.Info("shutting down")
	return nil
}
