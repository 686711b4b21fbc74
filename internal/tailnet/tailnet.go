// Package tailnet provides embedded Tailscale mesh networking via
// tsnet, so the broker's WebSocket and SSH listeners can be served
// directly on a tailnet instead of a bare host port.
package tailnet

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"
)

// Client wraps a tsnet.Server for Tailscale/Headscale connectivity.
type Client struct {
	server   *tsnet.Server
	brokerID string
	logger   *slog.Logger
}

// Config holds the Tailnet client's configuration.
type Config struct {
	// BrokerID is the unique identifier for this broker instance.
	BrokerID string

	// HeadscaleURL is the control server URL. Empty uses the public
	// Tailscale coordination server.
	HeadscaleURL string

	// AuthKey is the pre-auth key for joining the tailnet.
	AuthKey string

	// StateDir stores Tailscale state. Defaults to
	// ~/.shellmux/tsnet/<brokerID>.
	StateDir string

	// Ephemeral marks this node for automatic removal on disconnect.
	Ephemeral bool
}

// New creates a Tailnet client.
func New(cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg.BrokerID == "" {
		return nil, fmt.Errorf("BrokerID is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	stateDir := cfg.StateDir
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("could not determine home directory: %w", err)
		}
		stateDir = filepath.Join(homeDir, ".shellmux", "tsnet", cfg.BrokerID)
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("could not create state directory: %w", err)
	}

	idLen := len(cfg.BrokerID)
	if idLen > 8 {
		idLen = 8
	}
	hostname := fmt.Sprintf("shellmux-%s", cfg.BrokerID[:idLen])

	server := &tsnet.Server{
		Hostname:   hostname,
		Dir:        stateDir,
		ControlURL: cfg.HeadscaleURL,
		AuthKey:    cfg.AuthKey,
		Ephemeral:  cfg.Ephemeral,
		Logf:       func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
	}

	return &Client{server: server, brokerID: cfg.BrokerID, logger: logger}, nil
}

// Start connects to the tailnet.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("connecting to tailnet", "hostname", c.server.Hostname, "control_url", c.server.ControlURL)

	status, err := c.server.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to tailnet: %w", err)
	}

	c.logger.Info("connected to tailnet", "tailscale_ips", status.TailscaleIPs, "backend_state", status.BackendState)
	return nil
}

// Close shuts down the tailnet connection.
func (c *Client) Close() error {
	c.logger.Info("disconnecting from tailnet")
	return c.server.Close()
}

// Listen creates a listener on the tailnet.
func (c *Client) Listen(network, addr string) (net.Listener, error) {
	return c.server.Listen(network, addr)
}

// Dial connects to an address on the tailnet.
func (c *Client) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return c.server.Dial(ctx, network, addr)
}

// TailscaleIPs returns this node's tailnet addresses.
func (c *Client) TailscaleIPs() []string {
	ip4, ip6 := c.server.TailscaleIPs()
	var result []string
	if ip4.IsValid() {
		result = append(result, ip4.String())
	}
	if ip6.IsValid() {
		result = append(result, ip6.String())
	}
	return result
}

// Hostname returns the tailnet hostname.
func (c *Client) Hostname() string {
	return c.server.Hostname
}
