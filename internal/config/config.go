// Package config provides configuration loading for shellmuxd.
//
// Configuration is loaded from:
// 1. ~/.shellmux/config.json (file)
// 2. Environment variables (override file values)
//
// Environment variables:
//   - SHELLMUX_HOST: listen host
//   - SHELLMUX_PORT: listen port
//   - SHELLMUX_TOKEN_SECRET: HMAC secret for verifying bearer JWTs
//   - SHELLMUX_OPEN_MODE: "1" disables auth entirely (Anonymous may write)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the broker.
type Config struct {
	// Host is the address the WebSocket/HTTP listener binds to.
	Host string `json:"host"`

	// Port is the TCP port the WebSocket/HTTP listener binds to.
	Port int `json:"port"`

	// Unsecure turns off bearer-token signature verification: shellmuxd
	// then passes no TokenSecret to the identity extractor, so token
	// claims are trusted unverified. The listener serves plain HTTP
	// whether or not Unsecure is set; there is no TLS support.
	Unsecure bool `json:"unsecure"`

	// Debug enables verbose logging and the /metrics endpoint. /healthz
	// is served regardless of Debug.
	Debug bool `json:"debug"`

	// SSHPort is the port for the SSH passthrough transport. 0 disables it.
	SSHPort int `json:"ssh_port"`

	// Tailnet, when true, serves over an embedded tsnet node instead of a
	// bare listener.
	Tailnet bool `json:"tailnet"`

	// HeadscaleURL is the control server URL used when Tailnet is set.
	HeadscaleURL string `json:"headscale_url"`

	// TokenSecret is the HMAC secret used to verify bearer JWTs presented
	// by clients. Empty means JWTs are parsed for claims but not verified
	// (suitable only for trusted deployments behind another auth layer).
	TokenSecret string `json:"token_secret"`

	// OpenMode disables write-path auth entirely: any connection, even
	// Anonymous, may write (spec Permission Policy rule 1 exception).
	OpenMode bool `json:"open_mode"`

	// BufferByteCap is the Session Buffer's byte cap (default 500 KB).
	BufferByteCap int `json:"buffer_byte_cap"`

	// BufferLineCap is the Session Buffer's line cap (default 5000 lines).
	BufferLineCap int `json:"buffer_line_cap"`

	// OutboundQueueSize is the per-subscriber outbound channel capacity
	// before a slow client is dropped (Overflow).
	OutboundQueueSize int `json:"outbound_queue_size"`

	// PTYWriteTimeout bounds how long a PTY write may block before
	// WriteTimeout is reported to the caller.
	PTYWriteTimeout time.Duration `json:"pty_write_timeout"`

	// CloseGracePeriod is how long Close() waits after SIGHUP before
	// escalating to SIGKILL.
	CloseGracePeriod time.Duration `json:"close_grace_period"`

	// SessionRetention is how long a closed session's buffer is retained
	// in the Registry before eviction.
	SessionRetention time.Duration `json:"session_retention"`

	// MaxChunkBytes bounds a single terminal_output wire message; larger
	// payloads are chunked.
	MaxChunkBytes int `json:"max_chunk_bytes"`
}

// DefaultConfig returns configuration with the defaults named in spec.md.
func DefaultConfig() *Config {
	return &Config{
		Host:              "127.0.0.1",
		Port:              7681,
		Unsecure:          false,
		Debug:             false,
		SSHPort:           0,
		Tailnet:           false,
		BufferByteCap:     500 * 1024,
		BufferLineCap:     5000,
		OutboundQueueSize: 256,
		PTYWriteTimeout:    5 * time.Second,
		CloseGracePeriod:   3 * time.Second,
		SessionRetention:   24 * time.Hour,
		MaxChunkBytes:      64 * 1024,
	}
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".shellmux", "config.json"), nil
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file: %w", err)
		}
	}

	if host := os.Getenv("SHELLMUX_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("SHELLMUX_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid SHELLMUX_PORT: %w", err)
		}
		cfg.Port = n
	}
	if secret := os.Getenv("SHELLMUX_TOKEN_SECRET"); secret != "" {
		cfg.TokenSecret = secret
	}
	if os.Getenv("SHELLMUX_OPEN_MODE") == "1" {
		cfg.OpenMode = true
	}

	return cfg, nil
}
