package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kubeintel/kubeintel/internal/process"
	"github.com/kubeintel/kubeintel/internal/protocol"
)

// Config is the top-level configuration loaded from config.toml.
type Config struct {
	Gateway  GatewayConfig  `toml:"gateway"`
	Kubectl  KubectlConfig  `toml:"kubectl"`
	Terminal TerminalConfig `toml:"terminal"`
}

// GatewayConfig describes the listeners and per-connection limits.
type GatewayConfig struct {
	// WebSocket listen address (e.g. "127.0.0.1:9200"). Empty disables the
	// HTTP listener.
	Listen string `toml:"listen"`
	// Optional Unix socket path serving newline-delimited JSON.
	Socket *string `toml:"socket,omitempty"`
	// Require the bearer token from <data dir>/token on /ws.
	RequireToken bool `toml:"require_token"`
	// Origin patterns accepted besides same-origin (e.g. "localhost:5173").
	AllowedOrigins []string `toml:"allowed_origins"`
	// Bound on a single outbound write before the client is cut off.
	WriteTimeout Duration `toml:"write_timeout"`
	// Largest inbound message in bytes.
	ReadLimit int64 `toml:"read_limit"`
}

// KubectlConfig describes how sessions invoke the cluster CLI.
type KubectlConfig struct {
	Binary       string `toml:"binary"`
	DefaultShell string `toml:"default_shell"`
	// Check that the kubeconfig is readable and defines the requested
	// context before spawning anything.
	ValidateKubeconfig bool `toml:"validate_kubeconfig"`
	// Delay between the termination signal and SIGKILL.
	KillGrace Duration `toml:"kill_grace"`
}

// TerminalConfig is the pseudo-terminal setup for shell sessions.
type TerminalConfig struct {
	Cols int    `toml:"cols"`
	Rows int    `toml:"rows"`
	Term string `toml:"term"`
}

// Duration is a time.Duration written as a string ("10s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Listen:       "127.0.0.1:9200",
			WriteTimeout: Duration{10 * time.Second},
			ReadLimit:    1 << 20,
		},
		Kubectl: KubectlConfig{
			Binary:             "kubectl",
			DefaultShell:       protocol.DefaultShell,
			ValidateKubeconfig: true,
			KillGrace:          Duration{process.DefaultKillGrace},
		},
		Terminal: TerminalConfig{
			Cols: process.DefaultCols,
			Rows: process.DefaultRows,
			Term: "xterm-color",
		},
	}
}

// DataDir returns $KUBEINTEL_DIR, falling back to ~/.kubeintel.
func DataDir() string {
	if dir := os.Getenv("KUBEINTEL_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kubeintel"
	}
	return filepath.Join(home, ".kubeintel")
}

// LoadConfig reads config.toml from dataDir (if present), applies
// environment variable overrides, and validates the result.
func LoadConfig(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, "config.toml")
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if listen, ok := os.LookupEnv("KUBEINTEL_LISTEN"); ok {
		c.Gateway.Listen = listen
	}
	if c.Gateway.Socket == nil {
		if sock := os.Getenv("KUBEINTEL_SOCKET"); sock != "" {
			c.Gateway.Socket = &sock
		}
	}
	if v := os.Getenv("KUBEINTEL_REQUIRE_TOKEN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KUBEINTEL_REQUIRE_TOKEN: %w", err)
		}
		c.Gateway.RequireToken = b
	}
	if v := os.Getenv("KUBEINTEL_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Gateway.AllowedOrigins = append(c.Gateway.AllowedOrigins, o)
			}
		}
	}
	if bin := os.Getenv("KUBEINTEL_KUBECTL"); bin != "" {
		c.Kubectl.Binary = bin
	}
	return nil
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Gateway.Listen == "" && c.Gateway.Socket == nil {
		return fmt.Errorf("gateway needs a listen address or a socket path")
	}
	if c.Kubectl.Binary == "" {
		return fmt.Errorf("kubectl.binary must not be empty")
	}
	if c.Kubectl.DefaultShell == "" {
		return fmt.Errorf("kubectl.default_shell must not be empty")
	}
	if c.Terminal.Cols <= 0 || c.Terminal.Rows <= 0 || c.Terminal.Cols > 0xFFFF || c.Terminal.Rows > 0xFFFF {
		return fmt.Errorf("terminal size must be between 1 and 65535, got %dx%d", c.Terminal.Cols, c.Terminal.Rows)
	}
	if c.Gateway.ReadLimit <= 0 {
		return fmt.Errorf("gateway.read_limit must be positive, got %d", c.Gateway.ReadLimit)
	}
	if c.Gateway.WriteTimeout.Duration < 0 || c.Kubectl.KillGrace.Duration < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}
