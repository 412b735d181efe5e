package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kubeintel/kubeintel/internal/auth"
	"github.com/kubeintel/kubeintel/internal/client"
	"github.com/kubeintel/kubeintel/internal/config"
	"github.com/kubeintel/kubeintel/internal/gateway"
)

var (
	serverFlag string
	socketFlag string
	tokenFlag  string
	debugFlag  bool
)

// exitError carries a remote process exit code out of a command.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	rootCmd := &cobra.Command{
		Use:           "kubeintel",
		Short:         "Real-time kubectl session gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if debugFlag {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "Gateway URL (default: the configured listen address)")
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "Unix socket path of the gateway")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Auth token for the gateway")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		serveCmd(),
		contextsCmd(),
		shellCmd(),
		logsCmd(),
		execCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "[kubeintel] %v\n", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// serveCmd (aliases: start)
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the session gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := config.DataDir()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}
			cfg, err := config.LoadConfig(dir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cmd.Flags().Changed("listen") {
				cfg.Gateway.Listen = listen
			}
			if socketFlag != "" {
				cfg.Gateway.Socket = &socketFlag
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			var tokens *auth.Validator
			if cfg.Gateway.RequireToken {
				token, err := auth.LoadOrGenerateToken(dir)
				if err != nil {
					return fmt.Errorf("loading auth token: %w", err)
				}
				tokens = auth.NewValidator(token)
				slog.Info("auth token required", "path", filepath.Join(dir, "token"))
			}

			ctx, cancel := signalContext()
			defer cancel()
			return gateway.New(cfg, tokens).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "WebSocket listen address (empty disables it)")
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "[kubeintel] shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// resolveTarget picks the gateway to talk to from flags and local config.
func resolveTarget() (*client.Target, error) {
	if socketFlag != "" {
		return &client.Target{Socket: socketFlag}, nil
	}
	dir := config.DataDir()
	t := &client.Target{URL: serverFlag, Token: tokenFlag}
	if t.URL == "" {
		cfg, err := config.LoadConfig(dir)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		if cfg.Gateway.Listen == "" && cfg.Gateway.Socket != nil {
			return &client.Target{Socket: *cfg.Gateway.Socket}, nil
		}
		t.URL = "http://" + cfg.Gateway.Listen
	}
	if t.Token == "" {
		if tok, err := auth.ReadToken(dir); err == nil {
			t.Token = tok
		}
	}
	return t, nil
}
