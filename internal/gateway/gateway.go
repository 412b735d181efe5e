// Package gateway serves the session protocol over WebSocket and an optional
// Unix socket, one Conn per client.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/kubeintel/kubeintel/internal/auth"
	"github.com/kubeintel/kubeintel/internal/config"
	"github.com/kubeintel/kubeintel/internal/connection"
	"github.com/kubeintel/kubeintel/internal/kubeconfig"
	"github.com/kubeintel/kubeintel/internal/kubectl"
	"github.com/kubeintel/kubeintel/internal/process"
)

// Spawner starts process adapters. process.Launcher is the production
// implementation.
type Spawner interface {
	Plain(spec process.Spec) (process.Adapter, error)
	PTY(spec process.Spec, cols, rows int) (process.Adapter, error)
}

// Validator checks session coordinates before a process is spawned.
type Validator interface {
	Validate(credentialsPath, context string) error
}

// Gateway accepts client connections and hands each one to a Conn.
type Gateway struct {
	// Spawner and Validator may be replaced before the gateway starts
	// serving. A nil Validator skips coordinate checks.
	Spawner   Spawner
	Validator Validator

	cfg    *config.Config
	tokens *auth.Validator
	log    *slog.Logger

	kubectlOK atomic.Bool
	active    atomic.Int64
}

// New creates a gateway. tokens may be nil to accept unauthenticated
// clients.
func New(cfg *config.Config, tokens *auth.Validator) *Gateway {
	g := &Gateway{
		Spawner: process.Launcher{},
		cfg:     cfg,
		tokens:  tokens,
		log:     slog.With("component", "gateway"),
	}
	if cfg.Kubectl.ValidateKubeconfig {
		g.Validator = kubeconfig.Validator{}
	}
	return g
}

func (g *Gateway) spec(args []string, interactive bool) process.Spec {
	spec := process.Spec{
		Path:      g.cfg.Kubectl.Binary,
		Args:      args,
		KillGrace: g.cfg.Kubectl.KillGrace.Duration,
	}
	if interactive && g.cfg.Terminal.Term != "" {
		spec.Env = []string{"TERM=" + g.cfg.Terminal.Term}
	}
	return spec
}

// Serve runs the read loop for one client until the transport fails or ctx
// is cancelled, then closes the connection and every session on it.
func (g *Gateway) Serve(ctx context.Context, t connection.Transport) {
	c := newConn(g, t)
	g.active.Add(1)
	defer g.active.Add(-1)
	defer t.Close()
	defer c.Close()

	c.log.Info("client connected")
	for {
		raw, err := t.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				c.log.Info("client disconnected")
			} else {
				c.log.Warn("read failed", "err", err)
			}
			return
		}
		c.HandleMessage(ctx, raw)
	}
}

// Handler returns the HTTP handler serving /ws and /healthz.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/healthz", g.handleHealth)
	return mux
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if !g.tokens.Check(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.Gateway.AllowedOrigins,
	})
	if err != nil {
		g.log.Error("websocket accept error", "err", err)
		return
	}
	wsConn.SetReadLimit(g.cfg.Gateway.ReadLimit)

	g.Serve(r.Context(), connection.NewWSConn(wsConn, g.cfg.Gateway.WriteTimeout.Duration))
}

type health struct {
	Status      string `json:"status"`
	Kubectl     bool   `json:"kubectl"`
	Connections int64  `json:"connections"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health{
		Status:      "ok",
		Kubectl:     g.kubectlOK.Load(),
		Connections: g.active.Load(),
	})
}

// Connections returns the number of clients currently being served.
func (g *Gateway) Connections() int64 { return g.active.Load() }

// Preflight checks the configured kubectl binary and records the result
// for /healthz. A failure is logged, not fatal: spawn errors are still
// reported per session.
func (g *Gateway) Preflight(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	version, err := kubectl.Preflight(ctx, g.cfg.Kubectl.Binary)
	if err != nil {
		g.kubectlOK.Store(false)
		g.log.Warn("kubectl preflight failed; sessions will fail to start", "binary", g.cfg.Kubectl.Binary, "err", err)
		return
	}
	g.kubectlOK.Store(true)
	g.log.Info("kubectl available", "binary", g.cfg.Kubectl.Binary, "version", version)
}

// Run starts the configured listeners and blocks until ctx is cancelled.
// Shutdown is graceful: HTTP connections get five seconds, then every
// remaining session is killed through its connection's context.
func (g *Gateway) Run(ctx context.Context) error {
	g.Preflight(ctx)

	errCh := make(chan error, 2)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if g.cfg.Gateway.Listen != "" {
		ln, err := net.Listen("tcp", g.cfg.Gateway.Listen)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", g.cfg.Gateway.Listen, err)
		}
		srv := &http.Server{
			Handler:     g.Handler(),
			BaseContext: func(net.Listener) context.Context { return ctx },
		}
		g.log.Info("websocket server listening", "addr", ln.Addr().String())

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("websocket server: %w", err)
			}
		}()
	}

	if g.cfg.Gateway.Socket != nil {
		path := *g.cfg.Gateway.Socket
		// Remove stale socket if it exists.
		_ = os.Remove(path)
		ln, err := net.Listen("unix", path)
		if err != nil {
			return fmt.Errorf("listening on unix socket: %w", err)
		}
		g.log.Info("listening on unix socket", "path", path)
		defer os.Remove(path)

		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		go func() {
			if err := g.acceptUnix(ctx, ln); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}
	g.log.Info("gateway stopped", "connections", g.active.Load())
	return runErr
}

func (g *Gateway) acceptUnix(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				g.log.Error("accept error", "err", err)
				continue
			}
			return fmt.Errorf("accepting on unix socket: %w", err)
		}
		go g.Serve(ctx, connection.NewStreamConn(conn))
	}
}
