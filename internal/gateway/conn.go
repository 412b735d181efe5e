package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kubeintel/kubeintel/internal/connection"
	"github.com/kubeintel/kubeintel/internal/kubeconfig"
	"github.com/kubeintel/kubeintel/internal/kubectl"
	"github.com/kubeintel/kubeintel/internal/process"
	"github.com/kubeintel/kubeintel/internal/protocol"
	"github.com/kubeintel/kubeintel/internal/session"
)

// Conn is the per-client connection manager. It parses inbound messages,
// owns the sessions they start, and routes shell control messages. Every
// session is killed when the connection closes.
type Conn struct {
	ID string

	gw     *Gateway
	t      connection.Transport
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session.Session
	shells   []*session.Session // shell sessions in start order
	closed   bool
}

func newConn(gw *Gateway, t connection.Transport) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	return &Conn{
		ID:       id,
		gw:       gw,
		t:        t,
		log:      gw.log.With("conn", id),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session.Session),
	}
}

// HandleMessage processes one inbound payload. Rejected messages produce
// exactly one error envelope; the connection stays open.
func (c *Conn) HandleMessage(ctx context.Context, raw []byte) {
	msg, err := protocol.Parse(raw)
	if err != nil {
		c.log.Debug("rejecting message", "err", err)
		c.sendError(ctx, "", protocol.Describe(err))
		return
	}

	switch m := msg.(type) {
	case *protocol.LogsRequest:
		if !c.expand(ctx, m.SessionID, &m.Target) {
			return
		}
		c.start(ctx, m.SessionID, protocol.KindLog, m.Target, func() (process.Adapter, error) {
			return c.gw.Spawner.Plain(c.gw.spec(kubectl.LogsArgs(m), false))
		})

	case *protocol.ShellRequest:
		if !c.expand(ctx, m.SessionID, &m.Target) {
			return
		}
		cols, rows := m.Cols, m.Rows
		if cols == 0 || rows == 0 {
			cols, rows = c.gw.cfg.Terminal.Cols, c.gw.cfg.Terminal.Rows
		}
		args := kubectl.ShellArgs(m, c.gw.cfg.Kubectl.DefaultShell)
		c.start(ctx, m.SessionID, protocol.KindShell, m.Target, func() (process.Adapter, error) {
			return c.gw.Spawner.PTY(c.gw.spec(args, true), cols, rows)
		})

	case *protocol.CommandRequest:
		if !c.expand(ctx, m.SessionID, &m.Target) {
			return
		}
		c.start(ctx, m.SessionID, protocol.KindCommand, m.Target, func() (process.Adapter, error) {
			return c.gw.Spawner.Plain(c.gw.spec(kubectl.CommandArgs(m), false))
		})

	case *protocol.ShellInput:
		s := c.shell(m.SessionID)
		if s == nil {
			c.log.Debug("shell input without live target", "session", m.SessionID)
			return
		}
		if err := s.Write([]byte(m.Data)); err != nil {
			c.log.Debug("shell input dropped", "session", s.ID, "err", err)
			if errors.Is(err, process.ErrInputFull) {
				c.sendError(ctx, s.ID, "Shell input buffer full")
			}
		}

	case *protocol.ShellResize:
		s := c.shell(m.SessionID)
		if s == nil {
			c.log.Debug("shell resize without live target", "session", m.SessionID)
			return
		}
		if err := s.Resize(m.Cols, m.Rows); err != nil {
			if errors.Is(err, session.ErrNotRunning) || errors.Is(err, process.ErrNotRunning) {
				return
			}
			c.sendError(ctx, s.ID, fmt.Sprintf("Failed to resize terminal: %v", err))
		}
	}
}

// start validates coordinates, spawns the process and registers the
// session. The pump starts only after registration, so an exit can never
// deregister a session before it was added.
func (c *Conn) start(ctx context.Context, id string, kind protocol.Kind, target protocol.Target, spawn func() (process.Adapter, error)) {
	if id == "" {
		id = uuid.New().String()
	} else if c.live(id) {
		c.sendError(ctx, id, fmt.Sprintf("Session %s already exists", id))
		return
	}

	if c.gw.Validator != nil {
		if err := c.gw.Validator.Validate(target.CredentialsPath, target.Context); err != nil {
			c.log.Info("invalid session coordinates", "session", id, "err", err)
			c.sendError(ctx, id, fmt.Sprintf("Invalid kubeconfig or context: %v", err))
			return
		}
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	s := session.New(session.Options{
		ID:     id,
		Kind:   kind,
		Sender: c.t,
		OnExit: c.deregister,
		Logger: c.log,
	})
	if err := s.Spawn(spawn); err != nil {
		c.log.Warn("spawn failed", "session", id, "kind", kind, "err", err)
		c.sendError(ctx, id, fmt.Sprintf("Failed to start %s session: %v", kind, err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.Kill()
		return
	}
	if old, ok := c.sessions[id]; ok && old.Running() {
		c.mu.Unlock()
		s.Kill()
		c.sendError(ctx, id, fmt.Sprintf("Session %s already exists", id))
		return
	}
	c.sessions[id] = s
	if kind == protocol.KindShell {
		c.shells = append(c.shells, s)
	}
	c.mu.Unlock()

	go s.Run(c.ctx)
}

// expand resolves a leading "~/" in the credentials path so the validator
// and kubectl see the same file.
func (c *Conn) expand(ctx context.Context, id string, t *protocol.Target) bool {
	path, err := kubeconfig.Expand(t.CredentialsPath)
	if err != nil {
		c.sendError(ctx, id, fmt.Sprintf("Invalid kubeconfig or context: %v", err))
		return false
	}
	t.CredentialsPath = path
	return true
}

func (c *Conn) live(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return ok && s.Running()
}

// shell resolves the target of a control message: the named shell session,
// or the most recently started live one when id is empty.
func (c *Conn) shell(id string) *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != "" {
		s, ok := c.sessions[id]
		if !ok || s.Kind != protocol.KindShell || !s.Running() {
			return nil
		}
		return s
	}
	for i := len(c.shells) - 1; i >= 0; i-- {
		if c.shells[i].Running() {
			return c.shells[i]
		}
	}
	return nil
}

func (c *Conn) deregister(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.ID] == s {
		delete(c.sessions, s.ID)
	}
	for i, sh := range c.shells {
		if sh == s {
			c.shells = append(c.shells[:i], c.shells[i+1:]...)
			break
		}
	}
}

// Sessions returns the number of registered sessions.
func (c *Conn) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Session returns the registered session with the given id.
func (c *Conn) Session(id string) (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Close kills every session and discards them. It is idempotent and safe
// with no sessions.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = make(map[string]*session.Session)
	c.shells = nil
	c.mu.Unlock()

	c.cancel()
	for _, s := range sessions {
		s.Kill()
	}
	c.log.Info("connection closed", "sessions", len(sessions))
}

func (c *Conn) sendError(ctx context.Context, sessionID, message string) {
	if err := c.t.Send(ctx, protocol.ErrorEnvelope(sessionID, message)); err != nil {
		c.log.Debug("dropping error envelope", "err", err)
	}
}
