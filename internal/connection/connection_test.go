package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/kubeintel/kubeintel/internal/protocol"
)

func TestStreamConnRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	server := NewStreamConn(a)
	client := NewStreamConn(b)
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := "ls\r"
	go func() {
		_ = client.SendRequest(ctx, &protocol.Request{Type: protocol.TypeShellInput, Data: &data})
	}()

	raw, err := server.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	msg, err := protocol.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%s): %v", raw, err)
	}
	if in, ok := msg.(*protocol.ShellInput); !ok || in.Data != "ls\r" {
		t.Fatalf("got %#v", msg)
	}

	go func() {
		_ = server.Send(ctx, protocol.ErrorEnvelope("", protocol.MsgUnknownType))
	}()
	raw, err = client.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != protocol.TypeError || env.Message != protocol.MsgUnknownType {
		t.Errorf("env = %+v", env)
	}
}

func TestStreamConnEOFAndClosedWrites(t *testing.T) {
	a, b := net.Pipe()
	server := NewStreamConn(a)
	ctx := context.Background()

	b.Close()
	if _, err := server.ReadMessage(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("ReadMessage after peer close = %v, want io.EOF", err)
	}
	if err := server.Send(ctx, protocol.ErrorEnvelope("", "x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestStreamConnReadHonoursContext(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	server := NewStreamConn(a)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := server.ReadMessage(ctx); err == nil {
		t.Fatal("expected error after context deadline")
	}
}

// wsPair starts an httptest server that hands the accepted connection to
// the returned channel, and dials it.
func wsPair(t *testing.T) (*WSConn, *WSConn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- c
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case s := <-accepted:
		return NewWSConn(s, time.Second), NewWSConn(c, time.Second)
	case <-ctx.Done():
		t.Fatal("server never accepted")
		return nil, nil
	}
}

func TestWSConnRoundTrip(t *testing.T) {
	server, client := wsPair(t)
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		_ = server.Send(ctx, protocol.Envelope{Type: protocol.TypeLogs, SessionID: "s1", Data: "line1\n"})
	}()
	raw, err := client.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != protocol.TypeLogs || env.Data != "line1\n" || env.SessionID != "s1" {
		t.Errorf("env = %+v", env)
	}
}

func TestWSConnPeerCloseIsEOF(t *testing.T) {
	server, client := wsPair(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go client.Close()
	if _, err := server.ReadMessage(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("ReadMessage = %v, want io.EOF", err)
	}
	if err := server.Send(ctx, protocol.ErrorEnvelope("", "late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after peer close = %v, want ErrClosed", err)
	}
}
