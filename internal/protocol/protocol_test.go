package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/kubeintel/kubeintel/internal/process"
)

// ---------------------------------------------------------------------------
// Parse
// ---------------------------------------------------------------------------

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type":`,
		`[1,2,3]`,
		`"pod_logs"`,
		`{"type":"pod_logs","follow":"yes"}`,
	} {
		_, err := Parse([]byte(raw))
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Parse(%s) = %v, want ErrMalformed", raw, err)
		}
		if got := Describe(err); got != MsgInvalidFormat {
			t.Errorf("Describe(%s) = %q", raw, got)
		}
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	for _, raw := range []string{`{}`, `null`, `{"type":"pod_delete"}`, `{"type":""}`} {
		_, err := Parse([]byte(raw))
		if !errors.Is(err, ErrUnknownType) {
			t.Errorf("Parse(%s) = %v, want ErrUnknownType", raw, err)
		}
		if got := Describe(err); got != MsgUnknownType {
			t.Errorf("Describe(%s) = %q", raw, got)
		}
	}
}

func TestParseMissingFields(t *testing.T) {
	tests := []struct {
		raw   string
		field string
	}{
		{`{"type":"pod_logs","context":"c","podName":"p"}`, "credentialsPath"},
		{`{"type":"pod_logs","credentialsPath":"/k","podName":"p"}`, "context"},
		{`{"type":"pod_logs","credentialsPath":"/k","context":"c"}`, "podName"},
		{`{"type":"pod_shell","credentialsPath":"/k","context":"c"}`, "podName"},
		{`{"type":"pod_shell","credentialsPath":"/k","context":"c","podName":"p","cols":100}`, "rows"},
		{`{"type":"kubectl_command","credentialsPath":"/k","context":"c"}`, "command"},
		{`{"type":"kubectl_command","credentialsPath":"/k","context":"c","command":"   "}`, "command"},
		{`{"type":"kubectl_command","command":"get pods"}`, "credentialsPath"},
		{`{"type":"shell_input"}`, "data"},
		{`{"type":"shell_resize","rows":40}`, "cols"},
		{`{"type":"shell_resize","cols":120}`, "rows"},
	}
	for _, tt := range tests {
		_, err := Parse([]byte(tt.raw))
		var fe *FieldError
		if !errors.As(err, &fe) {
			t.Errorf("Parse(%s) = %v, want *FieldError", tt.raw, err)
			continue
		}
		if fe.Field != tt.field || fe.Reason != "" {
			t.Errorf("Parse(%s) field = %q reason = %q, want missing %q", tt.raw, fe.Field, fe.Reason, tt.field)
		}
		if want := "missing required field: " + tt.field; Describe(err) != want {
			t.Errorf("Describe = %q, want %q", Describe(err), want)
		}
	}
}

func TestParseRejectsOutOfRangeGeometry(t *testing.T) {
	for _, raw := range []string{
		`{"type":"shell_resize","cols":-1,"rows":40}`,
		`{"type":"shell_resize","cols":120,"rows":0}`,
		`{"type":"shell_resize","cols":70000,"rows":40}`,
		`{"type":"pod_shell","credentialsPath":"/k","context":"c","podName":"p","cols":0,"rows":10}`,
	} {
		_, err := Parse([]byte(raw))
		var fe *FieldError
		if !errors.As(err, &fe) || fe.Reason == "" {
			t.Errorf("Parse(%s) = %v, want out-of-range *FieldError", raw, err)
		}
	}
}

func TestParseLogs(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"pod_logs","credentialsPath":"/k","context":"dev","podName":"web-1","namespace":"shop","container":"app","follow":true,"sessionId":"s1"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := &LogsRequest{
		SessionID: "s1",
		Target:    Target{CredentialsPath: "/k", Context: "dev"},
		PodName:   "web-1",
		Namespace: "shop",
		Container: "app",
		Follow:    true,
	}
	if !reflect.DeepEqual(msg, want) {
		t.Errorf("got %+v, want %+v", msg, want)
	}
	if msg.MessageType() != TypePodLogs {
		t.Errorf("MessageType = %q", msg.MessageType())
	}
}

func TestParseAcceptsKubeconfigPathAlias(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"pod_logs","kubeconfigPath":"/legacy","context":"dev","podName":"p"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := msg.(*LogsRequest).CredentialsPath; got != "/legacy" {
		t.Errorf("CredentialsPath = %q, want /legacy", got)
	}
}

func TestParseShellDefaults(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"pod_shell","credentialsPath":"/k","context":"dev","podName":"p"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sh := msg.(*ShellRequest)
	if sh.Shell != "" {
		t.Errorf("Shell = %q, want gateway default", sh.Shell)
	}
	if sh.Cols != 0 || sh.Rows != 0 {
		t.Errorf("geometry = %dx%d, want unset", sh.Cols, sh.Rows)
	}

	msg, err = Parse([]byte(`{"type":"pod_shell","credentialsPath":"/k","context":"dev","podName":"p","shell":"/bin/sh","cols":132,"rows":43}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sh = msg.(*ShellRequest)
	if sh.Shell != "/bin/sh" || sh.Cols != 132 || sh.Rows != 43 {
		t.Errorf("got %+v", sh)
	}
}

func TestParseCommandForms(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"kubectl_command","credentialsPath":"/k","context":"c","command":"get  pods -A"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := msg.(*CommandRequest).Args; !reflect.DeepEqual(got, []string{"get", "pods", "-A"}) {
		t.Errorf("legacy args = %q", got)
	}

	msg, err = Parse([]byte(`{"type":"kubectl_command","credentialsPath":"/k","context":"c","command":"ignored","args":["annotate","pod","p","note=hello world"]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := msg.(*CommandRequest).Args; !reflect.DeepEqual(got, []string{"annotate", "pod", "p", "note=hello world"}) {
		t.Errorf("args = %q", got)
	}
}

func TestParseControlMessages(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"shell_input","data":"ls\r"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if in := msg.(*ShellInput); in.Data != "ls\r" || in.SessionID != "" {
		t.Errorf("got %+v", in)
	}

	msg, err = Parse([]byte(`{"type":"shell_input","data":""}`))
	if err != nil {
		t.Fatalf("empty data: %v", err)
	}

	msg, err = Parse([]byte(`{"type":"shell_resize","cols":120,"rows":40,"sessionId":"sh"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rs := msg.(*ShellResize); rs.Cols != 120 || rs.Rows != 40 || rs.SessionID != "sh" {
		t.Errorf("got %+v", rs)
	}
}

func TestParseIgnoresUnknownFields(t *testing.T) {
	if _, err := Parse([]byte(`{"type":"shell_input","data":"x","extra":{"a":1}}`)); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Framer
// ---------------------------------------------------------------------------

func TestFrameMapping(t *testing.T) {
	tests := []struct {
		kind   Kind
		stream process.Stream
		want   string
	}{
		{KindLog, process.Stdout, TypeLogs},
		{KindLog, process.Stderr, TypeError},
		{KindShell, process.TTY, TypeShellData},
		{KindCommand, process.Stdout, TypeCommandOutput},
		{KindCommand, process.Stderr, TypeCommandError},
	}
	for _, tt := range tests {
		env, ok := Frame(tt.kind, "s1", tt.stream, []byte("chunk"))
		if !ok {
			t.Errorf("Frame(%s, %s) not ok", tt.kind, tt.stream)
			continue
		}
		if env.Type != tt.want || env.Data != "chunk" || env.SessionID != "s1" || env.Code != nil {
			t.Errorf("Frame(%s, %s) = %+v", tt.kind, tt.stream, env)
		}
	}

	if _, ok := Frame(KindShell, "s1", process.Stderr, []byte("x")); ok {
		t.Error("shell sessions have no stderr stream")
	}
	if _, ok := Frame(KindLog, "s1", process.TTY, []byte("x")); ok {
		t.Error("log sessions have no tty stream")
	}
}

func TestFrameExit(t *testing.T) {
	for kind, typ := range map[Kind]string{
		KindLog:     TypeClose,
		KindShell:   TypeShellExit,
		KindCommand: TypeCommandClose,
	} {
		env := FrameExit(kind, "s1", process.ExitStatus{Code: 2})
		if env.Type != typ || env.Code == nil || *env.Code != 2 || env.Signal != "" {
			t.Errorf("FrameExit(%s) = %+v", kind, env)
		}
	}

	env := FrameExit(KindShell, "s1", process.ExitStatus{Code: -1, Signal: "SIGHUP"})
	if env.Signal != "SIGHUP" || *env.Code != -1 {
		t.Errorf("signalled exit = %+v", env)
	}
}

func TestEnvelopeJSON(t *testing.T) {
	env := FrameExit(KindLog, "s1", process.ExitStatus{Code: 0})
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	// A zero exit code must still be present on the wire.
	if string(data) != `{"type":"close","sessionId":"s1","code":0}` {
		t.Errorf("json = %s", data)
	}

	data, _ = json.Marshal(ErrorEnvelope("", MsgUnknownType))
	if string(data) != `{"type":"error","message":"Unknown message type"}` {
		t.Errorf("json = %s", data)
	}
}
