package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound message types.
const (
	TypePodLogs        = "pod_logs"
	TypePodShell       = "pod_shell"
	TypeKubectlCommand = "kubectl_command"
	TypeShellInput     = "shell_input"
	TypeShellResize    = "shell_resize"
)

// DefaultShell is exec'd in the pod when neither the pod_shell request nor
// the gateway configuration names one.
const DefaultShell = "/bin/bash"

var (
	// ErrMalformed reports a payload that is not a JSON object of the
	// expected shape.
	ErrMalformed = errors.New("invalid message format")
	// ErrUnknownType reports a missing or unrecognised type discriminant.
	ErrUnknownType = errors.New("unknown message type")
)

// FieldError reports a missing or out-of-range field in an otherwise
// well-formed message.
type FieldError struct {
	Field  string
	Reason string // empty when the field is missing
}

func (e *FieldError) Error() string {
	if e.Reason == "" {
		return "missing required field: " + e.Field
	}
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
}

func missing(field string) error { return &FieldError{Field: field} }

// Request is the wire form of every client-to-gateway message. The Type
// field is the discriminator; Parse turns a Request into one of the typed
// messages below and rejects it if required fields are absent.
type Request struct {
	Type            string   `json:"type"`
	SessionID       string   `json:"sessionId,omitempty"`
	CredentialsPath string   `json:"credentialsPath,omitempty"`
	KubeconfigPath  string   `json:"kubeconfigPath,omitempty"`
	Context         string   `json:"context,omitempty"`
	Namespace       string   `json:"namespace,omitempty"`
	PodName         string   `json:"podName,omitempty"`
	Container       string   `json:"container,omitempty"`
	Follow          bool     `json:"follow,omitempty"`
	Shell           string   `json:"shell,omitempty"`
	Command         string   `json:"command,omitempty"`
	Args            []string `json:"args,omitempty"`
	Data            *string  `json:"data,omitempty"`
	Cols            *int     `json:"cols,omitempty"`
	Rows            *int     `json:"rows,omitempty"`
}

// Target names the kubeconfig and context a session runs against.
type Target struct {
	CredentialsPath string
	Context         string
}

// Message is implemented by every parsed inbound message.
type Message interface {
	MessageType() string
}

// LogsRequest starts a log session.
type LogsRequest struct {
	SessionID string
	Target
	PodName   string
	Namespace string
	Container string
	Follow    bool
}

// ShellRequest starts an interactive shell session. Shell is empty and Cols
// and Rows are zero when the client left them to the gateway's defaults.
type ShellRequest struct {
	SessionID string
	Target
	PodName   string
	Namespace string
	Container string
	Shell     string
	Cols      int
	Rows      int
}

// CommandRequest starts a one-shot command session. Args are appended to
// the kubectl invocation verbatim.
type CommandRequest struct {
	SessionID string
	Target
	Args []string
}

// ShellInput carries keystrokes for a shell session. An empty SessionID
// addresses the most recently started live shell on the connection.
type ShellInput struct {
	SessionID string
	Data      string
}

// ShellResize changes a shell session's terminal geometry.
type ShellResize struct {
	SessionID string
	Cols      int
	Rows      int
}

func (*LogsRequest) MessageType() string    { return TypePodLogs }
func (*ShellRequest) MessageType() string   { return TypePodShell }
func (*CommandRequest) MessageType() string { return TypeKubectlCommand }
func (*ShellInput) MessageType() string     { return TypeShellInput }
func (*ShellResize) MessageType() string    { return TypeShellResize }

// Parse decodes one inbound payload. It fails closed: the returned error
// wraps ErrMalformed or ErrUnknownType, or is a *FieldError.
func Parse(raw []byte) (Message, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch req.Type {
	case TypePodLogs:
		target, err := req.target()
		if err != nil {
			return nil, err
		}
		if req.PodName == "" {
			return nil, missing("podName")
		}
		return &LogsRequest{
			SessionID: req.SessionID,
			Target:    target,
			PodName:   req.PodName,
			Namespace: req.Namespace,
			Container: req.Container,
			Follow:    req.Follow,
		}, nil

	case TypePodShell:
		target, err := req.target()
		if err != nil {
			return nil, err
		}
		if req.PodName == "" {
			return nil, missing("podName")
		}
		m := &ShellRequest{
			SessionID: req.SessionID,
			Target:    target,
			PodName:   req.PodName,
			Namespace: req.Namespace,
			Container: req.Container,
			Shell:     req.Shell,
		}
		if req.Cols != nil || req.Rows != nil {
			if req.Cols == nil {
				return nil, missing("cols")
			}
			if req.Rows == nil {
				return nil, missing("rows")
			}
			if err := checkGeometry(*req.Cols, *req.Rows); err != nil {
				return nil, err
			}
			m.Cols, m.Rows = *req.Cols, *req.Rows
		}
		return m, nil

	case TypeKubectlCommand:
		target, err := req.target()
		if err != nil {
			return nil, err
		}
		args := req.Args
		if len(args) == 0 {
			// Legacy form: a single string split on whitespace. Quoted
			// arguments cannot be expressed this way; clients should send
			// args instead.
			args = strings.Fields(req.Command)
		}
		if len(args) == 0 {
			return nil, missing("command")
		}
		return &CommandRequest{SessionID: req.SessionID, Target: target, Args: args}, nil

	case TypeShellInput:
		if req.Data == nil {
			return nil, missing("data")
		}
		return &ShellInput{SessionID: req.SessionID, Data: *req.Data}, nil

	case TypeShellResize:
		if req.Cols == nil {
			return nil, missing("cols")
		}
		if req.Rows == nil {
			return nil, missing("rows")
		}
		if err := checkGeometry(*req.Cols, *req.Rows); err != nil {
			return nil, err
		}
		return &ShellResize{SessionID: req.SessionID, Cols: *req.Cols, Rows: *req.Rows}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}
}

// target resolves the credentials path (accepting the kubeconfigPath alias)
// and context shared by every session-start message.
func (r *Request) target() (Target, error) {
	path := r.CredentialsPath
	if path == "" {
		path = r.KubeconfigPath
	}
	if path == "" {
		return Target{}, missing("credentialsPath")
	}
	if r.Context == "" {
		return Target{}, missing("context")
	}
	return Target{CredentialsPath: path, Context: r.Context}, nil
}

func checkGeometry(cols, rows int) error {
	if cols <= 0 || cols > 0xFFFF {
		return &FieldError{Field: "cols", Reason: fmt.Sprintf("must be between 1 and 65535, got %d", cols)}
	}
	if rows <= 0 || rows > 0xFFFF {
		return &FieldError{Field: "rows", Reason: fmt.Sprintf("must be between 1 and 65535, got %d", rows)}
	}
	return nil
}

// Describe renders a Parse error as the message carried by the error
// envelope sent back to the client.
func Describe(err error) string {
	var fe *FieldError
	switch {
	case errors.As(err, &fe):
		return fe.Error()
	case errors.Is(err, ErrUnknownType):
		return MsgUnknownType
	case errors.Is(err, ErrMalformed):
		return MsgInvalidFormat
	default:
		return err.Error()
	}
}
