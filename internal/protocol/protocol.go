// Package protocol defines the JSON envelopes exchanged over a gateway
// connection: the inbound request union with its fail-closed parser, and the
// outbound envelopes produced by the output framer.
package protocol

import (
	"github.com/kubeintel/kubeintel/internal/process"
)

// Kind is the purpose a session serves.
type Kind string

const (
	KindLog     Kind = "log"
	KindShell   Kind = "shell"
	KindCommand Kind = "command"
)

// Outbound envelope types.
const (
	TypeLogs          = "logs"
	TypeError         = "error"
	TypeClose         = "close"
	TypeShellData     = "shell_data"
	TypeShellExit     = "shell_exit"
	TypeCommandOutput = "command_output"
	TypeCommandError  = "command_error"
	TypeCommandClose  = "command_close"
)

// Messages carried by top-level error envelopes.
const (
	MsgInvalidFormat = "Invalid message format"
	MsgUnknownType   = "Unknown message type"
)

// Envelope is one gateway-to-client message. Data envelopes carry Data,
// exit envelopes carry Code (and Signal when the process was signalled),
// error envelopes for rejected requests carry Message.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Code      *int   `json:"code,omitempty"`
	Signal    string `json:"signal,omitempty"`
	Message   string `json:"message,omitempty"`
}

var dataTypes = map[Kind]map[process.Stream]string{
	KindLog: {
		process.Stdout: TypeLogs,
		process.Stderr: TypeError,
	},
	KindShell: {
		process.TTY: TypeShellData,
	},
	KindCommand: {
		process.Stdout: TypeCommandOutput,
		process.Stderr: TypeCommandError,
	},
}

var exitTypes = map[Kind]string{
	KindLog:     TypeClose,
	KindShell:   TypeShellExit,
	KindCommand: TypeCommandClose,
}

// Frame wraps an output chunk for the given session kind and stream. ok is
// false when the kind never produces that stream.
func Frame(kind Kind, sessionID string, stream process.Stream, data []byte) (env Envelope, ok bool) {
	typ, ok := dataTypes[kind][stream]
	if !ok {
		return Envelope{}, false
	}
	return Envelope{Type: typ, SessionID: sessionID, Data: string(data)}, true
}

// FrameExit builds the final envelope of a session.
func FrameExit(kind Kind, sessionID string, status process.ExitStatus) Envelope {
	code := status.Code
	return Envelope{
		Type:      exitTypes[kind],
		SessionID: sessionID,
		Code:      &code,
		Signal:    status.Signal,
	}
}

// ErrorEnvelope reports a rejected request. sessionID is empty for
// protocol errors that cannot be tied to a session.
func ErrorEnvelope(sessionID, message string) Envelope {
	return Envelope{Type: TypeError, SessionID: sessionID, Message: message}
}
