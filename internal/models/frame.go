package models

// FrameType identifies one kind of protocol message exchanged over the
// multiplexed transport.
type FrameType string

const (
	// Client -> server
	FrameCreate   FrameType = "create"
	FrameInput    FrameType = "input"
	FrameResize   FrameType = "resize"
	FrameClose    FrameType = "close"
	FrameReattach FrameType = "reattach"

	// Server -> client
	FrameCreated FrameType = "created"
	FrameOutput  FrameType = "output"
	FrameClosed  FrameType = "closed"
	FrameExit    FrameType = "exit"
	FrameError   FrameType = "error"
)

// ErrorReason is the machine-readable reason carried by an error frame.
type ErrorReason string

const (
	ReasonNotFound      ErrorReason = "not_found"
	ReasonSpawnFailed   ErrorReason = "spawn_failed"
	ReasonClosedAlready ErrorReason = "closed_already"
	ReasonMalformed     ErrorReason = "malformed"
)

// Frame is one discrete protocol message. All frames are JSON text messages;
// Data is base64-encoded on the wire (encoding/json []byte behavior) so raw
// terminal bytes survive the transport untouched.
type Frame struct {
	Type      FrameType   `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Cols      uint16      `json:"cols,omitempty"`
	Rows      uint16      `json:"rows,omitempty"`
	Data      []byte      `json:"data,omitempty"`
	Code      *int        `json:"code,omitempty"`
	Reason    ErrorReason `json:"reason,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// ExitCode wraps an exit status for the Code pointer field so a zero exit
// status is not dropped by omitempty.
func ExitCode(code int) *int {
	return &code
}
