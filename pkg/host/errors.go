package host

import "errors"

// ErrorKind classifies protocol failures.
type ErrorKind string

const (
	KindMalformedEnvelope    ErrorKind = "MALFORMED_ENVELOPE"
	KindUntrustedOrigin      ErrorKind = "UNTRUSTED_ORIGIN"
	KindNotReady             ErrorKind = "NOT_READY"
	KindInitializationFailed ErrorKind = "INITIALIZATION_FAILED"
	KindInvalidConfig        ErrorKind = "INVALID_CONFIG"
	KindCommandFailed        ErrorKind = "COMMAND_FAILED"
	KindTimeout              ErrorKind = "TIMEOUT"
)

// ProtocolError is a structured failure surfaced to whoever initiated a command.
type ProtocolError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Tracer  string    `json:"tracer,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Tracer != "" {
		return string(e.Kind) + ": " + e.Message + " (tracer " + e.Tracer + ")"
	}
	return string(e.Kind) + ": " + e.Message
}

// Is matches any *ProtocolError of the same kind, so errors.Is(err, ErrNotReady) works.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(kind ErrorKind, message, tracer string) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: message, Tracer: tracer}
}

// Kind sentinels for errors.Is.
var (
	ErrNotReady             = &ProtocolError{Kind: KindNotReady}
	ErrInitializationFailed = &ProtocolError{Kind: KindInitializationFailed}
	ErrInvalidConfig        = &ProtocolError{Kind: KindInvalidConfig}
	ErrCommandFailed        = &ProtocolError{Kind: KindCommandFailed}
	ErrTimeout              = &ProtocolError{Kind: KindTimeout}
)

var (
	// ErrFrameReloaded fails calls still pending when the child frame reloads.
	ErrFrameReloaded = errors.New("frame reloaded before response")
	// ErrSuperseded fails an INIT call replaced by a newer INIT dispatch.
	ErrSuperseded = errors.New("superseded by a newer init")
	// ErrClosed fails calls pending when the host is closed.
	ErrClosed = errors.New("host closed")
	// ErrIncompleteGrant means grant parameters were present but not all of
	// api_key_value, user_id and drive_id.
	ErrIncompleteGrant = errors.New("incomplete grant credentials")
	// ErrGrantReplayed means the same grant was already consumed once.
	ErrGrantReplayed = errors.New("grant already consumed")
	// ErrInvalidCommand rejects a command payload before it is sent.
	ErrInvalidCommand = errors.New("invalid command")
)
