// Package envelope defines the {type, data, tracer} message shape exchanged between the
// host and the embedded OfficeX child frame.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const logPrefix = "envelope:envelope"

// ErrMalformedEnvelope is returned by Decode when inbound data is not an envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// MessageType is the closed set of command/response kinds crossing the frame boundary.
type MessageType string

// Host -> child commands.
const (
	TypeInit        MessageType = "officex-init"
	TypeGoToPage    MessageType = "officex-go-to-page"
	TypeAbout       MessageType = "officex-about-iframe"
	TypeAuthToken   MessageType = "officex-auth-token"
	TypeRestCommand MessageType = "officex-rest-command"
)

// Child -> host responses.
const (
	TypeInitResponse        MessageType = "officex-init-response"
	TypeGoToPageResponse    MessageType = "officex-go-to-page-response"
	TypeAboutResponse       MessageType = "officex-about-iframe-response"
	TypeAuthTokenResponse   MessageType = "officex-auth-token-response"
	TypeRestCommandResponse MessageType = "officex-rest-command-response"
	TypeHeartbeat           MessageType = "officex-heartbeat"

	// typeAboutResponseLegacy is what older child builds send for about requests.
	typeAboutResponseLegacy MessageType = "officex-about-child-iframe-instance-response"
)

var known = map[MessageType]bool{
	TypeInit:                true,
	TypeGoToPage:            true,
	TypeAbout:               true,
	TypeAuthToken:           true,
	TypeRestCommand:         true,
	TypeInitResponse:        true,
	TypeGoToPageResponse:    true,
	TypeAboutResponse:       true,
	TypeAuthTokenResponse:   true,
	TypeRestCommandResponse: true,
	TypeHeartbeat:           true,
}

// Known reports whether t is part of the protocol this host speaks.
func (t MessageType) Known() bool {
	return known[t]
}

// ResponseType returns the response kind the child answers a command with.
func (t MessageType) ResponseType() (MessageType, bool) {
	switch t {
	case TypeInit, TypeGoToPage, TypeAbout, TypeAuthToken, TypeRestCommand:
		return t + "-response", true
	}
	return "", false
}

// Envelope is the wire shape of every message.
type Envelope struct {
	Type   MessageType     `json:"type"`
	Data   json.RawMessage `json:"data"`
	Tracer string          `json:"tracer,omitempty"`
}

// Now is the clock used for tracer synthesis.
var Now = time.Now

// NewTracer returns "{prefix}-{unixMillis}".
func NewTracer(prefix string, at time.Time) string {
	return prefix + "-" + strconv.FormatInt(at.UnixMilli(), 10)
}

// Encode builds an outbound envelope. data is marshalled, never modified; an empty tracer
// is synthesised as "{type}-{unixMillis}".
func Encode(t MessageType, data interface{}, tracer string) (Envelope, error) {
	if strings.TrimSpace(string(t)) == "" {
		return Envelope{}, fmt.Errorf("%s - missing message type", logPrefix)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%s - failed to encode %s data: %w", logPrefix, t, err)
	}
	if tracer == "" {
		tracer = NewTracer(string(t), Now())
	}
	return Envelope{Type: t, Data: raw, Tracer: tracer}, nil
}

// Marshal serialises an envelope for posting.
func (e Envelope) Marshal() ([]byte, error) {
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("{}")
	}
	return json.Marshal(e)
}

// Decode parses and minimally validates inbound data. Per-type payload validation is left
// to the router.
func Decode(raw []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: not a JSON object", ErrMalformedEnvelope)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	rawType, ok := fields["type"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return Envelope{}, fmt.Errorf("%w: type is not a string", ErrMalformedEnvelope)
	}
	if strings.TrimSpace(typ) == "" {
		return Envelope{}, fmt.Errorf("%w: empty type", ErrMalformedEnvelope)
	}

	env := Envelope{Type: MessageType(typ), Data: fields["data"]}
	if env.Type == typeAboutResponseLegacy {
		env.Type = TypeAboutResponse
	}
	if rawTracer, ok := fields["tracer"]; ok {
		// A non-string tracer is treated as absent rather than failing the message.
		_ = json.Unmarshal(rawTracer, &env.Tracer)
	}
	return env, nil
}
