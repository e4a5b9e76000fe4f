package host

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/officexapp/iframe-host/pkg/envelope"
)

const routerLogPrefix = "host:router"

// responseBody is the common {success, data|error} shape of child responses.
type responseBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
	Route   string          `json:"route"`
}

// directoryMessage is the part of a directory action result used for classification.
type directoryMessage struct {
	Message      string `json:"message"`
	ResourceKind string `json:"resource_kind"`
}

func parseResponse(raw json.RawMessage) (responseBody, error) {
	var body responseBody
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return body, fmt.Errorf("response data is not an object")
	}
	if err := json.Unmarshal(trimmed, &body); err != nil {
		return body, err
	}
	return body, nil
}

// errorText renders a response error as a string. Non-string errors keep their JSON form.
func errorText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	return string(trimmed)
}

func failureText(raw json.RawMessage) string {
	if msg := errorText(raw); msg != "" {
		return msg
	}
	return "unknown error"
}

// routeLocked applies one decoded envelope. Only known response kinds change state.
func (h *Host) routeLocked(env envelope.Envelope) []*change {
	switch env.Type {
	case envelope.TypeInitResponse:
		return h.routeInitLocked(env)
	case envelope.TypeGoToPageResponse:
		h.routeNavigationLocked(env)
		return nil
	case envelope.TypeAboutResponse:
		return h.routeAboutLocked(env)
	case envelope.TypeAuthTokenResponse:
		return h.routeAuthTokenLocked(env)
	case envelope.TypeRestCommandResponse:
		return h.routeRestCommandLocked(env)
	case envelope.TypeHeartbeat:
		h.state.lastHeartbeat = h.now()
		slog.Debug(fmt.Sprintf("%s - Heartbeat from child (tracer %s)", routerLogPrefix, env.Tracer))
		return nil
	default:
		slog.Debug(fmt.Sprintf("%s - Ignoring message type %q", routerLogPrefix, env.Type))
		return nil
	}
}

// takePendingLocked returns the pending call a response answers, if the tracer names one
// of the right kind.
func (h *Host) takePendingLocked(tracer string, respType envelope.MessageType) *pendingCall {
	if tracer == "" {
		return nil
	}
	p, ok := h.pending[tracer]
	if !ok {
		return nil
	}
	if want, _ := p.msgType.ResponseType(); want != respType {
		return nil
	}
	return p
}

func (h *Host) dropUnparseable(env envelope.Envelope, err error) {
	slog.Warn(fmt.Sprintf("%s - Dropping %s (tracer %s): %v", routerLogPrefix, env.Type, env.Tracer, err))
}

func (h *Host) routeInitLocked(env envelope.Envelope) []*change {
	if env.Tracer != "" && h.staleInit[env.Tracer] {
		slog.Info(fmt.Sprintf("%s - Ignoring init response for superseded tracer %s", routerLogPrefix, env.Tracer))
		return nil
	}
	body, err := parseResponse(env.Data)
	if err != nil {
		h.dropUnparseable(env, err)
		return nil
	}
	p := h.takePendingLocked(env.Tracer, envelope.TypeInitResponse)
	tracer := env.Tracer
	if p == nil {
		if !h.acceptsUnmatchedInitLocked(env.Tracer) {
			slog.Warn(fmt.Sprintf("%s - Ignoring init response (tracer %q): no INIT awaits it in phase %s", routerLogPrefix, env.Tracer, h.state.phase))
			return nil
		}
		// Children that don't echo tracers answer the INIT in flight.
		tracer = h.initTracer
		p = h.pending[h.initTracer]
	}
	res := &InitResult{Success: body.Success, Data: body.Data, Tracer: tracer, At: h.now()}

	if body.Success {
		h.stopRetryLocked()
		res.ProtocolVersion = protocolVersion(body.Data)
		h.checkProtocolLocked(res.ProtocolVersion)
		h.state.phase = PhaseReady
		h.state.init = res
		slog.Info(fmt.Sprintf("%s - Child initialized (mode %s, tracer %s)", routerLogPrefix, h.state.mode, tracer))
		if p != nil {
			h.resolveLocked(p, Result{Type: env.Type, Tracer: tracer, Data: body.Data})
		}
		return []*change{h.changeLocked([]string{"phase", "init"}, tracer, "")}
	}

	msg := failureText(body.Error)
	res.Error = msg
	res.Kind = KindInitializationFailed
	h.state.phase = PhaseFailed
	h.state.init = res
	slog.Error(fmt.Sprintf("%s - Child initialization failed (tracer %s): %s", routerLogPrefix, tracer, msg))
	if p != nil {
		h.resolveLocked(p, Result{Type: env.Type, Tracer: tracer, Data: body.Data,
			Err: NewProtocolError(KindInitializationFailed, msg, tracer)})
	}
	ch := h.changeLocked([]string{"phase", "init"}, tracer, msg)
	h.scheduleRetryLocked()
	return []*change{ch}
}

// acceptsUnmatchedInitLocked reports whether an INIT response that names no pending call
// still answers the current INIT: while it is in flight, or late after it timed out.
func (h *Host) acceptsUnmatchedInitLocked(tracer string) bool {
	switch h.state.phase {
	case PhaseInitializing:
		return h.initTracer != ""
	case PhaseFailed:
		return tracer != "" && tracer == h.initTracer && h.state.init != nil && h.state.init.Kind == KindTimeout
	}
	return false
}

func protocolVersion(data json.RawMessage) string {
	var v struct {
		ProtocolVersion string `json:"protocol_version"`
	}
	if len(data) == 0 || json.Unmarshal(data, &v) != nil {
		return ""
	}
	return v.ProtocolVersion
}

func (h *Host) checkProtocolLocked(version string) {
	if h.compat == nil {
		return
	}
	if version == "" {
		slog.Debug(fmt.Sprintf("%s - Child did not report a protocol version (want %s)", routerLogPrefix, h.compat))
		return
	}
	ok, err := h.compat.Check(version)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - %v", routerLogPrefix, err))
		return
	}
	if !ok {
		slog.Warn(fmt.Sprintf("%s - Child protocol %s does not satisfy %s", routerLogPrefix, version, h.compat))
	}
}

func (h *Host) routeNavigationLocked(env envelope.Envelope) {
	body, err := parseResponse(env.Data)
	if err != nil {
		h.dropUnparseable(env, err)
		return
	}
	p := h.takePendingLocked(env.Tracer, envelope.TypeGoToPageResponse)
	res := Result{Type: env.Type, Tracer: env.Tracer, Data: body.Data, Route: body.Route}
	if body.Success {
		slog.Info(fmt.Sprintf("%s - Navigation successful: %s", routerLogPrefix, body.Route))
	} else {
		msg := failureText(body.Error)
		slog.Error(fmt.Sprintf("%s - Navigation failed: %s", routerLogPrefix, msg))
		res.Err = NewProtocolError(KindCommandFailed, msg, env.Tracer)
	}
	if p != nil {
		h.resolveLocked(p, res)
	}
}

func (h *Host) routeAboutLocked(env envelope.Envelope) []*change {
	body, err := parseResponse(env.Data)
	if err != nil {
		h.dropUnparseable(env, err)
		return nil
	}
	p := h.takePendingLocked(env.Tracer, envelope.TypeAboutResponse)
	res := Result{Type: env.Type, Tracer: env.Tracer, Data: body.Data}

	var about AboutDescriptor
	if body.Success && json.Unmarshal(body.Data, &about) == nil {
		h.state.about = &about
		slog.Info(fmt.Sprintf("%s - About received for %s / %s", routerLogPrefix, about.DriveID, about.UserID))
	} else {
		msg := failureText(body.Error)
		if body.Success {
			msg = "about descriptor is not an object"
		}
		h.state.about = nil
		slog.Error(fmt.Sprintf("%s - About request failed: %s", routerLogPrefix, msg))
		res.Err = NewProtocolError(KindCommandFailed, msg, env.Tracer)
	}
	if p != nil {
		h.resolveLocked(p, res)
	}
	return []*change{h.changeLocked([]string{"about"}, env.Tracer, errString(res.Err))}
}

func (h *Host) routeAuthTokenLocked(env envelope.Envelope) []*change {
	body, err := parseResponse(env.Data)
	if err != nil {
		h.dropUnparseable(env, err)
		return nil
	}
	p := h.takePendingLocked(env.Tracer, envelope.TypeAuthTokenResponse)
	res := Result{Type: env.Type, Tracer: env.Tracer, Data: body.Data}

	var token TokenDescriptor
	if body.Success && json.Unmarshal(body.Data, &token) == nil {
		h.state.token = &token
		slog.Info(fmt.Sprintf("%s - Auth token received: %s", routerLogPrefix, token))
	} else {
		msg := failureText(body.Error)
		if body.Success {
			msg = "token descriptor is not an object"
		}
		h.state.token = nil
		slog.Error(fmt.Sprintf("%s - Auth token request failed: %s", routerLogPrefix, msg))
		res.Err = NewProtocolError(KindCommandFailed, msg, env.Tracer)
	}
	if p != nil {
		h.resolveLocked(p, res)
	}
	return []*change{h.changeLocked([]string{"authToken"}, env.Tracer, errString(res.Err))}
}

func (h *Host) routeRestCommandLocked(env envelope.Envelope) []*change {
	body, err := parseResponse(env.Data)
	if err != nil {
		h.dropUnparseable(env, err)
		return nil
	}
	p := h.takePendingLocked(env.Tracer, envelope.TypeRestCommandResponse)
	var action RestAction
	if p != nil {
		action = p.action
	}

	cr := &CommandResult{Success: body.Success, Data: body.Data, Tracer: env.Tracer, At: h.now()}
	res := Result{Type: env.Type, Tracer: env.Tracer, Data: body.Data}
	if body.Success {
		cr.Kind = classifySuccess(body.Data, action)
		slog.Info(fmt.Sprintf("%s - Directory action succeeded (kind %s, tracer %s)", routerLogPrefix, cr.Kind, env.Tracer))
	} else {
		cr.Error = failureText(body.Error)
		cr.Kind = classifyFailure(body.Data, cr.Error, action)
		slog.Error(fmt.Sprintf("%s - Directory action failed (kind %s): %s", routerLogPrefix, cr.Kind, cr.Error))
		res.Err = NewProtocolError(KindCommandFailed, cr.Error, env.Tracer)
	}

	fields := []string{"lastCommand"}
	h.state.lastCommand = cr
	switch cr.Kind {
	case ResourceFile:
		h.state.lastFile = cr
		fields = append(fields, "lastFile")
	case ResourceFolder:
		h.state.lastFolder = cr
		fields = append(fields, "lastFolder")
	}
	if p != nil {
		h.resolveLocked(p, res)
	}
	return []*change{h.changeLocked(fields, env.Tracer, cr.Error)}
}

// classifySuccess buckets a successful directory result: an explicit resource_kind wins,
// then the action that was sent, then the wording of the message.
func classifySuccess(data json.RawMessage, action RestAction) ResourceKind {
	var dm directoryMessage
	if len(data) > 0 {
		_ = json.Unmarshal(data, &dm)
	}
	if kind, ok := explicitKind(dm.ResourceKind); ok {
		return kind
	}
	if action != "" {
		return action.Kind()
	}
	switch {
	case strings.Contains(dm.Message, "Folder"):
		return ResourceFolder
	case strings.Contains(dm.Message, "File"):
		return ResourceFile
	}
	return ""
}

// classifyFailure buckets a failed directory result. Without other hints, failures count
// as file failures unless the error mentions a folder.
func classifyFailure(data json.RawMessage, errMsg string, action RestAction) ResourceKind {
	var dm directoryMessage
	if len(data) > 0 {
		_ = json.Unmarshal(data, &dm)
	}
	if kind, ok := explicitKind(dm.ResourceKind); ok {
		return kind
	}
	if action != "" {
		return action.Kind()
	}
	if strings.Contains(strings.ToLower(errMsg), "folder") {
		return ResourceFolder
	}
	return ResourceFile
}

func explicitKind(s string) (ResourceKind, bool) {
	switch ResourceKind(strings.ToUpper(strings.TrimSpace(s))) {
	case ResourceFile:
		return ResourceFile, true
	case ResourceFolder:
		return ResourceFolder, true
	}
	return "", false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	if perr, ok := err.(*ProtocolError); ok {
		return perr.Message
	}
	return err.Error()
}
