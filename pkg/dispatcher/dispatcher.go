package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/officexapp/iframe-host/pkg/frame"
	"github.com/officexapp/iframe-host/pkg/host"
)

const logPrefix = "dispatcher:dispatch"

// Error codes that are not host.ErrorKind values.
const (
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeFrameUnavailable = "FRAME_UNAVAILABLE"
	CodeFrameReloaded    = "FRAME_RELOADED"
	CodeSuperseded       = "SUPERSEDED"
	CodeGrantReplayed    = "GRANT_REPLAYED"
	CodeIncompleteGrant  = "INCOMPLETE_GRANT"
	CodeClosed           = "CLOSED"
	CodeInternal         = "INTERNAL_ERROR"
)

// RouteResolver maps a route name to an in-child route.
type RouteResolver func(name string) string

// Dispatcher routes control requests to host operations.
type Dispatcher struct {
	host   *host.Host
	routes RouteResolver
}

// NewDispatcher creates a new Dispatcher. routes may be nil.
func NewDispatcher(h *host.Host, routes RouteResolver) *Dispatcher {
	if routes == nil {
		routes = func(name string) string { return name }
	}
	return &Dispatcher{host: h, routes: routes}
}

// Dispatch routes a request to the appropriate host operation and returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *ControlRequest) *ControlResponse {
	slog.Debug(fmt.Sprintf("%s - method=%s id=%s request=%s", logPrefix, req.Method, req.ID, req.requestID()))

	switch req.Method {
	case "session":
		return &ControlResponse{ID: req.ID, Ok: true, Result: d.host.Snapshot()}
	case "init.ephemeral":
		return d.command(ctx, req, d.host.InitEphemeral)
	case "init.injected":
		return d.handleInitInjected(ctx, req)
	case "navigate":
		return d.handleNavigate(ctx, req)
	case "about":
		return d.command(ctx, req, d.host.About)
	case "authToken":
		return d.command(ctx, req, d.host.AuthToken)
	case "createFile":
		return d.handleCreateFile(ctx, req)
	case "createFolder":
		return d.handleCreateFolder(ctx, req)
	case "await":
		return d.handleAwait(ctx, req)
	case "grantUrl":
		return d.handleGrantURL(req)
	case "reset":
		d.host.Reset()
		return &ControlResponse{ID: req.ID, Ok: true, Result: d.host.Snapshot()}
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Unknown method: %s", req.Method), false)
	}
}

func (d *Dispatcher) handleInitInjected(ctx context.Context, req *ControlRequest) *ControlResponse {
	if len(req.Params) == 0 {
		return errorResponse(req.ID, string(host.KindInvalidConfig), "injected config is required", false)
	}
	return d.command(ctx, req, func() (string, error) { return d.host.InitInjected(req.Params) })
}

func (d *Dispatcher) handleNavigate(ctx context.Context, req *ControlRequest) *ControlResponse {
	var input NavigateParams
	if err := json.Unmarshal(req.Params, &input); err != nil || input.Route == "" {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse navigate params", false)
	}
	route := d.routes(input.Route)
	return d.command(ctx, req, func() (string, error) { return d.host.Navigate(route) })
}

func (d *Dispatcher) handleCreateFile(ctx context.Context, req *ControlRequest) *ControlResponse {
	var input CreateFileParams
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse createFile params", false)
	}
	if input.URL != "" {
		return d.command(ctx, req, func() (string, error) {
			return d.host.CreateFileFromURL(input.URL, input.Size, input.ParentFolderUUID)
		})
	}
	if input.File == nil {
		return errorResponse(req.ID, CodeInvalidArgument, "createFile needs url or file", false)
	}
	var payload host.CreateFilePayload
	if err := json.Unmarshal(*input.File, &payload); err != nil {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse file payload", false)
	}
	return d.command(ctx, req, func() (string, error) { return d.host.CreateFile(payload) })
}

func (d *Dispatcher) handleCreateFolder(ctx context.Context, req *ControlRequest) *ControlResponse {
	var payload host.CreateFolderPayload
	if err := json.Unmarshal(req.Params, &payload); err != nil {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse createFolder params", false)
	}
	return d.command(ctx, req, func() (string, error) { return d.host.CreateFolder(payload) })
}

func (d *Dispatcher) handleAwait(ctx context.Context, req *ControlRequest) *ControlResponse {
	var input AwaitParams
	if err := json.Unmarshal(req.Params, &input); err != nil || input.Tracer == "" {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse await params", false)
	}
	return d.await(ctx, req, input.Tracer)
}

func (d *Dispatcher) handleGrantURL(req *ControlRequest) *ControlResponse {
	var input GrantURLParams
	if err := json.Unmarshal(req.Params, &input); err != nil || input.RedirectURL == "" {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse grantUrl params", false)
	}
	u, tracer := d.host.GrantURL(input.Tracer, input.RedirectURL)
	return &ControlResponse{ID: req.ID, Ok: true, Result: GrantURLResult{URL: u, Tracer: tracer}}
}

// command sends one command. With ctx.wait set it also waits for the child's answer.
func (d *Dispatcher) command(ctx context.Context, req *ControlRequest, send func() (string, error)) *ControlResponse {
	tracer, err := send()
	if err != nil {
		return hostErrorToResponse(req.ID, tracer, err)
	}
	if req.Ctx == nil || !req.Ctx.Wait {
		return &ControlResponse{ID: req.ID, Ok: true, Result: TracerResult{Tracer: tracer}}
	}
	return d.await(ctx, req, tracer)
}

func (d *Dispatcher) await(ctx context.Context, req *ControlRequest, tracer string) *ControlResponse {
	if req.Ctx != nil && req.Ctx.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Ctx.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	res, err := d.host.Await(ctx, tracer)
	if err != nil {
		return hostErrorToResponse(req.ID, tracer, err)
	}
	return &ControlResponse{ID: req.ID, Ok: true, Result: CallResult{
		Tracer: res.Tracer,
		Type:   string(res.Type),
		Data:   res.Data,
		Route:  res.Route,
	}}
}

// --- helpers ---

func errorResponse(id, code, message string, retryable bool) *ControlResponse {
	return &ControlResponse{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

func (r *ControlRequest) requestID() string {
	if r.Ctx == nil {
		return ""
	}
	return r.Ctx.RequestID
}

func hostErrorToResponse(id, tracer string, err error) *ControlResponse {
	detail := ErrorDetailFor(err)
	if detail.Tracer == "" {
		detail.Tracer = tracer
	}
	return &ControlResponse{ID: id, Ok: false, Error: detail}
}

// ErrorDetailFor classifies a host error.
func ErrorDetailFor(err error) *ErrorDetail {
	var perr *host.ProtocolError
	if errors.As(err, &perr) {
		return &ErrorDetail{
			Code:      string(perr.Kind),
			Message:   perr.Message,
			Tracer:    perr.Tracer,
			Retryable: perr.Kind == host.KindTimeout || perr.Kind == host.KindNotReady,
		}
	}
	switch {
	case errors.Is(err, host.ErrInvalidCommand):
		return &ErrorDetail{Code: CodeInvalidArgument, Message: err.Error()}
	case errors.Is(err, frame.ErrFrameUnavailable):
		return &ErrorDetail{Code: CodeFrameUnavailable, Message: err.Error(), Retryable: true}
	case errors.Is(err, host.ErrFrameReloaded):
		return &ErrorDetail{Code: CodeFrameReloaded, Message: err.Error(), Retryable: true}
	case errors.Is(err, host.ErrSuperseded):
		return &ErrorDetail{Code: CodeSuperseded, Message: err.Error()}
	case errors.Is(err, host.ErrGrantReplayed):
		return &ErrorDetail{Code: CodeGrantReplayed, Message: err.Error()}
	case errors.Is(err, host.ErrIncompleteGrant):
		return &ErrorDetail{Code: CodeIncompleteGrant, Message: err.Error()}
	case errors.Is(err, host.ErrClosed):
		return &ErrorDetail{Code: CodeClosed, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &ErrorDetail{Code: string(host.KindTimeout), Message: err.Error(), Retryable: true}
	}
	return &ErrorDetail{Code: CodeInternal, Message: err.Error(), Retryable: true}
}
