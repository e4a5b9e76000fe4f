// Package host implements the host side of the OfficeX iframe protocol. A Host posts typed
// commands into the child frame, correlates the child's responses by tracer and tracks the
// child session through its lifecycle (UNINITIALIZED, INITIALIZING, READY, FAILED).
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/officexapp/iframe-host/pkg/envelope"
	"github.com/officexapp/iframe-host/pkg/events"
	"github.com/officexapp/iframe-host/pkg/frame"
	"github.com/officexapp/iframe-host/pkg/origin"
	"github.com/officexapp/iframe-host/pkg/semver"
)

const (
	logPrefix              = "host:host"
	defaultChildOrigin     = "https://officex.app"
	defaultResponseTimeout = 30 * time.Second
	defaultGrantPath       = "/org/current/grant-agentic-key"
	settledLimit           = 128
	staleInitLimit         = 256
	notifyTimeout          = 5 * time.Second
)

// RetryConfig bounds automatic INIT retries. MaxAttempts <= 0 disables retry.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

// Config holds host configuration.
type Config struct {
	// ChildOrigin is both the target origin for posts and the only accepted inbound origin.
	ChildOrigin string
	// DevModeBypass accepts inbound messages from any origin (local development only).
	DevModeBypass bool
	// ResponseTimeout bounds the wait for a response. Zero uses the default, negative
	// disables timeouts.
	ResponseTimeout time.Duration
	InitRetry       RetryConfig
	// ProtocolConstraint is a semver range the child's reported protocol_version should
	// satisfy. Empty skips the check.
	ProtocolConstraint string
	GrantPath          string
	// DefaultHost fills the platform host of grants that come back without one.
	DefaultHost string
	// DeferGrantUntilLoad holds grant INITs until the next frame load even when the frame
	// has already loaded (the page serving the grant callback is about to reload it).
	DeferGrantUntilLoad bool
}

// DefaultConfig returns the default host configuration.
func DefaultConfig() Config {
	return Config{
		ChildOrigin:     defaultChildOrigin,
		ResponseTimeout: defaultResponseTimeout,
		GrantPath:       defaultGrantPath,
	}
}

// NewHostParams holds parameters for New.
type NewHostParams struct {
	SessionID string
	FrameID   string
	Config    Config
	// Ephemeral is the session's ephemeral identity seed. Zero generates one.
	Ephemeral EphemeralConfig
	Publisher events.EventPublisher
	Store     SessionStore
	Frame     frame.Frame
}

type sessionState struct {
	phase         Phase
	mode          Mode
	attempts      int
	lastLoadedAt  time.Time
	lastHeartbeat time.Time
	init          *InitResult
	about         *AboutDescriptor
	token         *TokenDescriptor
	lastCommand   *CommandResult
	lastFile      *CommandResult
	lastFolder    *CommandResult
}

type pendingCall struct {
	tracer  string
	msgType envelope.MessageType
	action  RestAction
	timer   *time.Timer
	done    chan struct{}
	result  Result
}

type change struct {
	snap   Snapshot
	fields []string
	tracer string
	errMsg string
}

// Host owns the child session. All state changes happen under mu.
type Host struct {
	sessionID string
	frameID   string
	config    Config
	guard     *origin.Guard
	compat    *semver.Compat
	ephemeral EphemeralConfig
	publisher events.EventPublisher
	store     SessionStore
	now       func() time.Time

	mu               sync.Mutex
	frame            frame.Frame
	state            sessionState
	seq              uint64
	pending          map[string]*pendingCall
	settled          map[string]*pendingCall
	settledOrder     []string
	staleInit        map[string]bool
	initTracer       string
	lastInit         *InitCommand
	lifetimeAttempts int
	generation       uint64
	retryTimer       *time.Timer
	deferredGrant    *InitCommand
	closed           bool
}

var _ frame.Handler = (*Host)(nil)

// New creates a Host. It fails with an InvalidConfig ProtocolError when the child origin
// or protocol constraint cannot be used.
func New(params NewHostParams) (*Host, error) {
	cfg := params.Config
	if cfg.ChildOrigin == "" {
		cfg.ChildOrigin = defaultChildOrigin
	}
	if err := origin.ValidateTarget(cfg.ChildOrigin); err != nil {
		return nil, NewProtocolError(KindInvalidConfig, err.Error(), "")
	}
	cfg.ChildOrigin = origin.Normalize(cfg.ChildOrigin)
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.GrantPath == "" {
		cfg.GrantPath = defaultGrantPath
	}

	compat, err := semver.NewCompat(cfg.ProtocolConstraint)
	if err != nil {
		return nil, NewProtocolError(KindInvalidConfig, err.Error(), "")
	}

	eph := params.Ephemeral
	if eph.IsZero() {
		eph, err = GenerateEphemeral()
		if err != nil {
			return nil, fmt.Errorf("%s - failed to generate ephemeral identity: %w", logPrefix, err)
		}
	}

	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	pub := params.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	store := params.Store
	if store == nil {
		store = NewMemoryStore()
	}

	return &Host{
		sessionID: sessionID,
		frameID:   params.FrameID,
		config:    cfg,
		guard:     origin.NewGuard(cfg.ChildOrigin, cfg.DevModeBypass),
		compat:    compat,
		ephemeral: eph,
		publisher: pub,
		store:     store,
		now:       time.Now,
		frame:     params.Frame,
		state:     sessionState{phase: PhaseUninitialized, mode: ModeNone},
		pending:   make(map[string]*pendingCall),
		settled:   make(map[string]*pendingCall),
		staleInit: make(map[string]bool),
	}, nil
}

// SessionID returns the host session id.
func (h *Host) SessionID() string { return h.sessionID }

// FrameID returns the id of the frame this host drives.
func (h *Host) FrameID() string { return h.frameID }

// ChildOrigin returns the normalised child origin.
func (h *Host) ChildOrigin() string { return h.config.ChildOrigin }

// Ephemeral returns the session's ephemeral identity seed.
func (h *Host) Ephemeral() EphemeralConfig { return h.ephemeral }

// AttachFrame sets the frame commands are posted to. Nil detaches it.
func (h *Host) AttachFrame(f frame.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frame = f
}

// Snapshot returns a copy of the current session state.
func (h *Host) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// HandleMessage processes one inbound message event. Events from other origins are dropped
// before their data is looked at; malformed envelopes are dropped with a warning.
func (h *Host) HandleMessage(ev frame.MessageEvent) {
	if !h.guard.Accept(ev.Origin) {
		return
	}
	env, err := envelope.Decode(ev.Data)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Dropping message from %s: %v", logPrefix, ev.Origin, err))
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	changes := h.routeLocked(env)
	h.mu.Unlock()
	h.notify(changes...)
}

// FrameLoaded handles a (re)load of the child frame. The child's state is gone, so the
// session returns to UNINITIALIZED and everything still pending fails with ErrFrameReloaded.
// A grant INIT waiting for the load is dispatched afterwards.
func (h *Host) FrameLoaded(at time.Time) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	slog.Info(fmt.Sprintf("%s - Frame %s loaded at %s", logPrefix, h.frameID, at.UTC().Format(time.RFC3339)))
	h.resetLocked(ErrFrameReloaded)
	h.state.lastLoadedAt = at
	changes := []*change{h.changeLocked([]string{"phase", "mode", "lastLoadedAt"}, "", "")}

	if h.deferredGrant != nil {
		cmd := *h.deferredGrant
		h.deferredGrant = nil
		if _, ch, err := h.dispatchLocked(cmd, "", cmd.TracerPrefix()); err != nil {
			slog.Warn(fmt.Sprintf("%s - Deferred grant init not sent: %v", logPrefix, err))
		} else {
			changes = append(changes, ch)
		}
	}
	h.mu.Unlock()
	h.notify(changes...)
}

// Reset returns the session to UNINITIALIZED and zeroes the attempt counter.
func (h *Host) Reset() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.resetLocked(ErrFrameReloaded)
	h.state.attempts = 0
	ch := h.changeLocked([]string{"phase", "mode", "attempts"}, "", "")
	h.mu.Unlock()
	slog.Info(fmt.Sprintf("%s - Session %s reset", logPrefix, h.sessionID))
	h.notify(ch)
}

// Close fails everything pending with ErrClosed and stops timers. Later events are ignored.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.generation++
	h.stopRetryLocked()
	h.failPendingLocked(ErrClosed)
	h.deferredGrant = nil
}

// Dispatch posts cmd to the child and returns its tracer. An empty tracer is synthesised as
// "{type}-{unixMillis}". Nothing is posted when the frame is unavailable
// (frame.ErrFrameUnavailable) or when a non-INIT command is sent before the child is ready
// (ErrNotReady).
func (h *Host) Dispatch(cmd Command, tracer string) (string, error) {
	h.mu.Lock()
	tracer, ch, err := h.dispatchLocked(cmd, tracer, "")
	h.mu.Unlock()
	h.notify(ch)
	return tracer, err
}

// Await blocks until the call with tracer resolves or ctx is done. The result's Err (also
// returned) is a *ProtocolError for failed or timed-out commands, or ErrFrameReloaded,
// ErrSuperseded or ErrClosed.
func (h *Host) Await(ctx context.Context, tracer string) (Result, error) {
	h.mu.Lock()
	p, ok := h.pending[tracer]
	if !ok {
		p, ok = h.settled[tracer]
	}
	h.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%s - no call with tracer %q", logPrefix, tracer)
	}

	select {
	case <-p.done:
		return p.result, p.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *Host) send(cmd Command) (string, error) {
	h.mu.Lock()
	tracer, ch, err := h.dispatchLocked(cmd, "", cmd.TracerPrefix())
	h.mu.Unlock()
	h.notify(ch)
	return tracer, err
}

func (h *Host) dispatchLocked(cmd Command, tracer, prefix string) (string, *change, error) {
	if h.closed {
		return "", nil, ErrClosed
	}
	if err := validateCommand(cmd); err != nil {
		return "", nil, err
	}
	if requiresReady(cmd) && h.state.phase != PhaseReady {
		slog.Warn(fmt.Sprintf("%s - Cannot send %s: child not ready (phase %s)", logPrefix, cmd.MessageType(), h.state.phase))
		return "", nil, NewProtocolError(KindNotReady,
			fmt.Sprintf("cannot send %s while %s", cmd.MessageType(), h.state.phase), tracer)
	}
	if h.frame == nil {
		slog.Warn(fmt.Sprintf("%s - Frame not ready, dropping %s", logPrefix, cmd.MessageType()))
		return "", nil, fmt.Errorf("%s - %s: %w", logPrefix, cmd.MessageType(), frame.ErrFrameUnavailable)
	}

	if tracer == "" {
		if prefix == "" {
			prefix = string(cmd.MessageType())
		}
		tracer = h.uniqueTracerLocked(prefix)
	} else if h.tracerInUseLocked(tracer) {
		// A settled or superseded tracer would make the child's answer ambiguous.
		return "", nil, fmt.Errorf("%w: tracer %q is already in use", ErrInvalidCommand, tracer)
	}

	env, err := envelope.Encode(cmd.MessageType(), cmd.Data(), tracer)
	if err != nil {
		return "", nil, err
	}
	raw, err := env.Marshal()
	if err != nil {
		return "", nil, fmt.Errorf("%s - failed to marshal %s: %w", logPrefix, cmd.MessageType(), err)
	}
	if err := h.frame.PostMessage(raw, h.config.ChildOrigin); err != nil {
		slog.Warn(fmt.Sprintf("%s - Failed to post %s: %v", logPrefix, cmd.MessageType(), err))
		return "", nil, fmt.Errorf("%s - failed to post %s: %w", logPrefix, cmd.MessageType(), err)
	}
	slog.Info(fmt.Sprintf("%s - Sent %s to %s (tracer %s)", logPrefix, cmd.MessageType(), h.config.ChildOrigin, tracer))

	h.registerLocked(cmd, tracer)
	if init, ok := cmd.(InitCommand); ok {
		return tracer, h.beginInitLocked(init, tracer), nil
	}
	return tracer, nil, nil
}

func (h *Host) beginInitLocked(cmd InitCommand, tracer string) *change {
	if h.initTracer != "" && h.initTracer != tracer {
		h.markStaleLocked(h.initTracer)
		if p, ok := h.pending[h.initTracer]; ok {
			h.resolveLocked(p, Result{Type: envelope.TypeInitResponse, Tracer: p.tracer, Err: ErrSuperseded})
		}
	}
	h.stopRetryLocked()
	h.initTracer = tracer
	h.lastInit = &cmd
	h.lifetimeAttempts++
	h.state.attempts++
	h.state.phase = PhaseInitializing
	h.state.mode = cmd.Mode
	h.state.init = nil
	return h.changeLocked([]string{"phase", "mode", "attempts"}, tracer, "")
}

func (h *Host) registerLocked(cmd Command, tracer string) {
	p := &pendingCall{tracer: tracer, msgType: cmd.MessageType(), done: make(chan struct{})}
	if rc, ok := cmd.(RestCommand); ok {
		p.action = rc.Action
	}
	if h.config.ResponseTimeout > 0 {
		p.timer = time.AfterFunc(h.config.ResponseTimeout, func() { h.expire(p) })
	}
	h.pending[tracer] = p
}

// resolveLocked settles p once and keeps it around briefly for late Await calls.
func (h *Host) resolveLocked(p *pendingCall, res Result) {
	if h.pending[p.tracer] != p {
		return
	}
	delete(h.pending, p.tracer)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.result = res
	close(p.done)

	h.settled[p.tracer] = p
	h.settledOrder = append(h.settledOrder, p.tracer)
	if len(h.settledOrder) > settledLimit {
		delete(h.settled, h.settledOrder[0])
		h.settledOrder = h.settledOrder[1:]
	}
}

func (h *Host) failPendingLocked(err error) {
	for _, p := range h.pending {
		respType, _ := p.msgType.ResponseType()
		if p.msgType == envelope.TypeInit {
			h.markStaleLocked(p.tracer)
		}
		h.resolveLocked(p, Result{Type: respType, Tracer: p.tracer, Err: err})
	}
}

// expire fails p when no response arrived in time. A timed-out INIT fails the session.
func (h *Host) expire(p *pendingCall) {
	h.mu.Lock()
	if h.pending[p.tracer] != p {
		h.mu.Unlock()
		return
	}
	respType, _ := p.msgType.ResponseType()
	perr := NewProtocolError(KindTimeout,
		fmt.Sprintf("no %s within %s", respType, h.config.ResponseTimeout), p.tracer)
	slog.Warn(fmt.Sprintf("%s - %v", logPrefix, perr))
	h.resolveLocked(p, Result{Type: respType, Tracer: p.tracer, Err: perr})

	var ch *change
	if p.msgType == envelope.TypeInit && p.tracer == h.initTracer && h.state.phase == PhaseInitializing {
		h.state.phase = PhaseFailed
		h.state.init = &InitResult{Error: perr.Message, Kind: KindTimeout, Tracer: p.tracer, At: h.now()}
		ch = h.changeLocked([]string{"phase", "init"}, p.tracer, perr.Message)
		h.scheduleRetryLocked()
	}
	h.mu.Unlock()
	h.notify(ch)
}

func (h *Host) scheduleRetryLocked() {
	r := h.config.InitRetry
	if r.MaxAttempts <= 0 || h.lastInit == nil || h.lifetimeAttempts >= r.MaxAttempts {
		return
	}
	h.stopRetryLocked()
	gen := h.generation
	cmd := *h.lastInit
	slog.Info(fmt.Sprintf("%s - Retrying init in %s (attempt %d of %d)", logPrefix, r.Delay, h.lifetimeAttempts+1, r.MaxAttempts))
	h.retryTimer = time.AfterFunc(r.Delay, func() { h.retryInit(gen, cmd) })
}

func (h *Host) retryInit(gen uint64, cmd InitCommand) {
	h.mu.Lock()
	if h.closed || gen != h.generation || h.state.phase != PhaseFailed {
		h.mu.Unlock()
		return
	}
	h.retryTimer = nil
	_, ch, err := h.dispatchLocked(cmd, "", cmd.TracerPrefix())
	h.mu.Unlock()
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Init retry not sent: %v", logPrefix, err))
	}
	h.notify(ch)
}

func (h *Host) stopRetryLocked() {
	if h.retryTimer != nil {
		h.retryTimer.Stop()
		h.retryTimer = nil
	}
}

// resetLocked starts a new frame lifetime. Attempts and lastLoadedAt are left to callers.
func (h *Host) resetLocked(pendingErr error) {
	h.generation++
	h.stopRetryLocked()
	if h.initTracer != "" {
		h.markStaleLocked(h.initTracer)
	}
	h.failPendingLocked(pendingErr)
	h.initTracer = ""
	h.lastInit = nil
	h.lifetimeAttempts = 0
	h.state = sessionState{
		phase:        PhaseUninitialized,
		mode:         ModeNone,
		attempts:     h.state.attempts,
		lastLoadedAt: h.state.lastLoadedAt,
	}
}

func (h *Host) markStaleLocked(tracer string) {
	if len(h.staleInit) >= staleInitLimit {
		h.staleInit = make(map[string]bool)
	}
	h.staleInit[tracer] = true
}

func (h *Host) uniqueTracerLocked(prefix string) string {
	base := envelope.NewTracer(prefix, h.now())
	tracer := base
	for i := 2; h.tracerInUseLocked(tracer); i++ {
		tracer = base + "-" + strconv.Itoa(i)
	}
	return tracer
}

func (h *Host) tracerInUseLocked(tracer string) bool {
	if _, ok := h.pending[tracer]; ok {
		return true
	}
	if _, ok := h.settled[tracer]; ok {
		return true
	}
	return h.staleInit[tracer]
}

func (h *Host) changeLocked(fields []string, tracer, errMsg string) *change {
	h.seq++
	return &change{snap: h.snapshotLocked(), fields: fields, tracer: tracer, errMsg: errMsg}
}

func (h *Host) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:     h.sessionID,
		FrameID:       h.frameID,
		Seq:           h.seq,
		Phase:         h.state.phase,
		Mode:          h.state.mode,
		Attempts:      h.state.attempts,
		LastLoadedAt:  h.state.lastLoadedAt,
		LastHeartbeat: h.state.lastHeartbeat,
		Init:          clonePtr(h.state.init),
		About:         clonePtr(h.state.about),
		AuthToken:     clonePtr(h.state.token),
		LastCommand:   clonePtr(h.state.lastCommand),
		LastFile:      clonePtr(h.state.lastFile),
		LastFolder:    clonePtr(h.state.lastFolder),
		Pending:       len(h.pending),
	}
}

// notify publishes and persists changes. It runs outside the lock.
func (h *Host) notify(changes ...*change) {
	for _, c := range changes {
		if c == nil {
			continue
		}
		ev := &events.SessionChangedEvent{
			SessionID:     c.snap.SessionID,
			FrameID:       c.snap.FrameID,
			Phase:         string(c.snap.Phase),
			Mode:          string(c.snap.Mode),
			Attempts:      c.snap.Attempts,
			ChangedFields: c.fields,
			Tracer:        c.tracer,
			Error:         c.errMsg,
			Timestamp:     h.now().UTC().Format(time.RFC3339Nano),
		}
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := h.publisher.PublishChanged(ctx, ev); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to publish session change: %v", logPrefix, err))
		}
		if err := h.store.SaveSnapshot(ctx, c.snap); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn(fmt.Sprintf("%s - Failed to save session snapshot: %v", logPrefix, err))
		}
		cancel()
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
