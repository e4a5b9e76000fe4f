package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/officexapp/iframe-host/internal/config"
	"github.com/officexapp/iframe-host/pkg/dispatcher"
	"github.com/officexapp/iframe-host/pkg/envelope"
	"github.com/officexapp/iframe-host/pkg/frame"
	"github.com/officexapp/iframe-host/pkg/host"
	"github.com/officexapp/iframe-host/pkg/profile"
)

const serverTestPrefix = "server:server_test"

const testChildOrigin = "https://officex.app"

type postLog struct {
	mu   sync.Mutex
	envs []envelope.Envelope
}

func (p *postLog) all() []envelope.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]envelope.Envelope(nil), p.envs...)
}

// testServer returns a Server around a real host whose frame records posts. It has no NATS
// connection and no database.
func testServer(t *testing.T) (*Server, *postLog) {
	t.Helper()
	cfg := &config.Config{
		FrameID:            "demo",
		ChildOrigin:        testChildOrigin,
		HostPublicURL:      "http://localhost:8080",
		DefaultHost:        "https://officex.otterpad.cc",
		ResponseTimeout:    0,
		HealthCheckTimeout: 5 * time.Second,
	}
	out := &postLog{}
	f := frame.NewCallbackFrame(func(data []byte, _ string) error {
		env, err := envelope.Decode(data)
		if err != nil {
			return err
		}
		out.mu.Lock()
		out.envs = append(out.envs, env)
		out.mu.Unlock()
		return nil
	})
	h, err := host.New(host.NewHostParams{SessionID: "s-1", FrameID: cfg.FrameID, Config: HostConfig(cfg), Frame: f})
	if err != nil {
		t.Fatalf("%s - host.New: %v", serverTestPrefix, err)
	}
	t.Cleanup(h.Close)

	prof, err := profile.Resolve(profile.DefaultProfile())
	if err != nil {
		t.Fatalf("%s - profile.Resolve: %v", serverTestPrefix, err)
	}
	return &Server{cfg: cfg, host: h, disp: dispatcher.NewDispatcher(h, prof.Route), prof: prof}, out
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s - decode %q: %v", serverTestPrefix, rec.Body.String(), err)
	}
	return out
}

func childReply(h *host.Host, typ envelope.MessageType, tracer string, data interface{}) {
	env, _ := envelope.Encode(typ, data, tracer)
	raw, _ := env.Marshal()
	h.HandleMessage(frame.MessageEvent{Origin: testChildOrigin, Data: raw})
}

func TestHostConfig(t *testing.T) {
	cfg := &config.Config{
		ChildOrigin:             "https://officex.app",
		ResponseTimeout:         0,
		InitRetryMaxAttempts:    3,
		InitRetryDelay:          time.Second,
		ChildProtocolConstraint: "^1.0.0",
		DefaultHost:             "https://officex.otterpad.cc",
	}
	hc := HostConfig(cfg)
	if hc.ChildOrigin != "https://officex.app" || hc.DevModeBypass {
		t.Errorf("%s - origin mapping = %q bypass=%v", serverTestPrefix, hc.ChildOrigin, hc.DevModeBypass)
	}
	if hc.ResponseTimeout >= 0 {
		t.Errorf("%s - zero RESPONSE_TIMEOUT should disable timeouts, got %v", serverTestPrefix, hc.ResponseTimeout)
	}
	if hc.InitRetry.MaxAttempts != 3 || hc.InitRetry.Delay != time.Second {
		t.Errorf("%s - retry = %+v", serverTestPrefix, hc.InitRetry)
	}
	if hc.ProtocolConstraint != "^1.0.0" || hc.DefaultHost != "https://officex.otterpad.cc" {
		t.Errorf("%s - constraint/default host = %q %q", serverTestPrefix, hc.ProtocolConstraint, hc.DefaultHost)
	}
	if !hc.DeferGrantUntilLoad {
		t.Errorf("%s - grant INIT should wait for the reload", serverTestPrefix)
	}

	cfg.LocalDevMode = true
	cfg.ResponseTimeout = 10 * time.Second
	hc = HostConfig(cfg)
	if hc.ChildOrigin != config.LocalDevChildOrigin || !hc.DevModeBypass {
		t.Errorf("%s - local dev mapping = %q bypass=%v", serverTestPrefix, hc.ChildOrigin, hc.DevModeBypass)
	}
	if hc.ResponseTimeout != 10*time.Second {
		t.Errorf("%s - ResponseTimeout = %v", serverTestPrefix, hc.ResponseTimeout)
	}
}

func TestHandleHealth_NoComms(t *testing.T) {
	s, _ := testServer(t)
	rec := serve(s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("%s - status = %d, want 503", serverTestPrefix, rec.Code)
	}
	out := decodeResponse(t, rec)
	if out["status"] != "unhealthy" || out["session_id"] != "s-1" || out["phase"] != "UNINITIALIZED" {
		t.Errorf("%s - health = %v", serverTestPrefix, out)
	}
	checks := out["checks"].(map[string]interface{})
	if checks["comms"] != false {
		t.Errorf("%s - comms check = %v", serverTestPrefix, checks["comms"])
	}
	if _, ok := checks["database"]; ok {
		t.Errorf("%s - database check without a database", serverTestPrefix)
	}
}

func TestHandleReady(t *testing.T) {
	s, _ := testServer(t)
	rec := serve(s, http.MethodGet, "/ready", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d", serverTestPrefix, rec.Code)
	}
	out := decodeResponse(t, rec)
	if out["status"] != "ready" || out["child_ready"] != false {
		t.Errorf("%s - ready = %v", serverTestPrefix, out)
	}
}

func TestHandleHome(t *testing.T) {
	s, _ := testServer(t)
	rec := serve(s, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d", serverTestPrefix, rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"s-1", "UNINITIALIZED", testChildOrigin + s.prof.FramePath(), "org/current/settings", "/grant/start"} {
		if !strings.Contains(body, want) {
			t.Errorf("%s - home page missing %q", serverTestPrefix, want)
		}
	}
	eph := s.prof.Ephemeral()
	if strings.Contains(body, eph.OrgEntropy) || strings.Contains(body, eph.ProfileEntropy) {
		t.Errorf("%s - home page leaks entropy", serverTestPrefix)
	}

	if rec := serve(s, http.MethodGet, "/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("%s - /missing status = %d", serverTestPrefix, rec.Code)
	}
}

func TestHandleHome_GrantCallback(t *testing.T) {
	s, out := testServer(t)
	s.host.FrameLoaded(time.Now())

	target := "/?view=files&api_key_value=key-1&user_id=UserID_1&drive_id=DriveID_1&tracer=grant-1"
	rec := serve(s, http.MethodGet, target, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("%s - status = %d, want 303", serverTestPrefix, rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/?view=files" {
		t.Errorf("%s - Location = %q, want /?view=files", serverTestPrefix, loc)
	}
	if len(out.all()) != 0 {
		t.Fatalf("%s - grant INIT must wait for the reload", serverTestPrefix)
	}

	s.host.FrameLoaded(time.Now())
	envs := out.all()
	if len(envs) != 1 || envs[0].Type != envelope.TypeInit || !strings.HasPrefix(envs[0].Tracer, "init-grant-existing") {
		t.Fatalf("%s - posts after reload = %+v", serverTestPrefix, envs)
	}
	var payload struct {
		Injected host.InjectedConfig `json:"injected"`
	}
	if err := json.Unmarshal(envs[0].Data, &payload); err != nil {
		t.Fatalf("%s - decode init: %v", serverTestPrefix, err)
	}
	if payload.Injected.Host != "https://officex.otterpad.cc" || payload.Injected.DriveID != "DriveID_1" {
		t.Errorf("%s - injected = %s", serverTestPrefix, payload.Injected)
	}
	if s.host.Snapshot().Mode != host.ModeGrantExisting {
		t.Errorf("%s - mode = %s", serverTestPrefix, s.host.Snapshot().Mode)
	}

	// A replayed callback is stripped and redirected without another INIT.
	rec = serve(s, http.MethodGet, target, "")
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/?view=files" {
		t.Errorf("%s - replay = %d %q", serverTestPrefix, rec.Code, rec.Header().Get("Location"))
	}
	s.host.FrameLoaded(time.Now())
	if len(out.all()) != 1 {
		t.Errorf("%s - replayed grant sent another INIT", serverTestPrefix)
	}
}

func TestHandleHome_IncompleteGrant(t *testing.T) {
	s, out := testServer(t)
	s.host.FrameLoaded(time.Now())
	rec := serve(s, http.MethodGet, "/?api_key_value=key-1", "")
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
		t.Errorf("%s - incomplete grant = %d %q", serverTestPrefix, rec.Code, rec.Header().Get("Location"))
	}
	s.host.FrameLoaded(time.Now())
	if len(out.all()) != 0 {
		t.Errorf("%s - incomplete grant must not send INIT", serverTestPrefix)
	}
}

func TestHandleGrantStart(t *testing.T) {
	s, _ := testServer(t)
	rec := serve(s, http.MethodGet, "/grant/start?tracer=grant-7", "")
	if rec.Code != http.StatusFound {
		t.Fatalf("%s - status = %d", serverTestPrefix, rec.Code)
	}
	want := "https://officex.app/org/current/grant-agentic-key?redirect_url=http%3A%2F%2Flocalhost%3A8080%2F&tracer=grant-7"
	if loc := rec.Header().Get("Location"); loc != want {
		t.Errorf("%s - Location = %q, want %q", serverTestPrefix, loc, want)
	}
}

func TestHandleAPI_Session(t *testing.T) {
	s, _ := testServer(t)
	rec := serve(s, http.MethodGet, "/api/session", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d", serverTestPrefix, rec.Code)
	}
	out := decodeResponse(t, rec)
	result := out["result"].(map[string]interface{})
	if result["session_id"] != "s-1" || result["phase"] != "UNINITIALIZED" {
		t.Errorf("%s - session = %v", serverTestPrefix, result)
	}

	if rec := serve(s, http.MethodPost, "/api/session", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("%s - POST /api/session = %d", serverTestPrefix, rec.Code)
	}
	if rec := serve(s, http.MethodGet, "/api/about", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("%s - GET /api/about = %d", serverTestPrefix, rec.Code)
	}
}

func TestHandleAPI_Errors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   string
		status int
		code   string
	}{
		{"unknown path", "/api/nope", "", http.StatusNotFound, dispatcher.CodeMethodNotFound},
		{"not ready", "/api/about", "", http.StatusConflict, string(host.KindNotReady)},
		{"bad wait", "/api/about?wait=maybe", "", http.StatusBadRequest, dispatcher.CodeInvalidArgument},
		{"bad timeout", "/api/about?timeout_ms=-1", "", http.StatusBadRequest, dispatcher.CodeInvalidArgument},
		{"navigate without route", "/api/navigate", `{}`, http.StatusBadRequest, dispatcher.CodeInvalidArgument},
		{"injected missing fields", "/api/init/injected", `{"host":"https://officex.otterpad.cc"}`, http.StatusBadRequest, string(host.KindInvalidConfig)},
	}
	s, _ := testServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(s, http.MethodPost, tt.target, tt.body)
			if rec.Code != tt.status {
				t.Errorf("%s - status = %d, want %d (%s)", serverTestPrefix, rec.Code, tt.status, rec.Body.String())
			}
			out := decodeResponse(t, rec)
			errObj, _ := out["error"].(map[string]interface{})
			if errObj == nil || errObj["code"] != tt.code {
				t.Errorf("%s - error = %v, want code %s", serverTestPrefix, out["error"], tt.code)
			}
		})
	}
}

func TestHandleAPI_InitAndWait(t *testing.T) {
	s, out := testServer(t)
	s.host.FrameLoaded(time.Now())

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- serve(s, http.MethodPost, "/api/init/ephemeral?wait=true", "") }()

	deadline := time.Now().Add(5 * time.Second)
	for len(out.all()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%s - INIT was not posted", serverTestPrefix)
		}
		time.Sleep(5 * time.Millisecond)
	}
	tracer := out.all()[0].Tracer
	childReply(s.host, envelope.TypeInitResponse, tracer, map[string]interface{}{
		"success": true,
		"data":    map[string]interface{}{"protocol_version": "1.2.0"},
	})

	var rec *httptest.ResponseRecorder
	select {
	case rec = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - waiting request did not return", serverTestPrefix)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d (%s)", serverTestPrefix, rec.Code, rec.Body.String())
	}
	result := decodeResponse(t, rec)["result"].(map[string]interface{})
	if result["tracer"] != tracer || result["type"] != string(envelope.TypeInitResponse) {
		t.Errorf("%s - result = %v", serverTestPrefix, result)
	}
	if !s.host.Snapshot().Ready() {
		t.Errorf("%s - host should be ready", serverTestPrefix)
	}
}

func TestHandleAPI_GrantURLDefaultsRedirect(t *testing.T) {
	s, _ := testServer(t)
	rec := serve(s, http.MethodPost, "/api/grant-url", `{"tracer":"grant-2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d (%s)", serverTestPrefix, rec.Code, rec.Body.String())
	}
	result := decodeResponse(t, rec)["result"].(map[string]interface{})
	want := "https://officex.app/org/current/grant-agentic-key?redirect_url=http%3A%2F%2Flocalhost%3A8080%2F&tracer=grant-2"
	if result["url"] != want || result["tracer"] != "grant-2" {
		t.Errorf("%s - result = %v", serverTestPrefix, result)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{dispatcher.CodeMethodNotFound, http.StatusNotFound},
		{dispatcher.CodeInvalidArgument, http.StatusBadRequest},
		{string(host.KindInvalidConfig), http.StatusBadRequest},
		{string(host.KindNotReady), http.StatusConflict},
		{dispatcher.CodeGrantReplayed, http.StatusConflict},
		{string(host.KindTimeout), http.StatusGatewayTimeout},
		{string(host.KindCommandFailed), http.StatusBadGateway},
		{dispatcher.CodeFrameUnavailable, http.StatusServiceUnavailable},
		{dispatcher.CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		resp := &dispatcher.ControlResponse{Error: &dispatcher.ErrorDetail{Code: tt.code}}
		if got := httpStatus(resp); got != tt.want {
			t.Errorf("%s - httpStatus(%s) = %d, want %d", serverTestPrefix, tt.code, got, tt.want)
		}
	}
	if got := httpStatus(&dispatcher.ControlResponse{Ok: true}); got != http.StatusOK {
		t.Errorf("%s - ok status = %d", serverTestPrefix, got)
	}
}
