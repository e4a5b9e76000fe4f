package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/officexapp/iframe-host/pkg/db"
	"github.com/officexapp/iframe-host/pkg/dispatcher"
	"github.com/officexapp/iframe-host/pkg/host"
)

const (
	handlersLogPrefix = "server:handlers"
	maxAPIBodyBytes   = 1 << 20
	recentSessions    = 20
)

// apiMethods maps /api/ paths to control methods.
var apiMethods = map[string]string{
	"session":        "session",
	"init/ephemeral": "init.ephemeral",
	"init/injected":  "init.injected",
	"navigate":       "navigate",
	"about":          "about",
	"auth-token":     "authToken",
	"files":          "createFile",
	"folders":        "createFolder",
	"await":          "await",
	"grant-url":      "grantUrl",
	"reset":          "reset",
}

// HealthOutput is the /health response body.
type HealthOutput struct {
	Status    string          `json:"status"`
	Timestamp string          `json:"timestamp"`
	Checks    map[string]bool `json:"checks"`
	SessionID string          `json:"session_id"`
	Phase     host.Phase      `json:"phase"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/grant/start", s.handleGrantStart())
	mux.HandleFunc("/api/", s.handleAPI())
	mux.HandleFunc("/health", s.handleHealth())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":      "ready",
			"child_ready": s.host.Snapshot().Ready(),
		})
	})
	return mux
}

// health checks NATS and, when configured, the database.
func (s *Server) health(ctx context.Context) *HealthOutput {
	out := &HealthOutput{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    map[string]bool{"comms": s.nc != nil && s.nc.IsConnected()},
		SessionID: s.host.SessionID(),
		Phase:     s.host.Snapshot().Phase,
	}
	if s.pool != nil {
		out.Checks["database"] = s.pool.Ping(ctx) == nil
	}
	for _, ok := range out.Checks {
		if !ok {
			out.Status = "unhealthy"
		}
	}
	return out
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()
		h := s.health(ctx)
		status := http.StatusOK
		if h.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	}
}

// grantRedirectURL is where the authorization page sends the user back to.
func (s *Server) grantRedirectURL() string {
	return strings.TrimSuffix(s.cfg.HostPublicURL, "/") + "/"
}

// handleGrantStart sends the browser to the provider-hosted authorization page.
func (s *Server) handleGrantStart() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, tracer := s.host.GrantURL(r.URL.Query().Get("tracer"), s.grantRedirectURL())
		slog.Info(fmt.Sprintf("%s - Starting grant flow (tracer %s)", handlersLogPrefix, tracer))
		http.Redirect(w, r, u, http.StatusFound)
	}
}

// consumeGrant takes grant credentials off the callback URL and always redirects to the
// same page without them.
func (s *Server) consumeGrant(w http.ResponseWriter, r *http.Request) {
	out, err := s.host.ConsumeGrant(r.Context(), r.URL)
	if err != nil && !errors.Is(err, host.ErrGrantReplayed) && !errors.Is(err, host.ErrIncompleteGrant) {
		slog.Error(fmt.Sprintf("%s - Grant callback failed: %v", handlersLogPrefix, err))
	}
	http.Redirect(w, r, out.CleanURL.RequestURI(), http.StatusSeeOther)
}

// handleAPI serves the control methods over HTTP. The request body is the method's params;
// ?wait=true waits for the child's answer and ?timeout_ms bounds that wait.
func (s *Server) handleAPI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/"), "/")
		method, ok := apiMethods[name]
		if !ok {
			writeJSON(w, http.StatusNotFound, errorBody(dispatcher.CodeMethodNotFound, fmt.Sprintf("Unknown API path: %s", name)))
			return
		}
		if method == "session" {
			if r.Method != http.MethodGet {
				writeJSON(w, http.StatusMethodNotAllowed, errorBody(dispatcher.CodeInvalidArgument, "use GET"))
				return
			}
		} else if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorBody(dispatcher.CodeInvalidArgument, "use POST"))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAPIBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(dispatcher.CodeInvalidArgument, "Failed to read request body"))
			return
		}
		req := &dispatcher.ControlRequest{ID: r.Header.Get("X-Request-Id"), Method: method}
		if len(strings.TrimSpace(string(body))) > 0 {
			req.Params = body
		}
		if method == "grantUrl" {
			if req.Params, err = s.withGrantRedirect(req.Params); err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody(dispatcher.CodeInvalidArgument, "Failed to parse grantUrl params"))
				return
			}
		}
		req.Ctx, err = invocationContext(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(dispatcher.CodeInvalidArgument, err.Error()))
			return
		}

		ctx := r.Context()
		if timeout := controlTimeout(s.cfg); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		resp := s.disp.Dispatch(ctx, req)
		writeJSON(w, httpStatus(resp), resp)
	}
}

// withGrantRedirect fills redirect_url with this server's callback when it is missing.
func (s *Server) withGrantRedirect(params json.RawMessage) (json.RawMessage, error) {
	var input dispatcher.GrantURLParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return nil, err
		}
	}
	if input.RedirectURL == "" {
		input.RedirectURL = s.grantRedirectURL()
	}
	return json.Marshal(input)
}

func invocationContext(r *http.Request) (*dispatcher.InvocationContext, error) {
	q := r.URL.Query()
	ictx := &dispatcher.InvocationContext{RequestID: r.Header.Get("X-Request-Id")}
	if v := q.Get("wait"); v != "" {
		wait, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("wait must be a boolean")
		}
		ictx.Wait = wait
	}
	if v := q.Get("timeout_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("timeout_ms must be a non-negative integer")
		}
		ictx.TimeoutMs = ms
	}
	return ictx, nil
}

// httpStatus maps a control response onto an HTTP status code.
func httpStatus(resp *dispatcher.ControlResponse) int {
	if resp.Ok {
		return http.StatusOK
	}
	if resp.Error == nil {
		return http.StatusInternalServerError
	}
	switch resp.Error.Code {
	case dispatcher.CodeMethodNotFound:
		return http.StatusNotFound
	case dispatcher.CodeInvalidArgument, dispatcher.CodeIncompleteGrant, string(host.KindInvalidConfig):
		return http.StatusBadRequest
	case string(host.KindNotReady), dispatcher.CodeFrameReloaded, dispatcher.CodeSuperseded, dispatcher.CodeGrantReplayed:
		return http.StatusConflict
	case string(host.KindTimeout):
		return http.StatusGatewayTimeout
	case string(host.KindCommandFailed), string(host.KindInitializationFailed):
		return http.StatusBadGateway
	case dispatcher.CodeFrameUnavailable, dispatcher.CodeClosed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorBody(code, message string) *dispatcher.ControlResponse {
	return &dispatcher.ControlResponse{Ok: false, Error: &dispatcher.ErrorDetail{Code: code, Message: message}}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - json encode: %v", handlersLogPrefix, err))
	}
}

// homePageTemplate is the HTML for the host status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>OfficeX Host</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2, h3 { color: #0066cc; }
    .status-healthy, .phase-READY { color: #0066cc; font-weight: bold; }
    .status-unhealthy, .phase-FAILED { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; vertical-align: top; }
    th { background: #f0f4f8; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
    pre { background: #f5f5f5; padding: 0.75rem; overflow-x: auto; font-size: 0.85rem; border: 1px solid #eee; }
    iframe { width: 100%; max-width: 1200px; height: 640px; border: 1px solid #ccc; }
    .btn { display: inline-block; padding: 0.5rem 1rem; background: #0066cc; color: #fff; text-decoration: none; border-radius: 4px; }
  </style>
</head>
<body>
  <h1>OfficeX Host</h1>
  <p class="meta">Frame {{.Session.FrameID}}, profile {{.Profile}}, child origin {{.ChildOrigin}}.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>NATS: {{if index .Health.Checks "comms"}}OK{{else}}<span class="error">Disconnected</span>{{end}}</p>
    {{if .HasDatabase}}<p>Database: {{if index .Health.Checks "database"}}OK{{else}}<span class="error">Failed</span>{{end}}</p>{{end}}
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Session</h2>
    <table>
      <tr><th>Session</th><td>{{.Session.SessionID}}</td></tr>
      <tr><th>Phase</th><td><span class="phase-{{.Session.Phase}}">{{.Session.Phase}}</span></td></tr>
      <tr><th>Mode</th><td>{{.Session.Mode}}</td></tr>
      <tr><th>Init attempts</th><td>{{.Session.Attempts}}</td></tr>
      <tr><th>Pending calls</th><td>{{.Session.Pending}}</td></tr>
      <tr><th>Last frame load</th><td>{{if not .Session.LastLoadedAt.IsZero}}{{.Session.LastLoadedAt.Format "2006-01-02 15:04:05"}}{{else}}never{{end}}</td></tr>
      <tr><th>Last heartbeat</th><td>{{if not .Session.LastHeartbeat.IsZero}}{{.Session.LastHeartbeat.Format "2006-01-02 15:04:05"}}{{else}}never{{end}}</td></tr>
      {{with .Session.Init}}<tr><th>Init</th><td>{{if .Success}}ok{{else}}<span class="error">{{.Error}}</span>{{end}} (tracer {{.Tracer}}{{if .ProtocolVersion}}, protocol {{.ProtocolVersion}}{{end}})</td></tr>{{end}}
      {{with .Session.About}}<tr><th>Organization</th><td>{{.OrganizationName}} ({{.DriveID}})</td></tr><tr><th>Profile</th><td>{{.ProfileName}} ({{.UserID}})</td></tr>{{end}}
      <tr><th>Auth token</th><td>{{if .HasToken}}received{{else}}none{{end}}</td></tr>
      {{with .Session.LastFile}}<tr><th>Last file</th><td>{{if .Success}}ok{{else}}<span class="error">{{.Error}}</span>{{end}} (tracer {{.Tracer}})</td></tr>{{end}}
      {{with .Session.LastFolder}}<tr><th>Last folder</th><td>{{if .Success}}ok{{else}}<span class="error">{{.Error}}</span>{{end}} (tracer {{.Tracer}})</td></tr>{{end}}
    </table>
    <p><a href="/grant/start" class="btn">Use an existing OfficeX account</a></p>
  </section>

  <section>
    <h2>Child</h2>
    <iframe src="{{.FrameSrc}}" title="OfficeX" allow="clipboard-read; clipboard-write"></iframe>
  </section>

  <section>
    <h2>Routes</h2>
    {{if not .Routes}}<p>No named routes.</p>{{else}}
    <table>
      <thead><tr><th>Name</th><th>Route</th></tr></thead>
      <tbody>{{range .Routes}}<tr><td>{{.Name}}</td><td>{{.Route}}</td></tr>{{end}}</tbody>
    </table>
    {{end}}
    {{if .Injected}}<h3>Injected config</h3><pre>{{.Injected}}</pre>{{end}}
  </section>

  {{if .HasDatabase}}
  <section>
    <h2>Recent sessions</h2>
    {{if .SessionsError}}<p class="error">Could not load sessions: {{.SessionsError}}</p>
    {{else if not .Sessions}}<p>No sessions stored.</p>
    {{else}}
    <table>
      <thead><tr><th>Session</th><th>Frame</th><th>Phase</th><th>Mode</th><th>Attempts</th><th>Modified</th></tr></thead>
      <tbody>
        {{range .Sessions}}
        <tr><td>{{.SessionID}}</td><td>{{.FrameID}}</td><td>{{.Phase}}</td><td>{{.Mode}}</td><td>{{.Attempts}}</td><td>{{.Modified.Format "2006-01-02 15:04:05"}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
  {{end}}
</body>
</html>
`

type routeRow struct {
	Name  string
	Route string
}

// homeData is the data passed to the home page template.
type homeData struct {
	Health        *HealthOutput
	Session       host.Snapshot
	HasToken      bool
	Profile       string
	ChildOrigin   string
	FrameSrc      string
	Routes        []routeRow
	Injected      string
	HasDatabase   bool
	Sessions      []db.SessionRow
	SessionsError string
}

// handleHome serves the status page and receives the grant callback.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if host.HasGrantParams(r.URL.Query()) {
			s.consumeGrant(w, r)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		snap := s.host.Snapshot()
		data := homeData{
			Health:      s.health(ctx),
			Session:     snap,
			HasToken:    snap.AuthToken != nil,
			Profile:     s.prof.Name(),
			ChildOrigin: s.host.ChildOrigin(),
			FrameSrc:    s.host.ChildOrigin() + s.prof.FramePath(),
			Injected:    s.prof.InjectedJSON(),
			HasDatabase: s.repo != nil,
		}
		for _, name := range s.prof.RouteNames() {
			data.Routes = append(data.Routes, routeRow{Name: name, Route: s.prof.Route(name)})
		}
		if s.repo != nil {
			rows, err := s.repo.ListSessions(ctx, recentSessions)
			if err != nil {
				data.SessionsError = err.Error()
			} else {
				data.Sessions = rows
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", handlersLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
