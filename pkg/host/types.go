package host

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/officexapp/iframe-host/pkg/envelope"
)

// Phase is where the child session is in its lifecycle.
type Phase string

const (
	PhaseUninitialized Phase = "UNINITIALIZED"
	PhaseInitializing  Phase = "INITIALIZING"
	PhaseReady         Phase = "READY"
	PhaseFailed        Phase = "FAILED"
)

// Mode is the initialization strategy that produced the current session.
type Mode string

const (
	ModeNone          Mode = "NONE"
	ModeEphemeral     Mode = "EPHEMERAL"
	ModeInjected      Mode = "INJECTED"
	ModeGrantExisting Mode = "GRANT_EXISTING"
)

// ResourceKind discriminates directory action results.
type ResourceKind string

const (
	ResourceFile   ResourceKind = "FILE"
	ResourceFolder ResourceKind = "FOLDER"
)

const redacted = "<redacted>"

// EphemeralConfig seeds a deterministic organization/profile identity inside the child.
// The entropy values are secrets.
type EphemeralConfig struct {
	OrgEntropy     string `json:"org_entropy"`
	ProfileEntropy string `json:"profile_entropy"`
	OrgName        string `json:"org_name"`
	ProfileName    string `json:"profile_name"`
}

func (c EphemeralConfig) String() string {
	return fmt.Sprintf("EphemeralConfig{org_name=%q profile_name=%q org_entropy=%s profile_entropy=%s}",
		c.OrgName, c.ProfileName, redacted, redacted)
}

// LogValue keeps entropy out of structured logs.
func (c EphemeralConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("org_name", c.OrgName),
		slog.String("profile_name", c.ProfileName),
	)
}

// IsZero reports whether no entropy has been set.
func (c EphemeralConfig) IsZero() bool {
	return c.OrgEntropy == "" && c.ProfileEntropy == ""
}

// InjectedConfig binds the child to an existing organization and profile.
type InjectedConfig struct {
	Host        string `json:"host"`
	DriveID     string `json:"drive_id"`
	UserID      string `json:"user_id"`
	OrgName     string `json:"org_name,omitempty"`
	ProfileName string `json:"profile_name,omitempty"`
	APIKeyValue string `json:"api_key_value,omitempty"`
	// RedirectTo is an in-child route, passed through untouched.
	RedirectTo string `json:"redirect_to,omitempty"`
}

func (c InjectedConfig) String() string {
	key := ""
	if c.APIKeyValue != "" {
		key = redacted
	}
	return fmt.Sprintf("InjectedConfig{host=%q drive_id=%q user_id=%q org_name=%q profile_name=%q api_key_value=%s redirect_to=%q}",
		c.Host, c.DriveID, c.UserID, c.OrgName, c.ProfileName, key, c.RedirectTo)
}

// LogValue keeps the API key out of structured logs.
func (c InjectedConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("host", c.Host),
		slog.String("drive_id", c.DriveID),
		slog.String("user_id", c.UserID),
		slog.Bool("has_api_key", c.APIKeyValue != ""),
	)
}

// Validate checks the fields the child needs to bind to an existing identity.
func (c InjectedConfig) Validate() error {
	var missing []string
	if c.Host == "" {
		missing = append(missing, "host")
	}
	if c.DriveID == "" {
		missing = append(missing, "drive_id")
	}
	if c.UserID == "" {
		missing = append(missing, "user_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields %v", missing)
	}
	return nil
}

// GrantCredentials come back from the provider-hosted authorization page as query
// parameters.
type GrantCredentials struct {
	APIKeyValue string
	UserID      string
	DriveID     string
	Host        string
	Tracer      string
}

func (g GrantCredentials) String() string {
	return fmt.Sprintf("GrantCredentials{user_id=%q drive_id=%q host=%q tracer=%q api_key_value=%s}",
		g.UserID, g.DriveID, g.Host, g.Tracer, redacted)
}

// AboutDescriptor is what the child reports about its current organization and profile.
type AboutDescriptor struct {
	OrganizationName string `json:"organization_name"`
	DriveID          string `json:"drive_id"`
	UserID           string `json:"user_id"`
	ProfileName      string `json:"profile_name"`
	Host             string `json:"host,omitempty"`
	FrontendDomain   string `json:"frontend_domain,omitempty"`
	FrontendURL      string `json:"frontend_url,omitempty"`
}

// TokenDescriptor carries a bearer token for the child's current profile.
type TokenDescriptor struct {
	DriveID     string `json:"drive_id"`
	UserID      string `json:"user_id"`
	Host        string `json:"host,omitempty"`
	APIKeyValue string `json:"api_key_value"`
	Tracer      string `json:"tracer,omitempty"`
}

func (t TokenDescriptor) String() string {
	return fmt.Sprintf("TokenDescriptor{drive_id=%q user_id=%q host=%q api_key_value=%s}",
		t.DriveID, t.UserID, t.Host, redacted)
}

// LogValue keeps the token out of structured logs.
func (t TokenDescriptor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("drive_id", t.DriveID),
		slog.String("user_id", t.UserID),
		slog.String("host", t.Host),
	)
}

// InitResult records the outcome of the latest applied INIT response.
type InitResult struct {
	Success         bool            `json:"success"`
	Data            json.RawMessage `json:"data,omitempty"`
	Error           string          `json:"error,omitempty"`
	Kind            ErrorKind       `json:"kind,omitempty"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	Tracer          string          `json:"tracer,omitempty"`
	At              time.Time       `json:"at"`
}

// CommandResult records the outcome of a directory action.
type CommandResult struct {
	Success bool            `json:"success"`
	Kind    ResourceKind    `json:"kind,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Tracer  string          `json:"tracer,omitempty"`
	At      time.Time       `json:"at"`
}

// Snapshot is an immutable copy of the host's session state.
type Snapshot struct {
	SessionID string `json:"session_id"`
	FrameID   string `json:"frame_id"`
	// Seq increases with every state change; stores keep the highest.
	Seq           uint64           `json:"seq"`
	Phase         Phase            `json:"phase"`
	Mode          Mode             `json:"mode"`
	Attempts      int              `json:"attempts"`
	LastLoadedAt  time.Time        `json:"last_loaded_at"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	Init          *InitResult      `json:"init,omitempty"`
	About         *AboutDescriptor `json:"about,omitempty"`
	AuthToken     *TokenDescriptor `json:"-"`
	LastCommand   *CommandResult   `json:"last_command,omitempty"`
	LastFile      *CommandResult   `json:"last_file,omitempty"`
	LastFolder    *CommandResult   `json:"last_folder,omitempty"`
	Pending       int              `json:"pending"`
}

// Ready reports whether commands other than INIT may be sent.
func (s Snapshot) Ready() bool {
	return s.Phase == PhaseReady
}

// Result is what a correlated call resolves to.
type Result struct {
	Type   envelope.MessageType `json:"type"`
	Tracer string               `json:"tracer"`
	Data   json.RawMessage      `json:"data,omitempty"`
	// Route is set for navigation responses.
	Route string `json:"route,omitempty"`
	Err   error  `json:"-"`
}
