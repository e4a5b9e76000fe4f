package host

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/officexapp/iframe-host/pkg/envelope"
)

// MaxFileSize is the largest inline upload the child accepts.
const MaxFileSize = 50 * 1024 * 1024

const defaultDownloadName = "downloaded-file"

// Command is one of the closed set of host -> child commands.
type Command interface {
	MessageType() envelope.MessageType
	// Data is the value sent as the envelope's data field.
	Data() interface{}
	// TracerPrefix names tracers the host synthesises for this command.
	TracerPrefix() string
	command()
}

// InitCommand initializes the child with exactly one of Ephemeral or Injected.
type InitCommand struct {
	Mode      Mode
	Ephemeral *EphemeralConfig
	Injected  *InjectedConfig
}

type initPayload struct {
	Ephemeral *EphemeralConfig `json:"ephemeral,omitempty"`
	Injected  *InjectedConfig  `json:"injected,omitempty"`
}

func (c InitCommand) MessageType() envelope.MessageType { return envelope.TypeInit }
func (c InitCommand) Data() interface{} {
	return initPayload{Ephemeral: c.Ephemeral, Injected: c.Injected}
}
func (c InitCommand) TracerPrefix() string {
	switch c.Mode {
	case ModeEphemeral:
		return "init-ephemeral"
	case ModeGrantExisting:
		return "init-grant-existing"
	default:
		return "init-injected"
	}
}
func (InitCommand) command() {}

func (c InitCommand) validate() error {
	if (c.Ephemeral == nil) == (c.Injected == nil) {
		return fmt.Errorf("%w: init needs exactly one of ephemeral or injected", ErrInvalidCommand)
	}
	if c.Ephemeral != nil && c.Mode != ModeEphemeral {
		return fmt.Errorf("%w: ephemeral payload with mode %s", ErrInvalidCommand, c.Mode)
	}
	if c.Injected != nil && c.Mode != ModeInjected && c.Mode != ModeGrantExisting {
		return fmt.Errorf("%w: injected payload with mode %s", ErrInvalidCommand, c.Mode)
	}
	return nil
}

// GoToPageCommand navigates the child to an in-app route.
type GoToPageCommand struct {
	Route string `json:"route"`
}

func (c GoToPageCommand) MessageType() envelope.MessageType { return envelope.TypeGoToPage }
func (c GoToPageCommand) Data() interface{}                 { return c }
func (c GoToPageCommand) TracerPrefix() string              { return "nav" }
func (GoToPageCommand) command()                            {}

// AboutCommand asks the child to describe its current organization and profile.
type AboutCommand struct{}

func (AboutCommand) MessageType() envelope.MessageType { return envelope.TypeAbout }
func (AboutCommand) Data() interface{}                 { return struct{}{} }
func (AboutCommand) TracerPrefix() string              { return "about" }
func (AboutCommand) command()                          {}

// AuthTokenCommand asks the child for a bearer token.
type AuthTokenCommand struct{}

func (AuthTokenCommand) MessageType() envelope.MessageType { return envelope.TypeAuthToken }
func (AuthTokenCommand) Data() interface{}                 { return struct{}{} }
func (AuthTokenCommand) TracerPrefix() string              { return "auth-token" }
func (AuthTokenCommand) command()                          {}

// RestAction names a directory action.
type RestAction string

const (
	ActionCreateFile   RestAction = "CREATE_FILE"
	ActionCreateFolder RestAction = "CREATE_FOLDER"
)

// Kind is the resource the action creates.
func (a RestAction) Kind() ResourceKind {
	if a == ActionCreateFolder {
		return ResourceFolder
	}
	return ResourceFile
}

// Label is a folder label.
type Label struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// CreateFilePayload creates a file from a URL or inline base64 content.
type CreateFilePayload struct {
	Name             string `json:"name"`
	FileSize         *int64 `json:"file_size,omitempty"`
	ExpiresAt        *int64 `json:"expires_at,omitempty"`
	RawURL           string `json:"raw_url,omitempty"`
	Base64           string `json:"base64,omitempty"`
	ParentFolderUUID string `json:"parent_folder_uuid,omitempty"`
}

// Validate checks the payload before it is sent.
func (p CreateFilePayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: file name is required", ErrInvalidCommand)
	}
	if p.RawURL == "" && p.Base64 == "" {
		return fmt.Errorf("%w: one of raw_url or base64 is required", ErrInvalidCommand)
	}
	if p.FileSize != nil && *p.FileSize > MaxFileSize {
		return fmt.Errorf("%w: file size %d exceeds %d bytes", ErrInvalidCommand, *p.FileSize, MaxFileSize)
	}
	return nil
}

// CreateFolderPayload creates a folder.
type CreateFolderPayload struct {
	Name                    string          `json:"name"`
	Labels                  []Label         `json:"labels,omitempty"`
	ExpiresAt               *int64          `json:"expires_at,omitempty"`
	FileConflictResolution  string          `json:"file_conflict_resolution,omitempty"`
	HasSovereignPermissions *bool           `json:"has_sovereign_permissions,omitempty"`
	ShortcutTo              string          `json:"shortcut_to,omitempty"`
	ExternalID              string          `json:"external_id,omitempty"`
	ExternalPayload         json.RawMessage `json:"external_payload,omitempty"`
	ParentFolderUUID        string          `json:"parent_folder_uuid,omitempty"`
}

// Validate checks the payload before it is sent.
func (p CreateFolderPayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: folder name is required", ErrInvalidCommand)
	}
	return nil
}

// RestCommand is a directory action.
type RestCommand struct {
	Action  RestAction  `json:"action"`
	Payload interface{} `json:"payload"`
}

func (c RestCommand) MessageType() envelope.MessageType { return envelope.TypeRestCommand }
func (c RestCommand) Data() interface{}                 { return c }
func (c RestCommand) TracerPrefix() string {
	if c.Action == ActionCreateFolder {
		return "create-folder"
	}
	return "create-file"
}
func (RestCommand) command() {}

func (c RestCommand) validate() error {
	switch p := c.Payload.(type) {
	case CreateFilePayload:
		if c.Action != ActionCreateFile {
			return fmt.Errorf("%w: file payload with action %s", ErrInvalidCommand, c.Action)
		}
		return p.Validate()
	case CreateFolderPayload:
		if c.Action != ActionCreateFolder {
			return fmt.Errorf("%w: folder payload with action %s", ErrInvalidCommand, c.Action)
		}
		return p.Validate()
	default:
		return fmt.Errorf("%w: unsupported payload %T", ErrInvalidCommand, c.Payload)
	}
}

// FileNameFromURL returns the last path segment of rawURL, or "downloaded-file".
func FileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultDownloadName
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return defaultDownloadName
	}
	return name
}

// requiresReady reports whether cmd may only be sent to a ready child.
func requiresReady(cmd Command) bool {
	_, isInit := cmd.(InitCommand)
	return !isInit
}

func validateCommand(cmd Command) error {
	switch c := cmd.(type) {
	case InitCommand:
		return c.validate()
	case RestCommand:
		return c.validate()
	case GoToPageCommand, AboutCommand, AuthTokenCommand:
		return nil
	default:
		return fmt.Errorf("%w: unknown command %T", ErrInvalidCommand, cmd)
	}
}
