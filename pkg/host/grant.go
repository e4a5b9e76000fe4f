package host

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/officexapp/iframe-host/pkg/frame"
)

const (
	grantLogPrefix     = "host:grant"
	grantedOrgName     = "Granted Org"
	grantedProfileName = "Granted Profile"
)

// Query parameters carried back by the authorization page.
const (
	ParamAPIKeyValue = "api_key_value"
	ParamUserID      = "user_id"
	ParamDriveID     = "drive_id"
	ParamHost        = "host"
	ParamTracer      = "tracer"
)

var grantParams = []string{ParamAPIKeyValue, ParamUserID, ParamDriveID, ParamHost, ParamTracer}

// GrantOutcome describes what ConsumeGrant did.
type GrantOutcome struct {
	// CleanURL is the input URL without grant parameters. It is always set.
	CleanURL *url.URL
	// Found is true when complete, unused credentials were present.
	Found bool
	// Tracer is the INIT tracer when it was dispatched right away.
	Tracer string
	// Deferred is true when the INIT waits for the next frame load.
	Deferred bool
}

// ParseGrant reads grant credentials. ok is false unless api_key_value, user_id and
// drive_id are all present.
func ParseGrant(q url.Values) (GrantCredentials, bool) {
	g := GrantCredentials{
		APIKeyValue: q.Get(ParamAPIKeyValue),
		UserID:      q.Get(ParamUserID),
		DriveID:     q.Get(ParamDriveID),
		Host:        q.Get(ParamHost),
		Tracer:      q.Get(ParamTracer),
	}
	if g.APIKeyValue == "" || g.UserID == "" || g.DriveID == "" {
		return GrantCredentials{}, false
	}
	return g, true
}

// HasGrantParams reports whether any grant parameter is present.
func HasGrantParams(q url.Values) bool {
	for _, p := range grantParams {
		if q.Has(p) {
			return true
		}
	}
	return false
}

// StripGrantParams returns a copy of u without grant parameters. Other parameters are kept.
func StripGrantParams(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	clean := *u
	q := u.Query()
	for _, p := range grantParams {
		q.Del(p)
	}
	clean.RawQuery = q.Encode()
	clean.ForceQuery = false
	return &clean
}

// GrantKey identifies a grant for one-shot consumption without storing the API key.
func GrantKey(g GrantCredentials) string {
	sum := sha256.Sum256([]byte(g.APIKeyValue + "\x00" + g.UserID + "\x00" + g.DriveID + "\x00" + g.Tracer))
	return hex.EncodeToString(sum[:])
}

// ConsumeGrant reads grant credentials from u exactly once and initializes the child with
// them. The INIT carries an injected payload and puts the session in GRANT_EXISTING mode.
// It is sent now when the frame has loaded, otherwise on the next frame load. Callers must
// replace the visible URL with CleanURL whatever the error.
func (h *Host) ConsumeGrant(ctx context.Context, u *url.URL) (GrantOutcome, error) {
	out := GrantOutcome{CleanURL: StripGrantParams(u)}
	if u == nil {
		return out, nil
	}
	q := u.Query()
	creds, ok := ParseGrant(q)
	if !ok {
		if HasGrantParams(q) {
			slog.Warn(fmt.Sprintf("%s - Ignoring incomplete grant on %s", grantLogPrefix, out.CleanURL))
			return out, ErrIncompleteGrant
		}
		return out, nil
	}

	fresh, err := h.store.ConsumeGrant(ctx, GrantKey(creds))
	if err != nil {
		return out, fmt.Errorf("%s - failed to record grant: %w", grantLogPrefix, err)
	}
	if !fresh {
		slog.Warn(fmt.Sprintf("%s - Grant replayed (tracer %s)", grantLogPrefix, creds.Tracer))
		return out, ErrGrantReplayed
	}
	out.Found = true
	slog.Info(fmt.Sprintf("%s - Grant received: %s", grantLogPrefix, creds))

	cmd := h.grantInitCommand(creds)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return out, ErrClosed
	}
	if h.frame == nil || h.state.lastLoadedAt.IsZero() || h.config.DeferGrantUntilLoad {
		h.deferredGrant = &cmd
		h.mu.Unlock()
		out.Deferred = true
		slog.Info(fmt.Sprintf("%s - Grant init waits for the next frame load", grantLogPrefix))
		return out, nil
	}
	tracer, ch, err := h.dispatchLocked(cmd, "", cmd.TracerPrefix())
	if errors.Is(err, frame.ErrFrameUnavailable) {
		h.deferredGrant = &cmd
		out.Deferred = true
		err = nil
	}
	h.mu.Unlock()
	h.notify(ch)
	out.Tracer = tracer
	return out, err
}

func (h *Host) grantInitCommand(g GrantCredentials) InitCommand {
	platformHost := g.Host
	if platformHost == "" {
		platformHost = h.config.DefaultHost
	}
	return InitCommand{
		Mode: ModeGrantExisting,
		Injected: &InjectedConfig{
			Host:        platformHost,
			DriveID:     g.DriveID,
			UserID:      g.UserID,
			OrgName:     grantedOrgName,
			ProfileName: grantedProfileName,
			APIKeyValue: g.APIKeyValue,
		},
	}
}
