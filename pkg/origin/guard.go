// Package origin decides which cross-document messages the host may act on.
package origin

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

const logPrefix = "origin:guard"

// ErrWildcardOrigin rejects "*" or empty target origins for outbound posts.
var ErrWildcardOrigin = errors.New("target origin must be explicit")

// Guard accepts inbound messages only from the expected child origin, unless the local
// development bypass is on.
type Guard struct {
	Expected      string
	DevModeBypass bool
}

// NewGuard creates a Guard for the given child origin.
func NewGuard(expected string, devModeBypass bool) *Guard {
	return &Guard{Expected: Normalize(expected), DevModeBypass: devModeBypass}
}

// Accept reports whether a message event from eventOrigin should be processed. It never
// looks at the message data.
func (g *Guard) Accept(eventOrigin string) bool {
	if g == nil {
		return false
	}
	if g.DevModeBypass {
		return true
	}
	if g.Expected != "" && Normalize(eventOrigin) == g.Expected {
		return true
	}
	slog.Warn(fmt.Sprintf("%s - Received message from unknown origin: %q", logPrefix, eventOrigin))
	return false
}

// Normalize lower-cases scheme and host and drops any path, query or trailing slash, so
// "https://OfficeX.app/" and "https://officex.app" compare equal. Values that do not
// parse as scheme://host are returned trimmed but otherwise unchanged ("null" origins
// from sandboxed frames, for example).
func Normalize(origin string) string {
	origin = strings.TrimSpace(origin)
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return origin
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// ValidateTarget checks an origin used to scope an outbound post.
func ValidateTarget(target string) error {
	t := strings.TrimSpace(target)
	if t == "" || t == "*" {
		return fmt.Errorf("%s - %q: %w", logPrefix, target, ErrWildcardOrigin)
	}
	return nil
}
