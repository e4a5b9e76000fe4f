package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects. Frame traffic lives under officex.frame.<frameID>, host session
// change events under officex.host.
const (
	SubjectFramePrefix   = "officex.frame"
	SubjectSessionChange = "officex.host.session.changed"
)

// Subject suffixes for one bridged iframe.
const (
	suffixToChild = "to-child"
	suffixToHost  = "to-host"
	suffixLoad    = "load"
	suffixControl = "control"
)

// Message headers carried on bridged postMessage traffic.
const (
	HeaderOrigin       = "Origin"
	HeaderTargetOrigin = "Target-Origin"
)

// BuildToChildSubject is where the host posts envelopes for the child window.
func BuildToChildSubject(frameID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectFramePrefix, safeToken(frameID), suffixToChild)
}

// BuildToHostSubject is where the bridge relays message events raised by the child.
func BuildToHostSubject(frameID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectFramePrefix, safeToken(frameID), suffixToHost)
}

// BuildLoadSubject carries iframe load/reload notifications.
func BuildLoadSubject(frameID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectFramePrefix, safeToken(frameID), suffixLoad)
}

// BuildControlSubject is where operators send control requests for the host driving frameID.
func BuildControlSubject(frameID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectFramePrefix, safeToken(frameID), suffixControl)
}

// BuildSessionChangeSubject builds the per-session change subject.
func BuildSessionChangeSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s", SubjectSessionChange, safeToken(sessionID))
}

// safeToken keeps ids from introducing extra subject tokens or wildcards.
func safeToken(id string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(id)
}
