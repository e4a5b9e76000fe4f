// Package events defines the host session change event and its publishers.
package events

// SessionChangedEvent is emitted whenever the host's view of the child session changes.
type SessionChangedEvent struct {
	SessionID     string   `json:"sessionId"`
	FrameID       string   `json:"frameId"`
	Phase         string   `json:"phase"`
	Mode          string   `json:"mode"`
	Attempts      int      `json:"attempts"`
	ChangedFields []string `json:"changedFields"`
	Tracer        string   `json:"tracer,omitempty"`
	Error         string   `json:"error,omitempty"`
	Timestamp     string   `json:"timestamp"`
}
