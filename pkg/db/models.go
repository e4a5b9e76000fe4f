package db

import "time"

// SessionRow represents a row in the host_sessions table.
type SessionRow struct {
	SessionID     string     `json:"session_id"`
	FrameID       string     `json:"frame_id"`
	Seq           int64      `json:"seq"`
	Phase         string     `json:"phase"`
	Mode          string     `json:"mode"`
	Attempts      int        `json:"attempts"`
	LastLoadedAt  *time.Time `json:"last_loaded_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	// Snapshot is the full JSON snapshot. Secrets are never part of it.
	Snapshot []byte    `json:"snapshot"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// GrantConsumption represents a row in the grant_consumptions table.
type GrantConsumption struct {
	GrantKey   string    `json:"grant_key"`
	SessionID  string    `json:"session_id,omitempty"`
	ConsumedAt time.Time `json:"consumed_at"`
}
