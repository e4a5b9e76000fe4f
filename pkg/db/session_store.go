package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/officexapp/iframe-host/pkg/host"
)

const storeLogPrefix = "db:session_store"

// SessionStore adapts a Repository to host.SessionStore.
type SessionStore struct {
	repo *Repository
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(repo *Repository) *SessionStore {
	return &SessionStore{repo: repo}
}

var _ host.SessionStore = (*SessionStore)(nil)

// SaveSnapshot writes snap unless a newer snapshot is stored.
func (s *SessionStore) SaveSnapshot(ctx context.Context, snap host.Snapshot) error {
	row, err := SessionRowFromSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.repo.UpsertSession(ctx, row)
	return err
}

// ConsumeGrant records key once.
func (s *SessionStore) ConsumeGrant(ctx context.Context, key string) (bool, error) {
	return s.repo.RecordGrant(ctx, key, "")
}

// Load returns the stored snapshot for sessionID, or false when there is none.
func (s *SessionStore) Load(ctx context.Context, sessionID string) (host.Snapshot, bool, error) {
	row, err := s.repo.GetSession(ctx, sessionID)
	if err != nil || row == nil {
		return host.Snapshot{}, false, err
	}
	var snap host.Snapshot
	if err := json.Unmarshal(row.Snapshot, &snap); err != nil {
		return host.Snapshot{}, false, fmt.Errorf("%s - decode snapshot %s: %w", storeLogPrefix, sessionID, err)
	}
	return snap, true, nil
}

// SessionRowFromSnapshot flattens snap into a host_sessions row.
func SessionRowFromSnapshot(snap host.Snapshot) (SessionRow, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return SessionRow{}, fmt.Errorf("%s - encode snapshot: %w", storeLogPrefix, err)
	}
	return SessionRow{
		SessionID:     snap.SessionID,
		FrameID:       snap.FrameID,
		Seq:           int64(snap.Seq),
		Phase:         string(snap.Phase),
		Mode:          string(snap.Mode),
		Attempts:      snap.Attempts,
		LastLoadedAt:  timePtr(snap.LastLoadedAt),
		LastHeartbeat: timePtr(snap.LastHeartbeat),
		Snapshot:      data,
	}, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
