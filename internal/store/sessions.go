package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/campusnet/attendance-agent/internal/models"
)

// KV keys. Every structure lives under one key so a parse failure can reset
// exactly that structure and nothing else.
const (
	keyCurrentSession = "current_session"
	keyPendingQueue   = "pending_sessions"
	keyLastActivity   = "last_app_activity"
	keyEnabled        = "monitoring_enabled"
	keyLastSync       = "last_sync"
	keyLastEnd        = "last_session_end"
)

// SessionStore layers the session-lifecycle structures over the KV table.
type SessionStore struct {
	kv  *Store
	log *slog.Logger
}

// NewSessionStore wraps a Store with typed accessors.
func NewSessionStore(kv *Store, log *slog.Logger) *SessionStore {
	return &SessionStore{kv: kv, log: log}
}

// CurrentSession returns the persisted current session, or nil when none
// exists. A corrupt record is reset to empty and logged, never propagated.
func (s *SessionStore) CurrentSession(ctx context.Context) (*models.Session, error) {
	data, err := s.kv.Get(ctx, keyCurrentSession)
	if err != nil {
		return nil, fmt.Errorf("failed to load current session: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		s.log.Error("current session record corrupt, resetting", "error", err)
		if rmErr := s.kv.Remove(ctx, keyCurrentSession); rmErr != nil {
			return nil, fmt.Errorf("failed to reset corrupt session: %w", rmErr)
		}
		return nil, nil
	}
	return &sess, nil
}

// SaveCurrentSession persists the current session record.
func (s *SessionStore) SaveCurrentSession(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return s.kv.Set(ctx, keyCurrentSession, data)
}

// ClearCurrentSession removes the current session record.
func (s *SessionStore) ClearCurrentSession(ctx context.Context) error {
	return s.kv.Remove(ctx, keyCurrentSession)
}

// PendingQueue returns the pending sync queue, empty when absent. A corrupt
// queue is reset to empty and logged.
func (s *SessionStore) PendingQueue(ctx context.Context) (*models.PendingQueue, error) {
	data, err := s.kv.Get(ctx, keyPendingQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending queue: %w", err)
	}
	if data == nil {
		return &models.PendingQueue{}, nil
	}
	var q models.PendingQueue
	if err := json.Unmarshal(data, &q); err != nil {
		s.log.Error("pending queue corrupt, resetting", "error", err)
		if rmErr := s.kv.Remove(ctx, keyPendingQueue); rmErr != nil {
			return nil, fmt.Errorf("failed to reset corrupt queue: %w", rmErr)
		}
		return &models.PendingQueue{}, nil
	}
	return &q, nil
}

// SavePendingQueue persists the queue.
func (s *SessionStore) SavePendingQueue(ctx context.Context, q *models.PendingQueue) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode pending queue: %w", err)
	}
	return s.kv.Set(ctx, keyPendingQueue, data)
}

// AppendPending appends an ended session to the queue and stamps LastUpdate.
func (s *SessionStore) AppendPending(ctx context.Context, sess models.Session) error {
	q, err := s.PendingQueue(ctx)
	if err != nil {
		return err
	}
	q.Sessions = append(q.Sessions, sess)
	q.LastUpdate = time.Now().UTC()
	return s.SavePendingQueue(ctx, q)
}

// RemovePending drops the sessions with the given IDs from the queue. Only
// server-acknowledged IDs are ever passed here.
func (s *SessionStore) RemovePending(ctx context.Context, ids map[string]bool) error {
	if len(ids) == 0 {
		return nil
	}
	q, err := s.PendingQueue(ctx)
	if err != nil {
		return err
	}
	kept := q.Sessions[:0]
	for _, sess := range q.Sessions {
		if !ids[sess.ID] {
			kept = append(kept, sess)
		}
	}
	q.Sessions = kept
	q.LastUpdate = time.Now().UTC()
	return s.SavePendingQueue(ctx, q)
}

// LastActivity returns the last proof-of-life timestamp, or zero when never
// recorded.
func (s *SessionStore) LastActivity(ctx context.Context) (time.Time, error) {
	data, err := s.kv.Get(ctx, keyLastActivity)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load last activity: %w", err)
	}
	if data == nil {
		return time.Time{}, nil
	}
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		s.log.Error("last activity record corrupt, resetting", "error", err)
		_ = s.kv.Remove(ctx, keyLastActivity)
		return time.Time{}, nil
	}
	return t, nil
}

// TouchActivity records now as the last proof of life.
func (s *SessionStore) TouchActivity(ctx context.Context, now time.Time) error {
	data, err := json.Marshal(now.UTC())
	if err != nil {
		return fmt.Errorf("failed to encode activity timestamp: %w", err)
	}
	return s.kv.Set(ctx, keyLastActivity, data)
}

// Enabled reports whether monitoring is enabled. Defaults to true when unset.
func (s *SessionStore) Enabled(ctx context.Context) (bool, error) {
	data, err := s.kv.Get(ctx, keyEnabled)
	if err != nil {
		return false, fmt.Errorf("failed to load enabled flag: %w", err)
	}
	if data == nil {
		return true, nil
	}
	var enabled bool
	if err := json.Unmarshal(data, &enabled); err != nil {
		s.log.Error("enabled flag corrupt, resetting", "error", err)
		_ = s.kv.Remove(ctx, keyEnabled)
		return true, nil
	}
	return enabled, nil
}

// SetEnabled persists the monitoring flag.
func (s *SessionStore) SetEnabled(ctx context.Context, enabled bool) error {
	data, _ := json.Marshal(enabled)
	return s.kv.Set(ctx, keyEnabled, data)
}

// LastSync returns the last successful drain timestamp, or nil.
func (s *SessionStore) LastSync(ctx context.Context) (*time.Time, error) {
	data, err := s.kv.Get(ctx, keyLastSync)
	if err != nil {
		return nil, fmt.Errorf("failed to load last sync: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		s.log.Error("last sync record corrupt, resetting", "error", err)
		_ = s.kv.Remove(ctx, keyLastSync)
		return nil, nil
	}
	return &t, nil
}

// SetLastSync records the completion of a drain with at least one success.
func (s *SessionStore) SetLastSync(ctx context.Context, t time.Time) error {
	data, _ := json.Marshal(t.UTC())
	return s.kv.Set(ctx, keyLastSync, data)
}

// LastEnd returns the end instant of the most recently ended session, used to
// enforce the minimum inter-session gap. Zero when no session has ended yet.
func (s *SessionStore) LastEnd(ctx context.Context) (time.Time, error) {
	data, err := s.kv.Get(ctx, keyLastEnd)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load last end: %w", err)
	}
	if data == nil {
		return time.Time{}, nil
	}
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		s.log.Error("last end record corrupt, resetting", "error", err)
		_ = s.kv.Remove(ctx, keyLastEnd)
		return time.Time{}, nil
	}
	return t, nil
}

// SetLastEnd records when the most recent session ended.
func (s *SessionStore) SetLastEnd(ctx context.Context, t time.Time) error {
	data, _ := json.Marshal(t.UTC())
	return s.kv.Set(ctx, keyLastEnd, data)
}

// LogSession appends an ended session to the audit table.
func (s *SessionStore) LogSession(ctx context.Context, sess *models.Session, reason models.EndReason) error {
	if sess.EndTime == nil {
		return fmt.Errorf("cannot log active session %s", sess.ID)
	}
	query := `
		INSERT OR IGNORE INTO session_log (id, start_time, end_time, ip_address, duration_seconds, end_reason, campus_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.kv.db.ExecContext(ctx, query,
		sess.ID,
		sess.StartTime.UTC(),
		sess.EndTime.UTC(),
		sess.IPAddress,
		sess.DurationSeconds,
		string(reason),
		sess.Metadata.CampusID,
	)
	return err
}

// MarkSynced stamps audit rows for server-acknowledged sessions.
func (s *SessionStore) MarkSynced(ctx context.Context, ids map[string]bool, at time.Time) error {
	for id := range ids {
		if _, err := s.kv.db.ExecContext(ctx,
			`UPDATE session_log SET synced_at = ? WHERE id = ?`, at.UTC(), id); err != nil {
			return err
		}
	}
	return nil
}
