package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is the unit of tracked campus connectivity. Exactly one session may
// be active at a time; the store enforces this by holding a single
// "current session" record.
type Session struct {
	ID              string          `json:"id"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	IPAddress       string          `json:"ip_address"`
	DurationSeconds int64           `json:"duration_seconds"`
	IsActive        bool            `json:"is_active"`
	Metadata        SessionMetadata `json:"metadata"`
}

// SessionMetadata carries background-transition state and the validating
// position snapshot taken at start.
type SessionMetadata struct {
	IsInBackground          bool       `json:"is_in_background,omitempty"`
	BackgroundModeStartTime *time.Time `json:"background_mode_start_time,omitempty"`
	Location                *GeoPoint  `json:"location,omitempty"`
	CampusID                string     `json:"campus_id,omitempty"`
}

// GeoPoint is a device position fix.
type GeoPoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	AccuracyM float64   `json:"accuracy_m,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// EndReason records why a session transitioned to terminal state.
type EndReason string

const (
	EndReasonDisconnected EndReason = "disconnected"
	EndReasonValidation   EndReason = "validation_failed"
	EndReasonIPChange     EndReason = "ip_change"
	EndReasonStale        EndReason = "stale"
	EndReasonBackground   EndReason = "max_background"
	EndReasonAppClosed    EndReason = "app_closed"
	EndReasonReopen       EndReason = "app_reopen"
	EndReasonLogout       EndReason = "logout"
	EndReasonServerLost   EndReason = "server_lost"
	EndReasonReplaced     EndReason = "replaced"
)

// NewSessionID builds a monotonic-ish identifier: millisecond timestamp plus a
// random suffix so two triggers in the same millisecond cannot collide.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// End marks the session terminal at endTime and freezes its duration. Calling
// End on an already-terminal session is a no-op.
func (s *Session) End(endTime time.Time) {
	if !s.IsActive {
		return
	}
	if endTime.Before(s.StartTime) {
		endTime = s.StartTime
	}
	t := endTime
	s.EndTime = &t
	s.DurationSeconds = int64(endTime.Sub(s.StartTime).Seconds())
	s.IsActive = false
}

// EnterBackground records the background transition. Repeated calls keep the
// original transition time.
func (s *Session) EnterBackground(now time.Time) {
	if s.Metadata.IsInBackground {
		return
	}
	t := now
	s.Metadata.IsInBackground = true
	s.Metadata.BackgroundModeStartTime = &t
}

// LeaveBackground clears background metadata on foreground return.
func (s *Session) LeaveBackground() {
	s.Metadata.IsInBackground = false
	s.Metadata.BackgroundModeStartTime = nil
}

// PendingQueue is the append-only list of ended sessions awaiting remote
// acknowledgment. Entries leave the queue only after the server acks their ID.
type PendingQueue struct {
	Sessions   []Session `json:"sessions"`
	LastUpdate time.Time `json:"last_update"`
}

// SessionSnapshot is the read-only view exposed to the UI layer.
type SessionSnapshot struct {
	IsActive        bool       `json:"is_active"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	IPAddress       string     `json:"ip_address,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
}

// SyncStats is the sync observability view exposed to the UI layer.
type SyncStats struct {
	PendingCount   int              `json:"pending_count"`
	LastSync       *time.Time       `json:"last_sync,omitempty"`
	CurrentSession *SessionSnapshot `json:"current_session,omitempty"`
}

// Snapshot returns the read-only view of a session, or an inactive snapshot
// for nil.
func Snapshot(s *Session) SessionSnapshot {
	if s == nil {
		return SessionSnapshot{}
	}
	st := s.StartTime
	return SessionSnapshot{
		IsActive:        s.IsActive,
		StartTime:       &st,
		IPAddress:       s.IPAddress,
		DurationSeconds: s.DurationSeconds,
	}
}
