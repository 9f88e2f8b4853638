// Package session owns the session lifecycle: start, continue, end,
// anti-flapping gap enforcement, and staleness handling. All state lives in
// the store; the tracker itself holds nothing that must survive a suspension.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/campusnet/attendance-agent/internal/connectivity"
	"github.com/campusnet/attendance-agent/internal/models"
	"github.com/campusnet/attendance-agent/internal/pkg/locks"
	"github.com/campusnet/attendance-agent/internal/pkg/metrics"
	"github.com/campusnet/attendance-agent/internal/store"
	"github.com/campusnet/attendance-agent/internal/validation"
)

// Operation lock classes. Concurrent triggers on the same class fail fast.
const (
	opStart  = "start_session"
	opEnd    = "end_session"
	opUpdate = "update_session"
)

// Outcome reports what a lifecycle evaluation did.
type Outcome string

const (
	OutcomeNone         Outcome = "none"
	OutcomeStarted      Outcome = "started"
	OutcomeContinued    Outcome = "continued"
	OutcomeEnded        Outcome = "ended"
	OutcomeEndedStarted Outcome = "ended_and_started" // IP change compound
	OutcomeDeferredGap  Outcome = "deferred_gap"
	OutcomeBusy         Outcome = "busy"
)

// Tracker is the session state machine.
type Tracker struct {
	store     *store.SessionStore
	locks     *locks.Keyed
	staleness Staleness
	minGap    time.Duration
	log       *slog.Logger

	nowFn func() time.Time // swappable in tests
}

// NewTracker creates the state machine over the given store.
func NewTracker(st *store.SessionStore, lk *locks.Keyed, staleness Staleness, minGap time.Duration, log *slog.Logger) *Tracker {
	return &Tracker{
		store:     st,
		locks:     lk,
		staleness: staleness,
		minGap:    minGap,
		log:       log,
		nowFn:     time.Now,
	}
}

// SetNowFunc overrides the tracker's clock. Test hook.
func (t *Tracker) SetNowFunc(fn func() time.Time) {
	t.nowFn = fn
}

// Current returns the persisted current session, nil when none.
func (t *Tracker) Current(ctx context.Context) (*models.Session, error) {
	return t.store.CurrentSession(ctx)
}

// Snapshot returns the read-only view of the current session.
func (t *Tracker) Snapshot(ctx context.Context) (models.SessionSnapshot, error) {
	sess, err := t.store.CurrentSession(ctx)
	if err != nil {
		return models.SessionSnapshot{}, err
	}
	if sess != nil && sess.IsActive {
		// Report live duration without mutating the record.
		view := *sess
		view.DurationSeconds = int64(t.staleness.EffectiveNow(sess, t.nowFn()).Sub(sess.StartTime).Seconds())
		return models.Snapshot(&view), nil
	}
	return models.Snapshot(sess), nil
}

// Evaluate drives the state machine from one observation: current network
// state, the dual-factor validation result, and the position fix. It is
// self-contained and idempotent with respect to already-started and
// already-ended states, so a missed or repeated trigger cannot corrupt the
// record.
func (t *Tracker) Evaluate(ctx context.Context, state connectivity.State, res validation.Result, pos *models.GeoPoint) (Outcome, error) {
	now := t.nowFn()

	cur, err := t.store.CurrentSession(ctx)
	if err != nil {
		return OutcomeNone, err
	}

	if cur != nil && cur.IsActive {
		switch {
		case !state.Connected || state.Type != connectivity.TypeWifi:
			return t.endOutcome(ctx, models.EndReasonDisconnected, now)
		case !res.Eligible():
			return t.endOutcome(ctx, models.EndReasonValidation, now)
		case state.IPAddress != cur.IPAddress:
			return t.HandleIPChange(ctx, state, res, pos)
		default:
			if err := t.Continue(ctx); err != nil {
				if err == locks.ErrBusy {
					return OutcomeBusy, nil
				}
				return OutcomeNone, err
			}
			return OutcomeContinued, nil
		}
	}

	if !res.Eligible() {
		return OutcomeNone, nil
	}
	started, err := t.Start(ctx, state, res, pos)
	if err != nil {
		if err == locks.ErrBusy {
			return OutcomeBusy, nil
		}
		return OutcomeNone, err
	}
	if !started {
		return OutcomeDeferredGap, nil
	}
	return OutcomeStarted, nil
}

// Start begins a new session if none is active and the inter-session gap has
// elapsed. Returns false without error when the start was deferred by the gap
// guard. Starting while a session is active first fully ends it, preserving
// the single-active invariant.
func (t *Tracker) Start(ctx context.Context, state connectivity.State, res validation.Result, pos *models.GeoPoint) (bool, error) {
	release, err := t.locks.TryAcquire(opStart)
	if err != nil {
		metrics.LockTimeoutsTotal.WithLabelValues(opStart).Inc()
		return false, err
	}
	defer release()

	return t.startLocked(ctx, state, res, pos, t.nowFn())
}

func (t *Tracker) startLocked(ctx context.Context, state connectivity.State, res validation.Result, pos *models.GeoPoint, now time.Time) (bool, error) {
	cur, err := t.store.CurrentSession(ctx)
	if err != nil {
		return false, err
	}
	if cur != nil && cur.IsActive {
		if err := t.endLocked(ctx, cur, models.EndReasonReplaced, now); err != nil {
			return false, err
		}
	}

	lastEnd, err := t.store.LastEnd(ctx)
	if err != nil {
		return false, err
	}
	if !lastEnd.IsZero() && now.Sub(lastEnd) < t.minGap {
		t.log.Debug("session start deferred by gap guard",
			"since_last_end", now.Sub(lastEnd), "min_gap", t.minGap)
		return false, nil
	}

	sess := &models.Session{
		ID:        models.NewSessionID(now),
		StartTime: now,
		IPAddress: state.IPAddress,
		IsActive:  true,
		Metadata: models.SessionMetadata{
			Location: pos,
			CampusID: res.CampusID,
		},
	}
	if err := t.store.SaveCurrentSession(ctx, sess); err != nil {
		return false, fmt.Errorf("failed to persist new session: %w", err)
	}

	metrics.SessionsStartedTotal.Inc()
	metrics.SessionActive.Set(1)
	t.log.Info("session started", "session_id", sess.ID, "ip", sess.IPAddress, "campus", res.CampusID)
	return true, nil
}

// Continue recomputes the active session's duration. While backgrounded the
// observation instant is capped at the background grace window.
func (t *Tracker) Continue(ctx context.Context) error {
	release, err := t.locks.TryAcquire(opUpdate)
	if err != nil {
		metrics.LockTimeoutsTotal.WithLabelValues(opUpdate).Inc()
		return err
	}
	defer release()

	cur, err := t.store.CurrentSession(ctx)
	if err != nil {
		return err
	}
	if cur == nil || !cur.IsActive {
		return nil
	}

	effective := t.staleness.EffectiveNow(cur, t.nowFn())
	cur.DurationSeconds = int64(effective.Sub(cur.StartTime).Seconds())
	return t.store.SaveCurrentSession(ctx, cur)
}

// End terminates the active session at the given instant. Ending when no
// session is active is a no-op returning false, and never produces a
// duplicate queue entry.
func (t *Tracker) End(ctx context.Context, reason models.EndReason, endTime time.Time) (bool, error) {
	release, err := t.locks.TryAcquire(opEnd)
	if err != nil {
		metrics.LockTimeoutsTotal.WithLabelValues(opEnd).Inc()
		return false, err
	}
	defer release()

	cur, err := t.store.CurrentSession(ctx)
	if err != nil {
		return false, err
	}
	if cur == nil || !cur.IsActive {
		return false, nil
	}
	if err := t.endLocked(ctx, cur, reason, endTime); err != nil {
		return false, err
	}
	return true, nil
}

// endLocked performs the terminal transition: freeze the record, queue it for
// sync, write the audit row, clear the current slot, remember the end instant
// for gap enforcement. The end instant is clamped to the background grace
// window, so a backgrounded session never accrues past it no matter which
// path ends it.
func (t *Tracker) endLocked(ctx context.Context, cur *models.Session, reason models.EndReason, endTime time.Time) error {
	cur.End(t.staleness.EffectiveNow(cur, endTime))
	if err := t.store.AppendPending(ctx, *cur); err != nil {
		return fmt.Errorf("failed to queue ended session: %w", err)
	}
	if err := t.store.LogSession(ctx, cur, reason); err != nil {
		t.log.Warn("failed to write session audit row", "session_id", cur.ID, "error", err)
	}
	if err := t.store.ClearCurrentSession(ctx); err != nil {
		return fmt.Errorf("failed to clear current session: %w", err)
	}
	if err := t.store.SetLastEnd(ctx, *cur.EndTime); err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}

	metrics.SessionsEndedTotal.WithLabelValues(string(reason)).Inc()
	metrics.SessionActive.Set(0)
	t.log.Info("session ended",
		"session_id", cur.ID, "reason", reason,
		"duration_sec", cur.DurationSeconds, "ip", cur.IPAddress)
	return nil
}

// HandleIPChange ends the active session and immediately starts a fresh one
// under the new IP as a single compound operation: both lock classes are held
// so no other trigger can observe the gap in between. The old session's
// ipAddress is never mutated. The gap guard deliberately does not apply — the
// device never left the network.
func (t *Tracker) HandleIPChange(ctx context.Context, state connectivity.State, res validation.Result, pos *models.GeoPoint) (Outcome, error) {
	releaseEnd, err := t.locks.TryAcquire(opEnd)
	if err != nil {
		metrics.LockTimeoutsTotal.WithLabelValues(opEnd).Inc()
		return OutcomeBusy, nil
	}
	defer releaseEnd()
	releaseStart, err := t.locks.TryAcquire(opStart)
	if err != nil {
		metrics.LockTimeoutsTotal.WithLabelValues(opStart).Inc()
		return OutcomeBusy, nil
	}
	defer releaseStart()

	now := t.nowFn()
	cur, err := t.store.CurrentSession(ctx)
	if err != nil {
		return OutcomeNone, err
	}
	if cur != nil && cur.IsActive {
		if err := t.endLocked(ctx, cur, models.EndReasonIPChange, now); err != nil {
			return OutcomeNone, err
		}
	}

	sess := &models.Session{
		ID:        models.NewSessionID(now),
		StartTime: now,
		IPAddress: state.IPAddress,
		IsActive:  true,
		Metadata: models.SessionMetadata{
			Location: pos,
			CampusID: res.CampusID,
		},
	}
	if err := t.store.SaveCurrentSession(ctx, sess); err != nil {
		return OutcomeNone, fmt.Errorf("failed to persist new session: %w", err)
	}

	metrics.SessionsStartedTotal.Inc()
	metrics.SessionActive.Set(1)
	t.log.Info("session rolled over on ip change", "session_id", sess.ID, "ip", sess.IPAddress)
	return OutcomeEndedStarted, nil
}

// EndStale force-ends the active session using the staleness end-time
// priority. Returns false when nothing was active.
func (t *Tracker) EndStale(ctx context.Context, reason models.EndReason) (bool, error) {
	release, err := t.locks.TryAcquire(opEnd)
	if err != nil {
		metrics.LockTimeoutsTotal.WithLabelValues(opEnd).Inc()
		return false, err
	}
	defer release()

	cur, err := t.store.CurrentSession(ctx)
	if err != nil {
		return false, err
	}
	if cur == nil || !cur.IsActive {
		return false, nil
	}

	now := t.nowFn()
	lastActivity, err := t.store.LastActivity(ctx)
	if err != nil {
		return false, err
	}
	endTime := t.staleness.EndTimeFor(cur, lastActivity, now)
	if err := t.endLocked(ctx, cur, reason, endTime); err != nil {
		return false, err
	}
	return true, nil
}

// CheckStaleness applies the staleness rule and the max-background cap to the
// active session, ending it when either is violated. Returns true when a
// session was ended.
func (t *Tracker) CheckStaleness(ctx context.Context) (bool, error) {
	cur, err := t.store.CurrentSession(ctx)
	if err != nil {
		return false, err
	}
	if cur == nil || !cur.IsActive {
		return false, nil
	}

	now := t.nowFn()
	if t.staleness.ExceededMaxBackground(cur, now) {
		return t.EndStale(ctx, models.EndReasonBackground)
	}
	lastActivity, err := t.store.LastActivity(ctx)
	if err != nil {
		return false, err
	}
	if t.staleness.IsStale(lastActivity, now) {
		return t.EndStale(ctx, models.EndReasonStale)
	}
	return false, nil
}

// EnterBackground marks the active session backgrounded.
func (t *Tracker) EnterBackground(ctx context.Context) error {
	release, err := t.locks.TryAcquire(opUpdate)
	if err != nil {
		metrics.LockTimeoutsTotal.WithLabelValues(opUpdate).Inc()
		return err
	}
	defer release()

	cur, err := t.store.CurrentSession(ctx)
	if err != nil {
		return err
	}
	if cur == nil || !cur.IsActive {
		return nil
	}
	cur.EnterBackground(t.nowFn())
	return t.store.SaveCurrentSession(ctx, cur)
}

// LeaveBackground handles foreground return. A quick app switch clears the
// background metadata; a session that already outlived its grace window is
// ended instead, capped at the grace boundary, because clearing the metadata
// would let the next heartbeat re-inflate its duration past the cap. Returns
// true when the session was ended.
func (t *Tracker) LeaveBackground(ctx context.Context) (bool, error) {
	release, err := t.locks.TryAcquire(opUpdate)
	if err != nil {
		metrics.LockTimeoutsTotal.WithLabelValues(opUpdate).Inc()
		return false, err
	}
	defer release()

	cur, err := t.store.CurrentSession(ctx)
	if err != nil {
		return false, err
	}
	if cur == nil || !cur.IsActive {
		return false, nil
	}
	if bg := cur.Metadata.BackgroundModeStartTime; bg != nil && t.nowFn().After(bg.Add(t.staleness.GracePeriod)) {
		releaseEnd, err := t.locks.TryAcquire(opEnd)
		if err != nil {
			metrics.LockTimeoutsTotal.WithLabelValues(opEnd).Inc()
			return false, err
		}
		defer releaseEnd()
		if err := t.endLocked(ctx, cur, models.EndReasonStale, t.nowFn()); err != nil {
			return false, err
		}
		return true, nil
	}
	cur.LeaveBackground()
	return false, t.store.SaveCurrentSession(ctx, cur)
}

func (t *Tracker) endOutcome(ctx context.Context, reason models.EndReason, now time.Time) (Outcome, error) {
	ended, err := t.End(ctx, reason, now)
	if err != nil {
		if err == locks.ErrBusy {
			return OutcomeBusy, nil
		}
		return OutcomeNone, err
	}
	if !ended {
		return OutcomeNone, nil
	}
	return OutcomeEnded, nil
}
