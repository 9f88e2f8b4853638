// Package scheduler drives the session pipeline: a periodic background tick
// and the foreground (app-resume) coordinator are the two triggers that feed
// observations into the state machine and drain the sync queue.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/campusnet/attendance-agent/internal/connectivity"
	"github.com/campusnet/attendance-agent/internal/geo"
	"github.com/campusnet/attendance-agent/internal/models"
	"github.com/campusnet/attendance-agent/internal/pkg/metrics"
	"github.com/campusnet/attendance-agent/internal/pkg/tracing"
	"github.com/campusnet/attendance-agent/internal/session"
	"github.com/campusnet/attendance-agent/internal/store"
	syncpkg "github.com/campusnet/attendance-agent/internal/sync"
	"github.com/campusnet/attendance-agent/internal/validation"
)

// positionTimeout bounds the on-demand fix so a hung provider cannot block
// the next tick.
const positionTimeout = 5 * time.Second

// RemoteMirror is the live (non-queue) slice of the API client, called
// best-effort on local transitions. Failures never affect local state.
type RemoteMirror interface {
	StartSession(ctx context.Context, req syncpkg.StartRequest) (string, error)
	EndSession(ctx context.Context) error
	UpdateSession(ctx context.Context) error
}

// ReopenResult reports which transitions an app-resume performed.
type ReopenResult struct {
	Ended   bool `json:"ended"`
	Started bool `json:"started"`
}

// Coordinator wires the validator, tracker, store and sync engine together
// and owns the per-trigger evaluation sequence.
type Coordinator struct {
	tracker   *session.Tracker
	engine    *syncpkg.Engine
	validator *validation.Validator
	network   connectivity.Provider
	position  geo.PositionProvider
	store     *store.SessionStore
	mirror    RemoteMirror // nil when no API is configured
	log       *slog.Logger

	notify func() // fired after any session state transition, nil ok
	nowFn  func() time.Time
}

// NewCoordinator builds the coordinator from injected components.
func NewCoordinator(
	tracker *session.Tracker,
	engine *syncpkg.Engine,
	validator *validation.Validator,
	network connectivity.Provider,
	position geo.PositionProvider,
	st *store.SessionStore,
	mirror RemoteMirror,
	log *slog.Logger,
) *Coordinator {
	return &Coordinator{
		tracker:   tracker,
		engine:    engine,
		validator: validator,
		network:   network,
		position:  position,
		store:     st,
		mirror:    mirror,
		log:       log,
		nowFn:     time.Now,
	}
}

// Tick is one self-contained background evaluation. Safe to run even when the
// previous tick's effects were never observed: every step re-reads persisted
// state and every transition is idempotent.
func (c *Coordinator) Tick(ctx context.Context) error {
	start := c.nowFn()
	defer func() {
		metrics.TickDurationSeconds.Observe(time.Since(start).Seconds())
	}()
	ctx, span := tracing.StartSpan(ctx, "scheduler.tick")
	defer span.End()

	enabled, err := c.store.Enabled(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	// Staleness first: an untrustworthy session must end before any fresh
	// observation can extend it.
	endedStale, err := c.tracker.CheckStaleness(ctx)
	if err != nil {
		return err
	}
	if endedStale {
		c.mirrorEnd(ctx)
		c.notifyChange()
		return c.store.TouchActivity(ctx, c.nowFn())
	}

	state, res, pos := c.observe(ctx)
	outcome, err := c.tracker.Evaluate(ctx, state, res, pos)
	if err != nil {
		return err
	}
	c.mirrorOutcome(ctx, outcome, state, res, pos)
	switch outcome {
	case session.OutcomeStarted, session.OutcomeEnded, session.OutcomeEndedStarted:
		c.notifyChange()
	}

	return c.store.TouchActivity(ctx, c.nowFn())
}

// Reopen handles an app-resume transition: force-end any session that
// survived an app-closed period, record proof of life, re-validate, possibly
// start fresh, then drain the queue.
func (c *Coordinator) Reopen(ctx context.Context) (ReopenResult, error) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.reopen")
	defer span.End()

	var result ReopenResult

	// End the orphan before recording fresh activity, so its end time still
	// reflects the last proof of life from before the app-closed period.
	ended, err := c.tracker.EndStale(ctx, models.EndReasonReopen)
	if err != nil {
		return result, err
	}
	result.Ended = ended
	if ended {
		c.mirrorEnd(ctx)
	}

	if err := c.store.TouchActivity(ctx, c.nowFn()); err != nil {
		return result, err
	}

	state, res, pos := c.observe(ctx)
	if res.Eligible() {
		started, err := c.tracker.Start(ctx, state, res, pos)
		if err != nil {
			c.log.Warn("reopen start failed", "error", err)
		}
		result.Started = started
		if started {
			c.mirrorStart(ctx, state, res, pos)
		}
	}

	if result.Ended || result.Started {
		c.notifyChange()
	}

	if report, err := c.engine.Drain(ctx); err != nil {
		c.log.Warn("reopen drain failed", "error", err)
	} else if report.Synced > 0 || report.Failed > 0 {
		c.log.Info("reopen drain", "synced", report.Synced, "failed", report.Failed)
	}

	return result, nil
}

// EnterBackground records the app moving to the background; from here on the
// active session accrues at most the grace window.
func (c *Coordinator) EnterBackground(ctx context.Context) error {
	return c.tracker.EnterBackground(ctx)
}

// LeaveBackground records the app returning to the foreground and counts it
// as proof of life. A session that outlived its grace window while
// backgrounded is ended, capped at the grace boundary.
func (c *Coordinator) LeaveBackground(ctx context.Context) error {
	ended, err := c.tracker.LeaveBackground(ctx)
	if err != nil {
		return err
	}
	if ended {
		c.mirrorEnd(ctx)
		c.notifyChange()
	}
	return c.store.TouchActivity(ctx, c.nowFn())
}

// Enable turns monitoring on.
func (c *Coordinator) Enable(ctx context.Context) error {
	return c.store.SetEnabled(ctx, true)
}

// Disable turns monitoring off and ends any active session.
func (c *Coordinator) Disable(ctx context.Context) error {
	ended, err := c.tracker.End(ctx, models.EndReasonLogout, c.nowFn())
	if err != nil {
		c.log.Warn("failed to end session on disable", "error", err)
	}
	if ended {
		c.mirrorEnd(ctx)
		c.notifyChange()
	}
	return c.store.SetEnabled(ctx, false)
}

// SetNotify registers a callback fired after any session state transition,
// used to push fresh snapshots to live subscribers.
func (c *Coordinator) SetNotify(fn func()) {
	c.notify = fn
}

func (c *Coordinator) notifyChange() {
	if c.notify != nil {
		c.notify()
	}
}

// Snapshot exposes the current session view.
func (c *Coordinator) Snapshot(ctx context.Context) (models.SessionSnapshot, error) {
	return c.tracker.Snapshot(ctx)
}

// SyncStats exposes the sync observability view.
func (c *Coordinator) SyncStats(ctx context.Context) (models.SyncStats, error) {
	snap, err := c.tracker.Snapshot(ctx)
	if err != nil {
		return models.SyncStats{}, err
	}
	return c.engine.Stats(ctx, &snap)
}

// Drain triggers a queue flush outside the reopen path.
func (c *Coordinator) Drain(ctx context.Context) (syncpkg.Report, error) {
	return c.engine.Drain(ctx)
}

// observe gathers the current network state, position fix and validation
// result. A failed fix yields a nil position, which fails the location factor
// closed.
func (c *Coordinator) observe(ctx context.Context) (connectivity.State, validation.Result, *models.GeoPoint) {
	state, err := c.network.Current(ctx)
	if err != nil {
		c.log.Warn("connectivity fetch failed", "error", err)
		state = connectivity.State{Type: connectivity.TypeNone}
	}

	var pos *models.GeoPoint
	if c.position != nil {
		posCtx, cancel := context.WithTimeout(ctx, positionTimeout)
		pos, err = c.position.CurrentPosition(posCtx)
		cancel()
		if err != nil {
			c.log.Info("position fix unavailable", "error", err)
			pos = nil
		}
	}

	return state, c.validator.Validate(state, pos), pos
}

func (c *Coordinator) mirrorOutcome(ctx context.Context, outcome session.Outcome, state connectivity.State, res validation.Result, pos *models.GeoPoint) {
	switch outcome {
	case session.OutcomeStarted:
		c.mirrorStart(ctx, state, res, pos)
	case session.OutcomeEndedStarted:
		c.mirrorEnd(ctx)
		c.mirrorStart(ctx, state, res, pos)
	case session.OutcomeEnded:
		c.mirrorEnd(ctx)
	case session.OutcomeContinued:
		c.mirrorHeartbeat(ctx)
	}
}

func (c *Coordinator) mirrorStart(ctx context.Context, state connectivity.State, res validation.Result, pos *models.GeoPoint) {
	if c.mirror == nil {
		return
	}
	_, err := c.mirror.StartSession(ctx, syncpkg.StartRequest{
		IP:                state.IPAddress,
		Location:          pos,
		ValidationMethods: []string{"ip", "location"},
		Campus:            res.CampusID,
		Distance:          res.DistanceMeters,
	})
	if err != nil {
		c.log.Info("remote session start not mirrored", "error", err)
	}
}

func (c *Coordinator) mirrorEnd(ctx context.Context) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.EndSession(ctx); err != nil {
		c.log.Info("remote session end not mirrored", "error", err)
	}
}

// mirrorHeartbeat sends the live update. A not-found answer means the server
// lost the session; the local record is closed and queued so the observed
// time still reconciles through background-sync.
func (c *Coordinator) mirrorHeartbeat(ctx context.Context) {
	if c.mirror == nil {
		return
	}
	err := c.mirror.UpdateSession(ctx)
	if err == nil {
		return
	}
	if syncpkg.KindOf(err) == syncpkg.KindNotFound {
		c.log.Info("server reports no active session, closing local session")
		ended, endErr := c.tracker.End(ctx, models.EndReasonServerLost, c.nowFn())
		if endErr != nil {
			c.log.Warn("failed to close server-lost session", "error", endErr)
		}
		if ended {
			c.notifyChange()
		}
		return
	}
	c.log.Info("heartbeat not delivered", "error", err)
}
