package session

import (
	"time"

	"github.com/campusnet/attendance-agent/internal/models"
)

// Staleness decides when an active session must be force-ended because the
// process has not run for too long, and bounds how much connected time a
// backgrounded session may accumulate. The OS can suspend the agent
// indefinitely; ending a stale session at the next observed wall-clock time
// would count the whole suspended interval as connected.
type Staleness struct {
	StaleThreshold time.Duration // no proof of life for this long => stale
	GracePeriod    time.Duration // background time allowed to count as connected
	MaxBackground  time.Duration // hard cap on a single backgrounded session
}

// IsStale reports whether the app has been silent long enough that the active
// session can no longer be trusted. A zero lastActivity means activity was
// never recorded and there is nothing to measure against.
func (d Staleness) IsStale(lastActivity, now time.Time) bool {
	if lastActivity.IsZero() {
		return false
	}
	return now.Sub(lastActivity) > d.StaleThreshold
}

// ExceededMaxBackground reports whether the session has been backgrounded past
// the hard cap, independent of staleness.
func (d Staleness) ExceededMaxBackground(sess *models.Session, now time.Time) bool {
	bg := sess.Metadata.BackgroundModeStartTime
	if !sess.Metadata.IsInBackground || bg == nil {
		return false
	}
	return now.Sub(*bg) > d.MaxBackground
}

// EndTimeFor picks the most plausible end instant for a force-ended session,
// in priority order: last proof of life, background start plus grace, current
// wall clock. The ordering guarantees the recorded duration never exceeds
// plausible real connected time.
func (d Staleness) EndTimeFor(sess *models.Session, lastActivity, now time.Time) time.Time {
	if !lastActivity.IsZero() && !lastActivity.Before(sess.StartTime) {
		return lastActivity
	}
	if bg := sess.Metadata.BackgroundModeStartTime; bg != nil {
		capped := bg.Add(d.GracePeriod)
		if capped.Before(now) {
			return capped
		}
	}
	return now
}

// EffectiveNow caps the observation instant used for duration growth while
// the session is backgrounded: a session merely ticking in the background
// accrues at most GracePeriod past the background transition.
func (d Staleness) EffectiveNow(sess *models.Session, now time.Time) time.Time {
	bg := sess.Metadata.BackgroundModeStartTime
	if !sess.Metadata.IsInBackground || bg == nil {
		return now
	}
	capped := bg.Add(d.GracePeriod)
	if capped.Before(now) {
		return capped
	}
	return now
}
