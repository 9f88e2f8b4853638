package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/campusnet/attendance-agent/internal/models"
	"github.com/campusnet/attendance-agent/internal/pkg/metrics"
	"github.com/campusnet/attendance-agent/internal/pkg/redact"
	"github.com/campusnet/attendance-agent/internal/pkg/tracing"
	"github.com/campusnet/attendance-agent/internal/store"
)

// ackedCacheSize bounds the double-submit guard; far larger than any
// realistic backlog between drains.
const ackedCacheSize = 512

// Submitter is the slice of the API client the engine needs.
type Submitter interface {
	BackgroundSync(ctx context.Context, req BackgroundSyncRequest) error
}

// Report is the outcome of one drain.
type Report struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// Engine drains the pending queue to the remote authority. Each drain
// deduplicates, resolves time overlaps, submits the survivors one by one, and
// removes exactly the entries the server acknowledged. A drain is idempotent:
// run twice back to back, the second pass finds nothing to do.
type Engine struct {
	store   *store.SessionStore
	client  Submitter
	tokens  TokenProvider
	minGap  time.Duration
	limiter *rate.Limiter
	acked   *lru.Cache[string, time.Time]
	log     *slog.Logger

	nowFn func() time.Time
}

// NewEngine creates a sync engine. ratePerSec <= 0 disables rate limiting.
func NewEngine(st *store.SessionStore, client Submitter, tokens TokenProvider, minGap time.Duration, ratePerSec float64, burst int, log *slog.Logger) *Engine {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if ratePerSec > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	acked, _ := lru.New[string, time.Time](ackedCacheSize)
	return &Engine{
		store:   st,
		client:  client,
		tokens:  tokens,
		minGap:  minGap,
		limiter: limiter,
		acked:   acked,
		log:     log,
		nowFn:   time.Now,
	}
}

// Stats returns the sync observability view.
func (e *Engine) Stats(ctx context.Context, current *models.SessionSnapshot) (models.SyncStats, error) {
	q, err := e.store.PendingQueue(ctx)
	if err != nil {
		return models.SyncStats{}, err
	}
	lastSync, err := e.store.LastSync(ctx)
	if err != nil {
		return models.SyncStats{}, err
	}
	return models.SyncStats{
		PendingCount:   len(q.Sessions),
		LastSync:       lastSync,
		CurrentSession: current,
	}, nil
}

// Drain flushes the pending queue. One failed submission never aborts the
// rest of the batch; failed entries stay queued for the next drain.
func (e *Engine) Drain(ctx context.Context) (Report, error) {
	ctx, span := tracing.StartSpan(ctx, "sync.drain")
	defer span.End()

	q, err := e.store.PendingQueue(ctx)
	if err != nil {
		return Report{}, err
	}
	if len(q.Sessions) == 0 {
		return Report{}, nil
	}

	survivors, superseded := e.resolve(q.Sessions)

	// No valid credential: defer the whole batch without network noise.
	if !e.tokens.Valid() {
		e.log.Info("sync skipped, no valid credential", "pending", len(survivors))
		metrics.SyncSessionsTotal.WithLabelValues("auth_skipped").Add(float64(len(survivors)))
		return Report{Failed: len(survivors)}, nil
	}

	report := Report{}
	ackedIDs := make(map[string]bool)
	authFailed := false

	for _, sess := range survivors {
		if authFailed {
			report.Failed++
			continue
		}
		if _, seen := e.acked.Get(sess.ID); seen {
			// Already acknowledged in a previous drain; queue removal raced.
			ackedIDs[sess.ID] = true
			report.Synced++
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			report.Failed++
			continue
		}

		err := e.client.BackgroundSync(ctx, BackgroundSyncRequest{
			SessionID: sess.ID,
			StartTime: sess.StartTime,
			EndTime:   *sess.EndTime,
			Duration:  sess.DurationSeconds,
			IP:        sess.IPAddress,
			Location:  sess.Metadata.Location,
		})
		if err != nil {
			report.Failed++
			metrics.SyncSessionsTotal.WithLabelValues("failed").Inc()
			if KindOf(err) == KindAuthFailed {
				// Credential rejected server-side; no point submitting the rest.
				token, _ := e.tokens.Token()
				e.log.Warn("sync aborted, credential rejected",
					"session_id", sess.ID, "token", redact.Token(token))
				authFailed = true
				continue
			}
			e.log.Warn("session sync failed, will retry next drain", "session_id", sess.ID, "error", err)
			continue
		}

		ackedIDs[sess.ID] = true
		e.acked.Add(sess.ID, e.nowFn())
		report.Synced++
		metrics.SyncSessionsTotal.WithLabelValues("synced").Inc()
	}

	// Remove acknowledged entries plus the duplicates and overlaps their
	// acknowledged keeper subsumed; anything else stays queued.
	removal := make(map[string]bool, len(ackedIDs))
	for id := range ackedIDs {
		removal[id] = true
	}
	for droppedID, keeperID := range superseded {
		// Follow supersession chains: a duplicate's keeper may itself have
		// been dropped for a longer overlap.
		for depth := 0; depth < len(superseded); depth++ {
			next, ok := superseded[keeperID]
			if !ok {
				break
			}
			keeperID = next
		}
		if ackedIDs[keeperID] {
			removal[droppedID] = true
		}
	}
	if len(removal) > 0 {
		if err := e.store.RemovePending(ctx, removal); err != nil {
			return report, fmt.Errorf("failed to remove synced sessions: %w", err)
		}
		if err := e.store.MarkSynced(ctx, ackedIDs, e.nowFn()); err != nil {
			e.log.Warn("failed to mark audit rows synced", "error", err)
		}
	}
	if report.Synced > 0 {
		if err := e.store.SetLastSync(ctx, e.nowFn()); err != nil {
			e.log.Warn("failed to record last sync", "error", err)
		}
	}

	if remaining, err := e.store.PendingQueue(ctx); err == nil {
		metrics.PendingQueueSize.Set(float64(len(remaining.Sessions)))
	}

	e.log.Info("drain complete", "synced", report.Synced, "failed", report.Failed)
	return report, nil
}

// resolve deduplicates and overlap-resolves the queue. It returns the entries
// to submit, in start order, plus a dropped-to-keeper mapping so subsumed
// entries leave the queue once their keeper is acknowledged.
func (e *Engine) resolve(sessions []models.Session) ([]models.Session, map[string]string) {
	superseded := make(map[string]string)

	// Only terminal records are syncable; an active record in the queue is a
	// bug upstream, skip it defensively.
	var entries []models.Session
	for _, s := range sessions {
		if s.EndTime != nil {
			entries = append(entries, s)
		}
	}

	// Deduplicate: same minute-truncated start plus same IP means the same
	// logical session queued more than once by overlapping triggers; keep the
	// longest observation.
	best := make(map[string]int)
	var keys []string
	for i, s := range entries {
		key := fmt.Sprintf("%d|%s", s.StartTime.Truncate(time.Minute).Unix(), s.IPAddress)
		if j, ok := best[key]; ok {
			if s.DurationSeconds > entries[j].DurationSeconds {
				superseded[entries[j].ID] = s.ID
				best[key] = i
			} else {
				superseded[s.ID] = entries[j].ID
			}
			metrics.SyncSessionsTotal.WithLabelValues("deduped").Inc()
			e.log.Info("duplicate queued session dropped", "key", key)
			continue
		}
		best[key] = i
		keys = append(keys, key)
	}
	deduped := make([]models.Session, 0, len(keys))
	for _, key := range keys {
		deduped = append(deduped, entries[best[key]])
	}

	// Resolve overlaps: walk in start order; an entry starting before the
	// previous end plus the inter-session gap double-counts connected time.
	sort.Slice(deduped, func(i, j int) bool {
		return deduped[i].StartTime.Before(deduped[j].StartTime)
	})
	var survivors []models.Session
	for _, s := range deduped {
		if len(survivors) == 0 {
			survivors = append(survivors, s)
			continue
		}
		prev := &survivors[len(survivors)-1]
		if s.StartTime.Before(prev.EndTime.Add(e.minGap)) {
			if s.DurationSeconds > prev.DurationSeconds {
				superseded[prev.ID] = s.ID
				e.log.Info("overlapping session dropped", "dropped", prev.ID, "kept", s.ID)
				*prev = s
			} else {
				superseded[s.ID] = prev.ID
				e.log.Info("overlapping session dropped", "dropped", s.ID, "kept", prev.ID)
			}
			metrics.SyncSessionsTotal.WithLabelValues("overlap_dropped").Inc()
			continue
		}
		survivors = append(survivors, s)
	}

	return survivors, superseded
}
