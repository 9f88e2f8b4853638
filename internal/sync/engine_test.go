package sync

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusnet/attendance-agent/internal/models"
	"github.com/campusnet/attendance-agent/internal/store"
	"github.com/campusnet/attendance-agent/migrations"
)

// fakeSubmitter records submissions and fails the session IDs it is told to.
type fakeSubmitter struct {
	submitted []BackgroundSyncRequest
	failIDs   map[string]error
}

func (f *fakeSubmitter) BackgroundSync(_ context.Context, req BackgroundSyncRequest) error {
	if err, ok := f.failIDs[req.SessionID]; ok {
		return err
	}
	f.submitted = append(f.submitted, req)
	return nil
}

func setupEngine(t *testing.T, client Submitter, tokens TokenProvider) (*Engine, *store.SessionStore) {
	t.Helper()
	kv, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	if err := kv.RunMigrations(migrations.FS); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	sessions := store.NewSessionStore(kv, slog.Default())
	return NewEngine(sessions, client, tokens, time.Minute, 0, 0, slog.Default()), sessions
}

func queued(id string, start time.Time, durationSec int64, ip string) models.Session {
	end := start.Add(time.Duration(durationSec) * time.Second)
	return models.Session{
		ID:              id,
		StartTime:       start,
		EndTime:         &end,
		IPAddress:       ip,
		DurationSeconds: durationSec,
	}
}

func queueIDs(t *testing.T, s *store.SessionStore) []string {
	t.Helper()
	q, err := s.PendingQueue(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(q.Sessions))
	for _, sess := range q.Sessions {
		ids = append(ids, sess.ID)
	}
	return ids
}

func TestDrainEmptyQueue(t *testing.T) {
	client := &fakeSubmitter{}
	engine, _ := setupEngine(t, client, &StaticTokenSource{Value: "tok"})

	report, err := engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Empty(t, client.submitted)
}

func TestDrainSubmitsAndClearsQueue(t *testing.T) {
	client := &fakeSubmitter{}
	engine, sessions := setupEngine(t, client, &StaticTokenSource{Value: "tok"})
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, sessions.AppendPending(ctx, queued("a", base, 300, "10.140.0.5")))
	require.NoError(t, sessions.AppendPending(ctx, queued("b", base.Add(10*time.Minute), 300, "10.140.0.5")))

	report, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Synced: 2}, report)
	assert.Len(t, client.submitted, 2)
	assert.Empty(t, queueIDs(t, sessions))

	lastSync, err := sessions.LastSync(ctx)
	require.NoError(t, err)
	require.NotNil(t, lastSync)
}

func TestDrainDeduplicatesSameMinuteAndIP(t *testing.T) {
	client := &fakeSubmitter{}
	engine, sessions := setupEngine(t, client, &StaticTokenSource{Value: "tok"})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 10, 0, time.UTC)

	// Same logical session observed twice: starts 20s apart within the same
	// minute, same IP. The longer observation wins.
	require.NoError(t, sessions.AppendPending(ctx, queued("short", base, 300, "10.140.0.5")))
	require.NoError(t, sessions.AppendPending(ctx, queued("long", base.Add(20*time.Second), 600, "10.140.0.5")))

	report, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Synced: 1}, report)
	require.Len(t, client.submitted, 1)
	assert.Equal(t, "long", client.submitted[0].SessionID)
	assert.Equal(t, int64(600), client.submitted[0].Duration)

	// The subsumed duplicate leaves the queue with its keeper.
	assert.Empty(t, queueIDs(t, sessions))
}

func TestDrainDifferentIPNotDeduplicated(t *testing.T) {
	client := &fakeSubmitter{}
	engine, sessions := setupEngine(t, client, &StaticTokenSource{Value: "tok"})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, sessions.AppendPending(ctx, queued("a", base.Add(-2*time.Hour), 300, "10.140.0.5")))
	require.NoError(t, sessions.AppendPending(ctx, queued("b", base, 300, "10.141.9.9")))

	report, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Synced: 2}, report)
}

func TestDrainResolvesOverlap(t *testing.T) {
	client := &fakeSubmitter{}
	engine, sessions := setupEngine(t, client, &StaticTokenSource{Value: "tok"})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	// B starts inside A's span plus gap from a different IP, so dedup does not
	// catch it; the overlap pass keeps the longer record.
	require.NoError(t, sessions.AppendPending(ctx, queued("a", base, 3600, "10.140.0.5")))
	require.NoError(t, sessions.AppendPending(ctx, queued("b", base.Add(30*time.Minute), 600, "10.141.0.9")))

	report, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Synced: 1}, report)
	require.Len(t, client.submitted, 1)
	assert.Equal(t, "a", client.submitted[0].SessionID)
	assert.Empty(t, queueIDs(t, sessions))
}

func TestDrainNonOverlappingAllSurvive(t *testing.T) {
	client := &fakeSubmitter{}
	engine, sessions := setupEngine(t, client, &StaticTokenSource{Value: "tok"})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	// Second start is past the first end plus the 60s gap.
	require.NoError(t, sessions.AppendPending(ctx, queued("a", base, 600, "10.140.0.5")))
	require.NoError(t, sessions.AppendPending(ctx, queued("b", base.Add(12*time.Minute), 600, "10.141.0.9")))

	report, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Synced: 2}, report)
}

func TestDrainPartialFailureKeepsFailedQueued(t *testing.T) {
	netErr := &APIError{Kind: KindNetwork, Endpoint: "/session/background-sync", Message: "gateway timeout"}
	client := &fakeSubmitter{failIDs: map[string]error{"b": netErr}}
	engine, sessions := setupEngine(t, client, &StaticTokenSource{Value: "tok"})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, sessions.AppendPending(ctx, queued("a", base, 300, "10.140.0.5")))
	require.NoError(t, sessions.AppendPending(ctx, queued("b", base.Add(10*time.Minute), 300, "10.140.0.5")))
	require.NoError(t, sessions.AppendPending(ctx, queued("c", base.Add(20*time.Minute), 300, "10.140.0.5")))

	report, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Synced: 2, Failed: 1}, report)

	// Only the failed entry remains for the next drain.
	assert.Equal(t, []string{"b"}, queueIDs(t, sessions))
}

func TestDrainAuthFailureAbortsBatch(t *testing.T) {
	authErr := &APIError{Kind: KindAuthFailed, StatusCode: 401, Endpoint: "/session/background-sync"}
	client := &fakeSubmitter{failIDs: map[string]error{"a": authErr}}
	engine, sessions := setupEngine(t, client, &StaticTokenSource{Value: "tok"})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, sessions.AppendPending(ctx, queued("a", base, 300, "10.140.0.5")))
	require.NoError(t, sessions.AppendPending(ctx, queued("b", base.Add(10*time.Minute), 300, "10.140.0.5")))

	report, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Failed: 2}, report)
	assert.Empty(t, client.submitted, "nothing after the credential rejection is attempted")
	assert.Len(t, queueIDs(t, sessions), 2)
}

func TestDrainInvalidTokenSkipsNetwork(t *testing.T) {
	client := &fakeSubmitter{}
	engine, sessions := setupEngine(t, client, &StaticTokenSource{Value: ""})
	ctx := context.Background()

	require.NoError(t, sessions.AppendPending(ctx, queued("a", time.Now().UTC().Add(-time.Hour), 300, "10.140.0.5")))

	report, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Failed: 1}, report)
	assert.Empty(t, client.submitted)
	assert.Len(t, queueIDs(t, sessions), 1)
}

func TestDrainIdempotent(t *testing.T) {
	client := &fakeSubmitter{}
	engine, sessions := setupEngine(t, client, &StaticTokenSource{Value: "tok"})
	ctx := context.Background()

	require.NoError(t, sessions.AppendPending(ctx, queued("a", time.Now().UTC().Add(-time.Hour), 300, "10.140.0.5")))

	report, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Synced: 1}, report)

	report, err = engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Len(t, client.submitted, 1, "nothing resubmitted")
}

func TestDrainSkipsActiveRecords(t *testing.T) {
	client := &fakeSubmitter{}
	engine, sessions := setupEngine(t, client, &StaticTokenSource{Value: "tok"})
	ctx := context.Background()

	active := models.Session{
		ID:        "still-active",
		StartTime: time.Now().UTC(),
		IPAddress: "10.140.0.5",
		IsActive:  true,
	}
	require.NoError(t, sessions.AppendPending(ctx, active))

	report, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Empty(t, client.submitted)
}

func TestStatsReflectsQueue(t *testing.T) {
	client := &fakeSubmitter{}
	engine, sessions := setupEngine(t, client, &StaticTokenSource{Value: "tok"})
	ctx := context.Background()

	require.NoError(t, sessions.AppendPending(ctx, queued("a", time.Now().UTC().Add(-time.Hour), 300, "10.140.0.5")))

	stats, err := engine.Stats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingCount)
	assert.Nil(t, stats.LastSync)
}

func TestAckedCacheGuardsDoubleSubmit(t *testing.T) {
	client := &fakeSubmitter{}
	engine, sessions := setupEngine(t, client, &StaticTokenSource{Value: "tok"})
	ctx := context.Background()

	sess := queued("a", time.Now().UTC().Add(-time.Hour), 300, "10.140.0.5")
	require.NoError(t, sessions.AppendPending(ctx, sess))

	_, err := engine.Drain(ctx)
	require.NoError(t, err)

	// The same record reappears (a crashed removal, a restored backup). The
	// ack cache recognizes it and removes it without another network call.
	require.NoError(t, sessions.AppendPending(ctx, sess))
	report, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Synced: 1}, report)
	assert.Len(t, client.submitted, 1)
	assert.Empty(t, queueIDs(t, sessions))
}

var errPlain = errors.New("boom")

func TestKindOfUnwrapsAPIError(t *testing.T) {
	err := &APIError{Kind: KindNotFound, StatusCode: 404}
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errPlain))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}
