package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/playarr/internal/backend"
	"github.com/jmylchreest/playarr/internal/config"
	"github.com/jmylchreest/playarr/internal/database"
	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/session"
)

var epoch = time.Date(2026, 4, 10, 18, 0, 0, 0, time.UTC)

func newStore(t *testing.T) Store {
	t.Helper()
	db, err := database.Open(context.Background(), config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      ":memory:",
		LogLevel: "silent",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db.DB)
}

func summary(id, url string, state models.SessionState, ended time.Time) session.Summary {
	return session.Summary{
		SessionID:  id,
		Source:     models.PlaybackSource{Name: "Main", URL: url, ProtocolType: models.ProtocolSegmented},
		Backend:    backend.FamilySegmented,
		FinalState: state,
		Attempts:   1,
		StartedAt:  ended.Add(-time.Minute),
		EndedAt:    ended,
		Reason:     "unmount",
	}
}

func TestRecordFromSummary(t *testing.T) {
	s := summary("s1", "https://cdn.example/a.m3u8", models.StateFailed, epoch)
	s.ErrorClass = models.ClassRetryBudgetExhausted.String()
	s.Stalls = 3
	s.Bytes = 4096

	rec := RecordFromSummary(s)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "Main", rec.SourceName)
	assert.Equal(t, "segmented", rec.ProtocolType)
	assert.Equal(t, "segmented", rec.Backend)
	assert.Equal(t, "failed", rec.FinalState)
	assert.Equal(t, "retry-budget-exhausted", rec.ErrorClass)
	assert.Equal(t, 3, rec.Stalls)
	assert.Equal(t, int64(4096), rec.Bytes)
	assert.Equal(t, time.Minute, rec.Duration())
}

func TestStore_ListFiltersAndOrders(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for i, s := range []session.Summary{
		summary("s1", "https://cdn.example/a.m3u8", models.StatePlaying, epoch),
		summary("s2", "https://cdn.example/b.mpd", models.StateFailed, epoch.Add(time.Minute)),
		summary("s3", "https://cdn.example/a.m3u8", models.StateFailed, epoch.Add(2*time.Minute)),
	} {
		require.NoError(t, store.Create(ctx, RecordFromSummary(s)), "record %d", i)
	}

	all, total, err := store.List(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, all, 3)
	assert.Equal(t, "s3", all[0].SessionID)
	assert.Equal(t, "s1", all[2].SessionID)

	bySource, total, err := store.List(ctx, Query{SourceURL: "https://cdn.example/a.m3u8"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, bySource, 2)

	failed, total, err := store.List(ctx, Query{FinalState: "failed", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, failed, 1)
	assert.Equal(t, "s3", failed[0].SessionID)
}

func TestStore_Prune(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, RecordFromSummary(summary("old", "https://a.example/x.m3u8", models.StatePlaying, epoch.Add(-48*time.Hour)))))
	require.NoError(t, store.Create(ctx, RecordFromSummary(summary("new", "https://a.example/x.m3u8", models.StatePlaying, epoch))))

	n, err := store.Prune(ctx, epoch.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, _, err := store.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[0].SessionID)
}

func TestRecorder_WritesQueuedSummariesAndPrunes(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, RecordFromSummary(summary("ancient", "https://a.example/x.m3u8", models.StatePlaying, epoch.Add(-60*24*time.Hour)))))

	rec := NewRecorder(store, RecorderConfig{
		Retention: 30 * 24 * time.Hour,
		Now:       func() time.Time { return epoch },
	})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- rec.Run(runCtx) }()

	rec.SessionEnded(summary("s1", "https://cdn.example/a.m3u8", models.StatePlaying, epoch))
	rec.SessionEnded(summary("s2", "https://cdn.example/a.m3u8", models.StateFailed, epoch))

	require.Eventually(t, func() bool {
		_, total, err := store.List(ctx, Query{})
		return err == nil && total == 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	recs, _, err := store.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	ids := []string{recs[0].SessionID, recs[1].SessionID}
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
}

type failingStore struct{ Store }

func (failingStore) Create(context.Context, *models.PlaybackRecord) error {
	return errors.New("disk full")
}

func TestRecorder_DropsWhenQueueFull(t *testing.T) {
	rec := NewRecorder(failingStore{}, RecorderConfig{QueueSize: 1})
	rec.SessionEnded(summary("s1", "https://a.example/x.m3u8", models.StatePlaying, epoch))
	rec.SessionEnded(summary("s2", "https://a.example/x.m3u8", models.StatePlaying, epoch))
	assert.Len(t, rec.queue, 1)

	// A failing store is logged, not fatal.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, rec.Run(ctx))
	assert.Empty(t, rec.queue)
}
