package ratelimit

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiracore/devpulse/internal/cache"
	"github.com/kiracore/devpulse/internal/db"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, *cache.SQLite) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "rl.db"))
	require.NoError(t, err)
	require.NoError(t, database.Init())
	t.Cleanup(func() { database.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := cache.NewSQLite(database)
	return NewTracker(store, DefaultCostPerRepo, logger), store
}

func TestThreshold_Bounds(t *testing.T) {
	tests := []struct {
		name      string
		avg       float64
		total     int
		processed int
		want      int
	}{
		{"floor", 1, 10, 0, MinThreshold},
		{"ceiling", 50, 100, 0, MaxThreshold},
		{"in range", 10, 20, 0, 200},
		{"rounds up", 2.5, 41, 0, 103},
		{"done", 10, 20, 20, MinThreshold},
		{"over processed", 10, 20, 25, MinThreshold},
		{"negative average", -3, 20, 0, MinThreshold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Threshold(tt.avg, tt.total, tt.processed))
		})
	}
}

func TestThreshold_MonotonicNonIncreasing(t *testing.T) {
	for _, avg := range []float64{0, 0.5, 3, 10, 27.5, 200} {
		for _, total := range []int{0, 1, 7, 60, 400} {
			prev := Threshold(avg, total, 0)
			for processed := 0; processed <= total; processed++ {
				got := Threshold(avg, total, processed)
				assert.GreaterOrEqual(t, got, MinThreshold)
				assert.LessOrEqual(t, got, MaxThreshold)
				assert.LessOrEqual(t, got, prev, "avg=%v total=%d processed=%d", avg, total, processed)
				prev = got
			}
		}
	}
}

func TestTracker_ShouldWait(t *testing.T) {
	tr, _ := newTestTracker(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// 20 repos left at cost 10 -> threshold 200
	low := Info{Remaining: 150, ResetAt: now.Add(10 * time.Minute)}
	assert.True(t, tr.ShouldWait(low, 20, 0, now))

	plenty := Info{Remaining: 4000, ResetAt: now.Add(10 * time.Minute)}
	assert.False(t, tr.ShouldWait(plenty, 20, 0, now))

	alreadyReset := Info{Remaining: 10, ResetAt: now.Add(-time.Second)}
	assert.False(t, tr.ShouldWait(alreadyReset, 20, 0, now))
}

func TestTracker_SaveAndLoad(t *testing.T) {
	tr, store := newTestTracker(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, tr.Load(ctx))
	assert.Equal(t, DefaultCostPerRepo, tr.AvgCostPerRepo())

	for i := 0; i < 40; i++ {
		tr.Observe(Info{Remaining: 4000 - i})
	}
	assert.Equal(t, 40, tr.Requests())
	assert.Equal(t, 3961, tr.Last().Remaining)

	// 40 requests over 20 repos = 2/repo; 0.3*2 + 0.7*10 = 7.6
	m, err := tr.Save(ctx, 20, now)
	require.NoError(t, err)
	assert.InDelta(t, 7.6, m.AvgCostPerRepo, 1e-9)
	assert.Equal(t, 20, m.LastRunRepos)
	assert.Equal(t, 40, m.LastRunRequests)

	var stored Metrics
	ok, err := store.Get(ctx, cache.KeyRateLimitMetrics, &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 7.6, stored.AvgCostPerRepo, 1e-9)

	next := NewTracker(store, DefaultCostPerRepo, logrus.New())
	require.NoError(t, next.Load(ctx))
	assert.InDelta(t, 7.6, next.AvgCostPerRepo(), 1e-9)
	assert.Equal(t, 0, next.Requests())
}

func TestTracker_SaveWithoutRepos(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.Observe(Info{})
	m, err := tr.Save(context.Background(), 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, DefaultCostPerRepo, m.AvgCostPerRepo)
}
