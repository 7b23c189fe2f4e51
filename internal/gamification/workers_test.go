package gamification

import (
	"context"
	"testing"
	"time"

	"github.com/moments-app/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatsReconcileRepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.template(t, models.AchievementTemplate{Name: "Drift", Metric: "m", Target: 1, Points: 12})
	f.apply(t, "u1", "m", 1)

	// Simulate a lost stats delta.
	require.NoError(t, f.store.ReplaceStats(ctx, &models.AggregateStats{UserID: "u1"}))

	f.svc.runStatsReconcile(ctx, f.store)

	stats, err := f.svc.UserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 12, stats.TotalPoints)
	assert.Equal(t, 1, stats.AchievedCount)
}

func TestStartWorkers(t *testing.T) {
	cache := newMapCache()
	f := newFixture(t, WithLeaderboardCache(cache, time.Minute))
	f.template(t, models.AchievementTemplate{Name: "Tick", Metric: "m", Target: 1, Points: 1})
	f.apply(t, "u1", "m", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched, err := f.svc.StartWorkers(ctx, WorkerConfig{
		LeaderboardRefresh: 20 * time.Millisecond,
		StatsReconcile:     20 * time.Millisecond,
		Users:              f.store,
	})
	require.NoError(t, err)
	assert.Len(t, sched.Jobs(), 2)

	assert.Eventually(t, func() bool {
		st, err := f.store.GetStats(context.Background(), "u1")
		return err == nil && st.GlobalRank == 1
	}, 2*time.Second, 10*time.Millisecond)

	cache.mu.Lock()
	warmed := len(cache.items)
	cache.mu.Unlock()
	assert.Positive(t, warmed)
}

func TestStartWorkersWithoutReconciler(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched, err := f.svc.StartWorkers(ctx, WorkerConfig{LeaderboardRefresh: time.Hour, StatsReconcile: time.Hour})
	require.NoError(t, err)
	assert.Len(t, sched.Jobs(), 1)
}
