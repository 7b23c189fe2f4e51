package gamification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/moments-app/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu    sync.Mutex
	items map[string]*models.Leaderboard
	gets  int
	fail  bool
}

func newMapCache() *mapCache { return &mapCache{items: map[string]*models.Leaderboard{}} }

func (c *mapCache) GetLeaderboard(ctx context.Context, key string) (*models.Leaderboard, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.fail {
		return nil, errors.New("cache down")
	}
	return c.items[key], nil
}

func (c *mapCache) SetLeaderboard(ctx context.Context, key string, lb *models.Leaderboard, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("cache down")
	}
	c.items[key] = lb
	return nil
}

type sliceSink struct {
	mu  sync.Mutex
	got []*models.Leaderboard
}

func (s *sliceSink) ExportLeaderboard(ctx context.Context, lb *models.Leaderboard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, lb)
	return nil
}

func TestPeriodStart(t *testing.T) {
	now := time.Date(2025, time.March, 12, 17, 45, 0, 0, time.UTC) // Wednesday

	tests := []struct {
		period models.LeaderboardPeriod
		want   time.Time
		ok     bool
	}{
		{models.PeriodWeek, time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC), true},
		{models.PeriodMonth, time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC), true},
		{models.PeriodYear, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), true},
		{models.PeriodAllTime, time.Time{}, false},
	}

	for _, tt := range tests {
		got, ok := PeriodStart(tt.period, now)
		if ok != tt.ok || !got.Equal(tt.want) {
			t.Errorf("PeriodStart(%s) = %s %t, want %s %t", tt.period, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNormalizeLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultLeaderboardLimit},
		{-5, DefaultLeaderboardLimit},
		{7, 7},
		{100, 100},
		{500, MaxLeaderboardLimit},
	}
	for _, tt := range tests {
		if got := normalizeLimit(tt.in); got != tt.want {
			t.Errorf("normalizeLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRankEntries_TieBreaks(t *testing.T) {
	totals := map[string]*models.LeaderboardEntry{
		"carol": {UserID: "carol", TotalPoints: 50, AchievementCount: 2},
		"alice": {UserID: "alice", TotalPoints: 50, AchievementCount: 2},
		"bob":   {UserID: "bob", TotalPoints: 50, AchievementCount: 5},
		"dave":  {UserID: "dave", TotalPoints: 80, AchievementCount: 1},
	}

	byPoints := RankEntries(totals, models.MetricTotalPoints)
	assert.Equal(t, []string{"dave", "bob", "alice", "carol"}, userIDs(byPoints))
	for i, e := range byPoints {
		assert.Equal(t, i+1, e.Rank)
	}

	byCount := RankEntries(totals, models.MetricAchievementCount)
	assert.Equal(t, []string{"bob", "alice", "carol", "dave"}, userIDs(byCount))

	// Ranking is a pure function of its input.
	for i := 0; i < 10; i++ {
		assert.Equal(t, byPoints, RankEntries(totals, models.MetricTotalPoints))
	}
}

func userIDs(entries []models.LeaderboardEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.UserID
	}
	return ids
}

func TestAggregateUnlocks_Window(t *testing.T) {
	since := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	records := []models.UserProgressRecord{
		{UserID: "u1", Milestones: []models.Milestone{
			{Kind: models.MilestonePartial, Value: 50, AchievedAt: since.Add(time.Hour)},
			{Kind: models.MilestoneUnlock, Points: 10, AchievedAt: since.Add(-time.Hour)},
			{Kind: models.MilestoneUnlock, Points: 4, AchievedAt: since.Add(2 * time.Hour)},
		}},
		{UserID: "u2", Milestones: []models.Milestone{
			{Kind: models.MilestoneUnlock, Points: 6, AchievedAt: since},
		}},
	}

	windowed := aggregateUnlocks(records, since, true)
	require.Len(t, windowed, 2)
	assert.Equal(t, 4, windowed["u1"].TotalPoints)
	assert.Equal(t, 1, windowed["u1"].AchievementCount)
	assert.Equal(t, 6, windowed["u2"].TotalPoints)

	all := aggregateUnlocks(records, time.Time{}, false)
	assert.Equal(t, 14, all["u1"].TotalPoints)
	assert.Equal(t, 2, all["u1"].AchievementCount)
}

func seedLeaderboard(t *testing.T, f *fixture) {
	t.Helper()
	f.template(t, models.AchievementTemplate{Name: "Small", Metric: "small", Target: 1, Points: 5})
	f.template(t, models.AchievementTemplate{Name: "Big", Metric: "big", Target: 1, Points: 40})

	f.clock.Set(time.Date(2025, time.February, 20, 12, 0, 0, 0, time.UTC))
	f.apply(t, "old-timer", "big", 1)

	f.clock.Set(time.Date(2025, time.March, 11, 12, 0, 0, 0, time.UTC))
	f.apply(t, "newcomer", "small", 1)
	f.apply(t, "regular", "small", 1)
	f.apply(t, "regular", "big", 1)

	f.clock.Set(time.Date(2025, time.March, 12, 12, 0, 0, 0, time.UTC))
}

func TestComputeLeaderboard(t *testing.T) {
	f := newFixture(t)
	seedLeaderboard(t, f)
	ctx := context.Background()

	allTime, err := f.svc.ComputeLeaderboard(ctx, models.MetricTotalPoints, models.PeriodAllTime, 0)
	require.NoError(t, err)
	assert.Nil(t, allTime.From)
	assert.Equal(t, []string{"regular", "old-timer", "newcomer"}, userIDs(allTime.Entries))
	assert.Equal(t, 45, allTime.Entries[0].TotalPoints)

	week, err := f.svc.ComputeLeaderboard(ctx, models.MetricTotalPoints, models.PeriodWeek, 0)
	require.NoError(t, err)
	require.NotNil(t, week.From)
	assert.Equal(t, []string{"regular", "newcomer"}, userIDs(week.Entries))

	top1, err := f.svc.ComputeLeaderboard(ctx, models.MetricAchievementCount, models.PeriodYear, 1)
	require.NoError(t, err)
	require.Len(t, top1.Entries, 1)
	assert.Equal(t, "regular", top1.Entries[0].UserID)
	assert.Equal(t, 2, top1.Entries[0].AchievementCount)
}

func TestComputeLeaderboard_InvalidArgs(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ComputeLeaderboard(context.Background(), "karma", models.PeriodWeek, 10)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = f.svc.ComputeLeaderboard(context.Background(), models.MetricTotalPoints, "decade", 10)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestLeaderboard_ReadsThroughCache(t *testing.T) {
	cache := newMapCache()
	f := newFixture(t, WithLeaderboardCache(cache, time.Minute))
	seedLeaderboard(t, f)
	ctx := context.Background()

	first, err := f.svc.Leaderboard(ctx, models.MetricTotalPoints, models.PeriodAllTime, 0)
	require.NoError(t, err)
	require.Contains(t, cache.items, "leaderboard:total_points:all_time:20")

	// A later unlock is not visible until the cached entry is replaced.
	f.apply(t, "newcomer", "big", 1)
	second, err := f.svc.Leaderboard(ctx, models.MetricTotalPoints, models.PeriodAllTime, 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLeaderboard_CacheFailureFallsBack(t *testing.T) {
	cache := newMapCache()
	cache.fail = true
	f := newFixture(t, WithLeaderboardCache(cache, time.Minute))
	seedLeaderboard(t, f)

	lb, err := f.svc.Leaderboard(context.Background(), models.MetricTotalPoints, models.PeriodAllTime, 10)
	require.NoError(t, err)
	assert.Len(t, lb.Entries, 3)
}

func TestRefreshLeaderboards(t *testing.T) {
	cache := newMapCache()
	sink := &sliceSink{}
	f := newFixture(t, WithLeaderboardCache(cache, time.Minute), WithSnapshotSink(sink))
	seedLeaderboard(t, f)

	require.NoError(t, f.svc.RefreshLeaderboards(context.Background()))

	assert.Len(t, sink.got, len(leaderboardMetrics)*len(leaderboardPeriods))
	assert.Len(t, cache.items, len(leaderboardMetrics)*len(leaderboardPeriods)*2)
	assert.Contains(t, cache.items, "leaderboard:achievement_count:month:100")
}

func TestUpdateGlobalRanks(t *testing.T) {
	f := newFixture(t)
	seedLeaderboard(t, f)
	ctx := context.Background()

	n, err := f.svc.UpdateGlobalRanks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats, err := f.svc.UserStats(ctx, "old-timer")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.GlobalRank)

	// Recomputing stats keeps the rank.
	rebuilt, err := f.svc.RecomputeStats(ctx, "old-timer")
	require.NoError(t, err)
	assert.Equal(t, 40, rebuilt.TotalPoints)
	stats, _ = f.svc.UserStats(ctx, "old-timer")
	assert.Equal(t, 2, stats.GlobalRank)
}
