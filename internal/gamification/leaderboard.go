package gamification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/moments-app/backend/internal/models"
	"github.com/moments-app/backend/internal/store"
)

const (
	DefaultLeaderboardLimit = 20
	MaxLeaderboardLimit     = 100
)

// LeaderboardCache stores computed leaderboards. GetLeaderboard returns
// (nil, nil) on a miss.
type LeaderboardCache interface {
	GetLeaderboard(ctx context.Context, key string) (*models.Leaderboard, error)
	SetLeaderboard(ctx context.Context, key string, lb *models.Leaderboard, ttl time.Duration) error
}

// SnapshotSink persists leaderboard snapshots outside the primary store.
type SnapshotSink interface {
	ExportLeaderboard(ctx context.Context, lb *models.Leaderboard) error
}

var (
	leaderboardMetrics = []models.LeaderboardMetric{models.MetricTotalPoints, models.MetricAchievementCount}
	leaderboardPeriods = []models.LeaderboardPeriod{models.PeriodAllTime, models.PeriodWeek, models.PeriodMonth, models.PeriodYear}
)

// PeriodStart returns the inclusive UTC start of the calendar window containing
// now. ok is false for all_time.
func PeriodStart(period models.LeaderboardPeriod, now time.Time) (start time.Time, ok bool) {
	now = now.UTC()
	y, m, _ := now.Date()
	switch period {
	case models.PeriodWeek:
		return UnitStart(now, models.TimeframeWeekly), true
	case models.PeriodMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC), true
	case models.PeriodYear:
		return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

func validLeaderboardArgs(metric models.LeaderboardMetric, period models.LeaderboardPeriod) error {
	okMetric, okPeriod := false, false
	for _, m := range leaderboardMetrics {
		okMetric = okMetric || m == metric
	}
	for _, p := range leaderboardPeriods {
		okPeriod = okPeriod || p == period
	}
	if !okMetric {
		return validationErr("ComputeLeaderboard", "unknown leaderboard metric %q", metric)
	}
	if !okPeriod {
		return validationErr("ComputeLeaderboard", "unknown leaderboard period %q", period)
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLeaderboardLimit
	}
	if limit > MaxLeaderboardLimit {
		return MaxLeaderboardLimit
	}
	return limit
}

// ComputeLeaderboard ranks users by metric over the calendar period containing
// now. It only reads progress records.
func (s *Service) ComputeLeaderboard(ctx context.Context, metric models.LeaderboardMetric, period models.LeaderboardPeriod, limit int) (*models.Leaderboard, error) {
	if err := validLeaderboardArgs(metric, period); err != nil {
		return nil, err
	}
	return s.rank(ctx, metric, period, normalizeLimit(limit))
}

// rank computes the full ranking and truncates it to limit. A limit of 0 keeps
// every entry.
func (s *Service) rank(ctx context.Context, metric models.LeaderboardMetric, period models.LeaderboardPeriod, limit int) (*models.Leaderboard, error) {
	now := s.now()
	since, windowed := PeriodStart(period, now)

	records, err := s.store.ListUnlockedSince(ctx, since)
	if err != nil {
		return nil, wrap("ComputeLeaderboard", "", fmt.Errorf("list unlocked records: %w", err))
	}

	entries := RankEntries(aggregateUnlocks(records, since, windowed), metric)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	lb := &models.Leaderboard{
		Metric:      metric,
		Period:      period,
		GeneratedAt: now,
		Entries:     entries,
	}
	if windowed {
		lb.From = &since
	}
	return lb, nil
}

// aggregateUnlocks sums points and counts unlocks per user from the unlock
// milestones that fall inside the window.
func aggregateUnlocks(records []models.UserProgressRecord, since time.Time, windowed bool) map[string]*models.LeaderboardEntry {
	totals := make(map[string]*models.LeaderboardEntry)
	for _, rec := range records {
		for _, m := range rec.Milestones {
			if m.Kind != models.MilestoneUnlock {
				continue
			}
			if windowed && m.AchievedAt.Before(since) {
				continue
			}
			e, ok := totals[rec.UserID]
			if !ok {
				e = &models.LeaderboardEntry{UserID: rec.UserID}
				totals[rec.UserID] = e
			}
			e.TotalPoints += m.Points
			e.AchievementCount++
		}
	}
	return totals
}

// RankEntries orders entries by metric descending, then the other metric
// descending, then user id ascending, and assigns ranks 1..N in that order.
func RankEntries(totals map[string]*models.LeaderboardEntry, metric models.LeaderboardMetric) []models.LeaderboardEntry {
	entries := make([]models.LeaderboardEntry, 0, len(totals))
	for _, e := range totals {
		entries = append(entries, *e)
	}

	key := func(e models.LeaderboardEntry) (primary, secondary int) {
		if metric == models.MetricAchievementCount {
			return e.AchievementCount, e.TotalPoints
		}
		return e.TotalPoints, e.AchievementCount
	}
	sort.Slice(entries, func(i, j int) bool {
		pi, si := key(entries[i])
		pj, sj := key(entries[j])
		if pi != pj {
			return pi > pj
		}
		if si != sj {
			return si > sj
		}
		return entries[i].UserID < entries[j].UserID
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

func leaderboardKey(metric models.LeaderboardMetric, period models.LeaderboardPeriod, limit int) string {
	return fmt.Sprintf("leaderboard:%s:%s:%d", metric, period, limit)
}

// Leaderboard is ComputeLeaderboard read through the leaderboard cache.
func (s *Service) Leaderboard(ctx context.Context, metric models.LeaderboardMetric, period models.LeaderboardPeriod, limit int) (*models.Leaderboard, error) {
	if err := validLeaderboardArgs(metric, period); err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)
	if s.cache == nil {
		return s.rank(ctx, metric, period, limit)
	}

	key := leaderboardKey(metric, period, limit)
	if lb, err := s.cache.GetLeaderboard(ctx, key); err != nil {
		log.Printf("[gamification] leaderboard cache read %s: %v", key, err)
	} else if lb != nil {
		return lb, nil
	}

	lb, err := s.rank(ctx, metric, period, limit)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetLeaderboard(ctx, key, lb, s.cacheTTL); err != nil {
		log.Printf("[gamification] leaderboard cache write %s: %v", key, err)
	}
	return lb, nil
}

// RefreshLeaderboards recomputes every metric and period, warms the cache for
// the requested limits and exports the full-size snapshot.
func (s *Service) RefreshLeaderboards(ctx context.Context) error {
	var errs []error
	for _, metric := range leaderboardMetrics {
		for _, period := range leaderboardPeriods {
			lb, err := s.rank(ctx, metric, period, MaxLeaderboardLimit)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if s.cache != nil {
				for _, limit := range []int{DefaultLeaderboardLimit, MaxLeaderboardLimit} {
					trimmed := *lb
					if len(trimmed.Entries) > limit {
						trimmed.Entries = trimmed.Entries[:limit]
					}
					if err := s.cache.SetLeaderboard(ctx, leaderboardKey(metric, period, limit), &trimmed, s.cacheTTL); err != nil {
						log.Printf("[gamification] leaderboard cache write: %v", err)
					}
				}
			}
			if s.sink != nil {
				if err := s.sink.ExportLeaderboard(ctx, lb); err != nil {
					log.Printf("[gamification] leaderboard export %s/%s: %v", metric, period, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// UpdateGlobalRanks writes each user's all-time points rank into their stats.
func (s *Service) UpdateGlobalRanks(ctx context.Context) (int, error) {
	lb, err := s.rank(ctx, models.MetricTotalPoints, models.PeriodAllTime, 0)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, e := range lb.Entries {
		err := s.store.SetGlobalRank(ctx, e.UserID, e.Rank)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return updated, wrap("UpdateGlobalRanks", "", err)
		}
		updated++
	}
	return updated, nil
}
