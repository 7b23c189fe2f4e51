package gamification

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// ── Background Workers ──────────────────────────────────

// StatsReconciler lists the users whose stats should be rebuilt.
type StatsReconciler interface {
	ListStatsUsers(ctx context.Context) ([]string, error)
}

type WorkerConfig struct {
	LeaderboardRefresh time.Duration
	StatsReconcile     time.Duration
	// Users, when set, enables the periodic stats reconciliation job.
	Users StatsReconciler
}

// StartWorkers schedules the leaderboard refresh and stats reconciliation jobs.
// The returned scheduler is shut down when ctx is cancelled.
func (s *Service) StartWorkers(ctx context.Context, cfg WorkerConfig) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	if cfg.LeaderboardRefresh > 0 {
		_, err = sched.NewJob(
			gocron.DurationJob(cfg.LeaderboardRefresh),
			gocron.NewTask(func() { s.runLeaderboardRefresh(ctx) }),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, fmt.Errorf("schedule leaderboard refresh: %w", err)
		}
	}

	if cfg.StatsReconcile > 0 && cfg.Users != nil {
		_, err = sched.NewJob(
			gocron.DurationJob(cfg.StatsReconcile),
			gocron.NewTask(func() { s.runStatsReconcile(ctx, cfg.Users) }),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, fmt.Errorf("schedule stats reconcile: %w", err)
		}
	}

	sched.Start()
	log.Println("[gamification] Background workers started")

	go func() {
		<-ctx.Done()
		if err := sched.Shutdown(); err != nil {
			log.Printf("[gamification] scheduler shutdown: %v", err)
		}
		log.Println("[gamification] Background workers shutting down")
	}()
	return sched, nil
}

func (s *Service) runLeaderboardRefresh(ctx context.Context) {
	start := time.Now()
	if err := s.RefreshLeaderboards(ctx); err != nil {
		log.Printf("[gamification] leaderboard refresh: %v", err)
	}
	n, err := s.UpdateGlobalRanks(ctx)
	if err != nil {
		log.Printf("[gamification] global rank update: %v", err)
	}
	log.Printf("[gamification] leaderboard refresh done in %s, %d ranks updated", time.Since(start).Round(time.Millisecond), n)
}

func (s *Service) runStatsReconcile(ctx context.Context, users StatsReconciler) {
	ids, err := users.ListStatsUsers(ctx)
	if err != nil {
		log.Printf("[gamification] stats reconcile: failed to list users: %v", err)
		return
	}
	failed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RecomputeStats(ctx, id); err != nil {
			failed++
			log.Printf("[gamification] stats reconcile: user %s: %v", id, err)
		}
	}
	log.Printf("[gamification] stats reconcile: %d users, %d failed", len(ids), failed)
}
