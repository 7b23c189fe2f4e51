// Package store defines the persistence contract consumed by the achievement
// engine. Implementations live in the memory, postgres and mongodb subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moments-app/backend/internal/models"
)

var (
	// ErrNotFound is returned when a requested template, record or stats row is missing.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic version precondition fails, including
	// a lazy create that races another create for the same (user, template) pair.
	ErrConflict = errors.New("version conflict")
	// ErrDuplicate is returned when a unique constraint other than the record key fails.
	ErrDuplicate = errors.New("duplicate")
	// ErrTransient marks timeouts and unavailability; callers may retry.
	ErrTransient = errors.New("transient storage error")
)

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

type TemplateStore interface {
	CreateTemplate(ctx context.Context, t *models.AchievementTemplate) error
	// UpdateTemplate replaces the template when its stored version equals expectedVersion.
	UpdateTemplate(ctx context.Context, t *models.AchievementTemplate, expectedVersion int) error
	GetTemplate(ctx context.Context, id string) (*models.AchievementTemplate, error)
	ListTemplates(ctx context.Context) ([]models.AchievementTemplate, error)
	// ListTemplatesByMetric returns active templates tracking metric.
	ListTemplatesByMetric(ctx context.Context, metric string) ([]models.AchievementTemplate, error)
	DeleteTemplate(ctx context.Context, id string) error
}

type ProgressStore interface {
	GetRecord(ctx context.Context, userID, templateID string) (*models.UserProgressRecord, error)
	// CreateRecord inserts a record with version 1. ErrConflict if one already exists.
	CreateRecord(ctx context.Context, rec *models.UserProgressRecord) error
	// SaveRecord writes rec if the stored version equals expectedVersion and bumps
	// rec.Version on success. ErrConflict otherwise.
	SaveRecord(ctx context.Context, rec *models.UserProgressRecord, expectedVersion int64) error
	ListUserRecords(ctx context.Context, userID string) ([]models.UserProgressRecord, error)
	// ListUnlockedSince returns records unlocked at least once whose last unlock is at
	// or after since. A zero since returns every unlocked record.
	ListUnlockedSince(ctx context.Context, since time.Time) ([]models.UserProgressRecord, error)
	CountTemplateRecords(ctx context.Context, templateID string) (int64, error)
	// DeleteTemplateRecords removes every record for templateID and returns the affected user ids.
	DeleteTemplateRecords(ctx context.Context, templateID string) ([]string, error)
}

type StatsStore interface {
	GetStats(ctx context.Context, userID string) (*models.AggregateStats, error)
	// ApplyUnlock atomically adds delta to the user's stats, creating them if needed,
	// and trims the recent-unlocks buffer to recentLimit entries.
	ApplyUnlock(ctx context.Context, userID string, delta models.StatsDelta, recentLimit int) error
	ReplaceStats(ctx context.Context, stats *models.AggregateStats) error
	SetGlobalRank(ctx context.Context, userID string, rank int) error
	// ListStatsUsers returns every user with a stats row or an unlocked record.
	ListStatsUsers(ctx context.Context) ([]string, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	TemplateStore
	ProgressStore
	StatsStore
}
