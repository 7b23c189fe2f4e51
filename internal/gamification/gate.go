package gamification

import (
	"context"
	"errors"
	"fmt"

	"github.com/moments-app/backend/internal/models"
	"github.com/moments-app/backend/internal/store"
)

// IsEligible reports whether every prerequisite of t has been achieved by the
// user. It reads the records on every call and stops at the first unmet one.
// A repeatable prerequisite counts once it has been unlocked at least once.
func (s *Service) IsEligible(ctx context.Context, userID string, t *models.AchievementTemplate) (bool, error) {
	for _, pid := range t.Prerequisites {
		rec, err := s.store.GetRecord(ctx, userID, pid)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("get prerequisite %s: %w", pid, err)
		}
		if rec.Status != models.StatusAchieved && rec.UnlockCount == 0 {
			return false, nil
		}
	}
	return true, nil
}
