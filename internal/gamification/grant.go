package gamification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/moments-app/backend/internal/models"
	"github.com/moments-app/backend/internal/store"
)

var errAlreadyAchieved = errors.New("achievement already unlocked")

// GrantManually unlocks templateID for userID on an administrator's behalf.
// The prerequisite gate and condition evaluator are bypassed; stats and
// notifications follow the same path as an automatic unlock. The record is
// written once: the grant either fully applies or not at all.
func (s *Service) GrantManually(ctx context.Context, adminID, userID, templateID, reason string) (*models.UserProgressRecord, error) {
	const op = "GrantManually"

	reason = strings.TrimSpace(reason)
	switch {
	case strings.TrimSpace(userID) == "":
		return nil, validationErr(op, "user id is required")
	case strings.TrimSpace(templateID) == "":
		return nil, validationErr(op, "template id is required")
	case reason == "":
		return nil, validationErr(op, "grant reason is required")
	}

	t, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, wrap(op, templateID, fmt.Errorf("get template: %w", err))
	}

	for attempt := 0; ; attempt++ {
		rec, unlock, err := s.grantOnce(ctx, t, adminID, userID, reason)
		if err == nil {
			s.afterUnlock(ctx, t, unlock)
			log.Printf("[gamification] admin %s granted %s to user %s: %s", adminID, t.ID, userID, reason)
			return rec, nil
		}
		if errors.Is(err, errAlreadyAchieved) {
			return nil, &Error{Kind: KindConflict, Op: op, TemplateID: t.ID, Err: err}
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, wrap(op, t.ID, err)
		}
		if attempt >= s.maxRetries {
			return nil, &Error{Kind: KindTransient, Op: op, TemplateID: t.ID,
				Err: fmt.Errorf("gave up after %d retries: %w", s.maxRetries, err)}
		}
	}
}

// grantOnce writes the granted record in a single store call: an insert when
// the user has no record yet, a versioned save otherwise.
func (s *Service) grantOnce(ctx context.Context, t *models.AchievementTemplate, adminID, userID, reason string) (*models.UserProgressRecord, *models.UnlockResult, error) {
	now := s.now()
	rec, err := s.store.GetRecord(ctx, userID, t.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = nil
	case err != nil:
		return nil, nil, fmt.Errorf("get record: %w", err)
	case rec.Status == models.StatusAchieved && !t.IsRepeatable:
		return nil, nil, errAlreadyAchieved
	}

	var next *models.UserProgressRecord
	if rec == nil {
		next = newRecord(userID, t, now)
	} else {
		next = rec.Clone()
	}
	next.TemplateVersion = t.Version
	unlock := markUnlocked(next, t, now)
	next.GrantReason = reason
	next.GrantedBy = adminID
	unlock.Manual = true
	unlock.GrantReason = reason

	if rec == nil {
		// A racing create surfaces as ErrConflict and is retried against the winner.
		if err := s.store.CreateRecord(ctx, next); err != nil {
			return nil, nil, fmt.Errorf("create record: %w", err)
		}
		return next, unlock, nil
	}
	if err := s.store.SaveRecord(ctx, next, rec.Version); err != nil {
		return nil, nil, fmt.Errorf("save record: %w", err)
	}
	return next, unlock, nil
}
