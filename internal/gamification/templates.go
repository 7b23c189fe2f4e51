package gamification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/moments-app/backend/internal/models"
	"github.com/moments-app/backend/internal/store"
)

// ── Template Administration ─────────────────────────────

func (s *Service) ListTemplates(ctx context.Context) ([]models.AchievementTemplate, error) {
	ts, err := s.store.ListTemplates(ctx)
	if err != nil {
		return nil, wrap("ListTemplates", "", err)
	}
	return ts, nil
}

func (s *Service) GetTemplate(ctx context.Context, id string) (*models.AchievementTemplate, error) {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, wrap("GetTemplate", id, err)
	}
	return t, nil
}

// CreateTemplate validates t, assigns its id, slug and version and stores it.
func (s *Service) CreateTemplate(ctx context.Context, t *models.AchievementTemplate) (*models.AchievementTemplate, error) {
	const op = "CreateTemplate"

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.TemplateActive
	}
	t.Slug = slug.Make(t.Name)
	t.Version = 1
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now

	if err := s.validateTemplate(ctx, t); err != nil {
		return nil, err
	}

	if err := s.store.CreateTemplate(ctx, t); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, &Error{Kind: KindConflict, Op: op, TemplateID: t.ID,
				Err: fmt.Errorf("template named %q already exists", t.Name)}
		}
		return nil, wrap(op, t.ID, err)
	}

	log.Printf("[gamification] created template %s (%s)", t.ID, t.Slug)
	return t, nil
}

// UpdateTemplate replaces the template with id. If t.Version is set it must
// match the stored version.
func (s *Service) UpdateTemplate(ctx context.Context, id string, t *models.AchievementTemplate) (*models.AchievementTemplate, error) {
	const op = "UpdateTemplate"

	cur, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, wrap(op, id, err)
	}
	expected := cur.Version
	if t.Version != 0 && t.Version != cur.Version {
		return nil, &Error{Kind: KindConflict, Op: op, TemplateID: id,
			Err: fmt.Errorf("template is at version %d, not %d", cur.Version, t.Version)}
	}

	t.ID = id
	t.Slug = slug.Make(t.Name)
	t.Version = cur.Version + 1
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = s.now()
	if t.Status == "" {
		t.Status = cur.Status
	}

	if err := s.validateTemplate(ctx, t); err != nil {
		return nil, err
	}
	if err := s.saveTemplate(ctx, op, t, expected); err != nil {
		return nil, err
	}
	return t, nil
}

// DeprecateTemplate stops a template from accepting progress while keeping its
// records.
func (s *Service) DeprecateTemplate(ctx context.Context, id string) (*models.AchievementTemplate, error) {
	const op = "DeprecateTemplate"

	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, wrap(op, id, err)
	}
	if t.Status == models.TemplateDeprecated {
		return t, nil
	}
	expected := t.Version
	t.Status = models.TemplateDeprecated
	t.Version++
	t.UpdatedAt = s.now()
	if err := s.saveTemplate(ctx, op, t, expected); err != nil {
		return nil, err
	}
	log.Printf("[gamification] deprecated template %s", id)
	return t, nil
}

// DeleteTemplate removes a template. Without hard, a template that still has
// progress records is deprecated instead and deleted reports false. With hard,
// the records are removed and the affected users' stats are recomputed.
func (s *Service) DeleteTemplate(ctx context.Context, id string, hard bool) (deleted bool, err error) {
	const op = "DeleteTemplate"

	if _, err := s.store.GetTemplate(ctx, id); err != nil {
		return false, wrap(op, id, err)
	}

	if !hard {
		n, err := s.store.CountTemplateRecords(ctx, id)
		if err != nil {
			return false, wrap(op, id, err)
		}
		if n > 0 {
			if _, err := s.DeprecateTemplate(ctx, id); err != nil {
				return false, err
			}
			return false, nil
		}
	}

	all, err := s.store.ListTemplates(ctx)
	if err != nil {
		return false, wrap(op, id, err)
	}
	for _, other := range all {
		for _, pid := range other.Prerequisites {
			if pid == id {
				return false, &Error{Kind: KindValidation, Op: op, TemplateID: id,
					Err: fmt.Errorf("template is a prerequisite of %s", other.ID)}
			}
		}
	}

	var users []string
	if hard {
		users, err = s.store.DeleteTemplateRecords(ctx, id)
		if err != nil {
			return false, wrap(op, id, fmt.Errorf("delete records: %w", err))
		}
	}
	deleteErr := s.store.DeleteTemplate(ctx, id)

	// The records are gone even if the template delete failed.
	for _, uid := range users {
		if _, err := s.RecomputeStats(ctx, uid); err != nil {
			log.Printf("[gamification] recompute stats for user %s after deleting %s: %v", uid, id, err)
		}
	}
	if deleteErr != nil {
		return false, wrap(op, id, deleteErr)
	}
	log.Printf("[gamification] deleted template %s (hard=%t, %d users affected)", id, hard, len(users))
	return true, nil
}

func (s *Service) saveTemplate(ctx context.Context, op string, t *models.AchievementTemplate, expected int) error {
	err := s.store.UpdateTemplate(ctx, t, expected)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrDuplicate):
		return &Error{Kind: KindConflict, Op: op, TemplateID: t.ID,
			Err: fmt.Errorf("template named %q already exists", t.Name)}
	default:
		return wrap(op, t.ID, err)
	}
}

// validateTemplate checks t on its own, then checks its prerequisites exist and
// do not introduce a cycle into the template graph.
func (s *Service) validateTemplate(ctx context.Context, t *models.AchievementTemplate) error {
	const op = "ValidateTemplate"

	if err := checkTemplate(t); err != nil {
		return &Error{Kind: KindValidation, Op: op, TemplateID: t.ID, Err: err}
	}
	if t.Slug == "" {
		return &Error{Kind: KindValidation, Op: op, TemplateID: t.ID,
			Err: errors.New("name must contain letters or digits")}
	}
	if len(t.Prerequisites) == 0 {
		return nil
	}

	all, err := s.store.ListTemplates(ctx)
	if err != nil {
		return wrap(op, t.ID, err)
	}
	graph := make(map[string][]string, len(all)+1)
	for _, other := range all {
		graph[other.ID] = other.Prerequisites
	}
	for _, pid := range t.Prerequisites {
		if _, ok := graph[pid]; !ok {
			return &Error{Kind: KindValidation, Op: op, TemplateID: t.ID,
				Err: fmt.Errorf("unknown prerequisite %s", pid)}
		}
	}
	graph[t.ID] = t.Prerequisites

	if cycle := findCycle(graph, t.ID); cycle != nil {
		return &Error{Kind: KindValidation, Op: op, TemplateID: t.ID,
			Err: fmt.Errorf("prerequisite cycle: %s", strings.Join(cycle, " -> "))}
	}
	return nil
}
