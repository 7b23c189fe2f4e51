package gamification

import (
	"context"
	"fmt"
	"log"

	"github.com/gosimple/slug"
	"github.com/moments-app/backend/internal/models"
)

// ── Default Catalog ─────────────────────────────────────

type catalogEntry struct {
	Name        string
	Description string
	Condition   models.ConditionType
	Metric      string
	Target      int
	Timeframe   models.Timeframe
	Points      int
	Difficulty  models.Difficulty
	Category    string
	Requires    string // slug of the prerequisite
	Hidden      bool
	Repeatable  bool
}

var defaultCatalog = []catalogEntry{
	{Name: "First Moment", Description: "Share your first moment", Condition: models.ConditionCount, Metric: "moments_created", Target: 1, Points: 50, Difficulty: models.DifficultyEasy, Category: "creation"},
	{Name: "Storyteller", Description: "Share 100 moments", Condition: models.ConditionCount, Metric: "moments_created", Target: 100, Points: 100, Difficulty: models.DifficultyMedium, Category: "creation", Requires: "first-moment"},
	{Name: "Archivist", Description: "Share 1,000 moments", Condition: models.ConditionCount, Metric: "moments_created", Target: 1000, Points: 500, Difficulty: models.DifficultyLegendary, Category: "creation", Requires: "storyteller"},

	{Name: "Getting Started", Description: "3-day streak", Condition: models.ConditionStreak, Metric: "daily_active", Target: 3, Timeframe: models.TimeframeDaily, Points: 10, Difficulty: models.DifficultyEasy, Category: "streaks"},
	{Name: "Week Warrior", Description: "7-day streak", Condition: models.ConditionStreak, Metric: "daily_active", Target: 7, Timeframe: models.TimeframeDaily, Points: 25, Difficulty: models.DifficultyMedium, Category: "streaks"},
	{Name: "Monthly Master", Description: "30-day streak", Condition: models.ConditionStreak, Metric: "daily_active", Target: 30, Timeframe: models.TimeframeDaily, Points: 100, Difficulty: models.DifficultyHard, Category: "streaks"},
	{Name: "Centurion", Description: "100-day streak", Condition: models.ConditionStreak, Metric: "daily_active", Target: 100, Timeframe: models.TimeframeDaily, Points: 500, Difficulty: models.DifficultyLegendary, Category: "streaks", Hidden: true},
	{Name: "Regular", Description: "Post in 4 consecutive weeks", Condition: models.ConditionStreak, Metric: "weekly_active", Target: 4, Timeframe: models.TimeframeWeekly, Points: 40, Difficulty: models.DifficultyMedium, Category: "streaks"},

	{Name: "Popular", Description: "Reach 1,000 followers", Condition: models.ConditionMilestone, Metric: "followers", Target: 1000, Points: 200, Difficulty: models.DifficultyHard, Category: "community"},
	{Name: "Social Butterfly", Description: "Add 5 friends", Condition: models.ConditionCount, Metric: "friends_added", Target: 5, Points: 25, Difficulty: models.DifficultyEasy, Category: "community"},
	{Name: "Heartfelt", Description: "Give 50 hearts", Condition: models.ConditionSocial, Metric: "reactions_given", Target: 50, Points: 20, Difficulty: models.DifficultyEasy, Category: "community"},
	{Name: "Weekly Curator", Description: "Share 10 moments in a week, again and again", Condition: models.ConditionCount, Metric: "moments_shared", Target: 10, Points: 15, Difficulty: models.DifficultyMedium, Category: "community", Repeatable: true},
}

// DefaultTemplates returns the stock template catalog. Prerequisites are given
// by slug and resolved by SeedTemplates.
func DefaultTemplates() []models.AchievementTemplate {
	out := make([]models.AchievementTemplate, 0, len(defaultCatalog))
	for _, e := range defaultCatalog {
		t := models.AchievementTemplate{
			Name:          e.Name,
			Description:   e.Description,
			ConditionType: e.Condition,
			Metric:        e.Metric,
			Target:        e.Target,
			Timeframe:     e.Timeframe,
			Points:        e.Points,
			Difficulty:    e.Difficulty,
			Category:      e.Category,
			IsHidden:      e.Hidden,
			IsRepeatable:  e.Repeatable,
			IsActive:      true,
		}
		if e.Condition == models.ConditionSocial {
			t.Params = map[string]any{"kind": "heart"}
		}
		if e.Requires != "" {
			t.Prerequisites = []string{e.Requires}
		}
		out = append(out, t)
	}
	return out
}

// SeedTemplates creates every template whose slug is not already taken, in
// order. Prerequisites may name a slug created earlier in the same call or
// already stored. It returns the number of templates created.
func (s *Service) SeedTemplates(ctx context.Context, templates []models.AchievementTemplate) (int, error) {
	existing, err := s.store.ListTemplates(ctx)
	if err != nil {
		return 0, wrap("SeedTemplates", "", err)
	}
	bySlug := make(map[string]string, len(existing))
	for _, t := range existing {
		bySlug[t.Slug] = t.ID
	}

	created := 0
	for _, t := range templates {
		key := slug.Make(t.Name)
		if _, ok := bySlug[key]; ok {
			continue
		}

		prereqs := make([]string, 0, len(t.Prerequisites))
		for _, p := range t.Prerequisites {
			if id, ok := bySlug[p]; ok {
				prereqs = append(prereqs, id)
				continue
			}
			prereqs = append(prereqs, p)
		}
		t.Prerequisites = prereqs

		out, err := s.CreateTemplate(ctx, &t)
		if err != nil {
			return created, fmt.Errorf("seed %q: %w", t.Name, err)
		}
		bySlug[out.Slug] = out.ID
		created++
	}

	if created > 0 {
		log.Printf("[gamification] seeded %d templates", created)
	}
	return created, nil
}
