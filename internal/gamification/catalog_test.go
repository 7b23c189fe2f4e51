package gamification

import (
	"context"
	"testing"

	"github.com/moments-app/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedTemplates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.svc.SeedTemplates(ctx, DefaultTemplates())
	require.NoError(t, err)
	assert.Equal(t, len(defaultCatalog), n)

	// Seeding again is a no-op.
	n, err = f.svc.SeedTemplates(ctx, DefaultTemplates())
	require.NoError(t, err)
	assert.Zero(t, n)

	all, err := f.svc.ListTemplates(ctx)
	require.NoError(t, err)
	bySlug := map[string]models.AchievementTemplate{}
	for _, tmpl := range all {
		bySlug[tmpl.Slug] = tmpl
	}
	require.Contains(t, bySlug, "storyteller")
	assert.Equal(t, []string{bySlug["first-moment"].ID}, bySlug["storyteller"].Prerequisites)

	// The seeded catalog drives the engine end to end.
	res := f.apply(t, "u1", "moments_created", 1)
	require.Len(t, res.Unlocks, 1)
	assert.Equal(t, "First Moment", res.Unlocks[0].TemplateName)
}

func TestSeedTemplatesUnknownPrerequisite(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SeedTemplates(context.Background(), []models.AchievementTemplate{{
		Name: "Lonely", ConditionType: models.ConditionCount, Metric: "m", Target: 1, IsActive: true,
		Prerequisites: []string{"no-such-template"},
	}})
	assert.Equal(t, KindValidation, KindOf(err))
}
