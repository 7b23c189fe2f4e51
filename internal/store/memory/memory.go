// Package memory is an in-process Store used for local runs and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moments-app/backend/internal/models"
	"github.com/moments-app/backend/internal/store"
)

type recordKey struct {
	userID     string
	templateID string
}

type Store struct {
	mu        sync.Mutex
	templates map[string]models.AchievementTemplate
	records   map[recordKey]*models.UserProgressRecord
	stats     map[string]*models.AggregateStats
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		templates: make(map[string]models.AchievementTemplate),
		records:   make(map[recordKey]*models.UserProgressRecord),
		stats:     make(map[string]*models.AggregateStats),
	}
}

// ── Templates ───────────────────────────────────────────

func (s *Store) CreateTemplate(ctx context.Context, t *models.AchievementTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[t.ID]; ok {
		return store.ErrDuplicate
	}
	if s.slugTaken(t.Slug, t.ID) {
		return store.ErrDuplicate
	}
	s.templates[t.ID] = copyTemplate(*t)
	return nil
}

func (s *Store) UpdateTemplate(ctx context.Context, t *models.AchievementTemplate, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.templates[t.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return store.ErrConflict
	}
	if s.slugTaken(t.Slug, t.ID) {
		return store.ErrDuplicate
	}
	s.templates[t.ID] = copyTemplate(*t)
	return nil
}

func (s *Store) slugTaken(slug, exceptID string) bool {
	for id, t := range s.templates {
		if id != exceptID && strings.EqualFold(t.Slug, slug) {
			return true
		}
	}
	return false
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*models.AchievementTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := copyTemplate(t)
	return &c, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]models.AchievementTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.AchievementTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, copyTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListTemplatesByMetric(ctx context.Context, metric string) ([]models.AchievementTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.AchievementTemplate
	for _, t := range s.templates {
		if t.Metric == metric && t.IsActive && t.Status != models.TemplateDeprecated {
			out = append(out, copyTemplate(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.templates, id)
	return nil
}

// ── Progress Records ────────────────────────────────────

func (s *Store) GetRecord(ctx context.Context, userID, templateID string) (*models.UserProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{userID, templateID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) CreateRecord(ctx context.Context, rec *models.UserProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{rec.UserID, rec.TemplateID}
	if _, ok := s.records[key]; ok {
		return store.ErrConflict
	}
	rec.Version = 1
	s.records[key] = rec.Clone()
	return nil
}

func (s *Store) SaveRecord(ctx context.Context, rec *models.UserProgressRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{rec.UserID, rec.TemplateID}
	cur, ok := s.records[key]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return store.ErrConflict
	}
	rec.Version = expectedVersion + 1
	s.records[key] = rec.Clone()
	return nil
}

func (s *Store) ListUserRecords(ctx context.Context, userID string) ([]models.UserProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.UserProgressRecord
	for k, rec := range s.records {
		if k.userID == userID {
			out = append(out, *rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out, nil
}

func (s *Store) ListUnlockedSince(ctx context.Context, since time.Time) ([]models.UserProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.UserProgressRecord
	for _, rec := range s.records {
		if rec.UnlockCount == 0 || rec.LastUnlockedAt == nil {
			continue
		}
		if !since.IsZero() && rec.LastUnlockedAt.Before(since) {
			continue
		}
		out = append(out, *rec.Clone())
	}
	return out, nil
}

func (s *Store) CountTemplateRecords(ctx context.Context, templateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k := range s.records {
		if k.templateID == templateID {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteTemplateRecords(ctx context.Context, templateID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []string
	for k := range s.records {
		if k.templateID == templateID {
			users = append(users, k.userID)
			delete(s.records, k)
		}
	}
	sort.Strings(users)
	return users, nil
}

// ── Stats ───────────────────────────────────────────────

func (s *Store) GetStats(ctx context.Context, userID string) (*models.AggregateStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := copyStats(st)
	return &c, nil
}

func (s *Store) ApplyUnlock(ctx context.Context, userID string, delta models.StatsDelta, recentLimit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[userID]
	if !ok {
		st = &models.AggregateStats{
			UserID:       userID,
			ByCategory:   map[string]int{},
			ByDifficulty: map[string]int{},
		}
		s.stats[userID] = st
	}
	st.TotalPoints += delta.Points
	st.AchievedCount++
	if delta.Category != "" {
		st.ByCategory[delta.Category]++
	}
	if delta.Difficulty != "" {
		st.ByDifficulty[delta.Difficulty]++
	}
	st.RecentUnlocks = append(st.RecentUnlocks, delta.Recent)
	if recentLimit > 0 && len(st.RecentUnlocks) > recentLimit {
		st.RecentUnlocks = st.RecentUnlocks[len(st.RecentUnlocks)-recentLimit:]
	}
	st.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) ReplaceStats(ctx context.Context, stats *models.AggregateStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := copyStats(stats)
	if cur, ok := s.stats[stats.UserID]; ok {
		c.GlobalRank = cur.GlobalRank
	}
	s.stats[stats.UserID] = &c
	return nil
}

func (s *Store) SetGlobalRank(ctx context.Context, userID string, rank int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[userID]
	if !ok {
		return store.ErrNotFound
	}
	st.GlobalRank = rank
	return nil
}

func (s *Store) ListStatsUsers(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for id := range s.stats {
		seen[id] = true
	}
	for k, rec := range s.records {
		if rec.UnlockCount > 0 {
			seen[k.userID] = true
		}
	}
	users := make([]string, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

// ── Helpers ─────────────────────────────────────────────

func copyTemplate(t models.AchievementTemplate) models.AchievementTemplate {
	t.Prerequisites = append([]string(nil), t.Prerequisites...)
	if t.Location != nil {
		loc := *t.Location
		t.Location = &loc
	}
	if t.Params != nil {
		params := make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			params[k] = v
		}
		t.Params = params
	}
	return t
}

func copyStats(st *models.AggregateStats) models.AggregateStats {
	c := *st
	c.ByCategory = make(map[string]int, len(st.ByCategory))
	for k, v := range st.ByCategory {
		c.ByCategory[k] = v
	}
	c.ByDifficulty = make(map[string]int, len(st.ByDifficulty))
	for k, v := range st.ByDifficulty {
		c.ByDifficulty[k] = v
	}
	c.RecentUnlocks = append([]models.RecentUnlock(nil), st.RecentUnlocks...)
	return c
}
