// Package postgres implements store.Store on PostgreSQL via database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/moments-app/backend/internal/models"
	"github.com/moments-app/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return store.Transient(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %s", store.ErrDuplicate, pqErr.Constraint)
		case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return store.Transient(err)
		}
	}
	return err
}

// ── Templates ───────────────────────────────────────────

const templateColumns = `id, name, slug, description, condition_type, metric, target, timeframe,
	points, difficulty, category, prerequisites, is_hidden, is_repeatable, is_active,
	valid_from, valid_to, location, params, status, version, created_at, updated_at`

func scanTemplate(row interface{ Scan(...any) error }) (*models.AchievementTemplate, error) {
	var t models.AchievementTemplate
	var location, params []byte
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.Description, &t.ConditionType, &t.Metric, &t.Target, &t.Timeframe,
		&t.Points, &t.Difficulty, &t.Category, pq.Array(&t.Prerequisites), &t.IsHidden, &t.IsRepeatable, &t.IsActive,
		&t.ValidFrom, &t.ValidTo, &location, &params, &t.Status, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(location) > 0 && string(location) != "null" {
		t.Location = &models.LocationCondition{}
		if err := json.Unmarshal(location, t.Location); err != nil {
			return nil, fmt.Errorf("decode location: %w", err)
		}
	}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &t.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if t.Prerequisites == nil {
		t.Prerequisites = []string{}
	}
	return &t, nil
}

func templateArgs(t *models.AchievementTemplate) ([]any, error) {
	var location, params []byte
	var err error
	if t.Location != nil {
		if location, err = json.Marshal(t.Location); err != nil {
			return nil, err
		}
	}
	if t.Params != nil {
		if params, err = json.Marshal(t.Params); err != nil {
			return nil, err
		}
	}
	prereqs := t.Prerequisites
	if prereqs == nil {
		prereqs = []string{}
	}
	return []any{t.ID, t.Name, t.Slug, t.Description, t.ConditionType, t.Metric, t.Target, t.Timeframe,
		t.Points, t.Difficulty, t.Category, pq.Array(prereqs), t.IsHidden, t.IsRepeatable, t.IsActive,
		t.ValidFrom, t.ValidTo, nullJSON(location), nullJSON(params), t.Status, t.Version, t.CreatedAt, t.UpdatedAt}, nil
}

func (s *Store) CreateTemplate(ctx context.Context, t *models.AchievementTemplate) error {
	args, err := templateArgs(t)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO achievement_templates (`+templateColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", mapErr(err))
	}
	return nil
}

func (s *Store) UpdateTemplate(ctx context.Context, t *models.AchievementTemplate, expectedVersion int) error {
	args, err := templateArgs(t)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	args = append(args, expectedVersion)
	res, err := s.db.ExecContext(ctx,
		`UPDATE achievement_templates SET
		    name = $2, slug = $3, description = $4, condition_type = $5, metric = $6, target = $7,
		    timeframe = $8, points = $9, difficulty = $10, category = $11, prerequisites = $12,
		    is_hidden = $13, is_repeatable = $14, is_active = $15, valid_from = $16, valid_to = $17,
		    location = $18, params = $19, status = $20, version = $21, created_at = $22, updated_at = $23
		 WHERE id = $1 AND version = $24`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update template: %w", mapErr(err))
	}
	return s.checkVersioned(ctx, res, `SELECT 1 FROM achievement_templates WHERE id = $1`, t.ID)
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*models.AchievementTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM achievement_templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", id, mapErr(err))
	}
	return t, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]models.AchievementTemplate, error) {
	return s.queryTemplates(ctx, `SELECT `+templateColumns+` FROM achievement_templates ORDER BY name`)
}

func (s *Store) ListTemplatesByMetric(ctx context.Context, metric string) ([]models.AchievementTemplate, error) {
	return s.queryTemplates(ctx,
		`SELECT `+templateColumns+` FROM achievement_templates
		 WHERE metric = $1 AND is_active AND status = 'active'
		 ORDER BY id`,
		metric,
	)
}

func (s *Store) queryTemplates(ctx context.Context, query string, args ...any) ([]models.AchievementTemplate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", mapErr(err))
	}
	defer rows.Close()

	var out []models.AchievementTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, *t)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM achievement_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ── Progress Records ────────────────────────────────────

const recordColumns = `id, user_id, template_id, template_version, progress_current, progress_target, progress_percentage,
	current_streak, best_streak, last_streak_date, status, unlocked_at, last_unlocked_at,
	unlock_count, milestones, grant_reason, granted_by, version, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (*models.UserProgressRecord, error) {
	var r models.UserProgressRecord
	var milestones []byte
	err := row.Scan(&r.ID, &r.UserID, &r.TemplateID, &r.TemplateVersion,
		&r.Progress.Current, &r.Progress.Target, &r.Progress.Percentage,
		&r.CurrentStreak, &r.BestStreak, &r.LastStreakDate, &r.Status, &r.UnlockedAt, &r.LastUnlockedAt,
		&r.UnlockCount, &milestones, &r.GrantReason, &r.GrantedBy, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Milestones = []models.Milestone{}
	if len(milestones) > 0 {
		if err := json.Unmarshal(milestones, &r.Milestones); err != nil {
			return nil, fmt.Errorf("decode milestones: %w", err)
		}
	}
	return &r, nil
}

func (s *Store) GetRecord(ctx context.Context, userID, templateID string) (*models.UserProgressRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM user_achievement_progress WHERE user_id = $1 AND template_id = $2`,
		userID, templateID,
	)
	r, err := scanRecord(row)
	if err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

func (s *Store) CreateRecord(ctx context.Context, rec *models.UserProgressRecord) error {
	milestones, err := json.Marshal(nonNilMilestones(rec.Milestones))
	if err != nil {
		return fmt.Errorf("encode milestones: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO user_achievement_progress (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1, $18, $19)
		 ON CONFLICT (user_id, template_id) DO NOTHING`,
		rec.ID, rec.UserID, rec.TemplateID, rec.TemplateVersion,
		rec.Progress.Current, rec.Progress.Target, rec.Progress.Percentage,
		rec.CurrentStreak, rec.BestStreak, rec.LastStreakDate, rec.Status, rec.UnlockedAt, rec.LastUnlockedAt,
		rec.UnlockCount, string(milestones), rec.GrantReason, rec.GrantedBy, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	rec.Version = 1
	return nil
}

func (s *Store) SaveRecord(ctx context.Context, rec *models.UserProgressRecord, expectedVersion int64) error {
	milestones, err := json.Marshal(nonNilMilestones(rec.Milestones))
	if err != nil {
		return fmt.Errorf("encode milestones: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_achievement_progress SET
		    template_version = $3, progress_current = $4, progress_target = $5, progress_percentage = $6,
		    current_streak = $7, best_streak = $8, last_streak_date = $9, status = $10,
		    unlocked_at = $11, last_unlocked_at = $12, unlock_count = $13, milestones = $14,
		    grant_reason = $15, granted_by = $16, updated_at = $17,
		    version = version + 1
		 WHERE user_id = $1 AND template_id = $2 AND version = $18`,
		rec.UserID, rec.TemplateID, rec.TemplateVersion,
		rec.Progress.Current, rec.Progress.Target, rec.Progress.Percentage,
		rec.CurrentStreak, rec.BestStreak, rec.LastStreakDate, rec.Status,
		rec.UnlockedAt, rec.LastUnlockedAt, rec.UnlockCount, string(milestones),
		rec.GrantReason, rec.GrantedBy, rec.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", mapErr(err))
	}
	if err := s.checkVersioned(ctx, res,
		`SELECT 1 FROM user_achievement_progress WHERE user_id = $1 AND template_id = $2`,
		rec.UserID, rec.TemplateID); err != nil {
		return err
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (s *Store) ListUserRecords(ctx context.Context, userID string) ([]models.UserProgressRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM user_achievement_progress WHERE user_id = $1 ORDER BY template_id`,
		userID,
	)
}

func (s *Store) ListUnlockedSince(ctx context.Context, since time.Time) ([]models.UserProgressRecord, error) {
	if since.IsZero() {
		return s.queryRecords(ctx,
			`SELECT `+recordColumns+` FROM user_achievement_progress WHERE unlock_count > 0`)
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM user_achievement_progress
		 WHERE unlock_count > 0 AND last_unlocked_at >= $1`,
		since,
	)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]models.UserProgressRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", mapErr(err))
	}
	defer rows.Close()

	var out []models.UserProgressRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *r)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) CountTemplateRecords(ctx context.Context, templateID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_achievement_progress WHERE template_id = $1`, templateID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", mapErr(err))
	}
	return n, nil
}

func (s *Store) DeleteTemplateRecords(ctx context.Context, templateID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM user_achievement_progress WHERE template_id = $1 RETURNING user_id`, templateID)
	if err != nil {
		return nil, fmt.Errorf("delete records: %w", mapErr(err))
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		users = append(users, uid)
	}
	return users, mapErr(rows.Err())
}

// ── Stats ───────────────────────────────────────────────

const (
	dimensionCategory   = "category"
	dimensionDifficulty = "difficulty"
)

func (s *Store) GetStats(ctx context.Context, userID string) (*models.AggregateStats, error) {
	st := models.AggregateStats{
		UserID:       userID,
		ByCategory:   map[string]int{},
		ByDifficulty: map[string]int{},
	}
	var recent []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT total_points, achieved_count, recent_unlocks, global_rank, updated_at
		 FROM achievement_stats WHERE user_id = $1`,
		userID,
	).Scan(&st.TotalPoints, &st.AchievedCount, &recent, &st.GlobalRank, &st.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(recent, &st.RecentUnlocks); err != nil {
		return nil, fmt.Errorf("decode recent unlocks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT dimension, key, count FROM achievement_stats_counters WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("get stats counters: %w", mapErr(err))
	}
	defer rows.Close()
	for rows.Next() {
		var dim, key string
		var n int
		if err := rows.Scan(&dim, &key, &n); err != nil {
			return nil, err
		}
		if dim == dimensionCategory {
			st.ByCategory[key] = n
		} else {
			st.ByDifficulty[key] = n
		}
	}
	return &st, mapErr(rows.Err())
}

// ApplyUnlock upserts the stats row with relative increments so concurrent
// unlocks for the same user compose without a read-modify-write.
func (s *Store) ApplyUnlock(ctx context.Context, userID string, delta models.StatsDelta, recentLimit int) error {
	recent, err := json.Marshal([]models.RecentUnlock{delta.Recent})
	if err != nil {
		return fmt.Errorf("encode recent unlock: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stats tx: %w", mapErr(err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO achievement_stats (user_id, total_points, achieved_count, recent_unlocks, updated_at)
		 VALUES ($1, $2, 1, $3, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		    total_points = achievement_stats.total_points + EXCLUDED.total_points,
		    achieved_count = achievement_stats.achieved_count + 1,
		    recent_unlocks = (
		        SELECT COALESCE(jsonb_agg(e ORDER BY ord), '[]'::jsonb) FROM (
		            SELECT e, ord
		            FROM jsonb_array_elements(achievement_stats.recent_unlocks || EXCLUDED.recent_unlocks)
		                 WITH ORDINALITY AS t(e, ord)
		            ORDER BY ord DESC
		            LIMIT $4
		        ) latest
		    ),
		    updated_at = NOW()`,
		userID, delta.Points, string(recent), recentLimit,
	)
	if err != nil {
		return fmt.Errorf("upsert stats: %w", mapErr(err))
	}

	for dim, key := range map[string]string{dimensionCategory: delta.Category, dimensionDifficulty: delta.Difficulty} {
		if key == "" {
			continue
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO achievement_stats_counters (user_id, dimension, key, count)
			 VALUES ($1, $2, $3, 1)
			 ON CONFLICT (user_id, dimension, key) DO UPDATE SET
			    count = achievement_stats_counters.count + 1`,
			userID, dim, key,
		)
		if err != nil {
			return fmt.Errorf("upsert stats counter: %w", mapErr(err))
		}
	}

	return mapErr(tx.Commit())
}

func (s *Store) ReplaceStats(ctx context.Context, st *models.AggregateStats) error {
	recent, err := json.Marshal(nonNilRecent(st.RecentUnlocks))
	if err != nil {
		return fmt.Errorf("encode recent unlocks: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stats tx: %w", mapErr(err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO achievement_stats (user_id, total_points, achieved_count, recent_unlocks, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE SET
		    total_points = EXCLUDED.total_points,
		    achieved_count = EXCLUDED.achieved_count,
		    recent_unlocks = EXCLUDED.recent_unlocks,
		    updated_at = EXCLUDED.updated_at`,
		st.UserID, st.TotalPoints, st.AchievedCount, string(recent), st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("replace stats: %w", mapErr(err))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM achievement_stats_counters WHERE user_id = $1`, st.UserID); err != nil {
		return fmt.Errorf("clear stats counters: %w", mapErr(err))
	}
	insert := func(dim string, counts map[string]int) error {
		for key, n := range counts {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO achievement_stats_counters (user_id, dimension, key, count) VALUES ($1, $2, $3, $4)`,
				st.UserID, dim, key, n,
			)
			if err != nil {
				return fmt.Errorf("insert stats counter: %w", mapErr(err))
			}
		}
		return nil
	}
	if err := insert(dimensionCategory, st.ByCategory); err != nil {
		return err
	}
	if err := insert(dimensionDifficulty, st.ByDifficulty); err != nil {
		return err
	}
	return mapErr(tx.Commit())
}

func (s *Store) SetGlobalRank(ctx context.Context, userID string, rank int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE achievement_stats SET global_rank = $2 WHERE user_id = $1`, userID, rank)
	if err != nil {
		return fmt.Errorf("set global rank: %w", mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListStatsUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM achievement_stats
		 UNION
		 SELECT user_id FROM user_achievement_progress WHERE unlock_count > 0
		 ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list stats users: %w", mapErr(err))
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		users = append(users, uid)
	}
	return users, mapErr(rows.Err())
}

// ── Helpers ─────────────────────────────────────────────

// checkVersioned distinguishes a missing row from a stale version after a
// conditional UPDATE touched nothing.
func (s *Store) checkVersioned(ctx context.Context, res sql.Result, existsQuery string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n > 0 {
		return nil
	}
	var one int
	if err := s.db.QueryRowContext(ctx, existsQuery, args...).Scan(&one); err != nil {
		return mapErr(err)
	}
	return store.ErrConflict
}

// nullJSON returns b as text; lib/pq would send a []byte as bytea.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nonNilMilestones(ms []models.Milestone) []models.Milestone {
	if ms == nil {
		return []models.Milestone{}
	}
	return ms
}

func nonNilRecent(rs []models.RecentUnlock) []models.RecentUnlock {
	if rs == nil {
		return []models.RecentUnlock{}
	}
	return rs
}
