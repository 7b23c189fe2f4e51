package gamification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/moments-app/backend/internal/models"
	"github.com/moments-app/backend/internal/notify"
	"github.com/moments-app/backend/internal/store"
)

const (
	DefaultMaxRetries  = 3
	DefaultRecentLimit = 10
)

// Skip reasons reported in ApplyResult.Skipped.
const (
	SkipAlreadyAchieved = "already_achieved"
	SkipPrerequisites   = "prerequisites_not_met"
)

type Service struct {
	store       store.Store
	emitter     notify.Emitter
	predicates  *Predicates
	now         func() time.Time
	maxRetries  int
	recentLimit int
	cache       LeaderboardCache
	cacheTTL    time.Duration
	sink        SnapshotSink
}

type Option func(*Service)

func WithEmitter(e notify.Emitter) Option { return func(s *Service) { s.emitter = e } }

func WithPredicates(p *Predicates) Option { return func(s *Service) { s.predicates = p } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

func WithRecentLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.recentLimit = n
		}
	}
}

func WithLeaderboardCache(c LeaderboardCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

func WithSnapshotSink(sink SnapshotSink) Option { return func(s *Service) { s.sink = sink } }

func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:       st,
		predicates:  NewPredicates(),
		now:         func() time.Time { return time.Now().UTC() },
		maxRetries:  DefaultMaxRetries,
		recentLimit: DefaultRecentLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Predicates exposes the registry so callers can register condition predicates.
func (s *Service) Predicates() *Predicates { return s.predicates }

// ── Apply Event ─────────────────────────────────────────

type SkippedTemplate struct {
	TemplateID string `json:"template_id"`
	Reason     string `json:"reason"`
}

type TemplateFailure struct {
	TemplateID string `json:"template_id"`
	Kind       string `json:"kind"`
	Message    string `json:"error"`
	Err        error  `json:"-"`
}

// ApplyResult collects the per-template outcome of one activity event.
type ApplyResult struct {
	Unlocks  []models.UnlockResult `json:"unlocks"`
	Skipped  []SkippedTemplate     `json:"skipped,omitempty"`
	Failures []TemplateFailure     `json:"failures,omitempty"`
}

type applyOutcome struct {
	unlock     *models.UnlockResult
	skipReason string
}

// ApplyEvent advances every active template tracking ev.Metric for ev.UserID.
// Each template is an independent unit of work: a failure on one is reported in
// the result and does not stop the others. The returned error is non-nil only
// when the event itself is invalid or the templates cannot be resolved.
func (s *Service) ApplyEvent(ctx context.Context, ev models.ActivityEvent) (*ApplyResult, error) {
	if strings.TrimSpace(ev.UserID) == "" {
		return nil, validationErr("ApplyEvent", "user id is required")
	}
	if strings.TrimSpace(ev.Metric) == "" {
		return nil, validationErr("ApplyEvent", "metric is required")
	}
	if ev.EventDate.IsZero() {
		ev.EventDate = s.now()
	}

	templates, err := s.store.ListTemplatesByMetric(ctx, ev.Metric)
	if err != nil {
		return nil, wrap("ApplyEvent", "", fmt.Errorf("list templates for %s: %w", ev.Metric, err))
	}

	result := &ApplyResult{Unlocks: []models.UnlockResult{}}
	for i := range templates {
		t := &templates[i]
		if !t.AvailableAt(ev.EventDate) {
			continue
		}

		out, err := s.applyWithRetry(ctx, t, ev)
		if err != nil {
			log.Printf("[gamification] apply %s for user %s failed: %v", t.ID, ev.UserID, err)
			result.Failures = append(result.Failures, TemplateFailure{
				TemplateID: t.ID,
				Kind:       KindOf(err).String(),
				Message:    err.Error(),
				Err:        err,
			})
			continue
		}
		if out.skipReason != "" {
			result.Skipped = append(result.Skipped, SkippedTemplate{TemplateID: t.ID, Reason: out.skipReason})
		}
		if out.unlock != nil {
			result.Unlocks = append(result.Unlocks, *out.unlock)
		}
	}
	return result, nil
}

func (s *Service) applyWithRetry(ctx context.Context, t *models.AchievementTemplate, ev models.ActivityEvent) (applyOutcome, error) {
	for attempt := 0; ; attempt++ {
		out, err := s.applyOnce(ctx, t, ev)
		if err == nil || !errors.Is(err, store.ErrConflict) {
			return out, wrap("ApplyEvent", t.ID, err)
		}
		if attempt >= s.maxRetries {
			return out, &Error{Kind: KindTransient, Op: "ApplyEvent", TemplateID: t.ID,
				Err: fmt.Errorf("gave up after %d retries: %w", s.maxRetries, err)}
		}
		if err := ctx.Err(); err != nil {
			return out, wrap("ApplyEvent", t.ID, err)
		}
	}
}

func (s *Service) applyOnce(ctx context.Context, t *models.AchievementTemplate, ev models.ActivityEvent) (applyOutcome, error) {
	stored, err := s.loadOrCreate(ctx, ev.UserID, t)
	if err != nil {
		return applyOutcome{}, err
	}

	rec := stored
	if rec.Status == models.StatusAchieved {
		if !t.IsRepeatable {
			return applyOutcome{skipReason: SkipAlreadyAchieved}, nil
		}
		// A granted repeatable unlock stays achieved until the next event.
		rec = stored.Clone()
		startNextRun(rec)
	}

	ok, err := s.IsEligible(ctx, ev.UserID, t)
	if err != nil {
		return applyOutcome{}, err
	}
	if !ok {
		return applyOutcome{skipReason: SkipPrerequisites}, nil
	}

	var pred *PredicateResult
	if t.ConditionType.UsesPredicate() {
		r, err := s.runPredicate(ctx, t, rec, ev)
		if err != nil {
			return applyOutcome{}, err
		}
		pred = &r
	}

	eval, err := Evaluate(t, rec, ev, pred)
	if err != nil {
		return applyOutcome{}, err
	}
	if !eval.Changed && rec.Progress.Target == t.Target {
		return applyOutcome{}, nil
	}

	now := s.now()
	next := rec.Clone()
	next.TemplateVersion = t.Version
	next.Progress.Target = t.Target
	next.Progress.Current = ClampProgress(eval.Current, t.Target)
	next.Progress.Percentage = Percentage(next.Progress.Current, t.Target)
	next.CurrentStreak = eval.CurrentStreak
	next.BestStreak = eval.BestStreak
	next.LastStreakDate = eval.LastStreakDate
	next.UpdatedAt = now
	if next.Progress.Current > 0 || next.CurrentStreak > 0 {
		next.Status = models.StatusInProgress
	}

	crossed := CrossedThresholds(rec.Progress.Current, next.Progress.Current, t.Target)
	for _, pct := range crossed {
		next.Milestones = append(next.Milestones, models.Milestone{
			Value: pct, Kind: models.MilestonePartial, AchievedAt: now,
		})
	}

	var unlock *models.UnlockResult
	if eval.Completed {
		unlock = markUnlocked(next, t, now)
		if t.IsRepeatable {
			startNextRun(next)
		}
	}

	if err := s.store.SaveRecord(ctx, next, stored.Version); err != nil {
		return applyOutcome{}, fmt.Errorf("save record: %w", err)
	}

	// Side effects run only after the versioned write succeeded.
	for _, pct := range crossed {
		s.emit(ctx, models.Notification{
			ID:           notify.MilestoneID(next.UserID, t.ID, rec.UnlockCount, pct),
			Type:         models.NotifyMilestoneReached,
			UserID:       next.UserID,
			TemplateID:   t.ID,
			TemplateName: t.Name,
			Value:        next.Progress.Current,
			Percentage:   pct,
			OccurredAt:   now,
		})
	}
	if unlock != nil {
		s.afterUnlock(ctx, t, unlock)
	}
	return applyOutcome{unlock: unlock}, nil
}

func (s *Service) runPredicate(ctx context.Context, t *models.AchievementTemplate, rec *models.UserProgressRecord, ev models.ActivityEvent) (PredicateResult, error) {
	fn, ok := s.predicates.Lookup(t)
	if !ok {
		return PredicateResult{}, &Error{Kind: KindInternal, Op: "ApplyEvent", TemplateID: t.ID,
			Err: fmt.Errorf("no predicate registered for %s condition", t.ConditionType)}
	}
	r, err := fn(ctx, PredicateInput{
		UserID:   ev.UserID,
		Template: *t,
		Record:   *rec.Clone(),
		Event:    ev,
		Params:   t.Params,
	})
	if err != nil {
		return PredicateResult{}, fmt.Errorf("predicate: %w", err)
	}
	return r, nil
}

// loadOrCreate returns the user's record for t, creating a not_started record
// when none exists. A racing create is resolved by re-reading the winner.
func (s *Service) loadOrCreate(ctx context.Context, userID string, t *models.AchievementTemplate) (*models.UserProgressRecord, error) {
	rec, err := s.store.GetRecord(ctx, userID, t.ID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get record: %w", err)
	}

	rec = newRecord(userID, t, s.now())
	if err := s.store.CreateRecord(ctx, rec); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("create record: %w", err)
		}
		rec, err = s.store.GetRecord(ctx, userID, t.ID)
		if err != nil {
			return nil, fmt.Errorf("get record: %w", err)
		}
	}
	return rec, nil
}

func newRecord(userID string, t *models.AchievementTemplate, now time.Time) *models.UserProgressRecord {
	return &models.UserProgressRecord{
		ID:              uuid.NewString(),
		UserID:          userID,
		TemplateID:      t.ID,
		TemplateVersion: t.Version,
		Progress:        models.Progress{Target: t.Target},
		Status:          models.StatusNotStarted,
		Milestones:      []models.Milestone{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// markUnlocked applies an unlock transition to rec, leaving it achieved.
func markUnlocked(rec *models.UserProgressRecord, t *models.AchievementTemplate, now time.Time) *models.UnlockResult {
	rec.UnlockCount++
	if rec.UnlockedAt == nil {
		at := now
		rec.UnlockedAt = &at
	}
	last := now
	rec.LastUnlockedAt = &last
	rec.Milestones = append(rec.Milestones, models.Milestone{
		Value: t.Target, Kind: models.MilestoneUnlock, Points: t.Points, AchievedAt: now,
	})
	rec.Progress = models.Progress{Current: t.Target, Target: t.Target, Percentage: 100}
	rec.Status = models.StatusAchieved
	rec.UpdatedAt = now

	return &models.UnlockResult{
		UserID:        rec.UserID,
		TemplateID:    t.ID,
		TemplateName:  t.Name,
		Category:      t.Category,
		PointsAwarded: t.Points,
		UnlockCount:   rec.UnlockCount,
		UnlockedAt:    now,
	}
}

// startNextRun resets a repeatable record to not_started for its next run.
// Unlock history and the best streak are kept.
func startNextRun(rec *models.UserProgressRecord) {
	rec.Status = models.StatusNotStarted
	rec.Progress.Current = 0
	rec.Progress.Percentage = 0
	rec.CurrentStreak = 0
}

// afterUnlock applies the stats delta and emits the unlock notification. A
// failed stats delta is logged; RecomputeStats repairs it.
func (s *Service) afterUnlock(ctx context.Context, t *models.AchievementTemplate, u *models.UnlockResult) {
	delta := models.StatsDelta{
		Points:     u.PointsAwarded,
		Category:   t.Category,
		Difficulty: string(t.Difficulty),
		Recent: models.RecentUnlock{
			TemplateID:   t.ID,
			TemplateName: t.Name,
			Points:       u.PointsAwarded,
			UnlockedAt:   u.UnlockedAt,
		},
	}
	if err := s.store.ApplyUnlock(ctx, u.UserID, delta, s.recentLimit); err != nil {
		log.Printf("[gamification] failed to apply stats delta for user %s template %s: %v", u.UserID, t.ID, err)
	}

	s.emit(ctx, models.Notification{
		ID:           notify.UnlockID(u.UserID, t.ID, u.UnlockCount),
		Type:         models.NotifyAchievementUnlocked,
		UserID:       u.UserID,
		TemplateID:   t.ID,
		TemplateName: t.Name,
		Points:       u.PointsAwarded,
		Value:        t.Target,
		Percentage:   100,
		Manual:       u.Manual,
		OccurredAt:   u.UnlockedAt,
	})
}

func (s *Service) emit(ctx context.Context, n models.Notification) {
	if s.emitter == nil {
		return
	}
	s.emitter.Notify(ctx, n)
}

// ── Initialization ──────────────────────────────────────

// InitializeUserTemplates creates not_started records for every available
// template the user is eligible for and has no record of yet.
func (s *Service) InitializeUserTemplates(ctx context.Context, userID string) ([]models.UserProgressRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationErr("InitializeUserTemplates", "user id is required")
	}

	templates, err := s.store.ListTemplates(ctx)
	if err != nil {
		return nil, wrap("InitializeUserTemplates", "", fmt.Errorf("list templates: %w", err))
	}
	existing, err := s.store.ListUserRecords(ctx, userID)
	if err != nil {
		return nil, wrap("InitializeUserTemplates", "", fmt.Errorf("list records: %w", err))
	}
	has := make(map[string]bool, len(existing))
	for _, r := range existing {
		has[r.TemplateID] = true
	}

	now := s.now()
	created := []models.UserProgressRecord{}
	for i := range templates {
		t := &templates[i]
		if has[t.ID] || !t.AvailableAt(now) {
			continue
		}
		ok, err := s.IsEligible(ctx, userID, t)
		if err != nil {
			return created, wrap("InitializeUserTemplates", t.ID, err)
		}
		if !ok {
			continue
		}

		rec := newRecord(userID, t, now)
		if err := s.store.CreateRecord(ctx, rec); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return created, wrap("InitializeUserTemplates", t.ID, fmt.Errorf("create record: %w", err))
		}
		created = append(created, *rec)
	}

	log.Printf("[gamification] initialized %d templates for user %s", len(created), userID)
	return created, nil
}

// ── Read Side ───────────────────────────────────────────

const hiddenName = "Hidden achievement"

// UserAchievements lists available templates plus any template the user already
// has progress on. Hidden templates the user has not unlocked are masked.
func (s *Service) UserAchievements(ctx context.Context, userID string) ([]models.AchievementView, error) {
	templates, err := s.store.ListTemplates(ctx)
	if err != nil {
		return nil, wrap("UserAchievements", "", err)
	}
	records, err := s.store.ListUserRecords(ctx, userID)
	if err != nil {
		return nil, wrap("UserAchievements", "", err)
	}
	byTemplate := make(map[string]*models.UserProgressRecord, len(records))
	for i := range records {
		byTemplate[records[i].TemplateID] = &records[i]
	}

	now := s.now()
	views := []models.AchievementView{}
	for _, t := range templates {
		rec := byTemplate[t.ID]
		if rec == nil && !t.AvailableAt(now) {
			continue
		}
		v := models.AchievementView{Template: t, Record: rec}
		if t.IsHidden && (rec == nil || rec.UnlockCount == 0) {
			v.Masked = true
			v.Template.Name = hiddenName
			v.Template.Description = ""
			v.Template.Slug = ""
			v.Template.Params = nil
			v.Template.Location = nil
		}
		views = append(views, v)
	}
	return views, nil
}

// UserStats returns the user's aggregate stats, or zeroed stats if the user
// has never unlocked anything.
func (s *Service) UserStats(ctx context.Context, userID string) (*models.AggregateStats, error) {
	st, err := s.store.GetStats(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.AggregateStats{
			UserID:        userID,
			ByCategory:    map[string]int{},
			ByDifficulty:  map[string]int{},
			RecentUnlocks: []models.RecentUnlock{},
		}, nil
	}
	if err != nil {
		return nil, wrap("UserStats", "", err)
	}
	return st, nil
}

// RecomputeStats rebuilds the user's aggregate stats from their progress records.
func (s *Service) RecomputeStats(ctx context.Context, userID string) (*models.AggregateStats, error) {
	records, err := s.store.ListUserRecords(ctx, userID)
	if err != nil {
		return nil, wrap("RecomputeStats", "", fmt.Errorf("list records: %w", err))
	}

	st := &models.AggregateStats{
		UserID:        userID,
		ByCategory:    map[string]int{},
		ByDifficulty:  map[string]int{},
		RecentUnlocks: []models.RecentUnlock{},
		UpdatedAt:     s.now(),
	}
	for _, rec := range records {
		if rec.UnlockCount == 0 {
			continue
		}
		t, err := s.store.GetTemplate(ctx, rec.TemplateID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, wrap("RecomputeStats", rec.TemplateID, err)
		}
		for _, m := range rec.Milestones {
			if m.Kind != models.MilestoneUnlock {
				continue
			}
			st.TotalPoints += m.Points
			st.AchievedCount++
			recent := models.RecentUnlock{TemplateID: rec.TemplateID, Points: m.Points, UnlockedAt: m.AchievedAt}
			if t != nil {
				if t.Category != "" {
					st.ByCategory[t.Category]++
				}
				if t.Difficulty != "" {
					st.ByDifficulty[string(t.Difficulty)]++
				}
				recent.TemplateName = t.Name
			}
			st.RecentUnlocks = append(st.RecentUnlocks, recent)
		}
	}

	sort.SliceStable(st.RecentUnlocks, func(i, j int) bool {
		return st.RecentUnlocks[i].UnlockedAt.Before(st.RecentUnlocks[j].UnlockedAt)
	})
	if len(st.RecentUnlocks) > s.recentLimit {
		st.RecentUnlocks = st.RecentUnlocks[len(st.RecentUnlocks)-s.recentLimit:]
	}

	if err := s.store.ReplaceStats(ctx, st); err != nil {
		return nil, wrap("RecomputeStats", "", fmt.Errorf("replace stats: %w", err))
	}
	return st, nil
}
