package models

import "time"

// ── Enums ─────────────────────────────────────────────────

type ConditionType string

const (
	ConditionCount     ConditionType = "count"
	ConditionStreak    ConditionType = "streak"
	ConditionMilestone ConditionType = "milestone"
	ConditionLocation  ConditionType = "location"
	ConditionSocial    ConditionType = "social"
	ConditionCustom    ConditionType = "custom"
)

// IsValid reports whether c is one of the known condition types.
func (c ConditionType) IsValid() bool {
	switch c {
	case ConditionCount, ConditionStreak, ConditionMilestone,
		ConditionLocation, ConditionSocial, ConditionCustom:
		return true
	}
	return false
}

// UsesPredicate reports whether progress for c is computed by an external predicate.
func (c ConditionType) UsesPredicate() bool {
	return c == ConditionLocation || c == ConditionSocial || c == ConditionCustom
}

type Timeframe string

const (
	TimeframeDaily  Timeframe = "daily"
	TimeframeWeekly Timeframe = "weekly"
)

type Difficulty string

const (
	DifficultyEasy      Difficulty = "easy"
	DifficultyMedium    Difficulty = "medium"
	DifficultyHard      Difficulty = "hard"
	DifficultyLegendary Difficulty = "legendary"
)

type TemplateStatus string

const (
	TemplateActive     TemplateStatus = "active"
	TemplateDeprecated TemplateStatus = "deprecated"
)

type ProgressStatus string

const (
	StatusNotStarted ProgressStatus = "not_started"
	StatusInProgress ProgressStatus = "in_progress"
	StatusAchieved   ProgressStatus = "achieved"
)

type MilestoneKind string

const (
	MilestonePartial MilestoneKind = "partial"
	MilestoneUnlock  MilestoneKind = "unlock"
)

// ── Templates ─────────────────────────────────────────────

// LocationCondition is the payload required by location templates.
type LocationCondition struct {
	Latitude     float64 `json:"latitude" bson:"latitude" validate:"gte=-90,lte=90"`
	Longitude    float64 `json:"longitude" bson:"longitude" validate:"gte=-180,lte=180"`
	RadiusMeters float64 `json:"radius_meters" bson:"radius_meters" validate:"gt=0"`
	PlaceName    string  `json:"place_name,omitempty" bson:"place_name,omitempty"`
}

// AchievementTemplate is an administrator-defined achievement rule.
type AchievementTemplate struct {
	ID            string             `json:"id" bson:"_id"`
	Name          string             `json:"name" bson:"name" validate:"required,max=120"`
	Slug          string             `json:"slug" bson:"slug"`
	Description   string             `json:"description" bson:"description" validate:"max=500"`
	ConditionType ConditionType      `json:"condition_type" bson:"condition_type" validate:"required,oneof=count streak milestone location social custom"`
	Metric        string             `json:"metric" bson:"metric" validate:"required,max=64"`
	Target        int                `json:"target" bson:"target" validate:"gt=0"`
	Timeframe     Timeframe          `json:"timeframe,omitempty" bson:"timeframe,omitempty" validate:"omitempty,oneof=daily weekly"`
	Points        int                `json:"points" bson:"points" validate:"gte=0"`
	Difficulty    Difficulty         `json:"difficulty" bson:"difficulty" validate:"omitempty,oneof=easy medium hard legendary"`
	Category      string             `json:"category" bson:"category" validate:"max=64"`
	Prerequisites []string           `json:"prerequisites" bson:"prerequisites"`
	IsHidden      bool               `json:"is_hidden" bson:"is_hidden"`
	IsRepeatable  bool               `json:"is_repeatable" bson:"is_repeatable"`
	IsActive      bool               `json:"is_active" bson:"is_active"`
	ValidFrom     *time.Time         `json:"valid_from,omitempty" bson:"valid_from,omitempty"`
	ValidTo       *time.Time         `json:"valid_to,omitempty" bson:"valid_to,omitempty"`
	Location      *LocationCondition `json:"location,omitempty" bson:"location,omitempty"`
	Params        map[string]any     `json:"params,omitempty" bson:"params,omitempty"`
	Status        TemplateStatus     `json:"status" bson:"status"`
	Version       int                `json:"version" bson:"version"`
	CreatedAt     time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at" bson:"updated_at"`
}

// IsLimited reports whether the template has a validity window.
func (t *AchievementTemplate) IsLimited() bool {
	return t.ValidFrom != nil || t.ValidTo != nil
}

// AvailableAt reports whether the template accepts progress at the given instant.
func (t *AchievementTemplate) AvailableAt(at time.Time) bool {
	if !t.IsActive || t.Status == TemplateDeprecated {
		return false
	}
	if t.ValidFrom != nil && at.Before(*t.ValidFrom) {
		return false
	}
	if t.ValidTo != nil && !at.Before(*t.ValidTo) {
		return false
	}
	return true
}

// ── Progress Records ──────────────────────────────────────

type Progress struct {
	Current    int `json:"current" bson:"current"`
	Target     int `json:"target" bson:"target"`
	Percentage int `json:"percentage" bson:"percentage"`
}

type Milestone struct {
	Value      int           `json:"value" bson:"value"`
	Kind       MilestoneKind `json:"kind" bson:"kind"`
	Points     int           `json:"points,omitempty" bson:"points,omitempty"`
	AchievedAt time.Time     `json:"achieved_at" bson:"achieved_at"`
}

// UserProgressRecord is the per (user, template) progress state.
type UserProgressRecord struct {
	ID              string         `json:"id" bson:"_id"`
	UserID          string         `json:"user_id" bson:"user_id"`
	TemplateID      string         `json:"template_id" bson:"template_id"`
	TemplateVersion int            `json:"template_version" bson:"template_version"`
	Progress        Progress       `json:"progress" bson:"progress"`
	CurrentStreak   int            `json:"current_streak" bson:"current_streak"`
	BestStreak      int            `json:"best_streak" bson:"best_streak"`
	LastStreakDate  *time.Time     `json:"last_streak_date,omitempty" bson:"last_streak_date,omitempty"`
	Status          ProgressStatus `json:"status" bson:"status"`
	UnlockedAt      *time.Time     `json:"unlocked_at,omitempty" bson:"unlocked_at,omitempty"`
	LastUnlockedAt  *time.Time     `json:"last_unlocked_at,omitempty" bson:"last_unlocked_at,omitempty"`
	UnlockCount     int            `json:"unlock_count" bson:"unlock_count"`
	Milestones      []Milestone    `json:"milestones" bson:"milestones"`
	GrantReason     string         `json:"grant_reason,omitempty" bson:"grant_reason,omitempty"`
	GrantedBy       string         `json:"granted_by,omitempty" bson:"granted_by,omitempty"`
	Version         int64          `json:"version" bson:"version"`
	CreatedAt       time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" bson:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (r *UserProgressRecord) Clone() *UserProgressRecord {
	c := *r
	if r.LastStreakDate != nil {
		d := *r.LastStreakDate
		c.LastStreakDate = &d
	}
	if r.UnlockedAt != nil {
		u := *r.UnlockedAt
		c.UnlockedAt = &u
	}
	if r.LastUnlockedAt != nil {
		u := *r.LastUnlockedAt
		c.LastUnlockedAt = &u
	}
	c.Milestones = append([]Milestone(nil), r.Milestones...)
	return &c
}

// IsManual reports whether the record was unlocked by an administrator.
func (r *UserProgressRecord) IsManual() bool {
	return r.GrantReason != ""
}

// ── Aggregate Stats ───────────────────────────────────────

type RecentUnlock struct {
	TemplateID   string    `json:"template_id" bson:"template_id"`
	TemplateName string    `json:"template_name" bson:"template_name"`
	Points       int       `json:"points" bson:"points"`
	UnlockedAt   time.Time `json:"unlocked_at" bson:"unlocked_at"`
}

// AggregateStats is a denormalized per-user summary derived from progress records.
type AggregateStats struct {
	UserID        string         `json:"user_id" bson:"_id"`
	TotalPoints   int            `json:"total_points" bson:"total_points"`
	AchievedCount int            `json:"achieved_count" bson:"achieved_count"`
	ByCategory    map[string]int `json:"by_category" bson:"by_category"`
	ByDifficulty  map[string]int `json:"by_difficulty" bson:"by_difficulty"`
	RecentUnlocks []RecentUnlock `json:"recent_unlocks" bson:"recent_unlocks"`
	GlobalRank    int            `json:"global_rank" bson:"global_rank"`
	UpdatedAt     time.Time      `json:"updated_at" bson:"updated_at"`
}

// StatsDelta is an increment-only change applied to AggregateStats on unlock.
type StatsDelta struct {
	Points     int
	Category   string
	Difficulty string
	Recent     RecentUnlock
}

// ── Events & Results ──────────────────────────────────────

// ActivityEvent is a raw activity tuple. For milestone templates Delta carries
// the absolute metric value rather than an increment.
type ActivityEvent struct {
	UserID     string         `json:"user_id"`
	Metric     string         `json:"metric"`
	Delta      int            `json:"delta"`
	EventDate  time.Time      `json:"event_date"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type UnlockResult struct {
	UserID        string    `json:"user_id"`
	TemplateID    string    `json:"template_id"`
	TemplateName  string    `json:"template_name"`
	Category      string    `json:"category,omitempty"`
	PointsAwarded int       `json:"points_awarded"`
	UnlockCount   int       `json:"unlock_count"`
	Manual        bool      `json:"manual"`
	GrantReason   string    `json:"grant_reason,omitempty"`
	UnlockedAt    time.Time `json:"unlocked_at"`
}

type NotificationType string

const (
	NotifyAchievementUnlocked NotificationType = "achievement_unlocked"
	NotifyMilestoneReached    NotificationType = "milestone_reached"
)

// Notification is the payload handed to the notification emitter.
type Notification struct {
	ID           string           `json:"id"`
	Type         NotificationType `json:"type"`
	UserID       string           `json:"user_id"`
	TemplateID   string           `json:"template_id"`
	TemplateName string           `json:"template_name"`
	Points       int              `json:"points,omitempty"`
	Value        int              `json:"value,omitempty"`
	Percentage   int              `json:"percentage,omitempty"`
	Manual       bool             `json:"manual,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// ── Leaderboard ───────────────────────────────────────────

type LeaderboardMetric string

const (
	MetricTotalPoints      LeaderboardMetric = "total_points"
	MetricAchievementCount LeaderboardMetric = "achievement_count"
)

type LeaderboardPeriod string

const (
	PeriodAllTime LeaderboardPeriod = "all_time"
	PeriodWeek    LeaderboardPeriod = "week"
	PeriodMonth   LeaderboardPeriod = "month"
	PeriodYear    LeaderboardPeriod = "year"
)

type LeaderboardEntry struct {
	Rank             int    `json:"rank"`
	UserID           string `json:"user_id"`
	TotalPoints      int    `json:"total_points"`
	AchievementCount int    `json:"achievement_count"`
}

type Leaderboard struct {
	Metric      LeaderboardMetric  `json:"metric"`
	Period      LeaderboardPeriod  `json:"period"`
	From        *time.Time         `json:"from,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
	Entries     []LeaderboardEntry `json:"entries"`
}

// ── Response Types ────────────────────────────────────────

// AchievementView pairs a template with the caller's progress on it.
type AchievementView struct {
	Template AchievementTemplate `json:"template"`
	Record   *UserProgressRecord `json:"progress,omitempty"`
	Masked   bool                `json:"masked"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
