package gamification

import (
	"fmt"
	"time"

	"github.com/moments-app/backend/internal/models"
)

// partialThresholds are the percentages at which a milestone_reached
// notification is recorded on the way to a target.
var partialThresholds = []int{25, 50, 75}

// Evaluation is the outcome of running a template's condition against a record.
type Evaluation struct {
	Current        int
	CurrentStreak  int
	BestStreak     int
	LastStreakDate *time.Time
	Completed      bool
	Changed        bool
}

// Evaluate computes the next progress state for rec under t's condition.
// It never mutates rec. pred must be non-nil for predicate-backed condition types.
func Evaluate(t *models.AchievementTemplate, rec *models.UserProgressRecord, ev models.ActivityEvent, pred *PredicateResult) (Evaluation, error) {
	out := Evaluation{
		Current:        rec.Progress.Current,
		CurrentStreak:  rec.CurrentStreak,
		BestStreak:     rec.BestStreak,
		LastStreakDate: rec.LastStreakDate,
	}

	switch t.ConditionType {
	case models.ConditionCount:
		if ev.Delta > 0 {
			out.Current = ClampProgress(rec.Progress.Current+ev.Delta, t.Target)
		}
		out.Completed = out.Current >= t.Target

	case models.ConditionMilestone:
		// Delta is an absolute snapshot: a repeated report of the same value is a no-op.
		out.Current = ClampProgress(max(rec.Progress.Current, ev.Delta), t.Target)
		out.Completed = out.Current >= t.Target

	case models.ConditionStreak:
		return evaluateStreak(t, rec, ev, out), nil

	case models.ConditionLocation, models.ConditionSocial, models.ConditionCustom:
		if pred == nil {
			return out, fmt.Errorf("no predicate result for %s condition", t.ConditionType)
		}
		if pred.Satisfied {
			out.Current = t.Target
		} else if pred.Increment > 0 {
			out.Current = ClampProgress(rec.Progress.Current+pred.Increment, t.Target)
		}
		out.Completed = out.Current >= t.Target

	default:
		return out, fmt.Errorf("unknown condition type %q", t.ConditionType)
	}

	out.Changed = out.Current != rec.Progress.Current
	return out, nil
}

func evaluateStreak(t *models.AchievementTemplate, rec *models.UserProgressRecord, ev models.ActivityEvent, out Evaluation) Evaluation {
	unit := UnitStart(ev.EventDate, t.Timeframe)

	if rec.LastStreakDate == nil {
		out.CurrentStreak = 1
	} else {
		last := UnitStart(*rec.LastStreakDate, t.Timeframe)
		switch n := UnitsBetween(last, unit, t.Timeframe); {
		case n <= 0:
			// Same unit or a late delivery for an earlier unit.
			return out
		case n == 1:
			out.CurrentStreak++
		default:
			out.CurrentStreak = 1
		}
	}

	out.BestStreak = max(out.BestStreak, out.CurrentStreak)
	out.LastStreakDate = &unit
	out.Current = ClampProgress(max(rec.Progress.Current, out.CurrentStreak), t.Target)
	out.Completed = out.CurrentStreak >= t.Target
	out.Changed = true
	return out
}

// UnitStart truncates at to the start of its streak unit in UTC. Weekly units
// start on Monday (ISO weeks).
func UnitStart(at time.Time, tf models.Timeframe) time.Time {
	y, m, d := at.UTC().Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if tf == models.TimeframeWeekly {
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	}
	return day
}

// UnitsBetween returns the number of whole streak units from a to b. Both must
// already be unit starts.
func UnitsBetween(a, b time.Time, tf models.Timeframe) int {
	days := int(b.Sub(a).Hours() / 24)
	if tf == models.TimeframeWeekly {
		return days / 7
	}
	return days
}

// ClampProgress bounds v to [0, target].
func ClampProgress(v, target int) int {
	if v < 0 {
		return 0
	}
	if v > target {
		return target
	}
	return v
}

// Percentage returns floor(100*current/target) clamped to [0, 100].
func Percentage(current, target int) int {
	if target <= 0 {
		return 0
	}
	p := current * 100 / target
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// CrossedThresholds returns the partial thresholds passed when progress moves
// from prev to next. The 100% mark is reported as an unlock, not here.
func CrossedThresholds(prev, next, target int) []int {
	from, to := Percentage(prev, target), Percentage(next, target)
	var crossed []int
	for _, th := range partialThresholds {
		if from < th && to >= th && to < 100 {
			crossed = append(crossed, th)
		}
	}
	return crossed
}
