package gamification

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/moments-app/backend/internal/models"
)

// PredicateInput is the snapshot handed to an external condition predicate.
type PredicateInput struct {
	UserID   string
	Template models.AchievementTemplate
	Record   models.UserProgressRecord
	Event    models.ActivityEvent
	Params   map[string]any
}

// PredicateResult reports either an increment toward the target or that the
// condition is satisfied outright.
type PredicateResult struct {
	Increment int
	Satisfied bool
}

// Predicate decides location, social and custom conditions. It must be pure
// given its input.
type Predicate func(ctx context.Context, in PredicateInput) (PredicateResult, error)

// Predicates maps template ids to the predicate that evaluates them, with an
// optional fallback per condition type.
type Predicates struct {
	mu       sync.RWMutex
	m        map[string]Predicate
	defaults map[models.ConditionType]Predicate
}

func NewPredicates() *Predicates {
	return &Predicates{
		m:        make(map[string]Predicate),
		defaults: make(map[models.ConditionType]Predicate),
	}
}

func (p *Predicates) Register(templateID string, fn Predicate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[templateID] = fn
}

// SetDefault registers fn for every template of type ct that has no
// template-specific predicate.
func (p *Predicates) SetDefault(ct models.ConditionType, fn Predicate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaults[ct] = fn
}

// Lookup returns the predicate for t, preferring a template-specific one.
func (p *Predicates) Lookup(t *models.AchievementTemplate) (Predicate, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if fn, ok := p.m[t.ID]; ok {
		return fn, true
	}
	fn, ok := p.defaults[t.ConditionType]
	return fn, ok
}

// Builtin returns a registry with the stock location and social predicates.
// Custom templates still need an explicit registration.
func Builtin() *Predicates {
	p := NewPredicates()
	p.SetDefault(models.ConditionLocation, WithinRadius)
	p.SetDefault(models.ConditionSocial, CountAttribute("kind"))
	return p
}

// ── Built-in predicates ─────────────────────────────────

const earthRadiusMeters = 6371000.0

// WithinRadius is a location predicate. It is satisfied when the event's
// "latitude"/"longitude" attributes fall inside the template's location radius.
func WithinRadius(ctx context.Context, in PredicateInput) (PredicateResult, error) {
	loc := in.Template.Location
	if loc == nil {
		return PredicateResult{}, nil
	}
	lat, ok1 := floatAttr(in.Event.Attributes, "latitude")
	lng, ok2 := floatAttr(in.Event.Attributes, "longitude")
	if !ok1 || !ok2 {
		return PredicateResult{}, nil
	}
	d := HaversineMeters(loc.Latitude, loc.Longitude, lat, lng)
	return PredicateResult{Satisfied: d <= loc.RadiusMeters}, nil
}

// CountAttribute returns a predicate that adds the event's delta only when the
// event attribute key equals the template's params[key]. Social templates use it
// to count e.g. reactions of a given kind.
func CountAttribute(key string) Predicate {
	return func(ctx context.Context, in PredicateInput) (PredicateResult, error) {
		want, ok := in.Params[key]
		if !ok {
			return PredicateResult{Increment: in.Event.Delta}, nil
		}
		if got, ok := in.Event.Attributes[key]; ok && fmt.Sprint(got) == fmt.Sprint(want) {
			return PredicateResult{Increment: in.Event.Delta}, nil
		}
		return PredicateResult{}, nil
	}
}

// HaversineMeters returns the great-circle distance between two coordinates.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}

func floatAttr(attrs map[string]any, key string) (float64, bool) {
	switch v := attrs[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
