package gamification

import (
	"context"
	"math"
	"testing"

	"github.com/moments-app/backend/internal/models"
)

func TestHaversineMeters(t *testing.T) {
	// Paris to London is roughly 344 km.
	got := HaversineMeters(48.8566, 2.3522, 51.5074, -0.1278)
	if math.Abs(got-343_500) > 2_000 {
		t.Errorf("HaversineMeters(Paris, London) = %.0f, want ~343500", got)
	}

	if got := HaversineMeters(10, 10, 10, 10); got != 0 {
		t.Errorf("HaversineMeters(same point) = %f, want 0", got)
	}
}

func TestWithinRadius(t *testing.T) {
	tmpl := models.AchievementTemplate{
		Location: &models.LocationCondition{Latitude: 40.6892, Longitude: -74.0445, RadiusMeters: 500},
	}

	tests := []struct {
		name  string
		attrs map[string]any
		want  bool
	}{
		{"inside", map[string]any{"latitude": 40.6895, "longitude": -74.0440}, true},
		{"outside", map[string]any{"latitude": 40.7580, "longitude": -73.9855}, false},
		{"missing coordinates", map[string]any{"latitude": 40.6895}, false},
		{"wrong type", map[string]any{"latitude": "40.6895", "longitude": "-74.0440"}, false},
	}

	for _, tt := range tests {
		in := PredicateInput{Template: tmpl, Event: models.ActivityEvent{Attributes: tt.attrs}}
		got, err := WithinRadius(context.Background(), in)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
		if got.Satisfied != tt.want {
			t.Errorf("%s: Satisfied = %t, want %t", tt.name, got.Satisfied, tt.want)
		}
	}
}

func TestCountAttribute(t *testing.T) {
	pred := CountAttribute("kind")
	ev := func(kind any) models.ActivityEvent {
		return models.ActivityEvent{Delta: 2, Attributes: map[string]any{"kind": kind}}
	}

	tests := []struct {
		name   string
		params map[string]any
		event  models.ActivityEvent
		want   int
	}{
		{"no filter counts everything", nil, ev("heart"), 2},
		{"matching kind", map[string]any{"kind": "heart"}, ev("heart"), 2},
		{"other kind", map[string]any{"kind": "heart"}, ev("laugh"), 0},
		{"numeric kinds compare by value", map[string]any{"kind": 3}, ev(3.0), 2},
		{"missing attribute", map[string]any{"kind": "heart"}, models.ActivityEvent{Delta: 2}, 0},
	}

	for _, tt := range tests {
		got, err := pred(context.Background(), PredicateInput{Params: tt.params, Event: tt.event})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
		if got.Increment != tt.want {
			t.Errorf("%s: Increment = %d, want %d", tt.name, got.Increment, tt.want)
		}
	}
}

func TestPredicatesLookup(t *testing.T) {
	p := Builtin()
	social := &models.AchievementTemplate{ID: "s1", ConditionType: models.ConditionSocial}
	custom := &models.AchievementTemplate{ID: "c1", ConditionType: models.ConditionCustom}

	if _, ok := p.Lookup(social); !ok {
		t.Error("expected default predicate for social templates")
	}
	if _, ok := p.Lookup(custom); ok {
		t.Error("expected no predicate for unregistered custom template")
	}

	p.Register("c1", func(ctx context.Context, in PredicateInput) (PredicateResult, error) {
		return PredicateResult{Satisfied: true}, nil
	})
	fn, ok := p.Lookup(custom)
	if !ok {
		t.Fatal("expected registered predicate")
	}
	if r, _ := fn(context.Background(), PredicateInput{}); !r.Satisfied {
		t.Error("expected registered predicate to be used")
	}

	var nilRegistry *Predicates
	if _, ok := nilRegistry.Lookup(custom); ok {
		t.Error("nil registry must not resolve predicates")
	}
}
