package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/moments-app/backend/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestMapErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", sql.ErrNoRows, store.ErrNotFound},
		{"unique violation", &pq.Error{Code: "23505", Constraint: "achievement_templates_slug_key"}, store.ErrDuplicate},
		{"serialization failure", &pq.Error{Code: "40001"}, store.ErrTransient},
		{"deadlock", &pq.Error{Code: "40P01"}, store.ErrTransient},
		{"connection failure", &pq.Error{Code: "08006"}, store.ErrTransient},
		{"admin shutdown", &pq.Error{Code: "57P01"}, store.ErrTransient},
		{"deadline", context.DeadlineExceeded, store.ErrTransient},
		{"conn done", sql.ErrConnDone, store.ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapErr(tt.err), tt.want)
		})
	}

	assert.NoError(t, mapErr(nil))

	other := &pq.Error{Code: "23502"}
	assert.Same(t, other, mapErr(other))
	assert.False(t, errors.Is(mapErr(other), store.ErrTransient))
}

func TestNonNilSlices(t *testing.T) {
	assert.NotNil(t, nonNilMilestones(nil))
	assert.NotNil(t, nonNilRecent(nil))
	assert.Nil(t, nullJSON(nil))
	assert.Equal(t, `{"a":1}`, nullJSON([]byte(`{"a":1}`)))
}
