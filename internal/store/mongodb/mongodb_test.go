package mongodb

import (
	"context"
	"errors"
	"testing"

	"github.com/moments-app/backend/internal/store"
	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestMapErr(t *testing.T) {
	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}

	assert.NoError(t, mapErr(nil))
	assert.ErrorIs(t, mapErr(mongo.ErrNoDocuments), store.ErrNotFound)
	assert.ErrorIs(t, mapErr(dup), store.ErrDuplicate)
	assert.ErrorIs(t, mapErr(context.DeadlineExceeded), store.ErrTransient)

	other := errors.New("bad bson")
	assert.Equal(t, other, mapErr(other))
}

func TestStatsKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"social", "social"},
		{"city.paris", "city_paris"},
		{"$set", "_set"},
	}
	for _, tt := range tests {
		if got := statsKey(tt.in); got != tt.want {
			t.Errorf("statsKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
