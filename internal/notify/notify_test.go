package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/moments-app/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationIDs(t *testing.T) {
	if got := UnlockID("u1", "t9", 3); got != "unlock:u1:t9:3" {
		t.Errorf("UnlockID() = %q", got)
	}
	if got := MilestoneID("u1", "t9", 0, 75); got != "milestone:u1:t9:0:75" {
		t.Errorf("MilestoneID() = %q", got)
	}
}

func TestAMQPEmitterPublishesInOrder(t *testing.T) {
	var mu sync.Mutex
	var published []string
	e := newAMQPEmitter(func(n models.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, n.ID)
		return nil
	}, 8)

	for _, id := range []string{"a", "b", "c"} {
		e.Notify(context.Background(), models.Notification{ID: id})
	}
	require.NoError(t, e.Close())

	assert.Equal(t, []string{"a", "b", "c"}, published)
}

func TestAMQPEmitterDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var count int
	var mu sync.Mutex
	e := newAMQPEmitter(func(n models.Notification) error {
		<-release
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// One in flight, one buffered, the rest dropped.
		for i := 0; i < 10; i++ {
			e.Notify(context.Background(), models.Notification{ID: "n"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full buffer")
	}

	close(release)
	require.NoError(t, e.Close())
	assert.LessOrEqual(t, count, 2)
	assert.GreaterOrEqual(t, count, 1)
}

func TestAMQPEmitterSurvivesPublishErrors(t *testing.T) {
	var calls int
	e := newAMQPEmitter(func(n models.Notification) error {
		calls++
		return errors.New("channel closed")
	}, 4)

	e.Notify(context.Background(), models.Notification{ID: "x"})
	e.Notify(context.Background(), models.Notification{ID: "y"})
	require.NoError(t, e.Close())
	assert.Equal(t, 2, calls)

	// Notify after Close is dropped and Close is idempotent.
	e.Notify(context.Background(), models.Notification{ID: "z"})
	assert.NoError(t, e.Close())
	assert.Equal(t, 2, calls)
}
