// Package notify hands unlock and milestone notifications to the delivery
// subsystem. Delivery itself happens outside this service.
package notify

import (
	"context"
	"log"
	"strconv"

	"github.com/moments-app/backend/internal/models"
)

// Emitter is fire-and-forget: Notify must not block on delivery.
type Emitter interface {
	Notify(ctx context.Context, n models.Notification)
}

// LogEmitter writes notifications to the process log. It is the fallback when
// no broker is configured.
type LogEmitter struct{}

func (LogEmitter) Notify(ctx context.Context, n models.Notification) {
	log.Printf("[notify] %s user=%s template=%s points=%d", n.Type, n.UserID, n.TemplateID, n.Points)
}

// UnlockID is the idempotency key of the unlock notification for the given
// unlock count of a (user, template) pair.
func UnlockID(userID, templateID string, unlockCount int) string {
	return "unlock:" + userID + ":" + templateID + ":" + strconv.Itoa(unlockCount)
}

// MilestoneID is the idempotency key of a partial-progress notification.
func MilestoneID(userID, templateID string, unlockCount, percentage int) string {
	return "milestone:" + userID + ":" + templateID + ":" + strconv.Itoa(unlockCount) + ":" + strconv.Itoa(percentage)
}
