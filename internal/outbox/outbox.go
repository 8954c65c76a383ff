package outbox

import (
	"gorm.io/gorm"

	"github.com/clinicore/dentsyncgo/internal/models"
)

// Enqueue persists an event inside the caller's transaction, so the event
// commits or rolls back together with the change that caused it.
func Enqueue(tx *gorm.DB, event models.OutboxEvent) error {
	event.Status = models.OutboxStatusPending
	event.RetryCount = 0
	return tx.Create(&event).Error
}
