package models

import "time"

// OutboxStatus is the delivery state of an outbox event
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusProcessed  OutboxStatus = "processed"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// OutboxEvent is a domain event persisted in the same transaction as the
// change that caused it. EventID doubles as the consumer-side dedup key
// (it equals the originating change id). A failed event with a nil
// NextRetryAt is terminal and waits for an operator.
type OutboxEvent struct {
	ID          uint         `gorm:"primaryKey" json:"-"`
	EventID     string       `gorm:"type:varchar(64);not null;uniqueIndex:idx_event_id" json:"eventId"`
	EventType   string       `gorm:"type:varchar(100);not null" json:"eventType"`
	TenantID    string       `gorm:"type:varchar(64);not null;index" json:"tenantId"`
	Payload     JSONB        `gorm:"type:jsonb" json:"payload"`
	Status      OutboxStatus `gorm:"type:varchar(20);default:'pending';index:idx_outbox_due,priority:1" json:"status"`
	RetryCount  int          `gorm:"default:0" json:"retryCount"`
	LastError   *string      `gorm:"type:text" json:"lastError,omitempty"`
	NextRetryAt *time.Time   `gorm:"index:idx_outbox_due,priority:2" json:"nextRetryAt,omitempty"`
	ProcessedAt *time.Time   `json:"processedAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// TableName specifies the table name
func (OutboxEvent) TableName() string {
	return "outbox_events"
}
