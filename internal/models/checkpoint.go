package models

import "time"

// SyncCheckpoint is a device's per-tenant download watermark. It only
// advances: a client acknowledging an older sequence is rejected.
type SyncCheckpoint struct {
	ID                 uint      `gorm:"primaryKey" json:"-"`
	DeviceID           string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_device_tenant,priority:1" json:"deviceId"`
	TenantID           string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_device_tenant,priority:2" json:"tenantId"`
	OrganizationID     string    `gorm:"type:varchar(64);not null;index" json:"organizationId"`
	LastSyncedSequence int64     `gorm:"not null;default:0" json:"lastSyncedSequence"`
	LastSyncedAt       time.Time `json:"lastSyncedAt"`
	PendingChanges     int       `gorm:"default:0" json:"pendingChanges"` // client-reported queued uploads
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (SyncCheckpoint) TableName() string {
	return "sync_checkpoints"
}
