package models

import "time"

// ChangeOperation is the kind of mutation a change applies
type ChangeOperation string

const (
	OperationInsert ChangeOperation = "INSERT"
	OperationUpdate ChangeOperation = "UPDATE"
	OperationDelete ChangeOperation = "DELETE"
)

// Valid reports whether the operation is one of the known kinds
func (op ChangeOperation) Valid() bool {
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// OfflineChange is one entry in the append-only change log. ChangeID is
// the client-generated idempotency key; SequenceNumber is assigned
// server-side, strictly increasing and unique per tenant. Consumers
// must not assume the numbering is gap-free.
type OfflineChange struct {
	ID             uint            `gorm:"primaryKey" json:"-"`
	ChangeID       string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_change_id" json:"changeId"`
	SequenceNumber int64           `gorm:"not null;uniqueIndex:idx_tenant_seq,priority:2" json:"sequenceNumber"`
	TenantID       string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_tenant_seq,priority:1;index" json:"tenantId"`
	OrganizationID string          `gorm:"type:varchar(64);not null;index" json:"organizationId"`
	ClinicID       *string         `gorm:"type:varchar(64)" json:"clinicId,omitempty"`
	EntityType     string          `gorm:"type:varchar(50);not null;index" json:"entityType"`
	EntityID       string          `gorm:"type:varchar(64);not null" json:"entityId"`
	Operation      ChangeOperation `gorm:"type:varchar(10);not null" json:"operation"`
	Data           JSONB           `gorm:"type:jsonb" json:"data"`
	PreviousData   JSONB           `gorm:"type:jsonb" json:"previousData,omitempty"`
	Resolution     JSONB           `gorm:"type:jsonb" json:"resolution,omitempty"` // set when a conflict was auto-resolved
	Timestamp      time.Time       `json:"timestamp"`                              // client wall-clock, informational only
	SourceDeviceID *string         `gorm:"type:varchar(128);index" json:"sourceDeviceId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// TableName specifies the table name
func (OfflineChange) TableName() string {
	return "offline_changes"
}

// TenantSequence is the per-tenant monotonic counter behind sequence
// assignment
type TenantSequence struct {
	TenantID     string    `gorm:"primaryKey;type:varchar(64)" json:"tenantId"`
	LastSequence int64     `gorm:"not null;default:0" json:"lastSequence"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (TenantSequence) TableName() string {
	return "tenant_sequences"
}

// EntityState is the materialized current version of one entity, used for
// conflict detection on upload
type EntityState struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	TenantID     string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_entity,priority:1" json:"tenantId"`
	EntityType   string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_entity,priority:2" json:"entityType"`
	EntityID     string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_entity,priority:3" json:"entityId"`
	Data         JSONB     `gorm:"type:jsonb" json:"data"`
	LastSequence int64     `gorm:"not null" json:"lastSequence"` // sequence of the change that produced this version
	Deleted      bool      `gorm:"default:false" json:"deleted"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (EntityState) TableName() string {
	return "entity_states"
}
