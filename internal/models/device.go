package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeviceStatus defines the authorization state of a device
type DeviceStatus string

const (
	DeviceStatusActive   DeviceStatus = "active"   // Authorized to sync
	DeviceStatusInactive DeviceStatus = "inactive" // Deactivated, may be reactivated on login
	DeviceStatusRevoked  DeviceStatus = "revoked"  // Banned; tokens rejected until an operator intervenes
)

// DeviceRegistration represents a clinic workstation bound to a tenant scope.
// Convention: Go PascalCase -> DB snake_case (GORM auto) -> JSON camelCase
type DeviceRegistration struct {
	DeviceID       string         `gorm:"primaryKey;type:varchar(128)" json:"deviceId"`
	DeviceName     string         `json:"deviceName"`
	TenantID       string         `gorm:"type:varchar(64);not null;index" json:"tenantId"`
	OrganizationID string         `gorm:"type:varchar(64);not null;index" json:"organizationId"`
	ClinicID       *string        `gorm:"type:varchar(64)" json:"clinicId,omitempty"`
	UserID         string         `gorm:"type:varchar(64)" json:"userId"`
	Metadata       datatypes.JSON `json:"metadata"` // platform, OS version, app version, arch, memory
	Status         DeviceStatus   `gorm:"type:varchar(20);default:'active'" json:"status"`
	RegisteredAt   time.Time      `json:"registeredAt"`
	RevokedAt      *time.Time     `json:"revokedAt,omitempty"`
	LastSeenAt     time.Time      `json:"lastSeenAt"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for DeviceRegistration
func (DeviceRegistration) TableName() string {
	return "device_registrations"
}
