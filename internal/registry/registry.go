// Package registry issues and validates long-lived device identities
// scoped to a tenant. Token verification always re-checks the live device
// row, so revocation takes effect on the next request.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/clinicore/dentsyncgo/internal/database"
	"github.com/clinicore/dentsyncgo/internal/errs"
	"github.com/clinicore/dentsyncgo/internal/models"
	"github.com/clinicore/dentsyncgo/internal/sync"
)

// Registry manages device registrations and their access tokens
type Registry struct {
	db        *database.DB
	log       *zap.Logger
	jwtSecret string
	tokenTTL  time.Duration
	inviteTTL time.Duration
}

// Options tune token lifetimes
type Options struct {
	TokenTTL  time.Duration
	InviteTTL time.Duration
}

// New creates a device registry
func New(db *database.DB, log *zap.Logger, jwtSecret string, opts Options) *Registry {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 30 * 24 * time.Hour
	}
	if opts.InviteTTL <= 0 {
		opts.InviteTTL = 24 * time.Hour
	}
	return &Registry{
		db:        db,
		log:       log,
		jwtSecret: jwtSecret,
		tokenTTL:  opts.TokenTTL,
		inviteTTL: opts.InviteTTL,
	}
}

// LoginRequest is the device registration payload. InviteToken carries the
// pairing token scanned from the QR code; when present it must verify.
type LoginRequest struct {
	DeviceID       string                 `json:"deviceId"`
	DeviceName     string                 `json:"deviceName"`
	TenantID       string                 `json:"tenantId"`
	OrganizationID string                 `json:"organizationId"`
	ClinicID       *string                `json:"clinicId,omitempty"`
	UserID         string                 `json:"userId"`
	InviteToken    string                 `json:"inviteToken,omitempty"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// LoginResponse carries the issued device access token
type LoginResponse struct {
	DeviceAccessToken string `json:"deviceAccessToken"`
	ExpiresIn         int64  `json:"expiresIn"` // seconds
	DeviceID          string `json:"deviceId"`
}

// Register creates or reactivates a registration keyed by device id and
// issues a signed access token bound to the device and its tenant scope.
// A revoked device cannot re-register itself.
func (r *Registry) Register(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	if req.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing deviceId", errs.ErrValidation)
	}
	if req.TenantID == "" || req.OrganizationID == "" {
		return nil, fmt.Errorf("%w: missing tenant scope", errs.ErrValidation)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId", errs.ErrValidation)
	}

	// A scanned pairing invite auto-approves the registration; a bad or
	// expired invite refuses it outright
	if req.InviteToken != "" {
		if err := r.VerifyInvite(req.InviteToken); err != nil {
			return nil, err
		}
	}

	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata not serializable", errs.ErrValidation)
	}

	now := time.Now().UTC()
	var device models.DeviceRegistration

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("device_id = ?", req.DeviceID).First(&device).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			device = models.DeviceRegistration{
				DeviceID:       req.DeviceID,
				DeviceName:     req.DeviceName,
				TenantID:       req.TenantID,
				OrganizationID: req.OrganizationID,
				ClinicID:       req.ClinicID,
				UserID:         req.UserID,
				Metadata:       datatypes.JSON(metadata),
				Status:         models.DeviceStatusActive,
				RegisteredAt:   now,
				LastSeenAt:     now,
			}
			return tx.Create(&device).Error
		}
		if err != nil {
			return err
		}

		if device.Status == models.DeviceStatusRevoked {
			return errs.ErrDeviceRevoked
		}
		if device.TenantID != req.TenantID || device.OrganizationID != req.OrganizationID {
			// A known device cannot rebind itself to another tenant
			return errs.ErrTenantIsolation
		}

		device.DeviceName = req.DeviceName
		device.UserID = req.UserID
		device.Metadata = datatypes.JSON(metadata)
		device.Status = models.DeviceStatusActive
		device.LastSeenAt = now
		return tx.Save(&device).Error
	})
	if err != nil {
		return nil, err
	}

	token, err := r.issueToken(&device)
	if err != nil {
		return nil, fmt.Errorf("issue device token: %w", err)
	}

	r.log.Info("device registered",
		zap.String("deviceId", device.DeviceID),
		zap.String("tenantId", device.TenantID),
		zap.String("organizationId", device.OrganizationID))

	return &LoginResponse{
		DeviceAccessToken: token,
		ExpiresIn:         int64(r.tokenTTL.Seconds()),
		DeviceID:          device.DeviceID,
	}, nil
}

// IsRegistered reports whether the device exists and is active
func (r *Registry) IsRegistered(ctx context.Context, deviceID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.DeviceRegistration{}).
		Where("device_id = ? AND status = ?", deviceID, models.DeviceStatusActive).
		Count(&count).Error
	return count > 0, err
}

// Revoke bans a device; its tokens fail verification from the next request
func (r *Registry) Revoke(ctx context.Context, deviceID string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.DeviceRegistration{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]interface{}{
			"status":     models.DeviceStatusRevoked,
			"revoked_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrDeviceNotFound
	}

	r.log.Warn("device revoked", zap.String("deviceId", deviceID))
	return nil
}

// Deactivate sets a device INACTIVE; it may reactivate itself on login
func (r *Registry) Deactivate(ctx context.Context, deviceID string) error {
	res := r.db.WithContext(ctx).Model(&models.DeviceRegistration{}).
		Where("device_id = ? AND status = ?", deviceID, models.DeviceStatusActive).
		Update("status", models.DeviceStatusInactive)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrDeviceNotFound
	}
	return nil
}

// Get returns one registration
func (r *Registry) Get(ctx context.Context, deviceID string) (*models.DeviceRegistration, error) {
	var device models.DeviceRegistration
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// List returns registrations for an organization, newest first
func (r *Registry) List(ctx context.Context, organizationID string) ([]models.DeviceRegistration, error) {
	var devices []models.DeviceRegistration
	err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("registered_at DESC").
		Find(&devices).Error
	return devices, err
}

// Touch updates last_seen_at; called by the auth middleware
func (r *Registry) Touch(ctx context.Context, deviceID string) {
	err := r.db.WithContext(ctx).Model(&models.DeviceRegistration{}).
		Where("device_id = ?", deviceID).
		Update("last_seen_at", time.Now().UTC()).Error
	if err != nil {
		r.log.Debug("touch failed", zap.String("deviceId", deviceID), zap.Error(err))
	}
}

// deviceContext builds the request identity from a live registration
func deviceContext(device *models.DeviceRegistration) sync.DeviceContext {
	return sync.DeviceContext{
		DeviceID:       device.DeviceID,
		TenantID:       device.TenantID,
		OrganizationID: device.OrganizationID,
		ClinicID:       device.ClinicID,
		UserID:         device.UserID,
	}
}
