package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clinicore/dentsyncgo/internal/database"
	"github.com/clinicore/dentsyncgo/internal/errs"
	"github.com/clinicore/dentsyncgo/internal/models"
)

// Gateway orchestrates upload and download exchanges between devices and
// the shared change log.
type Gateway struct {
	db        *database.DB
	log       *zap.Logger
	changelog *ChangeLog
	resolver  *ConflictResolver

	maxBatchSize    int
	defaultPageSize int
	maxPageSize     int
}

// GatewayOptions bound batch and page sizes
type GatewayOptions struct {
	MaxBatchSize    int
	DefaultPageSize int
	MaxPageSize     int
}

// NewGateway creates a sync gateway
func NewGateway(db *database.DB, log *zap.Logger, changelog *ChangeLog, resolver *ConflictResolver, opts GatewayOptions) *Gateway {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 500
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 100
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 1000
	}
	return &Gateway{
		db:              db,
		log:             log,
		changelog:       changelog,
		resolver:        resolver,
		maxBatchSize:    opts.MaxBatchSize,
		defaultPageSize: opts.DefaultPageSize,
		maxPageSize:     opts.MaxPageSize,
	}
}

// Upload applies a batch of offline changes in client-submitted order.
// Per-change failures (validation, tenant mismatch) are collected into the
// result; storage failures abort the request, leaving already-applied
// changes committed for the client to resume past via change-id idempotency.
func (g *Gateway) Upload(ctx context.Context, device DeviceContext, batch SyncBatch) (*SyncResult, error) {
	if len(batch.Changes) > g.maxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds maximum %d", errs.ErrLimitExceeded, len(batch.Changes), g.maxBatchSize)
	}

	result := &SyncResult{
		Rejections: []Rejection{},
		Conflicts:  []ConflictResult{},
	}

	for i := range batch.Changes {
		change := &batch.Changes[i]

		if reason := g.validateChange(change); reason != "" {
			g.reject(result, change.ChangeID, reason, device)
			continue
		}
		if reason := g.checkTenantScope(change, device); reason != "" {
			g.reject(result, change.ChangeID, reason, device)
			continue
		}

		applied, err := g.applyChange(ctx, device, batch.LastSequence, change, result)
		if err != nil {
			return nil, fmt.Errorf("upload aborted at change %s: %w", change.ChangeID, err)
		}
		if applied {
			result.Accepted++
		}
	}

	newSequence, err := g.changelog.CurrentSequence(ctx, device.TenantID)
	if err != nil {
		return nil, fmt.Errorf("upload: read sequence: %w", err)
	}
	result.NewSequence = newSequence
	result.Timestamp = time.Now().UTC()

	g.log.Info("sync batch processed",
		zap.String("deviceId", device.DeviceID),
		zap.String("tenantId", device.TenantID),
		zap.Int("accepted", result.Accepted),
		zap.Int("rejected", result.Rejected),
		zap.Int("conflicts", len(result.Conflicts)),
		zap.Int64("newSequence", result.NewSequence))

	return result, nil
}

// applyChange runs steps 2-6 of the upload protocol for one change and
// reports whether it was counted as accepted. The tenant lock is held for
// the whole check-resolve-append span: without it a concurrent upload can
// commit between the conflict check and the append, and the stale change
// would land with no resolution, overwriting the committed version.
func (g *Gateway) applyChange(ctx context.Context, device DeviceContext, lastSequence int64, change *ChangeRequest, result *SyncResult) (bool, error) {
	lock := g.changelog.tenantLock(device.TenantID)
	lock.Lock()
	defer lock.Unlock()

	// Idempotency: an already-applied change id counts as accepted
	// without reapplying
	existing, err := g.changelog.FindByChangeID(ctx, change.ChangeID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return true, nil
	}

	data := change.Data
	var resolution models.JSONB

	state, err := g.changelog.CurrentState(ctx, device.TenantID, change.EntityType, change.EntityID)
	if err != nil {
		return false, err
	}

	// A conflict exists only when the entity is present and the server
	// advanced past the client's view of it
	if state != nil && change.Operation != models.OperationInsert && state.LastSequence > lastSequence {
		conflict := g.resolver.ResolveChange(change.ChangeID, change.EntityType, change.Data, state.Data)
		result.Conflicts = append(result.Conflicts, conflict)

		data = conflict.ResolvedData
		change.Operation = models.OperationUpdate
		resolution = models.JSONB{
			"strategy":   string(conflict.Strategy),
			"resolvedAt": conflict.ResolvedAt.Format(time.RFC3339Nano),
		}

		g.log.Info("conflict resolved",
			zap.String("changeId", change.ChangeID),
			zap.String("entityType", change.EntityType),
			zap.String("entityId", change.EntityID),
			zap.String("strategy", string(conflict.Strategy)))
	}

	deviceID := device.DeviceID
	_, err = g.changelog.append(ctx, AppendRequest{
		ChangeID:       change.ChangeID,
		TenantID:       device.TenantID,
		OrganizationID: device.OrganizationID,
		ClinicID:       change.ClinicID,
		EntityType:     change.EntityType,
		EntityID:       change.EntityID,
		Operation:      change.Operation,
		Data:           models.JSONB(data),
		PreviousData:   models.JSONB(change.PreviousData),
		Resolution:     resolution,
		Timestamp:      change.Timestamp,
		SourceDeviceID: &deviceID,
	})
	if errors.Is(err, errs.ErrDuplicateChange) {
		// In-transaction dedup caught a replay the pre-check missed
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (g *Gateway) validateChange(change *ChangeRequest) string {
	switch {
	case change.ChangeID == "":
		return "missing changeId"
	case change.EntityType == "":
		return "missing entityType"
	case change.EntityID == "":
		return "missing entityId"
	case !change.Operation.Valid():
		return fmt.Sprintf("unknown operation %q", change.Operation)
	case change.Operation != models.OperationDelete && len(change.Data) == 0:
		return "missing data"
	}
	return ""
}

// checkTenantScope enforces the hard tenant-isolation boundary: every
// scope field the change names must match the device's registered binding
func (g *Gateway) checkTenantScope(change *ChangeRequest, device DeviceContext) string {
	if change.TenantID != device.TenantID {
		return fmt.Sprintf("tenantId %q outside device scope", change.TenantID)
	}
	if change.OrganizationID != device.OrganizationID {
		return fmt.Sprintf("organizationId %q outside device scope", change.OrganizationID)
	}
	if device.ClinicID != nil {
		if change.ClinicID == nil || *change.ClinicID != *device.ClinicID {
			return "clinicId outside device scope"
		}
	}
	return ""
}

// reject records a per-change rejection; never silently dropped
func (g *Gateway) reject(result *SyncResult, changeID, reason string, device DeviceContext) {
	result.Rejected++
	result.Rejections = append(result.Rejections, Rejection{ChangeID: changeID, Reason: reason})
	g.log.Warn("change rejected",
		zap.String("deviceId", device.DeviceID),
		zap.String("changeId", changeID),
		zap.String("reason", reason))
}

// Download returns changes after sinceSequence for the device's tenant,
// capped at limit. Stateless and safely retryable.
func (g *Gateway) Download(ctx context.Context, device DeviceContext, sinceSequence int64, limit int, entityType string) (*DownloadPage, error) {
	if limit <= 0 {
		limit = g.defaultPageSize
	}
	if limit > g.maxPageSize {
		limit = g.maxPageSize
	}

	changes, hasMore, err := g.changelog.ReadSince(ctx, device.TenantID, sinceSequence, limit, entityType)
	if err != nil {
		return nil, err
	}

	current, err := g.changelog.CurrentSequence(ctx, device.TenantID)
	if err != nil {
		return nil, err
	}

	return &DownloadPage{
		Changes:         changes,
		CurrentSequence: current,
		HasMore:         hasMore,
	}, nil
}

// AckCheckpoint advances the device's watermark after the client durably
// applied a full page. The watermark never moves backwards.
func (g *Gateway) AckCheckpoint(ctx context.Context, device DeviceContext, sequence int64, pendingChanges int) (*models.SyncCheckpoint, error) {
	if sequence < 0 {
		return nil, fmt.Errorf("%w: negative sequence", errs.ErrValidation)
	}

	var cp models.SyncCheckpoint
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("device_id = ? AND tenant_id = ?", device.DeviceID, device.TenantID).First(&cp).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cp = models.SyncCheckpoint{
				DeviceID:       device.DeviceID,
				TenantID:       device.TenantID,
				OrganizationID: device.OrganizationID,
			}
		} else if err != nil {
			return err
		}

		if sequence < cp.LastSyncedSequence {
			return fmt.Errorf("%w: %d < %d", errs.ErrCheckpointRegression, sequence, cp.LastSyncedSequence)
		}

		cp.LastSyncedSequence = sequence
		cp.LastSyncedAt = time.Now().UTC()
		cp.PendingChanges = pendingChanges
		return tx.Save(&cp).Error
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// Checkpoint returns the device's current watermark, or nil before the
// first successful sync
func (g *Gateway) Checkpoint(ctx context.Context, device DeviceContext) (*models.SyncCheckpoint, error) {
	var cp models.SyncCheckpoint
	err := g.db.WithContext(ctx).
		Where("device_id = ? AND tenant_id = ?", device.DeviceID, device.TenantID).
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// Status summarizes the log and outbox for the operational endpoint
func (g *Gateway) Status(ctx context.Context) (map[string]interface{}, error) {
	var changeCount, deviceCount, outboxPending int64
	db := g.db.WithContext(ctx)

	if err := db.Model(&models.OfflineChange{}).Count(&changeCount).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.DeviceRegistration{}).
		Where("status = ?", models.DeviceStatusActive).Count(&deviceCount).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.OutboxEvent{}).
		Where("status IN ?", []models.OutboxStatus{models.OutboxStatusPending, models.OutboxStatusProcessing}).
		Count(&outboxPending).Error; err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"totalChanges":  changeCount,
		"activeDevices": deviceCount,
		"outboxPending": outboxPending,
	}, nil
}
