package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"gorm.io/gorm"

	"github.com/clinicore/dentsyncgo/internal/database"
	"github.com/clinicore/dentsyncgo/internal/errs"
	"github.com/clinicore/dentsyncgo/internal/models"
	"github.com/clinicore/dentsyncgo/internal/outbox"
)

// ChangeLog is the append-only, per-tenant sequenced ledger of mutations.
// Sequence allocation and append are atomic: the tenant counter is bumped
// with a row-level atomic increment inside the same transaction that
// persists the change, updates the entity state and enqueues the outbox
// event. A per-tenant in-process lock serializes same-tenant appends so
// two uploads for one tenant never contend on the counter row; appends
// for different tenants proceed in parallel. The gateway takes the same
// lock around its conflict check so the entity state it reads cannot be
// advanced by a concurrent upload before the append commits.
type ChangeLog struct {
	db *database.DB

	mu          stdsync.Mutex
	tenantLocks map[string]*stdsync.Mutex
}

// NewChangeLog creates a change log over the shared store
func NewChangeLog(db *database.DB) *ChangeLog {
	return &ChangeLog{
		db:          db,
		tenantLocks: make(map[string]*stdsync.Mutex),
	}
}

func (l *ChangeLog) tenantLock(tenantID string) *stdsync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.tenantLocks[tenantID]
	if !ok {
		lock = &stdsync.Mutex{}
		l.tenantLocks[tenantID] = lock
	}
	return lock
}

// AppendRequest carries one change to be sequenced and persisted
type AppendRequest struct {
	ChangeID       string
	TenantID       string
	OrganizationID string
	ClinicID       *string
	EntityType     string
	EntityID       string
	Operation      models.ChangeOperation
	Data           models.JSONB
	PreviousData   models.JSONB
	Resolution     models.JSONB
	Timestamp      time.Time
	SourceDeviceID *string
}

// Append assigns the next sequence number for the tenant and persists the
// change atomically. If the change id was already applied the existing row
// is returned with errs.ErrDuplicateChange and no sequence is consumed.
// Any storage error rolls the whole unit back (fail closed).
func (l *ChangeLog) Append(ctx context.Context, req AppendRequest) (*models.OfflineChange, error) {
	lock := l.tenantLock(req.TenantID)
	lock.Lock()
	defer lock.Unlock()
	return l.append(ctx, req)
}

// append is Append without the locking; the caller must hold the tenant
// lock for req.TenantID
func (l *ChangeLog) append(ctx context.Context, req AppendRequest) (*models.OfflineChange, error) {
	if req.ChangeID == "" {
		return nil, fmt.Errorf("%w: empty change id", errs.ErrValidation)
	}
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: empty tenant id", errs.ErrValidation)
	}
	if !req.Operation.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", errs.ErrValidation, req.Operation)
	}

	var applied *models.OfflineChange
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Idempotency: a replayed change returns the original row untouched
		var existing models.OfflineChange
		err := tx.Where("change_id = ?", req.ChangeID).First(&existing).Error
		if err == nil {
			applied = &existing
			return errs.ErrDuplicateChange
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		seq, err := l.nextSequence(tx, req.TenantID)
		if err != nil {
			return err
		}

		change := models.OfflineChange{
			ChangeID:       req.ChangeID,
			SequenceNumber: seq,
			TenantID:       req.TenantID,
			OrganizationID: req.OrganizationID,
			ClinicID:       req.ClinicID,
			EntityType:     req.EntityType,
			EntityID:       req.EntityID,
			Operation:      req.Operation,
			Data:           req.Data,
			PreviousData:   req.PreviousData,
			Resolution:     req.Resolution,
			Timestamp:      req.Timestamp,
			SourceDeviceID: req.SourceDeviceID,
		}
		if change.Timestamp.IsZero() {
			change.Timestamp = time.Now().UTC()
		}
		if err := tx.Create(&change).Error; err != nil {
			return err
		}

		if err := l.applyEntityState(tx, &change); err != nil {
			return err
		}

		if err := outbox.Enqueue(tx, outboxEventFor(&change)); err != nil {
			return err
		}

		applied = &change
		return nil
	})

	if errors.Is(err, errs.ErrDuplicateChange) {
		return applied, err
	}
	if err != nil {
		return nil, fmt.Errorf("changelog append: %w", err)
	}
	return applied, nil
}

// nextSequence bumps the tenant counter atomically and reads the new value
// back inside the transaction. The UPDATE takes a row lock, so concurrent
// transactions for the same tenant serialize at the storage layer as well.
func (l *ChangeLog) nextSequence(tx *gorm.DB, tenantID string) (int64, error) {
	res := tx.Model(&models.TenantSequence{}).
		Where("tenant_id = ?", tenantID).
		Update("last_sequence", gorm.Expr("last_sequence + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		ts := models.TenantSequence{TenantID: tenantID, LastSequence: 1}
		if err := tx.Create(&ts).Error; err != nil {
			return 0, err
		}
		return 1, nil
	}

	var ts models.TenantSequence
	if err := tx.Where("tenant_id = ?", tenantID).First(&ts).Error; err != nil {
		return 0, err
	}
	return ts.LastSequence, nil
}

// applyEntityState upserts the materialized current state of the entity
func (l *ChangeLog) applyEntityState(tx *gorm.DB, change *models.OfflineChange) error {
	var state models.EntityState
	err := tx.Where("tenant_id = ? AND entity_type = ? AND entity_id = ?",
		change.TenantID, change.EntityType, change.EntityID).First(&state).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = models.EntityState{
			TenantID:   change.TenantID,
			EntityType: change.EntityType,
			EntityID:   change.EntityID,
		}
	} else if err != nil {
		return err
	}

	state.Data = change.Data
	state.LastSequence = change.SequenceNumber
	state.Deleted = change.Operation == models.OperationDelete

	return tx.Save(&state).Error
}

// CurrentState returns the materialized state of one entity, or nil if the
// entity has never been written
func (l *ChangeLog) CurrentState(ctx context.Context, tenantID, entityType, entityID string) (*models.EntityState, error) {
	var state models.EntityState
	err := l.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", tenantID, entityType, entityID).
		First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// FindByChangeID returns the applied change with this idempotency key, or
// nil when unseen
func (l *ChangeLog) FindByChangeID(ctx context.Context, changeID string) (*models.OfflineChange, error) {
	var change models.OfflineChange
	err := l.db.WithContext(ctx).Where("change_id = ?", changeID).First(&change).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &change, nil
}

// ReadSince returns up to limit changes with sequence > sinceSequence in
// strictly increasing sequence order, and whether more remain
func (l *ChangeLog) ReadSince(ctx context.Context, tenantID string, sinceSequence int64, limit int, entityType string) ([]models.OfflineChange, bool, error) {
	if limit <= 0 {
		limit = 100
	}

	q := l.db.WithContext(ctx).
		Where("tenant_id = ? AND sequence_number > ?", tenantID, sinceSequence).
		Order("sequence_number ASC").
		Limit(limit + 1)
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}

	var changes []models.OfflineChange
	if err := q.Find(&changes).Error; err != nil {
		return nil, false, fmt.Errorf("changelog read: %w", err)
	}

	hasMore := len(changes) > limit
	if hasMore {
		changes = changes[:limit]
	}
	return changes, hasMore, nil
}

// CurrentSequence returns the last assigned sequence for a tenant (0 when
// nothing was ever appended)
func (l *ChangeLog) CurrentSequence(ctx context.Context, tenantID string) (int64, error) {
	var ts models.TenantSequence
	err := l.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&ts).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ts.LastSequence, nil
}

// outboxEventFor builds the domain event persisted with an applied change
func outboxEventFor(change *models.OfflineChange) models.OutboxEvent {
	verb := map[models.ChangeOperation]string{
		models.OperationInsert: "created",
		models.OperationUpdate: "updated",
		models.OperationDelete: "deleted",
	}[change.Operation]

	return models.OutboxEvent{
		EventID:   change.ChangeID,
		EventType: change.EntityType + "." + verb,
		TenantID:  change.TenantID,
		Payload: models.JSONB{
			"changeId":       change.ChangeID,
			"sequenceNumber": change.SequenceNumber,
			"tenantId":       change.TenantID,
			"organizationId": change.OrganizationID,
			"entityType":     change.EntityType,
			"entityId":       change.EntityID,
			"operation":      string(change.Operation),
			"data":           map[string]interface{}(change.Data),
		},
	}
}
