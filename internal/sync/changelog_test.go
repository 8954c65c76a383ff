package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/dentsyncgo/internal/errs"
	"github.com/clinicore/dentsyncgo/internal/models"
)

func appendReq(tenantID, entityID string) AppendRequest {
	return AppendRequest{
		ChangeID:       uuid.NewString(),
		TenantID:       tenantID,
		OrganizationID: "org-1",
		EntityType:     EntityTypePatient,
		EntityID:       entityID,
		Operation:      models.OperationInsert,
		Data:           models.JSONB{"name": "Test Patient"},
		Timestamp:      time.Now().UTC(),
	}
}

func TestAppendAssignsMonotonicSequences(t *testing.T) {
	log := NewChangeLog(testDB(t))
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		change, err := log.Append(ctx, appendReq("tenant-a", fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
		assert.Equal(t, i, change.SequenceNumber)
	}

	seq, err := log.CurrentSequence(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), seq)
}

func TestSequencesIndependentPerTenant(t *testing.T) {
	log := NewChangeLog(testDB(t))
	ctx := context.Background()

	a, err := log.Append(ctx, appendReq("tenant-a", "p1"))
	require.NoError(t, err)
	b, err := log.Append(ctx, appendReq("tenant-b", "p1"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.SequenceNumber)
	assert.Equal(t, int64(1), b.SequenceNumber)
}

func TestAppendDuplicateChangeIDReturnsOriginal(t *testing.T) {
	log := NewChangeLog(testDB(t))
	ctx := context.Background()

	req := appendReq("tenant-a", "p1")
	first, err := log.Append(ctx, req)
	require.NoError(t, err)

	// Same change id, different payload: the original row wins
	req.Data = models.JSONB{"name": "Replayed"}
	second, err := log.Append(ctx, req)
	require.ErrorIs(t, err, errs.ErrDuplicateChange)
	require.NotNil(t, second)
	assert.Equal(t, first.SequenceNumber, second.SequenceNumber)
	assert.Equal(t, "Test Patient", second.Data["name"])

	// The replay must not have consumed a sequence number
	seq, err := log.CurrentSequence(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestAppendValidation(t *testing.T) {
	log := NewChangeLog(testDB(t))
	ctx := context.Background()

	req := appendReq("tenant-a", "p1")
	req.ChangeID = ""
	_, err := log.Append(ctx, req)
	assert.ErrorIs(t, err, errs.ErrValidation)

	req = appendReq("", "p1")
	_, err = log.Append(ctx, req)
	assert.ErrorIs(t, err, errs.ErrValidation)

	req = appendReq("tenant-a", "p1")
	req.Operation = models.ChangeOperation("UPSERT")
	_, err = log.Append(ctx, req)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestConcurrentAppendsGetUniqueSequences(t *testing.T) {
	log := NewChangeLog(testDB(t))
	ctx := context.Background()

	const workers = 8
	const perWorker = 5

	var wg stdsync.WaitGroup
	sequences := make(chan int64, workers*perWorker)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				change, err := log.Append(ctx, appendReq("tenant-a", fmt.Sprintf("w%d-p%d", w, i)))
				if err != nil {
					t.Errorf("append failed: %v", err)
					return
				}
				sequences <- change.SequenceNumber
			}
		}(w)
	}
	wg.Wait()
	close(sequences)

	seen := make(map[int64]bool)
	for seq := range sequences {
		assert.False(t, seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, workers*perWorker)

	// Every append committed here, so this run assigned exactly 1..N
	for i := int64(1); i <= workers*perWorker; i++ {
		assert.True(t, seen[i], "sequence %d missing", i)
	}
}

func TestAppendUpdatesEntityState(t *testing.T) {
	log := NewChangeLog(testDB(t))
	ctx := context.Background()

	req := appendReq("tenant-a", "p1")
	_, err := log.Append(ctx, req)
	require.NoError(t, err)

	update := appendReq("tenant-a", "p1")
	update.Operation = models.OperationUpdate
	update.Data = models.JSONB{"name": "Updated Patient"}
	applied, err := log.Append(ctx, update)
	require.NoError(t, err)

	state, err := log.CurrentState(ctx, "tenant-a", EntityTypePatient, "p1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "Updated Patient", state.Data["name"])
	assert.Equal(t, applied.SequenceNumber, state.LastSequence)
	assert.False(t, state.Deleted)
}

func TestAppendDeleteMarksStateDeleted(t *testing.T) {
	log := NewChangeLog(testDB(t))
	ctx := context.Background()

	_, err := log.Append(ctx, appendReq("tenant-a", "p1"))
	require.NoError(t, err)

	del := appendReq("tenant-a", "p1")
	del.Operation = models.OperationDelete
	del.Data = nil
	_, err = log.Append(ctx, del)
	require.NoError(t, err)

	state, err := log.CurrentState(ctx, "tenant-a", EntityTypePatient, "p1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.Deleted)
}

func TestAppendEnqueuesOutboxEvent(t *testing.T) {
	db := testDB(t)
	log := NewChangeLog(db)
	ctx := context.Background()

	req := appendReq("tenant-a", "p1")
	change, err := log.Append(ctx, req)
	require.NoError(t, err)

	var event models.OutboxEvent
	require.NoError(t, db.Where("event_id = ?", req.ChangeID).First(&event).Error)
	assert.Equal(t, models.OutboxStatusPending, event.Status)
	assert.Equal(t, "patients.created", event.EventType)
	assert.Equal(t, "tenant-a", event.TenantID)
	assert.EqualValues(t, change.SequenceNumber, event.Payload["sequenceNumber"])
}

func TestReadSinceOrderingAndPaging(t *testing.T) {
	log := NewChangeLog(testDB(t))
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := log.Append(ctx, appendReq("tenant-a", fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
	}

	changes, hasMore, err := log.ReadSince(ctx, "tenant-a", 0, 3, "")
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.True(t, hasMore)
	assert.Equal(t, int64(1), changes[0].SequenceNumber)
	assert.Equal(t, int64(3), changes[2].SequenceNumber)

	changes, hasMore, err = log.ReadSince(ctx, "tenant-a", 3, 10, "")
	require.NoError(t, err)
	require.Len(t, changes, 4)
	assert.False(t, hasMore)
	assert.Equal(t, int64(4), changes[0].SequenceNumber)

	// Strictly increasing within the page
	for i := 1; i < len(changes); i++ {
		assert.Greater(t, changes[i].SequenceNumber, changes[i-1].SequenceNumber)
	}
}

func TestReadSinceFiltersByEntityType(t *testing.T) {
	log := NewChangeLog(testDB(t))
	ctx := context.Background()

	_, err := log.Append(ctx, appendReq("tenant-a", "p1"))
	require.NoError(t, err)

	appt := appendReq("tenant-a", "a1")
	appt.EntityType = EntityTypeAppointment
	_, err = log.Append(ctx, appt)
	require.NoError(t, err)

	changes, _, err := log.ReadSince(ctx, "tenant-a", 0, 10, EntityTypeAppointment)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, EntityTypeAppointment, changes[0].EntityType)
}

func TestReadSinceTenantIsolation(t *testing.T) {
	log := NewChangeLog(testDB(t))
	ctx := context.Background()

	_, err := log.Append(ctx, appendReq("tenant-a", "p1"))
	require.NoError(t, err)
	_, err = log.Append(ctx, appendReq("tenant-b", "p1"))
	require.NoError(t, err)

	changes, _, err := log.ReadSince(ctx, "tenant-a", 0, 10, "")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "tenant-a", changes[0].TenantID)
}

func TestFindByChangeID(t *testing.T) {
	log := NewChangeLog(testDB(t))
	ctx := context.Background()

	req := appendReq("tenant-a", "p1")
	_, err := log.Append(ctx, req)
	require.NoError(t, err)

	found, err := log.FindByChangeID(ctx, req.ChangeID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, req.ChangeID, found.ChangeID)

	missing, err := log.FindByChangeID(ctx, "never-seen")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCurrentSequenceZeroForUnknownTenant(t *testing.T) {
	log := NewChangeLog(testDB(t))

	seq, err := log.CurrentSequence(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

func TestCurrentStateNilForUnknownEntity(t *testing.T) {
	log := NewChangeLog(testDB(t))

	state, err := log.CurrentState(context.Background(), "tenant-a", EntityTypePatient, "ghost")
	require.NoError(t, err)
	assert.Nil(t, state)

	// sanity: the errors package distinguishes not-found from failure
	assert.False(t, errors.Is(err, errs.ErrValidation))
}
