// Package outbox guarantees at-least-once propagation of domain events.
// Events are persisted in the same transaction as the change that caused
// them and relayed to the broker asynchronously, so sync-apply latency is
// decoupled from broker availability.
package outbox

import (
	"context"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinicore/dentsyncgo/internal/broker"
	"github.com/clinicore/dentsyncgo/internal/database"
	"github.com/clinicore/dentsyncgo/internal/models"
)

// DeadLetterTopic receives a notification for every terminally failed event
const DeadLetterTopic = "outbox.dead_letter"

const claimBatchSize = 50

// Relay polls due outbox rows and publishes them to the broker
type Relay struct {
	db           *database.DB
	log          *zap.Logger
	publisher    broker.Publisher
	topic        string
	pollInterval time.Duration
	maxRetries   int
	baseBackoff  time.Duration

	stopOnce stdsync.Once
	stop     chan struct{}
	done     chan struct{}
}

// RelayOptions tune polling and retry behavior
type RelayOptions struct {
	Topic        string
	PollInterval time.Duration
	MaxRetries   int
	BaseBackoff  time.Duration
}

// NewRelay creates an outbox relay
func NewRelay(db *database.DB, log *zap.Logger, publisher broker.Publisher, opts RelayOptions) *Relay {
	if opts.Topic == "" {
		opts.Topic = "sync.events"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	return &Relay{
		db:           db,
		log:          log,
		publisher:    publisher,
		topic:        opts.Topic,
		pollInterval: opts.PollInterval,
		maxRetries:   opts.MaxRetries,
		baseBackoff:  opts.BaseBackoff,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the polling loop
func (r *Relay) Start() {
	go r.run()
	r.log.Info("🚚 Outbox relay started",
		zap.Duration("pollInterval", r.pollInterval),
		zap.Int("maxRetries", r.maxRetries))
}

// Stop halts polling and waits for the in-flight cycle to finish
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}

func (r *Relay) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.ProcessDue(context.Background()); err != nil {
				r.log.Error("outbox poll failed", zap.Error(err))
			}
		}
	}
}

// ProcessDue relays every event that is PENDING, or FAILED with a due
// retry. Exposed for tests and manual draining.
func (r *Relay) ProcessDue(ctx context.Context) error {
	now := time.Now().UTC()

	var events []models.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", models.OutboxStatusPending).
		Or("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", models.OutboxStatusFailed, now).
		Order("created_at ASC").
		Limit(claimBatchSize).
		Find(&events).Error
	if err != nil {
		return err
	}

	for i := range events {
		if err := r.relay(ctx, &events[i]); err != nil {
			return err
		}
	}
	return nil
}

// relay claims one event, publishes it, and records the outcome
func (r *Relay) relay(ctx context.Context, event *models.OutboxEvent) error {
	// Claim: only one worker wins the PROCESSING transition
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status IN ?", event.ID,
			[]models.OutboxStatus{models.OutboxStatusPending, models.OutboxStatusFailed}).
		Update("status", models.OutboxStatusProcessing)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	pubErr := r.publisher.Publish(ctx, broker.Event{
		ID:        event.EventID,
		Topic:     r.topic,
		Type:      event.EventType,
		Payload:   event.Payload,
		Timestamp: time.Now().UTC(),
	})

	if pubErr == nil {
		now := time.Now().UTC()
		return r.db.WithContext(ctx).Model(event).
			Updates(map[string]interface{}{
				"status":        models.OutboxStatusProcessed,
				"processed_at":  now,
				"next_retry_at": nil,
			}).Error
	}

	return r.recordFailure(ctx, event, pubErr)
}

func (r *Relay) recordFailure(ctx context.Context, event *models.OutboxEvent, pubErr error) error {
	retryCount := event.RetryCount + 1
	msg := pubErr.Error()

	updates := map[string]interface{}{
		"status":      models.OutboxStatusFailed,
		"retry_count": retryCount,
		"last_error":  msg,
	}

	if retryCount >= r.maxRetries {
		// Terminal: no automatic retry, operator intervention required
		updates["next_retry_at"] = nil

		r.log.Error("🚨 outbox event failed terminally",
			zap.String("eventId", event.EventID),
			zap.String("eventType", event.EventType),
			zap.Int("retryCount", retryCount),
			zap.String("lastError", msg))

		_ = r.publisher.Publish(ctx, broker.Event{
			ID:    event.EventID,
			Topic: DeadLetterTopic,
			Type:  "outbox.dead_letter",
			Payload: map[string]interface{}{
				"eventId":    event.EventID,
				"eventType":  event.EventType,
				"retryCount": retryCount,
				"lastError":  msg,
			},
			Timestamp: time.Now().UTC(),
		})
	} else {
		next := time.Now().UTC().Add(r.backoff(retryCount))
		updates["next_retry_at"] = next

		r.log.Warn("outbox publish failed, will retry",
			zap.String("eventId", event.EventID),
			zap.Int("retryCount", retryCount),
			zap.Time("nextRetryAt", next),
			zap.Error(pubErr))
	}

	return r.db.WithContext(ctx).Model(event).Updates(updates).Error
}

// backoff doubles per attempt: base, 2*base, 4*base, ...
func (r *Relay) backoff(retryCount int) time.Duration {
	d := r.baseBackoff
	for i := 1; i < retryCount; i++ {
		d *= 2
	}
	return d
}
