package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Outbox row states.
const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessed  = "processed"
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"

	// MaxRetryCount failed deliveries move an event to the dead letter state.
	MaxRetryCount = 5

	// DefaultStream is the base key of the snapshot streams. Each provider
	// publishes to its own stream below it, see StreamKey.
	DefaultStream = "stream:catalog_snapshots"

	maxRetryBackoff = 5 * time.Minute
)

// ErrEventNotFound is returned when an outbox row no longer exists.
var ErrEventNotFound = errors.New("outbox event not found")

// StreamKey returns the stream that carries provider's snapshot events.
func StreamKey(base, provider string) string {
	if base == "" {
		base = DefaultStream
	}
	if provider == "" {
		return base
	}
	return base + ":" + provider
}

// OutboxEvent is one undelivered or delivered catalog event. Provider scopes
// the event: it selects the target stream and orders delivery.
type OutboxEvent struct {
	ID            uuid.UUID       `db:"id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	Provider      string          `db:"provider"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	TargetStream  string          `db:"target_stream"`
	Status        string          `db:"status"`
	RetryCount    int             `db:"retry_count"`
	ErrorMessage  *string         `db:"error_message"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	NextRetryAt   *time.Time      `db:"next_retry_at"`
}

// OutboxRepository stores catalog events next to the rows they describe.
type OutboxRepository struct {
	db   *DB
	base string
}

// NewOutboxRepository routes events without a target stream to
// StreamKey(base, provider).
func NewOutboxRepository(db *DB, base string) *OutboxRepository {
	if base == "" {
		base = DefaultStream
	}
	return &OutboxRepository{db: db, base: base}
}

// InsertWithTx adds event inside tx so it commits with the snapshot rows.
func (r *OutboxRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	r.prepare(event, time.Now())

	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_event (
			id, aggregate_type, aggregate_id, provider, event_type,
			payload, target_stream, status, retry_count,
			created_at, next_retry_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID, event.AggregateType, event.AggregateID, event.Provider, event.EventType,
		event.Payload, event.TargetStream, event.Status, event.RetryCount,
		event.CreatedAt, event.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func (r *OutboxRepository) prepare(event *OutboxEvent, now time.Time) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.TargetStream == "" {
		event.TargetStream = StreamKey(r.base, event.Provider)
	}
	event.CreatedAt = now
	if event.NextRetryAt == nil {
		event.NextRetryAt = &now
	}
}

// GetPending returns events due for delivery, oldest first. Events of one
// provider keep their creation order.
func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT
			id, aggregate_type, aggregate_id, provider, event_type,
			payload, target_stream, status, retry_count,
			error_message, created_at, processed_at, next_retry_at
		FROM outbox_event
		WHERE status IN ($1, $2) AND next_retry_at <= $3
		ORDER BY created_at, id
		LIMIT $4`,
		OutboxStatusPending, OutboxStatusFailed, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEvent, error) {
		e := &OutboxEvent{}
		err := row.Scan(
			&e.ID, &e.AggregateType, &e.AggregateID, &e.Provider, &e.EventType,
			&e.Payload, &e.TargetStream, &e.Status, &e.RetryCount,
			&e.ErrorMessage, &e.CreatedAt, &e.ProcessedAt, &e.NextRetryAt,
		)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending events: %w", err)
	}
	return events, nil
}

// MarkProcessed records a successful delivery.
func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE outbox_event SET status = $1, processed_at = $2, error_message = NULL WHERE id = $3",
		OutboxStatusProcessed, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark event %s processed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return nil
}

// MarkFailed records a failed delivery and schedules the next attempt, or
// dead-letters the event once it has failed MaxRetryCount times.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, deliveryErr error) error {
	return r.db.Transaction(ctx, func(tx pgx.Tx) error {
		var retries int
		err := tx.QueryRow(ctx,
			"SELECT retry_count FROM outbox_event WHERE id = $1 FOR UPDATE", id).Scan(&retries)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock event %s: %w", id, err)
		}

		retries++
		_, err = tx.Exec(ctx, `
			UPDATE outbox_event
			SET status = $1, retry_count = $2, error_message = $3, next_retry_at = $4
			WHERE id = $5`,
			nextStatus(retries), retries, deliveryErr.Error(), calculateNextRetryTime(time.Now(), retries), id)
		if err != nil {
			return fmt.Errorf("failed to mark event %s failed: %w", id, err)
		}
		return nil
	})
}

func nextStatus(retries int) string {
	if retries >= MaxRetryCount {
		return OutboxStatusDeadLetter
	}
	return OutboxStatusFailed
}

// calculateNextRetryTime backs off exponentially from two seconds, capped at
// five minutes.
func calculateNextRetryTime(now time.Time, retries int) time.Time {
	if retries > 16 {
		return now.Add(maxRetryBackoff)
	}
	backoff := time.Duration(1<<retries) * time.Second
	return now.Add(min(backoff, maxRetryBackoff))
}
