package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Source tags every message the relay publishes.
const Source = "bestseller-crawler"

// RedisClient is the subset of *redis.Client the relay uses.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// OutboxRepo is the subset of OutboxRepository the relay uses.
type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
}

// StreamEnvelope is the JSON document in a stream message's data field.
type StreamEnvelope struct {
	ID            string           `json:"id"`
	Type          string           `json:"type"`
	AggregateType string           `json:"aggregate_type"`
	AggregateID   string           `json:"aggregate_id"`
	Provider      string           `json:"provider"`
	Timestamp     time.Time        `json:"timestamp"`
	Payload       json.RawMessage  `json:"payload"`
	Metadata      EnvelopeMetadata `json:"metadata"`
}

type EnvelopeMetadata struct {
	Source     string `json:"source"`
	OutboxID   string `json:"outbox_id"`
	RetryCount int    `json:"retry_count"`
	Stream     string `json:"stream"`
}

// snapshotSummary is the part of a snapshot payload copied onto the flat
// message fields.
type snapshotSummary struct {
	Partial bool `json:"partial"`
	Items   int  `json:"items"`
}

// Relay moves catalog events from the outbox to their provider streams.
type Relay struct {
	db        *DB
	redis     RedisClient
	outbox    OutboxRepo
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	maxLen    int64
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// Stream is the base key passed to StreamKey.
	Stream string
	// MaxLen approximately caps each provider stream. Zero keeps everything.
	MaxLen int64
}

// NewRelay creates a relay draining the outbox of db.
func NewRelay(db *DB, redisClient RedisClient, logger *slog.Logger, config RelayConfig) *Relay {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Relay{
		db:        db,
		redis:     redisClient,
		outbox:    NewOutboxRepository(db, config.Stream),
		logger:    logger.With("component", "relay"),
		interval:  config.PollInterval,
		batchSize: config.BatchSize,
		maxLen:    config.MaxLen,
	}
}

// Start polls the outbox until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay",
		"interval", r.interval,
		"batch_size", r.batchSize,
		"max_len", r.maxLen)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.processEvents(ctx); err != nil {
			r.logger.Error("failed to process events", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// processEvents delivers one batch. A failed delivery holds back the rest of
// that provider's batch so its snapshots reach the stream in order.
func (r *Relay) processEvents(ctx context.Context) error {
	events, err := r.outbox.GetPending(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to get pending events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}
	r.logger.Debug("processing events", "count", len(events))

	held := make(map[string]bool)
	for _, event := range events {
		if held[event.Provider] {
			r.logger.Debug("event held behind failed delivery",
				"event_id", event.ID,
				"provider", event.Provider)
			continue
		}
		if err := r.processEvent(ctx, event); err != nil {
			held[event.Provider] = true
			r.logger.Error("failed to deliver event",
				"event_id", event.ID,
				"provider", event.Provider,
				"run_id", event.AggregateID,
				"error", err)
		}
	}
	return nil
}

func (r *Relay) processEvent(ctx context.Context, event *OutboxEvent) error {
	if err := r.publish(ctx, event); err != nil {
		if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
			r.logger.Error("failed to record delivery failure", "event_id", event.ID, "error", markErr)
		}
		return err
	}
	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		return err
	}

	r.logger.Info("snapshot event delivered",
		"event_id", event.ID,
		"provider", event.Provider,
		"run_id", event.AggregateID,
		"stream", event.TargetStream)
	return nil
}

// publish appends event to its stream. The flat fields let consumers route
// by provider and skip partial snapshots without decoding data.
func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	var summary snapshotSummary
	if err := json.Unmarshal(event.Payload, &summary); err != nil {
		return fmt.Errorf("failed to decode snapshot payload: %w", err)
	}

	data, err := json.Marshal(StreamEnvelope{
		ID:            event.ID.String(),
		Type:          event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Provider:      event.Provider,
		Timestamp:     event.CreatedAt.UTC(),
		Payload:       event.Payload,
		Metadata: EnvelopeMetadata{
			Source:     Source,
			OutboxID:   event.ID.String(),
			RetryCount: event.RetryCount,
			Stream:     event.TargetStream,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: event.TargetStream,
		Values: map[string]interface{}{
			"data":       string(data),
			"type":       event.EventType,
			"provider":   event.Provider,
			"run_id":     event.AggregateID,
			"partial":    strconv.FormatBool(summary.Partial),
			"items":      strconv.Itoa(summary.Items),
			"created_at": strconv.FormatInt(event.CreatedAt.UnixMilli(), 10),
			"outbox_id":  event.ID.String(),
			"source":     Source,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	if _, err := r.redis.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", event.TargetStream, err)
	}
	return nil
}

// Backlog is the number of outbox rows of one provider in one state.
type Backlog struct {
	Provider string
	Status   string
	Count    int64
}

// Backlog counts undelivered and dead-lettered events per provider.
func (r *Relay) Backlog(ctx context.Context) ([]Backlog, error) {
	rows, err := r.db.Query(ctx, `
		SELECT provider, status, COUNT(*)
		FROM outbox_event
		WHERE status <> $1
		GROUP BY provider, status
		ORDER BY provider, status`,
		OutboxStatusProcessed)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox backlog: %w", err)
	}

	var out []Backlog
	for rows.Next() {
		var b Backlog
		if err := rows.Scan(&b.Provider, &b.Status, &b.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan outbox backlog: %w", err)
		}
		out = append(out, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count outbox backlog: %w", err)
	}
	return out, nil
}

// PendingCount returns the number of events still waiting for delivery.
func (r *Relay) PendingCount(ctx context.Context) (int64, error) {
	backlog, err := r.Backlog(ctx)
	if err != nil {
		return 0, err
	}
	return sumBacklog(backlog, OutboxStatusPending, OutboxStatusFailed), nil
}

// DeadLetterCount returns the number of events that exhausted their retries.
func (r *Relay) DeadLetterCount(ctx context.Context) (int64, error) {
	backlog, err := r.Backlog(ctx)
	if err != nil {
		return 0, err
	}
	return sumBacklog(backlog, OutboxStatusDeadLetter), nil
}

func sumBacklog(backlog []Backlog, statuses ...string) int64 {
	var n int64
	for _, b := range backlog {
		for _, s := range statuses {
			if b.Status == s {
				n += b.Count
			}
		}
	}
	return n
}
