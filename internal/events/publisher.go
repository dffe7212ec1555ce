package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/bestseller-crawler/internal/catalog"
	"github.com/maltedev/bestseller-crawler/internal/database"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeSnapshotStored is published once per persisted crawl snapshot.
	EventTypeSnapshotStored EventType = "CATALOG_SNAPSHOT_STORED"

	aggregateType = "catalog_snapshot"
)

type CategorySummary struct {
	Name  string `json:"name"`
	Items int    `json:"items"`
}

// SnapshotStoredPayload is the body of a CATALOG_SNAPSHOT_STORED event.
type SnapshotStoredPayload struct {
	EventID    string            `json:"event_id"`
	EventType  string            `json:"event_type"`
	Timestamp  time.Time         `json:"timestamp"`
	Provider   string            `json:"provider"`
	RunID      string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Partial    bool              `json:"partial"`
	Categories []CategorySummary `json:"categories"`
	Items      int               `json:"items"`
	Inserted   int               `json:"inserted"`
	Updated    int               `json:"updated"`
	Conflicts  int               `json:"conflicts"`
	Source     string            `json:"source"`
}

// OutboxWriter is the part of database.OutboxRepository the publisher needs.
type OutboxWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher writes snapshot events into the transactional outbox. It is
// installed as the catalog store's SnapshotHook so the event commits with
// the rows it describes. The outbox routes each event to its provider's
// stream.
type Publisher struct {
	outbox OutboxWriter
	logger *slog.Logger
	now    func() time.Time
}

func NewPublisher(outbox OutboxWriter, logger *slog.Logger) *Publisher {
	return &Publisher{
		outbox: outbox,
		logger: logger.With("component", "event_publisher"),
		now:    time.Now,
	}
}

// OnSnapshotStored implements database.SnapshotHook.
func (p *Publisher) OnSnapshotStored(ctx context.Context, tx pgx.Tx, snap *catalog.Snapshot, stats database.UpsertStats) error {
	payload := NewSnapshotStoredPayload(snap, stats)
	payload.EventID = uuid.New().String()
	payload.Timestamp = p.now()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	event := &database.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   snap.RunID,
		Provider:      snap.ProviderID,
		EventType:     string(EventTypeSnapshotStored),
		Payload:       data,
	}
	if err := p.outbox.InsertWithTx(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	p.logger.Info("event published to outbox",
		"type", payload.EventType,
		"event_id", payload.EventID,
		"provider", payload.Provider,
		"run_id", payload.RunID,
		"outbox_id", event.ID,
		"stream", event.TargetStream)
	return nil
}

// NewSnapshotStoredPayload summarizes snap and its upsert result. Event ID and
// timestamp are left for the caller.
func NewSnapshotStoredPayload(snap *catalog.Snapshot, stats database.UpsertStats) *SnapshotStoredPayload {
	names := snap.Categories()
	categories := make([]CategorySummary, 0, len(names))
	for _, name := range names {
		categories = append(categories, CategorySummary{Name: name, Items: len(snap.Items(name))})
	}
	return &SnapshotStoredPayload{
		EventType:  string(EventTypeSnapshotStored),
		Provider:   snap.ProviderID,
		RunID:      snap.RunID,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
		Partial:    snap.Partial(),
		Categories: categories,
		Items:      snap.ItemCount(),
		Inserted:   stats.Inserted,
		Updated:    stats.Updated,
		Conflicts:  stats.Conflicts,
		Source:     database.Source,
	}
}
