package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/bestseller-crawler/internal/catalog"
	"github.com/maltedev/bestseller-crawler/internal/database"
)

type MockOutbox struct {
	mock.Mock
}

func (m *MockOutbox) InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error {
	args := m.Called(ctx, tx, event)
	return args.Error(0)
}

var _ database.SnapshotHook = (*Publisher)(nil)

func testSnapshot() *catalog.Snapshot {
	started := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	snap := catalog.NewSnapshot("mercadolivre", "run-7", started)
	snap.Put("Celulares", []catalog.Item{
		{Rank: 1, Title: "Moto G", Price: 99900, Link: "https://produto.mercadolivre.com.br/MLB-1", Image: "https://http2.mlstatic.com/1.webp"},
		{Rank: 2, Title: "Galaxy A15", Price: 89900, Link: "https://produto.mercadolivre.com.br/MLB-2", Image: "https://http2.mlstatic.com/2.webp"},
	})
	snap.Put("Games", nil)
	snap.MarkPartial()
	snap.FinishedAt = started.Add(3 * time.Minute)
	return snap
}

func TestPublisher_OnSnapshotStored(t *testing.T) {
	ctx := context.Background()
	outbox := new(MockOutbox)
	publisher := NewPublisher(outbox, slog.Default())
	fixed := time.Date(2026, 3, 1, 3, 5, 0, 0, time.UTC)
	publisher.now = func() time.Time { return fixed }

	stats := database.UpsertStats{Provider: "mercadolivre", RunID: "run-7", Categories: 2, Inserted: 1, Updated: 1}

	var captured *database.OutboxEvent
	outbox.On("InsertWithTx", ctx, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(2).(*database.OutboxEvent) }).
		Return(nil)

	require.NoError(t, publisher.OnSnapshotStored(ctx, nil, testSnapshot(), stats))
	require.NotNil(t, captured)

	assert.Equal(t, "catalog_snapshot", captured.AggregateType)
	assert.Equal(t, "run-7", captured.AggregateID)
	assert.Equal(t, "CATALOG_SNAPSHOT_STORED", captured.EventType)
	assert.Equal(t, "mercadolivre", captured.Provider)
	assert.Empty(t, captured.TargetStream, "stream is chosen by the outbox")

	var payload SnapshotStoredPayload
	require.NoError(t, json.Unmarshal(captured.Payload, &payload))
	assert.NotEmpty(t, payload.EventID)
	assert.True(t, fixed.Equal(payload.Timestamp))
	assert.Equal(t, "mercadolivre", payload.Provider)
	assert.True(t, payload.Partial)
	assert.Equal(t, []CategorySummary{{Name: "Celulares", Items: 2}, {Name: "Games", Items: 0}}, payload.Categories)
	assert.Equal(t, 2, payload.Items)
	assert.Equal(t, 1, payload.Inserted)
	assert.Equal(t, 1, payload.Updated)
	assert.Equal(t, database.Source, payload.Source)
}

func TestPublisher_InsertFailure(t *testing.T) {
	ctx := context.Background()
	outbox := new(MockOutbox)
	publisher := NewPublisher(outbox, slog.Default())

	outbox.On("InsertWithTx", ctx, mock.Anything, mock.Anything).Return(assert.AnError)

	err := publisher.OnSnapshotStored(ctx, nil, testSnapshot(), database.UpsertStats{})
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "failed to insert outbox event")
	outbox.AssertExpectations(t)
}
