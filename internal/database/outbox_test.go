package database

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB connects to the Postgres named by TEST_DB_HOST and applies the
// schema. Tests are skipped when it is not set.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("TEST_DB_HOST not set")
	}
	port, err := strconv.Atoi(os.Getenv("TEST_DB_PORT"))
	if err != nil {
		port = 5432
	}

	ctx := context.Background()
	db, err := New(ctx, Config{
		Host:     host,
		Port:     port,
		User:     os.Getenv("TEST_DB_USER"),
		Password: os.Getenv("TEST_DB_PASSWORD"),
		Database: os.Getenv("TEST_DB_NAME"),
		MaxConns: 4,
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	_, err = db.Exec(ctx, "TRUNCATE outbox_event, products, categories RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return db
}

func insertEvent(t *testing.T, db *DB, repo *OutboxRepository, event *OutboxEvent) {
	t.Helper()
	err := db.Transaction(context.Background(), func(tx pgx.Tx) error {
		return repo.InsertWithTx(context.Background(), tx, event)
	})
	require.NoError(t, err)
}

func catalogEvent(provider, runID string) *OutboxEvent {
	return &OutboxEvent{
		AggregateType: "catalog_snapshot",
		AggregateID:   runID,
		Provider:      provider,
		EventType:     "CATALOG_SNAPSHOT_STORED",
		Payload:       json.RawMessage(`{"provider":"` + provider + `","run_id":"` + runID + `"}`),
	}
}

func TestStreamKey(t *testing.T) {
	tests := []struct {
		base, provider, want string
	}{
		{"stream:catalog_snapshots", "amazon", "stream:catalog_snapshots:amazon"},
		{"stream:test", "mercadolivre", "stream:test:mercadolivre"},
		{"stream:test", "", "stream:test"},
		{"", "amazon", DefaultStream + ":amazon"},
		{"", "", DefaultStream},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StreamKey(tt.base, tt.provider))
	}
}

func TestOutboxRepository_PrepareRoutesByProvider(t *testing.T) {
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	repo := &OutboxRepository{base: "stream:test"}

	event := catalogEvent("amazon", "run-1")
	repo.prepare(event, now)
	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, OutboxStatusPending, event.Status)
	assert.Equal(t, "stream:test:amazon", event.TargetStream)
	assert.Equal(t, now, event.CreatedAt)
	require.NotNil(t, event.NextRetryAt)
	assert.Equal(t, now, *event.NextRetryAt)

	explicit := catalogEvent("amazon", "run-2")
	explicit.TargetStream = "stream:audit"
	repo.prepare(explicit, now)
	assert.Equal(t, "stream:audit", explicit.TargetStream)
}

func TestOutboxRepository_InsertWithTx(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()
	repo := NewOutboxRepository(db, "")

	t.Run("fills defaults", func(t *testing.T) {
		event := catalogEvent("amazon", "run-1")
		insertEvent(t, db, repo, event)

		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.Equal(t, OutboxStatusPending, event.Status)
		assert.Equal(t, DefaultStream+":amazon", event.TargetStream)
		assert.False(t, event.CreatedAt.IsZero())
	})

	t.Run("rolled back with the transaction", func(t *testing.T) {
		event := catalogEvent("amazon", "run-rollback")
		err := db.Transaction(ctx, func(tx pgx.Tx) error {
			if err := repo.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		var count int
		require.NoError(t, db.QueryRow(ctx,
			"SELECT COUNT(*) FROM outbox_event WHERE aggregate_id = $1", "run-rollback").Scan(&count))
		assert.Zero(t, count)
	})

	t.Run("rejects empty event type", func(t *testing.T) {
		event := catalogEvent("amazon", "run-bad")
		event.EventType = ""
		err := db.Transaction(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		})
		assert.Error(t, err)
	})
}

func TestOutboxRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()
	repo := NewOutboxRepository(db, "stream:test")

	first, second := catalogEvent("amazon", "run-1"), catalogEvent("mercadolivre", "run-2")
	insertEvent(t, db, repo, first)
	insertEvent(t, db, repo, second)

	pending, err := repo.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, "amazon", pending[0].Provider)
	assert.Equal(t, "stream:test:amazon", pending[0].TargetStream)
	assert.Equal(t, "stream:test:mercadolivre", pending[1].TargetStream)

	require.NoError(t, repo.MarkProcessed(ctx, first.ID))
	assert.ErrorIs(t, repo.MarkProcessed(ctx, uuid.New()), ErrEventNotFound)
	assert.ErrorIs(t, repo.MarkFailed(ctx, uuid.New(), assert.AnError), ErrEventNotFound)

	require.NoError(t, repo.MarkFailed(ctx, second.ID, assert.AnError))

	var (
		status     string
		retryCount int
		nextRetry  time.Time
	)
	require.NoError(t, db.QueryRow(ctx,
		"SELECT status, retry_count, next_retry_at FROM outbox_event WHERE id = $1",
		second.ID).Scan(&status, &retryCount, &nextRetry))
	assert.Equal(t, OutboxStatusFailed, status)
	assert.Equal(t, 1, retryCount)
	assert.True(t, nextRetry.After(time.Now()))

	pending, err = repo.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "failed event waits for its backoff")

	relay := &Relay{db: db}
	backlog, err := relay.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Backlog{{Provider: "mercadolivre", Status: OutboxStatusFailed, Count: 1}}, backlog)

	pendingCount, err := relay.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pendingCount)
	deadCount, err := relay.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, deadCount)
}

func TestNextStatus(t *testing.T) {
	assert.Equal(t, OutboxStatusFailed, nextStatus(1))
	assert.Equal(t, OutboxStatusFailed, nextStatus(MaxRetryCount-1))
	assert.Equal(t, OutboxStatusDeadLetter, nextStatus(MaxRetryCount))
}

func TestCalculateNextRetryTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{64, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.retries), func(t *testing.T) {
			assert.Equal(t, tt.want, calculateNextRetryTime(now, tt.retries).Sub(now))
		})
	}
}
