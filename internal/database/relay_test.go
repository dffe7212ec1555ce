package database

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRedisClient struct {
	mock.Mock
}

func (m *MockRedisClient) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	mockArgs := m.Called(ctx, args)
	cmd := redis.NewStringCmd(ctx)
	if mockArgs.Get(0) != nil {
		cmd.SetErr(mockArgs.Error(0))
	} else {
		cmd.SetVal("1718000000000-0")
	}
	return cmd
}

func (m *MockRedisClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*OutboxEvent), args.Error(1)
}

func (m *MockOutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, err error) error {
	args := m.Called(ctx, id, err)
	return args.Error(0)
}

func snapshotEvent(provider, runID string) *OutboxEvent {
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "catalog_snapshot",
		AggregateID:   runID,
		Provider:      provider,
		EventType:     "CATALOG_SNAPSHOT_STORED",
		Payload:       json.RawMessage(`{"provider":"` + provider + `","run_id":"` + runID + `","partial":true,"items":12,"inserted":12}`),
		TargetStream:  StreamKey(DefaultStream, provider),
		CreatedAt:     time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC),
	}
}

func newTestRelay(r *MockRedisClient, o *MockOutboxRepository) *Relay {
	return &Relay{
		redis:     r,
		outbox:    o,
		logger:    slog.Default(),
		interval:  50 * time.Millisecond,
		batchSize: 10,
	}
}

func forRun(runID string) interface{} {
	return mock.MatchedBy(func(args *redis.XAddArgs) bool {
		return args.Values.(map[string]interface{})["run_id"] == runID
	})
}

func TestRelay_ProcessEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes each event to its provider stream", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		events := []*OutboxEvent{snapshotEvent("amazon", "run-1"), snapshotEvent("mercadolivre", "run-2")}
		mockOutbox.On("GetPending", ctx, 10).Return(events, nil)
		for _, event := range events {
			event := event
			mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
				return args.Stream == DefaultStream+":"+event.Provider &&
					args.Values.(map[string]interface{})["type"] == "CATALOG_SNAPSHOT_STORED" &&
					args.Values.(map[string]interface{})["provider"] == event.Provider &&
					args.Values.(map[string]interface{})["run_id"] == event.AggregateID
			})).Return(nil)
			mockOutbox.On("MarkProcessed", ctx, event.ID).Return(nil)
		}

		require.NoError(t, relay.processEvents(ctx))
		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("marks failed when redis rejects", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		event := snapshotEvent("amazon", "run-1")
		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{event}, nil)
		mockRedis.On("XAdd", ctx, mock.Anything).Return(errors.New("connection refused"))
		mockOutbox.On("MarkFailed", ctx, event.ID, mock.MatchedBy(func(err error) bool {
			return err.Error() == "failed to publish to stream:catalog_snapshots:amazon: connection refused"
		})).Return(nil)

		assert.NoError(t, relay.processEvents(ctx))
		mockOutbox.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("empty batch does not touch redis", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{}, nil)

		require.NoError(t, relay.processEvents(ctx))
		mockRedis.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
	})

	t.Run("failure holds back only its provider", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		bad := snapshotEvent("amazon", "run-bad")
		later := snapshotEvent("amazon", "run-later")
		other := snapshotEvent("mercadolivre", "run-other")
		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{bad, other, later}, nil)
		mockRedis.On("XAdd", ctx, forRun("run-bad")).Return(errors.New("redis error"))
		mockOutbox.On("MarkFailed", ctx, bad.ID, mock.Anything).Return(nil)
		mockRedis.On("XAdd", ctx, forRun("run-other")).Return(nil)
		mockOutbox.On("MarkProcessed", ctx, other.ID).Return(nil)

		require.NoError(t, relay.processEvents(ctx))
		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
		mockRedis.AssertNotCalled(t, "XAdd", ctx, forRun("run-later"))
		mockOutbox.AssertNotCalled(t, "MarkProcessed", ctx, later.ID)
	})

	t.Run("pending lookup failure is returned", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		mockOutbox.On("GetPending", ctx, 10).Return(nil, errors.New("db down"))

		assert.ErrorContains(t, relay.processEvents(ctx), "db down")
	})
}

func TestRelay_PublishEnvelope(t *testing.T) {
	ctx := context.Background()
	mockRedis := new(MockRedisClient)
	relay := newTestRelay(mockRedis, new(MockOutboxRepository))
	relay.maxLen = 1000
	event := snapshotEvent("amazon", "run-42")
	event.RetryCount = 2

	var captured *redis.XAddArgs
	mockRedis.On("XAdd", ctx, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(1).(*redis.XAddArgs) }).
		Return(nil)

	require.NoError(t, relay.publish(ctx, event))
	require.NotNil(t, captured)
	values := captured.Values.(map[string]interface{})

	assert.Equal(t, "stream:catalog_snapshots:amazon", captured.Stream)
	assert.EqualValues(t, 1000, captured.MaxLen)
	assert.True(t, captured.Approx)
	assert.Equal(t, "amazon", values["provider"])
	assert.Equal(t, "run-42", values["run_id"])
	assert.Equal(t, "true", values["partial"])
	assert.Equal(t, "12", values["items"])
	assert.Equal(t, Source, values["source"])

	var envelope StreamEnvelope
	require.NoError(t, json.Unmarshal([]byte(values["data"].(string)), &envelope))
	assert.Equal(t, event.ID.String(), envelope.ID)
	assert.Equal(t, "CATALOG_SNAPSHOT_STORED", envelope.Type)
	assert.Equal(t, "run-42", envelope.AggregateID)
	assert.Equal(t, "amazon", envelope.Provider)
	assert.True(t, event.CreatedAt.Equal(envelope.Timestamp))
	assert.JSONEq(t, string(event.Payload), string(envelope.Payload))
	assert.Equal(t, EnvelopeMetadata{
		Source:     Source,
		OutboxID:   event.ID.String(),
		RetryCount: 2,
		Stream:     "stream:catalog_snapshots:amazon",
	}, envelope.Metadata)
}

func TestRelay_PublishUncapped(t *testing.T) {
	ctx := context.Background()
	mockRedis := new(MockRedisClient)
	relay := newTestRelay(mockRedis, new(MockOutboxRepository))

	mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
		return args.MaxLen == 0 && !args.Approx
	})).Return(nil)

	require.NoError(t, relay.publish(ctx, snapshotEvent("amazon", "run-1")))
	mockRedis.AssertExpectations(t)
}

func TestRelay_PublishRejectsBadPayload(t *testing.T) {
	mockRedis := new(MockRedisClient)
	relay := newTestRelay(mockRedis, new(MockOutboxRepository))
	event := snapshotEvent("amazon", "run-1")
	event.Payload = json.RawMessage(`not json`)

	assert.ErrorContains(t, relay.publish(context.Background(), event), "decode snapshot payload")
	mockRedis.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
}

func TestSumBacklog(t *testing.T) {
	backlog := []Backlog{
		{Provider: "amazon", Status: OutboxStatusPending, Count: 3},
		{Provider: "amazon", Status: OutboxStatusDeadLetter, Count: 1},
		{Provider: "mercadolivre", Status: OutboxStatusFailed, Count: 2},
		{Provider: "mercadolivre", Status: OutboxStatusDeadLetter, Count: 4},
	}
	assert.EqualValues(t, 5, sumBacklog(backlog, OutboxStatusPending, OutboxStatusFailed))
	assert.EqualValues(t, 5, sumBacklog(backlog, OutboxStatusDeadLetter))
	assert.Zero(t, sumBacklog(nil, OutboxStatusPending))
}

func TestRelay_Start(t *testing.T) {
	mockOutbox := new(MockOutboxRepository)
	relay := newTestRelay(new(MockRedisClient), mockOutbox)
	mockOutbox.On("GetPending", mock.Anything, 10).Return([]*OutboxEvent{}, nil).Maybe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- relay.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on context cancellation")
	}
}
