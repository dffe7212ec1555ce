package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/bestseller-crawler/internal/database"
)

// StreamClient is the subset of *redis.Client a Consumer uses.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// SnapshotHandler receives every decoded CATALOG_SNAPSHOT_STORED event.
type SnapshotHandler func(ctx context.Context, payload *SnapshotStoredPayload) error

type ConsumerConfig struct {
	// Stream is the base key. With Providers set the consumer reads
	// database.StreamKey(Stream, p) for each provider, otherwise Stream itself.
	Stream    string
	Providers []string
	Group     string
	Name      string
	Block     time.Duration
	Count     int64
	ErrPause  time.Duration
}

// Streams returns the stream keys the consumer reads.
func (c ConsumerConfig) Streams() []string {
	if len(c.Providers) == 0 {
		return []string{database.StreamKey(c.Stream, "")}
	}
	keys := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		keys = append(keys, database.StreamKey(c.Stream, p))
	}
	return keys
}

// Consumer reads snapshot events from a Redis stream through a consumer group.
// A message is acknowledged once the handler accepts it or when it is not a
// snapshot event.
type Consumer struct {
	client  StreamClient
	cfg     ConsumerConfig
	streams []string
	handler SnapshotHandler
	logger  *slog.Logger
}

func NewConsumer(client StreamClient, cfg ConsumerConfig, handler SnapshotHandler, logger *slog.Logger) *Consumer {
	if cfg.Group == "" {
		cfg.Group = "catalog-snapshot-consumers"
	}
	if cfg.Name == "" {
		cfg.Name = "consumer-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	if cfg.ErrPause <= 0 {
		cfg.ErrPause = time.Second
	}
	return &Consumer{
		client:  client,
		cfg:     cfg,
		streams: cfg.Streams(),
		handler: handler,
		logger:  logger.With("component", "snapshot_consumer", "group", cfg.Group),
	}
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
		}
	}

	// XREADGROUP takes every key followed by one ID per key.
	keys := make([]string, 0, 2*len(c.streams))
	keys = append(keys, c.streams...)
	for range c.streams {
		keys = append(keys, ">")
	}

	c.logger.Info("starting consumer", "name", c.cfg.Name, "streams", c.streams)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Name,
			Streams:  keys,
			Count:    c.cfg.Count,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.ErrPause):
			}
			continue
		}

		for _, stream := range streams {
			c.process(ctx, stream.Stream, stream.Messages)
		}
	}
}

func (c *Consumer) process(ctx context.Context, stream string, messages []redis.XMessage) {
	for _, msg := range messages {
		payload, ok, err := DecodeMessage(msg)
		if err != nil {
			c.logger.Error("failed to decode message", "stream", stream, "id", msg.ID, "error", err)
			continue
		}
		if ok {
			if err := c.handler(ctx, payload); err != nil {
				c.logger.Error("failed to handle snapshot event",
					"stream", stream,
					"id", msg.ID,
					"provider", payload.Provider,
					"run_id", payload.RunID,
					"error", err)
				continue
			}
		}
		if err := c.client.XAck(ctx, stream, c.cfg.Group, msg.ID).Err(); err != nil {
			c.logger.Error("failed to acknowledge message", "stream", stream, "id", msg.ID, "error", err)
		}
	}
}

// DecodeMessage extracts the snapshot payload from a relay message. ok is
// false for other event types.
func DecodeMessage(msg redis.XMessage) (payload *SnapshotStoredPayload, ok bool, err error) {
	if t, _ := msg.Values["type"].(string); t != string(EventTypeSnapshotStored) {
		return nil, false, nil
	}
	data, isString := msg.Values["data"].(string)
	if !isString || data == "" {
		return nil, false, errors.New("missing data field")
	}

	var envelope database.StreamEnvelope
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return nil, false, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if len(envelope.Payload) == 0 {
		return nil, false, errors.New("envelope has no payload")
	}

	payload = &SnapshotStoredPayload{}
	if err := json.Unmarshal(envelope.Payload, payload); err != nil {
		return nil, false, fmt.Errorf("failed to parse payload: %w", err)
	}
	if payload.Provider == "" {
		payload.Provider = envelope.Provider
	}
	return payload, true, nil
}
