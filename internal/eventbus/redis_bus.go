package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ankraft/acme-cse/internal/logging"
)

const (
	streamKey        = "cse:events:stream"
	defaultBatchSize = 10
	blockTime        = 5 * time.Second
)

// RedisBus implements Bus using Redis Streams: XAdd to publish, a
// consumer group created with XGroupCreateMkStream, and a background
// goroutine reading via XReadGroup with a blocking read.
type RedisBus struct {
	client redis.UniversalClient
	logger *logging.Logger
}

// NewRedisBus constructs a RedisBus.
func NewRedisBus(client redis.UniversalClient, logger *logging.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	if event.ID == "" {
		return errors.New("event id cannot be empty")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{"event": string(payload)},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, consumerGroup, consumerName string) (<-chan *Event, error) {
	if consumerGroup == "" || consumerName == "" {
		return nil, errors.New("consumer group and name are required")
	}

	err := b.client.XGroupCreateMkStream(ctx, streamKey, consumerGroup, "0").Err()
	if err != nil && !isConsumerGroupExistsError(err) {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	eventCh := make(chan *Event, defaultBatchSize)
	go b.readFromStream(ctx, consumerGroup, consumerName, eventCh)
	return eventCh, nil
}

func (b *RedisBus) readFromStream(ctx context.Context, consumerGroup, consumerName string, out chan<- *Event) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumerName,
			Streams:  []string{streamKey, ">"},
			Count:    defaultBatchSize,
			Block:    blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			b.logger.Warn("event bus read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				event, err := parseEvent(message)
				if err != nil {
					_ = b.Acknowledge(ctx, consumerGroup, message.ID)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func parseEvent(message redis.XMessage) (*Event, error) {
	raw, ok := message.Values["event"].(string)
	if !ok {
		return nil, errors.New("invalid event payload")
	}
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &event, nil
}

func (b *RedisBus) Acknowledge(ctx context.Context, consumerGroup, eventID string) error {
	if err := b.client.XAck(ctx, streamKey, consumerGroup, eventID).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge event: %w", err)
	}
	return nil
}

func (b *RedisBus) Close() error {
	return nil
}

func isConsumerGroupExistsError(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}
