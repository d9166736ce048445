// messaging/redis_client.go
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"geowatch-system/internal/domain"
)

const (
	DefaultStreamName    = "analysis-jobs"
	DefaultConsumerGroup = "analysis-workers"
)

// DispatchClient is the job-dispatch leg between the orchestrator and the
// worker pool. Publish is fire-and-forget: success means the descriptor is
// durably queued, not that the job ran.
type DispatchClient interface {
	PublishJob(ctx context.Context, desc *domain.JobDescriptor) error
	SubscribeToJobs(ctx context.Context, handler func(desc *domain.JobDescriptor)) error
	HealthCheck() error
	Close() error
}

type redisClient struct {
	client        *redis.Client
	streamName    string
	consumerGroup string
	consumerName  string
	maxBacklog    int64
}

func NewRedisClient(url, password string, db int, streamName, consumerGroup string, maxBacklog int64) (DispatchClient, error) {
	opts := &redis.Options{
		Addr:         url,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := createConsumerGroup(ctx, client, streamName, consumerGroup); err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	log.Printf("Redis dispatch client initialized. Stream: %s, Group: %s", streamName, consumerGroup)

	return &redisClient{
		client:        client,
		streamName:    streamName,
		consumerGroup: consumerGroup,
		consumerName:  fmt.Sprintf("consumer-%d", time.Now().UnixNano()),
		maxBacklog:    maxBacklog,
	}, nil
}

func createConsumerGroup(ctx context.Context, client *redis.Client, streamName, consumerGroup string) error {
	err := client.XGroupCreateMkStream(ctx, streamName, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	if err == nil {
		log.Printf("Created consumer group '%s' for stream '%s'", consumerGroup, streamName)
	} else {
		log.Printf("Consumer group '%s' already exists", consumerGroup)
	}

	return nil
}

func (c *redisClient) PublishJob(ctx context.Context, desc *domain.JobDescriptor) error {
	// A saturated backlog is a retryable busy signal, never a silent queue
	// grow: the orchestrator must fail the placeholder instead.
	if c.maxBacklog > 0 {
		length, err := c.client.XLen(ctx, c.streamName).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to check dispatch backlog: %w", err)
		}
		if length >= c.maxBacklog {
			return fmt.Errorf("%w: backlog %d at cap %d", domain.ErrDispatchBusy, length, c.maxBacklog)
		}
	}

	desc.DispatchedAt = time.Now()

	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to marshal job descriptor: %w", err)
	}

	result, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.streamName,
		Values: map[string]interface{}{
			"job_id":     desc.JobID,
			"descriptor": string(data),
			"created":    time.Now().UnixNano(),
		},
	}).Result()

	if err != nil {
		return fmt.Errorf("failed to publish to Redis Stream: %w", err)
	}

	log.Printf("Job %s published to Redis Stream (ID: %s)", desc.JobID, result)
	return nil
}

func (c *redisClient) SubscribeToJobs(ctx context.Context, handler func(desc *domain.JobDescriptor)) error {
	log.Printf("Consumer %s started listening for jobs", c.consumerName)

	go c.processMessages(ctx, handler)

	return nil
}

func (c *redisClient) processMessages(ctx context.Context, handler func(desc *domain.JobDescriptor)) {
	blockTime := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			log.Printf("Consumer %s stopped", c.consumerName)
			return
		default:
			messages, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    c.consumerGroup,
				Consumer: c.consumerName,
				Streams:  []string{c.streamName, ">"},
				Count:    1,
				Block:    blockTime,
				NoAck:    false,
			}).Result()

			if err != nil {
				if err == redis.Nil || err == context.Canceled {
					continue
				}
				log.Printf("Error reading from Redis Stream: %v", err)
				time.Sleep(1 * time.Second)
				continue
			}

			for _, stream := range messages {
				for _, message := range stream.Messages {
					c.processMessage(ctx, message, handler)
				}
			}
		}
	}
}

func (c *redisClient) processMessage(ctx context.Context, message redis.XMessage, handler func(desc *domain.JobDescriptor)) {
	raw, ok := message.Values["descriptor"].(string)
	if !ok {
		log.Printf("Consumer %s dropping message %s without descriptor", c.consumerName, message.ID)
		c.ack(ctx, message.ID)
		return
	}

	var desc domain.JobDescriptor
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		log.Printf("Consumer %s dropping undecodable message %s: %v", c.consumerName, message.ID, err)
		c.ack(ctx, message.ID)
		return
	}

	log.Printf("Consumer %s processing job %s (ID: %s)", c.consumerName, desc.JobID, message.ID)

	handler(&desc)

	c.ack(ctx, message.ID)
}

func (c *redisClient) ack(ctx context.Context, messageID string) {
	if err := c.client.XAck(ctx, c.streamName, c.consumerGroup, messageID).Err(); err != nil {
		log.Printf("Failed to ACK message %s: %v", messageID, err)
	}
}

func (c *redisClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis ping failed: %w", err)
	}

	_, err := c.client.XInfoStream(ctx, c.streamName).Result()
	if err != nil && !strings.Contains(err.Error(), "no such key") {
		return fmt.Errorf("Redis stream check failed: %w", err)
	}

	return nil
}

func (c *redisClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
