package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Store backing, grounded on the REDIS_HOST /
// REDIS_PORT node configuration named in spec §6: queue:{topic},
// processing:{topic}:{consumer_id} and timestamps:{topic}:{consumer_id} are
// plain Redis list/hash keys, so multiple node processes can share one
// Redis instance as the durable Queue Store.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing go-redis client. The caller owns the
// client's lifecycle (construction from REDIS_HOST/REDIS_PORT happens in
// cmd/server).
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func queueKey(topic string) string      { return "queue:" + topic }
func processingKey(topic, consumerID string) string {
	return "processing:" + topic + ":" + consumerID
}
func timestampsKey(topic, consumerID string) string {
	return "timestamps:" + topic + ":" + consumerID
}

func (s *RedisStore) Push(ctx context.Context, topic, message string) error {
	return s.client.RPush(ctx, queueKey(topic), message).Err()
}

func (s *RedisStore) Pop(ctx context.Context, topic, consumerID string) (string, bool, error) {
	pk := processingKey(topic, consumerID)
	message, err := s.client.LMove(ctx, queueKey(topic), pk, "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("queue pop: %w", err)
	}
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := s.client.HSet(ctx, timestampsKey(topic, consumerID), message, now).Err(); err != nil {
		return message, true, fmt.Errorf("queue pop: record timestamp: %w", err)
	}
	return message, true, nil
}

func (s *RedisStore) Ack(ctx context.Context, topic, consumerID, messageID string) (bool, error) {
	pk := processingKey(topic, consumerID)
	removed, err := s.client.LRem(ctx, pk, 1, messageID).Result()
	if err != nil {
		return false, fmt.Errorf("queue ack: %w", err)
	}
	if removed == 0 {
		return false, nil
	}
	if err := s.client.HDel(ctx, timestampsKey(topic, consumerID), messageID).Err(); err != nil {
		return true, fmt.Errorf("queue ack: clear timestamp: %w", err)
	}
	return true, nil
}

func (s *RedisStore) ProcessingKeys(ctx context.Context) ([]ProcessingKey, error) {
	var keys []ProcessingKey
	iter := s.client.Scan(ctx, 0, "processing:*", 0).Iterator()
	for iter.Next(ctx) {
		topic, consumerID, ok := splitProcessingKey(iter.Val())
		if !ok {
			continue
		}
		n, err := s.client.LLen(ctx, iter.Val()).Result()
		if err != nil || n == 0 {
			continue
		}
		keys = append(keys, ProcessingKey{Topic: topic, ConsumerID: consumerID})
	}
	return keys, iter.Err()
}

// splitProcessingKey parses "processing:{topic}:{consumer_id}" back apart.
// Topic and consumer_id are assumed not to contain ':'.
func splitProcessingKey(key string) (topic, consumerID string, ok bool) {
	const prefix = "processing:"
	if len(key) <= len(prefix) {
		return "", "", false
	}
	rest := key[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}

// SweepExpired rotates the processing list once per entry, redelivering (or
// dropping, if the queue push itself fails) any message whose recorded pop
// time is older than timeout. Redelivery LPUSHes back onto the head of the
// main queue, not the tail: a timed-out message is next in line again, not
// back of the line. LMOVE addresses list positions rather than values, so
// duplicate message content is handled correctly as long as the list is
// only ever mutated by Pop/Ack/SweepExpired (spec §4.4, §9: "failing that,
// remove it" permits this non-atomic remove-then-push fallback).
func (s *RedisStore) SweepExpired(ctx context.Context, topic, consumerID string, timeout time.Duration, now time.Time) (int, error) {
	pk := processingKey(topic, consumerID)
	tk := timestampsKey(topic, consumerID)

	n, err := s.client.LLen(ctx, pk).Result()
	if err != nil {
		return 0, fmt.Errorf("queue sweep: %w", err)
	}

	redelivered := 0
	for i := int64(0); i < n; i++ {
		message, err := s.client.LMove(ctx, pk, pk, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return redelivered, fmt.Errorf("queue sweep: rotate: %w", err)
		}

		raw, err := s.client.HGet(ctx, tk, message).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return redelivered, fmt.Errorf("queue sweep: read timestamp: %w", err)
		}
		unixSec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if now.Sub(time.Unix(unixSec, 0)) <= timeout {
			continue
		}

		if err := s.client.LRem(ctx, pk, 1, message).Err(); err != nil {
			return redelivered, fmt.Errorf("queue sweep: remove: %w", err)
		}
		if err := s.client.HDel(ctx, tk, message).Err(); err != nil {
			return redelivered, fmt.Errorf("queue sweep: clear timestamp: %w", err)
		}
		if err := s.client.LPush(ctx, queueKey(topic), message).Err(); err != nil {
			return redelivered, fmt.Errorf("queue sweep: redeliver: %w", err)
		}
		redelivered++
	}
	return redelivered, nil
}
