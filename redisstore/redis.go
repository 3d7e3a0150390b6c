// Package redisstore provides a Redis backed history store, allowing event
// history to survive process restarts and to be shared by several server
// instances.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/advbet/sse"
)

// Store is a sse.HistoryStore keeping records in Redis. The log order is a
// sorted set of event IDs scored by an increasing sequence number, records
// are kept as JSON in a hash.
//
// Record data is decoded as json.RawMessage, so replayed events are sent
// with the same JSON they were recorded with.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	maxEvents int64
}

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client to use. If nil, a client for
	// localhost:6379 is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the store.
	// Defaults to "sse:history:" if empty.
	KeyPrefix string
	// MaxEvents bounds the number of kept records, zero keeps all.
	MaxEvents int64
}

var _ sse.HistoryStore = (*Store)(nil)

// New creates a new Redis history store.
func New(cfg Config) *Store {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "sse:history:"
	}

	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
		maxEvents: cfg.MaxEvents,
	}
}

func (s *Store) seqKey() string    { return s.keyPrefix + "seq" }
func (s *Store) orderKey() string  { return s.keyPrefix + "order" }
func (s *Store) eventsKey() string { return s.keyPrefix + "events" }

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Append adds rec to the end of the log. The record ID is claimed with
// HSETNX first, an ID that is still kept fails with sse.ErrDuplicateEventID.
func (s *Store) Append(ctx context.Context, rec sse.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}

	added, err := s.client.HSetNX(ctx, s.eventsKey(), rec.ID, payload).Result()
	if err != nil {
		return fmt.Errorf("failed to store record %s: %w", rec.ID, err)
	}
	if !added {
		return fmt.Errorf("%w: %q", sse.ErrDuplicateEventID, rec.ID)
	}

	if err := s.order(ctx, rec.ID); err != nil {
		// Release the ID, the record never made it into the log
		s.client.HDel(ctx, s.eventsKey(), rec.ID)
		return err
	}

	if s.maxEvents > 0 {
		if err := s.trim(ctx); err != nil {
			return err
		}
	}
	return nil
}

// order places id at the end of the log.
func (s *Store) order(ctx context.Context, id string) error {
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence for record %s: %w", id, err)
	}

	err = s.client.ZAddNX(ctx, s.orderKey(), redis.Z{Score: float64(seq), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("failed to append record %s: %w", id, err)
	}
	return nil
}

// trim removes the oldest records above the configured maximum.
func (s *Store) trim(ctx context.Context) error {
	ids, err := s.client.ZRange(ctx, s.orderKey(), 0, -s.maxEvents-1).Result()
	if err != nil {
		return fmt.Errorf("failed to list records to trim: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.orderKey(), members...)
		pipe.HDel(ctx, s.eventsKey(), ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to trim records: %w", err)
	}
	return nil
}

// Since returns the records appended after id.
func (s *Store) Since(ctx context.Context, id string) ([]sse.Record, bool, error) {
	score, err := s.client.ZScore(ctx, s.orderKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up record %s: %w", id, err)
	}

	ids, err := s.client.ZRangeByScore(ctx, s.orderKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatFloat(score, 'f', -1, 64),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to list records after %s: %w", id, err)
	}
	if len(ids) == 0 {
		return nil, true, nil
	}

	payloads, err := s.client.HMGet(ctx, s.eventsKey(), ids...).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to load records after %s: %w", id, err)
	}

	records := make([]sse.Record, 0, len(payloads))
	for i, payload := range payloads {
		str, ok := payload.(string)
		if !ok {
			// Trimmed between the two calls
			continue
		}

		var stored struct {
			ID      string          `json:"id"`
			Name    string          `json:"name"`
			Data    json.RawMessage `json:"data"`
			Channel string          `json:"channel"`
		}
		if err := json.Unmarshal([]byte(str), &stored); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal record %s: %w", ids[i], err)
		}

		records = append(records, sse.Record{
			ID:      stored.ID,
			Name:    stored.Name,
			Data:    stored.Data,
			Channel: stored.Channel,
		})
	}
	return records, true, nil
}

// Cleanup removes all keys used by the store.
func (s *Store) Cleanup(ctx context.Context) error {
	if err := s.client.Del(ctx, s.seqKey(), s.orderKey(), s.eventsKey()).Err(); err != nil {
		return fmt.Errorf("failed to clean up history: %w", err)
	}
	return nil
}
