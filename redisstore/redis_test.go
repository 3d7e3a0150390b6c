package redisstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/advbet/sse"
)

// newTestStore connects to a local Redis, the test is skipped if it is not
// available.
func newTestStore(t *testing.T, prefix string, maxEvents int64) *Store {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}

	s := New(Config{Client: client, KeyPrefix: prefix, MaxEvents: maxEvents})
	require.NoError(t, s.Cleanup(ctx))
	t.Cleanup(func() {
		s.Cleanup(context.Background())
		s.Close()
	})
	return s
}

func appendRecords(t *testing.T, s *Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		rec := sse.Record{ID: id, Name: "message", Data: map[string]string{"id": id}, Channel: "a"}
		require.NoError(t, s.Append(context.Background(), rec))
	}
}

func ids(records []sse.Record) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.ID
	}
	return out
}

func TestStoreSince(t *testing.T) {
	s := newTestStore(t, "test:since:", 0)
	ctx := context.Background()
	appendRecords(t, s, "1", "2", "3")

	records, found, err := s.Since(ctx, "1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"2", "3"}, ids(records))
	assert.Equal(t, "message", records[0].Name)
	assert.Equal(t, "a", records[0].Channel)
	assert.Equal(t, json.RawMessage(`{"id":"2"}`), records[0].Data)

	records, found, err = s.Since(ctx, "3")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, records)

	_, found, err = s.Since(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreMaxEvents(t *testing.T) {
	s := newTestStore(t, "test:max:", 2)
	ctx := context.Background()
	appendRecords(t, s, "1", "2", "3", "4")

	_, found, err := s.Since(ctx, "2")
	require.NoError(t, err)
	assert.False(t, found)

	records, found, err := s.Since(ctx, "3")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"4"}, ids(records))
}

func TestStoreDuplicateID(t *testing.T) {
	s := newTestStore(t, "test:dup:", 2)
	ctx := context.Background()
	appendRecords(t, s, "a", "b")

	err := s.Append(ctx, sse.Record{ID: "a", Name: "message", Data: "again", Channel: "a"})
	assert.ErrorIs(t, err, sse.ErrDuplicateEventID)

	records, found, err := s.Since(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"b"}, ids(records))

	// The original record is kept unchanged
	payload, err := s.client.HGet(ctx, s.eventsKey(), "a").Result()
	require.NoError(t, err)
	assert.Contains(t, payload, `"data":{"id":"a"}`)
}

func TestStoreReplay(t *testing.T) {
	s := newTestStore(t, "test:replay:", 0)
	ctx := context.Background()
	appendRecords(t, s, "X", "Y")

	records, found, err := s.Since(ctx, "X")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, records, 1)

	// Raw JSON data is serialized unchanged
	data, err := sse.JSONSerializer(records[0].Data)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"Y"}`, data)
}
