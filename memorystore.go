package sse

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStoreConfig bounds the in-memory history log. Zero values mean no
// bound.
type MemoryStoreConfig struct {
	// MaxEvents is the maximum number of kept records, the oldest records
	// are dropped first.
	MaxEvents int

	// TTL is how long a record is kept after it was appended.
	TTL time.Duration

	// CleanupInterval sets how often expired records are removed, it
	// defaults to TTL. Expired records are never returned even before
	// they are removed.
	CleanupInterval time.Duration
}

// MemoryStore is a HistoryStore keeping records in process memory.
type MemoryStore struct {
	cfg MemoryStoreConfig

	// appendMu serializes Append, the duplicate check and the index
	// update must not interleave.
	appendMu sync.Mutex

	mu  sync.RWMutex
	seq uint64
	log []memoryRecord

	// index maps event IDs to sequence numbers and handles expiration.
	index *cache.Cache

	stop context.CancelFunc
	wg   sync.WaitGroup
}

type memoryRecord struct {
	seq uint64
	rec Record
}

// NewMemoryStore creates an in-memory history store. If TTL is set a
// background goroutine removes expired records until Close is called.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}

	s := &MemoryStore{
		cfg:   cfg,
		index: cache.New(ttl, 0),
		stop:  func() {},
	}
	s.index.OnEvicted(s.evicted)

	if cfg.TTL > 0 {
		intv := cfg.CleanupInterval
		if intv <= 0 {
			intv = cfg.TTL
		}

		ctx, cancel := context.WithCancel(context.Background())
		s.stop = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.cleanUp(ctx, intv)
		}()
	}

	return s
}

// cleanUp periodically removes expired records until ctx is cancelled.
func (s *MemoryStore) cleanUp(ctx context.Context, intv time.Duration) {
	tm := time.NewTimer(intv)
	defer tm.Stop()

	for {
		select {
		case <-tm.C:
		case <-ctx.Done():
			return
		}

		s.index.DeleteExpired()
		tm.Reset(intv)
	}
}

// evicted drops the record with the given ID from the log together with
// everything older. Records share a single TTL, so they expire in log
// order.
func (s *MemoryStore) evicted(_ string, v any) {
	seq, ok := v.(uint64)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := sort.Search(len(s.log), func(i int) bool { return s.log[i].seq > seq })
	s.log = s.log[n:]
}

// Append adds rec to the log, dropping the oldest records above MaxEvents.
// ErrDuplicateEventID is returned if a record with the same ID is still in
// the log.
func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if _, ok := s.index.Get(rec.ID); ok {
		return fmt.Errorf("%w: %q", ErrDuplicateEventID, rec.ID)
	}
	// An expired entry may still be indexed, deleting it trims the expired
	// record from the log before the ID is reused.
	s.index.Delete(rec.ID)

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.log = append(s.log, memoryRecord{seq: seq, rec: rec})

	var dropped []string
	if s.cfg.MaxEvents > 0 && len(s.log) > s.cfg.MaxEvents {
		overflow := len(s.log) - s.cfg.MaxEvents
		for _, r := range s.log[:overflow] {
			dropped = append(dropped, r.rec.ID)
		}
		s.log = append([]memoryRecord(nil), s.log[overflow:]...)
	}

	s.index.Set(rec.ID, seq, cache.DefaultExpiration)
	s.mu.Unlock()

	// Deleting triggers the eviction callback which takes the lock, the
	// records are already gone from the log at this point.
	for _, id := range dropped {
		s.index.Delete(id)
	}
	return nil
}

// Since returns the records appended after id.
func (s *MemoryStore) Since(_ context.Context, id string) ([]Record, bool, error) {
	v, ok := s.index.Get(id)
	if !ok {
		return nil, false, nil
	}
	seq := v.(uint64)

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := sort.Search(len(s.log), func(i int) bool { return s.log[i].seq >= seq })
	if n == len(s.log) || s.log[n].seq != seq {
		// Dropped from the log but not yet from the index
		return nil, false, nil
	}

	records := make([]Record, 0, len(s.log)-n-1)
	for _, r := range s.log[n+1:] {
		records = append(records, r.rec)
	}
	return records, true, nil
}

// Len returns the number of records in the log.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}

// Close stops the background cleanup.
func (s *MemoryStore) Close() error {
	s.stop()
	s.wg.Wait()
	return nil
}
