package sse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Record is a broadcast event kept in the history log.
type Record struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Data    any    `json:"data"`
	Channel string `json:"channel"`
}

// HistoryStore keeps the ordered history log. Implementations must be safe
// for concurrent use and keep records in the order they were appended.
type HistoryStore interface {
	// Append adds a record to the end of the log. IDs are unique within
	// the log, appending an ID that is still kept fails with
	// ErrDuplicateEventID.
	Append(ctx context.Context, rec Record) error

	// Since returns all records appended after the record with the given
	// ID, in log order. The found result is false if the ID is not in the
	// log, either because it was never recorded or because it was
	// evicted.
	Since(ctx context.Context, id string) (records []Record, found bool, err error)
}

// ErrDuplicateEventID is returned by HistoryStore implementations for a
// record whose ID is already in the log.
var ErrDuplicateEventID = errors.New("duplicate event id")

// ErrChannelNameTaken is returned when a channel is registered with a
// history that already records a different channel of the same name.
var ErrChannelNameTaken = errors.New("channel name already registered")

// History records channel broadcasts and replays them to reconnecting
// sessions. Records are tagged with the channel name, so names have to be
// unique among the channels registered with one history.
type History struct {
	store HistoryStore
	log   logrus.FieldLogger

	// appendTimeout bounds a single store append.
	appendTimeout time.Duration

	mu       sync.Mutex
	channels map[string]*Channel
	cancels  map[*Channel]func()
}

// HistoryOption configures a History.
type HistoryOption func(*History)

// WithHistoryLogger sets the logger used for store failures.
func WithHistoryLogger(log logrus.FieldLogger) HistoryOption {
	return func(h *History) {
		if log != nil {
			h.log = log
		}
	}
}

// DefaultAppendTimeout bounds how long a broadcast waits for the store.
const DefaultAppendTimeout = 5 * time.Second

// WithAppendTimeout sets how long recording a broadcast may take, zero or
// negative values keep DefaultAppendTimeout.
func WithAppendTimeout(d time.Duration) HistoryOption {
	return func(h *History) {
		if d > 0 {
			h.appendTimeout = d
		}
	}
}

// NewHistory creates a history backed by store. A nil store is replaced by an
// unbounded MemoryStore.
func NewHistory(store HistoryStore, opts ...HistoryOption) *History {
	if store == nil {
		store = NewMemoryStore(MemoryStoreConfig{})
	}
	h := &History{
		store:         store,
		log:           logrus.StandardLogger(),
		appendTimeout: DefaultAppendTimeout,
		channels:      make(map[string]*Channel),
		cancels:       make(map[*Channel]func()),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Store returns the underlying store.
func (h *History) Store() HistoryStore {
	return h.store
}

// Register starts recording every broadcast of ch. Earlier broadcasts are
// not recorded. Registering the same channel twice is a no-op.
func (h *History) Register(ch *Channel) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.channels[ch.Name()]; ok {
		if existing == ch {
			return nil
		}
		return fmt.Errorf("%w: %q", ErrChannelNameTaken, ch.Name())
	}

	h.channels[ch.Name()] = ch
	h.cancels[ch] = ch.Observe(func(e ChannelEvent) {
		if e.Kind == ChannelBroadcast {
			h.record(ch, e.Event)
		}
	})
	return nil
}

// Deregister stops recording broadcasts of ch. Already recorded events are
// kept.
func (h *History) Deregister(ch *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cancel, ok := h.cancels[ch]
	if !ok {
		return
	}
	cancel()
	delete(h.cancels, ch)
	delete(h.channels, ch.Name())
}

func (h *History) record(ch *Channel, e Event) {
	rec := Record{
		ID:      e.ID,
		Name:    e.Event,
		Data:    e.Data,
		Channel: ch.Name(),
	}

	// The store orders concurrent appends, h.mu is not held so a slow
	// store does not block other channels.
	ctx, cancel := context.WithTimeout(context.Background(), h.appendTimeout)
	defer cancel()
	if err := h.store.Append(ctx, rec); err != nil {
		h.log.WithFields(logrus.Fields{
			"channel":  rec.Channel,
			"event_id": rec.ID,
		}).WithError(err).Warn("SSE history append failed")
	}
}

// ReplaySince pushes to s every recorded event that follows the session's
// last event ID and belongs to a channel the session is currently registered
// with. Events keep their original ID and name. Nothing is replayed if the
// last event ID is not found in the log. It returns the number of events
// pushed.
func (h *History) ReplaySince(ctx context.Context, s *Session) (int, error) {
	lastEventID := s.LastEventID()
	if lastEventID == "" {
		return 0, nil
	}

	records, found, err := h.store.Since(ctx, lastEventID)
	if err != nil {
		return 0, fmt.Errorf("load history since %q: %w", lastEventID, err)
	}
	if !found {
		return 0, nil
	}

	subscribed := make(map[string]struct{})
	h.mu.Lock()
	for _, ch := range s.Channels() {
		if h.channels[ch.Name()] == ch {
			subscribed[ch.Name()] = struct{}{}
		}
	}
	h.mu.Unlock()

	var pushed int
	for _, rec := range records {
		if _, ok := subscribed[rec.Channel]; !ok {
			continue
		}
		if err := s.PushEvent(Event{ID: rec.ID, Event: rec.Name, Data: rec.Data}); err != nil {
			return pushed, err
		}
		pushed++
	}
	return pushed, nil
}
