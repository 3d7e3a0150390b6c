package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"
)

// SessionState is a position in the session lifecycle. Sessions move from
// StateIdle to StateConnected to StateDisconnected and never back.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnected
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// SessionEventKind enumerates session notifications.
type SessionEventKind int

const (
	// SessionConnected fires once the response head and the initial
	// fields are sent.
	SessionConnected SessionEventKind = iota + 1
	// SessionDisconnected fires exactly once when the session ends.
	SessionDisconnected
	// SessionPushed fires after every event written with Push or
	// PushEvent.
	SessionPushed
)

// SessionEvent is a notification delivered to session observers. Event is
// set for SessionPushed only.
type SessionEvent struct {
	Kind    SessionEventKind
	Session *Session
	Event   Event
}

var (
	// ErrNotConnected is returned for writes to a session that is not
	// connected yet or already disconnected.
	ErrNotConnected = errors.New("session is not connected")

	// ErrNilConnection is returned by NewSession when no connection is
	// given.
	ErrNilConnection = errors.New("nil connection")
)

// Session is a single client event stream bound to one Connection.
//
// A new session is idle. The handshake runs on a separate goroutine, observers
// passed with WithObserver are guaranteed to see every transition. Once
// the transport closes, Close is called or the configured lifetime expires
// the session is disconnected for good; a reconnecting client gets a new
// session.
type Session struct {
	id    string
	conn  Connection
	cfg   Config
	log   logrus.FieldLogger
	state *State

	// writeMu serializes transport writes, buf is only used under it.
	writeMu sync.Mutex
	buf     *EventBuffer

	mu          sync.Mutex
	status      SessionState
	lastEventID string
	channels    map[*Channel]struct{}

	observers      observers[SessionEvent]
	connected      chan struct{}
	closing        chan struct{}
	done           chan struct{}
	disconnectOnce sync.Once
}

// SessionOption configures a single session.
type SessionOption func(*Session)

// WithObserver registers fn before the session starts connecting, so that
// no notification can be missed.
func WithObserver(fn func(SessionEvent)) SessionOption {
	return func(s *Session) {
		s.observers.add(fn)
	}
}

// WithState presets session state values.
func WithState(values map[string]any) SessionOption {
	return func(s *Session) {
		for key, value := range values {
			s.state.Set(key, value)
		}
	}
}

// NewSession creates a session for the given connection. If cfg is nil
// DefaultConfig is used. The returned session is idle, it connects
// asynchronously.
func NewSession(conn Connection, cfg *Config, opts ...SessionOption) (*Session, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if cfg == nil {
		cfg = &DefaultConfig
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	s := &Session{
		id:        id,
		conn:      conn,
		cfg:       *cfg,
		state:     newState(),
		channels:  make(map[*Channel]struct{}),
		connected: make(chan struct{}),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.log = cfg.logger().WithField("session_id", id)
	s.buf = s.NewBuffer()
	for _, opt := range opts {
		opt(s)
	}

	go s.run()

	return s, nil
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// Connection returns the underlying transport.
func (s *Session) Connection() Connection {
	return s.conn
}

// State returns the application owned session state.
func (s *Session) State() *State {
	return s.state
}

// Status returns the current lifecycle state.
func (s *Session) Status() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsConnected reports whether events can be pushed to the session.
func (s *Session) IsConnected() bool {
	return s.Status() == StateConnected
}

// LastEventID returns the ID of the last event sent to the client. Right
// after connecting it holds the ID reported by the client, or an empty
// string for fresh clients.
func (s *Session) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// Connected is closed when the session becomes connected. It is never closed
// for sessions that are aborted before connecting, select on Done too.
func (s *Session) Connected() <-chan struct{} {
	return s.connected
}

// Done is closed after the session is disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// WaitConnected blocks until the session is connected. It returns
// ErrNotConnected if the session ended without connecting.
func (s *Session) WaitConnected(ctx context.Context) error {
	select {
	case <-s.connected:
		return nil
	case <-s.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Observe registers fn for session notifications. The returned function
// removes the observer.
func (s *Session) Observe(fn func(SessionEvent)) (cancel func()) {
	return s.observers.add(fn)
}

// Channels returns the channels the session is currently registered with.
func (s *Session) Channels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	channels := make([]*Channel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	return channels
}

func (s *Session) joinChannel(ch *Channel) {
	s.mu.Lock()
	s.channels[ch] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) leaveChannel(ch *Channel) {
	s.mu.Lock()
	delete(s.channels, ch)
	s.mu.Unlock()
}

// NewBuffer creates an event buffer using the session serializer and
// sanitizer.
func (s *Session) NewBuffer() *EventBuffer {
	return NewEventBuffer(WithSerializer(s.cfg.Serializer), WithSanitizer(s.cfg.Sanitizer))
}

// Close ends the session from the server side. It is safe to call Close
// multiple times and on sessions that never connected.
func (s *Session) Close() {
	s.disconnect("closed by server")
}

// run performs the handshake and then serves keep-alive messages until the
// session ends.
func (s *Session) run() {
	ctx := s.conn.Context()

	// Nothing was written yet, there is nothing to undo for sessions
	// closed this early.
	select {
	case <-ctx.Done():
		s.disconnect("client closed connection before connect")
		return
	case <-s.closing:
		return
	default:
	}

	lastEventID, err := s.handshake()
	if err != nil {
		s.log.WithError(err).Debug("SSE handshake failed")
		s.disconnect("handshake failed")
		return
	}

	var keepAliveChan <-chan time.Time
	if s.cfg.KeepAlive > 0 {
		ticker := time.NewTicker(s.cfg.KeepAlive)
		defer ticker.Stop()
		keepAliveChan = ticker.C
	}

	var lifetimeChan <-chan time.Time
	if s.cfg.Lifetime > 0 {
		timer := time.NewTimer(s.cfg.Lifetime)
		defer timer.Stop()
		lifetimeChan = timer.C
	}

	if !s.markConnected(lastEventID) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			s.disconnect("client closed connection")
			return
		case <-s.closing:
			return
		case <-lifetimeChan:
			// Session lifetime has ended, client should reconnect
			s.disconnect("lifetime expired")
			return
		case <-keepAliveChan:
			if err := s.write(func(b *EventBuffer) { b.Comment("").Dispatch() }); err != nil {
				return
			}
		}
	}
}

// handshake sends the response head followed by the optional padding and
// retry hint. It returns the last event ID reported by the client.
func (s *Session) handshake() (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var lastEventID string
	if !s.cfg.IgnoreClientEventID {
		lastEventID = clientLastEventID(s.conn)
	}

	header := s.conn.Header()
	MergeHeaders(header, s.cfg.Headers)
	MergeHeaders(header, sseHeaders)
	s.conn.SetStatus(s.cfg.statusCode())

	if err := s.conn.SendHead(); err != nil {
		return "", fmt.Errorf("send head: %w", err)
	}

	s.buf.Clear()
	if n := preambleSize(s.conn.URL()); n > 0 {
		s.buf.Comment(strings.Repeat(" ", n)).Dispatch()
	}
	if s.cfg.Retry > 0 {
		s.buf.Retry(s.cfg.Retry).Dispatch()
	}
	if s.buf.Len() > 0 {
		if err := s.conn.SendChunk(s.buf.Read()); err != nil {
			return "", fmt.Errorf("send preamble: %w", err)
		}
	}
	return lastEventID, nil
}

// markConnected moves an idle session to the connected state. It returns
// false if the session was closed in the meantime.
func (s *Session) markConnected(lastEventID string) bool {
	s.mu.Lock()
	if s.status != StateIdle {
		s.mu.Unlock()
		return false
	}
	s.status = StateConnected
	s.lastEventID = lastEventID
	s.mu.Unlock()

	s.log.WithField("last_event_id", lastEventID).Debug("SSE session connected")
	s.observers.emit(SessionEvent{Kind: SessionConnected, Session: s})
	close(s.connected)
	return true
}

// disconnect moves the session to the terminal state. Only the first call
// has any effect.
func (s *Session) disconnect(reason string) {
	s.disconnectOnce.Do(func() {
		s.mu.Lock()
		s.status = StateDisconnected
		s.mu.Unlock()

		close(s.closing)
		s.conn.Cleanup()

		s.log.WithField("reason", reason).Debug("SSE session disconnected")
		s.observers.emit(SessionEvent{Kind: SessionDisconnected, Session: s})
		close(s.done)
	})
}

// write builds one chunk with build and sends it to the transport. The last
// event ID is advanced to the last ID written to the chunk. A failed
// transport write disconnects the session.
func (s *Session) write(build func(b *EventBuffer)) error {
	// The handshake holds writeMu while sending the head, idle sessions
	// must fail without waiting for it.
	if !s.IsConnected() {
		return ErrNotConnected
	}

	s.writeMu.Lock()

	if !s.IsConnected() {
		s.writeMu.Unlock()
		return ErrNotConnected
	}

	s.buf.Clear()
	build(s.buf)
	if err := s.buf.Err(); err != nil {
		s.writeMu.Unlock()
		return err
	}
	if s.buf.Len() == 0 {
		s.writeMu.Unlock()
		return nil
	}

	if err := s.conn.SendChunk(s.buf.Read()); err != nil {
		s.writeMu.Unlock()
		s.disconnect("write failed")
		return fmt.Errorf("send chunk: %w", err)
	}

	if id := s.buf.lastID; id != "" {
		s.mu.Lock()
		s.lastEventID = id
		s.mu.Unlock()
	}
	s.writeMu.Unlock()
	return nil
}

// Push sends data as a single event with a freshly generated ID. Empty
// eventName defaults to DefaultEventName.
func (s *Session) Push(data any, eventName string) error {
	return s.PushEvent(Event{Event: eventName, Data: data})
}

// PushEvent sends e keeping its ID, a new ID is generated only if e.ID is
// empty. Channels and History use it to deliver shared and replayed IDs.
func (s *Session) PushEvent(e Event) error {
	e = e.withDefaults()
	if err := s.write(func(b *EventBuffer) { b.pushEvent(e) }); err != nil {
		return err
	}
	s.observers.emit(SessionEvent{Kind: SessionPushed, Session: s, Event: e})
	return nil
}

// Stream pushes every chunk read from r as an event named eventName
// (StreamEventName if empty) until EOF. An error from r or from the session
// ends the stream and is returned, events sent before stay sent.
func (s *Session) Stream(ctx context.Context, r io.Reader, eventName string) error {
	if eventName == "" {
		eventName = StreamEventName
	}
	return consumeReader(ctx, r, func(chunk string) error {
		return s.Push(chunk, eventName)
	})
}

// Iterate pushes every value of seq as an event named eventName
// (IterationEventName if empty). The first error yielded by seq, or returned
// by Push, ends the iteration and is returned.
func (s *Session) Iterate(ctx context.Context, seq iter.Seq2[any, error], eventName string) error {
	if eventName == "" {
		eventName = IterationEventName
	}
	return consumeSeq(ctx, seq, func(v any) error {
		return s.Push(v, eventName)
	})
}

// Batch sends everything fill writes into a buffer as a single transport
// write. The last event ID is advanced to the last ID in the batch. Batched
// events do not fire SessionPushed notifications.
func (s *Session) Batch(fill func(b *EventBuffer)) error {
	return s.write(fill)
}
