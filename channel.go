package sse

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// ChannelEventKind enumerates channel notifications.
type ChannelEventKind int

const (
	// ChannelSessionRegistered fires when a session is added.
	ChannelSessionRegistered ChannelEventKind = iota + 1
	// ChannelSessionDeregistered fires when a session is removed with
	// Deregister.
	ChannelSessionDeregistered
	// ChannelSessionDisconnected fires when a session is removed because
	// it disconnected.
	ChannelSessionDisconnected
	// ChannelBroadcast fires after every Broadcast, even if there were no
	// recipients.
	ChannelBroadcast
)

// ChannelEvent is a notification delivered to channel observers. Session is
// set for membership notifications, Event for ChannelBroadcast.
type ChannelEvent struct {
	Kind    ChannelEventKind
	Channel *Channel
	Session *Session
	Event   Event
}

// Channel is a named group of sessions receiving the same broadcast events.
// A channel never owns its sessions: a session that disconnects is removed
// automatically. Channel is safe for concurrent use.
type Channel struct {
	name  string
	state *State
	log   logrus.FieldLogger

	mu       sync.Mutex
	sessions []*Session
	cancels  map[*Session]func()

	observers observers[ChannelEvent]
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithChannelLogger sets the logger used by the channel.
func WithChannelLogger(log logrus.FieldLogger) ChannelOption {
	return func(c *Channel) {
		if log != nil {
			c.log = log
		}
	}
}

// NewChannel creates an empty channel.
func NewChannel(name string, opts ...ChannelOption) *Channel {
	c := &Channel{
		name:    name,
		state:   newState(),
		log:     logrus.StandardLogger(),
		cancels: make(map[*Session]func()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("channel", name)
	return c
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// State returns the application owned channel state.
func (c *Channel) State() *State {
	return c.state
}

// Observe registers fn for channel notifications. The returned function
// removes the observer.
func (c *Channel) Observe(fn func(ChannelEvent)) (cancel func()) {
	return c.observers.add(fn)
}

// Sessions returns the registered sessions in registration order.
func (c *Channel) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessions := make([]*Session, len(c.sessions))
	copy(sessions, c.sessions)
	return sessions
}

// SessionCount returns the number of registered sessions.
func (c *Channel) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Has reports whether s is registered with the channel.
func (c *Channel) Has(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cancels[s]
	return ok
}

// Register adds a connected session to the channel. Registering a session
// twice is a no-op. ErrNotConnected is returned for sessions that are not
// connected.
func (c *Channel) Register(s *Session) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	if _, ok := c.cancels[s]; ok {
		c.mu.Unlock()
		return nil
	}
	c.sessions = append(c.sessions, s)
	c.cancels[s] = s.Observe(func(e SessionEvent) {
		if e.Kind == SessionDisconnected {
			c.remove(s, ChannelSessionDisconnected)
		}
	})
	c.mu.Unlock()

	s.joinChannel(c)
	c.log.WithField("session_id", s.ID()).Debug("SSE session registered")
	c.observers.emit(ChannelEvent{Kind: ChannelSessionRegistered, Channel: c, Session: s})

	// The session might have disconnected before the observer was in
	// place, in that case the observer will never fire.
	if !s.IsConnected() {
		c.remove(s, ChannelSessionDisconnected)
	}
	return nil
}

// Deregister removes the session from the channel. Removing a session that
// is not registered is a no-op.
func (c *Channel) Deregister(s *Session) {
	c.remove(s, ChannelSessionDeregistered)
}

// remove drops the session and fires a notification of the given kind. Only
// the call that actually removes the session notifies.
func (c *Channel) remove(s *Session, kind ChannelEventKind) {
	c.mu.Lock()
	cancel, ok := c.cancels[s]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.cancels, s)
	for i, registered := range c.sessions {
		if registered == s {
			c.sessions = append(c.sessions[:i:i], c.sessions[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	cancel()
	s.leaveChannel(c)

	c.log.WithField("session_id", s.ID()).Debug("SSE session removed")
	c.observers.emit(ChannelEvent{Kind: kind, Channel: c, Session: s})
}

// BroadcastOption configures a single Broadcast call.
type BroadcastOption func(*broadcastOptions)

type broadcastOptions struct {
	eventID string
	filter  func(*Session) bool
}

// WithFilter limits the recipients to sessions for which filter returns
// true. The filter is evaluated at broadcast time.
func WithFilter(filter func(*Session) bool) BroadcastOption {
	return func(o *broadcastOptions) {
		o.filter = filter
	}
}

// WithEventID uses id instead of a generated event ID.
func WithEventID(id string) BroadcastOption {
	return func(o *broadcastOptions) {
		o.eventID = id
	}
}

// Broadcast pushes data as an event named eventName (DefaultEventName if
// empty) to every registered session, or to the sessions accepted by the
// filter. All recipients receive the same event ID, which is returned.
//
// Sessions that fail to receive the event are skipped, a failed transport
// write disconnects the session which removes it from the channel.
func (c *Channel) Broadcast(data any, eventName string, opts ...BroadcastOption) string {
	var o broadcastOptions
	for _, opt := range opts {
		opt(&o)
	}

	event := Event{ID: o.eventID, Event: eventName, Data: data}.withDefaults()

	for _, s := range c.Sessions() {
		if o.filter != nil && !o.filter(s) {
			continue
		}
		if err := s.PushEvent(event); err != nil {
			c.log.WithFields(logrus.Fields{
				"session_id": s.ID(),
				"event_id":   event.ID,
			}).WithError(err).Debug("SSE broadcast skipped session")
		}
	}

	c.observers.emit(ChannelEvent{Kind: ChannelBroadcast, Channel: c, Event: event})
	return event.ID
}
