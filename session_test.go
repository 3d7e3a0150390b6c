package sse

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/advbet/sse/ssetest"
)

// gatedConn holds SendHead until release is closed, keeping the session
// idle for as long as the test needs.
type gatedConn struct {
	*ssetest.Conn
	release chan struct{}
}

func newGatedConn(target string) *gatedConn {
	return &gatedConn{Conn: ssetest.NewConn(target, nil), release: make(chan struct{})}
}

func (c *gatedConn) SendHead() error {
	<-c.release
	return c.Conn.SendHead()
}

// recorder collects session notifications.
type recorder struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (r *recorder) observe(e SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []SessionEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]SessionEventKind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func newTestSession(t *testing.T, conn Connection, cfg *Config, opts ...SessionOption) *Session {
	t.Helper()
	s, err := NewSession(conn, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func connectSession(t *testing.T, conn Connection, cfg *Config, opts ...SessionOption) *Session {
	t.Helper()
	s := newTestSession(t, conn, cfg, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.WaitConnected(ctx))
	return s
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not disconnect")
	}
}

// quiet disables the retry hint and keep-alive messages.
var quiet = &Config{}

func TestNewSessionErrors(t *testing.T) {
	_, err := NewSession(nil, nil)
	assert.ErrorIs(t, err, ErrNilConnection)

	_, err = NewSession(ssetest.NewConn("/", nil), &Config{Retry: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewSession(ssetest.NewConn("/", nil), &Config{StatusCode: 42})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSessionConnectDefaults(t *testing.T) {
	conn := ssetest.NewConn("/events", nil)
	s := connectSession(t, conn, nil)

	assert.True(t, s.IsConnected())
	assert.Equal(t, StateConnected, s.Status())
	assert.Equal(t, "", s.LastEventID())
	assert.NotEmpty(t, s.ID())

	assert.Equal(t, http.StatusOK, conn.Status())
	assert.True(t, conn.HeadSent())
	header := conn.Header()
	assert.Equal(t, "text/event-stream", header.Get("Content-Type"))
	assert.Equal(t, "private, no-cache, no-store, no-transform, must-revalidate, max-age=0", header.Get("Cache-Control"))
	assert.Equal(t, "keep-alive", header.Get("Connection"))
	assert.Equal(t, "no-cache", header.Get("Pragma"))
	assert.Equal(t, "no", header.Get("X-Accel-Buffering"))

	assert.Equal(t, "retry:2000\n\n", conn.Body())
}

func TestSessionIdleUntilHeadSent(t *testing.T) {
	conn := newGatedConn("/events")
	conn.RequestHeader().Set("Last-Event-ID", "abc")
	s := newTestSession(t, conn, quiet)

	assert.Equal(t, StateIdle, s.Status())
	assert.False(t, s.IsConnected())
	assert.Equal(t, "", s.LastEventID())
	assert.ErrorIs(t, s.Push("early", ""), ErrNotConnected)

	close(conn.release)
	require.NoError(t, s.WaitConnected(context.Background()))
	assert.Equal(t, "abc", s.LastEventID())
	assert.Equal(t, "", conn.Body())
}

func TestSessionHeaders(t *testing.T) {
	conn := ssetest.NewConn("/events", nil)
	conn.Header().Set("X-Remove", "1")
	conn.Header().Set("X-Replace", "old")

	connectSession(t, conn, &Config{
		StatusCode: http.StatusAccepted,
		Headers: http.Header{
			"X-Remove":     nil,
			"X-Replace":    {"new"},
			"X-Multi":      {"a", "b"},
			"Content-Type": {"text/plain"},
		},
	})

	header := conn.Header()
	assert.Equal(t, http.StatusAccepted, conn.Status())
	assert.Empty(t, header.Values("X-Remove"))
	assert.Equal(t, []string{"new"}, header.Values("X-Replace"))
	assert.Equal(t, []string{"a", "b"}, header.Values("X-Multi"))
	assert.Equal(t, "text/event-stream", header.Get("Content-Type"))
}

func TestSessionLastEventID(t *testing.T) {
	tests := []struct {
		msg      string
		target   string
		header   string
		ignore   bool
		expected string
	}{
		{msg: "none", target: "/", expected: ""},
		{msg: "header", target: "/?lastEventId=q", header: "h", expected: "h"},
		{msg: "lastEventId", target: "/?lastEventId=q&evs_last_event_id=e", expected: "q"},
		{msg: "evs_last_event_id", target: "/?evs_last_event_id=e", expected: "e"},
		{msg: "ignored", target: "/?lastEventId=q", header: "h", ignore: true, expected: ""},
	}

	for _, test := range tests {
		t.Run(test.msg, func(t *testing.T) {
			reqHeader := make(http.Header)
			if test.header != "" {
				reqHeader.Set("Last-Event-ID", test.header)
			}
			conn := ssetest.NewConn(test.target, reqHeader)
			s := connectSession(t, conn, &Config{IgnoreClientEventID: test.ignore})
			assert.Equal(t, test.expected, s.LastEventID())
		})
	}
}

func TestSessionPadding(t *testing.T) {
	tests := []struct {
		msg    string
		target string
		size   int
	}{
		{msg: "padding", target: "/?padding=true", size: 2049},
		{msg: "evs_preamble", target: "/?evs_preamble", size: 2056},
		{msg: "none", target: "/?padding=false", size: 0},
	}

	for _, test := range tests {
		t.Run(test.msg, func(t *testing.T) {
			conn := ssetest.NewConn(test.target, nil)
			connectSession(t, conn, &Config{Retry: 500 * time.Millisecond})

			expected := "retry:500\n\n"
			if test.size > 0 {
				expected = ":" + strings.Repeat(" ", test.size) + "\n\n" + expected
			}
			assert.Equal(t, expected, conn.Body())
		})
	}
}

func TestSessionKeepAlive(t *testing.T) {
	conn := ssetest.NewConn("/", nil)
	connectSession(t, conn, &Config{KeepAlive: 10 * time.Millisecond})

	assert.Eventually(t, func() bool {
		return strings.Contains(conn.Body(), ":\n\n")
	}, time.Second, 5*time.Millisecond)
}

func TestSessionPush(t *testing.T) {
	var rec recorder
	conn := ssetest.NewConn("/", nil)
	s := connectSession(t, conn, quiet, WithObserver(rec.observe))

	require.NoError(t, s.Push("hello", "greeting"))
	id := s.LastEventID()
	assert.NotEmpty(t, id)
	assert.Equal(t, "event:greeting\nid:"+id+"\ndata:\"hello\"\n\n", conn.Body())

	require.NoError(t, s.PushEvent(Event{ID: "fixed", Data: 1}))
	assert.Equal(t, "fixed", s.LastEventID())
	assert.True(t, strings.HasSuffix(conn.Body(), "event:message\nid:fixed\ndata:1\n\n"))

	assert.Equal(t, []SessionEventKind{SessionConnected, SessionPushed, SessionPushed}, rec.kinds())
	rec.mu.Lock()
	assert.Equal(t, Event{ID: "fixed", Event: "message", Data: 1}, rec.events[2].Event)
	rec.mu.Unlock()
}

func TestSessionPushSerializerError(t *testing.T) {
	failure := errors.New("bad data")
	conn := ssetest.NewConn("/", nil)
	s := connectSession(t, conn, &Config{
		Serializer: func(any) (string, error) { return "", failure },
	})

	assert.ErrorIs(t, s.Push(1, ""), failure)
	assert.True(t, s.IsConnected(), "serialization errors do not end the session")
	assert.Equal(t, "", conn.Body())
}

func TestSessionClientAbort(t *testing.T) {
	var rec recorder
	conn := ssetest.NewConn("/", nil)
	s := connectSession(t, conn, quiet, WithObserver(rec.observe))

	conn.Abort()
	waitDone(t, s)

	assert.Equal(t, StateDisconnected, s.Status())
	assert.False(t, s.IsConnected())
	assert.ErrorIs(t, s.Push("late", ""), ErrNotConnected)

	s.Close()
	assert.Equal(t, 1, conn.Cleanups())
	assert.Equal(t, []SessionEventKind{SessionConnected, SessionDisconnected}, rec.kinds())
}

func TestSessionAbortBeforeConnect(t *testing.T) {
	var rec recorder
	conn := ssetest.NewConn("/", nil)
	conn.Abort()

	s := newTestSession(t, conn, nil, WithObserver(rec.observe))
	waitDone(t, s)

	assert.False(t, conn.HeadSent())
	assert.Equal(t, "", conn.Body())
	assert.ErrorIs(t, s.WaitConnected(context.Background()), ErrNotConnected)
	select {
	case <-s.Connected():
		t.Fatal("aborted session must never be connected")
	default:
	}
	assert.Equal(t, []SessionEventKind{SessionDisconnected}, rec.kinds())
}

func TestSessionCloseWhileIdle(t *testing.T) {
	conn := newGatedConn("/")
	s := newTestSession(t, conn, quiet)

	s.Close()
	waitDone(t, s)
	close(conn.release)

	assert.ErrorIs(t, s.WaitConnected(context.Background()), ErrNotConnected)
	assert.Equal(t, StateDisconnected, s.Status())
}

func TestSessionClose(t *testing.T) {
	conn := ssetest.NewConn("/", nil)
	s := connectSession(t, conn, quiet)

	s.Close()
	waitDone(t, s)
	s.Close()

	assert.Equal(t, 1, conn.Cleanups())
	assert.ErrorIs(t, conn.Context().Err(), context.Canceled)
}

func TestSessionLifetime(t *testing.T) {
	conn := ssetest.NewConn("/", nil)
	s := connectSession(t, conn, &Config{Lifetime: 20 * time.Millisecond})

	start := time.Now()
	waitDone(t, s)
	assert.WithinDuration(t, start, time.Now(), 200*time.Millisecond)
}

func TestSessionWriteFailure(t *testing.T) {
	failure := errors.New("broken pipe")
	conn := ssetest.NewConn("/", nil)
	s := connectSession(t, conn, quiet)

	conn.FailWrites(failure)
	err := s.Push("x", "")
	assert.ErrorIs(t, err, failure)

	waitDone(t, s)
	assert.Equal(t, StateDisconnected, s.Status())
}

func TestSessionStream(t *testing.T) {
	conn := ssetest.NewConn("/", nil)
	s := connectSession(t, conn, quiet)

	err := s.Stream(context.Background(), strings.NewReader("chunk"), "")
	require.NoError(t, err)

	assert.Equal(t, [][2]string{{"stream", `"chunk"`}}, parseEvents(conn.Body()))
	assert.NotEmpty(t, s.LastEventID())
}

func TestSessionIterate(t *testing.T) {
	var rec recorder
	conn := ssetest.NewConn("/", nil)
	s := connectSession(t, conn, quiet, WithObserver(rec.observe))

	err := s.Iterate(context.Background(), FromSlice([]string{"a", "b"}), "letters")
	require.NoError(t, err)

	assert.Equal(t, [][2]string{{"letters", `"a"`}, {"letters", `"b"`}}, parseEvents(conn.Body()))
	assert.Equal(t, []SessionEventKind{SessionConnected, SessionPushed, SessionPushed}, rec.kinds())
}

func TestSessionIterateAfterDisconnect(t *testing.T) {
	conn := ssetest.NewConn("/", nil)
	s := connectSession(t, conn, quiet)

	source := make(chan int)
	errs := make(chan error, 1)
	go func() {
		errs <- s.Iterate(context.Background(), FromChannel(source), "")
	}()

	source <- 1
	assert.Eventually(t, func() bool {
		return strings.Contains(conn.Body(), "data:1\n")
	}, time.Second, 5*time.Millisecond)

	s.Close()
	source <- 2

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("iterate did not stop")
	}
	assert.Equal(t, [][2]string{{"iteration", "1"}}, parseEvents(conn.Body()))
}

func TestSessionBatch(t *testing.T) {
	conn := ssetest.NewConn("/", nil)
	s := connectSession(t, conn, quiet)

	err := s.Batch(func(b *EventBuffer) {
		b.Push(1, "n", "first")
		b.Push(2, "n", "second")
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"event:n\nid:first\ndata:1\n\nevent:n\nid:second\ndata:2\n\n",
	}, conn.Chunks())
	assert.Equal(t, "second", s.LastEventID())
}

func TestSessionState(t *testing.T) {
	conn := ssetest.NewConn("/", nil)
	s := connectSession(t, conn, quiet, WithState(map[string]any{"user": "u1"}))

	user, ok := s.State().Get("user")
	require.True(t, ok)
	assert.Equal(t, "u1", user)
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "SessionState(7)", SessionState(7).String())
}
