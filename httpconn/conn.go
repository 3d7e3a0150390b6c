// Package httpconn adapts net/http requests to the sse.Connection interface.
// It serves both HTTP/1.1 and HTTP/2 requests.
package httpconn

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/advbet/sse"
)

// ErrFlusherUnsupported is returned if the http.ResponseWriter can not flush
// partial responses.
var ErrFlusherUnsupported = errors.New("http.ResponseWriter does not implement http.Flusher interface")

// Conn is a sse.Connection writing to an http.ResponseWriter.
type Conn struct {
	w       http.ResponseWriter
	r       *http.Request
	flusher http.Flusher
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	status int
	closed bool
}

var _ sse.Connection = (*Conn)(nil)

// New wraps the request and response writer. The connection context is
// derived from the request context and is also cancelled by Cleanup.
func New(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrFlusherUnsupported
	}

	// Event streams are long-lived, the server WriteTimeout must not end
	// them. Not every writer supports deadlines, which is fine.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, err
	}

	ctx, cancel := context.WithCancel(r.Context())
	return &Conn{
		w:       w,
		r:       r,
		flusher: flusher,
		ctx:     ctx,
		cancel:  cancel,
		status:  http.StatusOK,
	}, nil
}

func (c *Conn) URL() *url.URL              { return c.r.URL }
func (c *Conn) Method() string             { return c.r.Method }
func (c *Conn) RequestHeader() http.Header { return c.r.Header }
func (c *Conn) Context() context.Context   { return c.ctx }
func (c *Conn) Header() http.Header        { return c.w.Header() }

func (c *Conn) SetStatus(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = code
}

// SendHead writes the status and headers. Connection specific headers are
// not allowed in HTTP/2 and are removed for such requests.
func (c *Conn) SendHead() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return net.ErrClosed
	}
	if c.r.ProtoMajor >= 2 {
		c.w.Header().Del("Connection")
	}
	c.w.WriteHeader(c.status)
	c.flusher.Flush()
	return nil
}

// SendChunk writes and flushes chunk.
func (c *Conn) SendChunk(chunk string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return net.ErrClosed
	}
	if _, err := io.WriteString(c.w, chunk); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Cleanup marks the connection closed and cancels its context. The HTTP
// response ends once the handler returns.
func (c *Conn) Cleanup() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

// Serve runs a session on the request until it disconnects. The optional
// onConnect callback is invoked once the session is connected, typically to
// register it with channels and replay history. If onConnect returns an
// error the session is closed and the error returned.
func Serve(w http.ResponseWriter, r *http.Request, cfg *sse.Config, onConnect func(*sse.Session) error) error {
	conn, err := New(w, r)
	if err != nil {
		return err
	}

	session, err := sse.NewSession(conn, cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.WaitConnected(r.Context()); err != nil {
		// Client went away before the stream started
		<-session.Done()
		return nil
	}

	if onConnect != nil {
		if err := onConnect(session); err != nil {
			logger(cfg).WithField("session_id", session.ID()).WithError(err).Debug("SSE session rejected")
			return err
		}
	}

	<-session.Done()
	return nil
}

func logger(cfg *sse.Config) logrus.FieldLogger {
	if cfg == nil || cfg.Logger == nil {
		return logrus.StandardLogger()
	}
	return cfg.Logger
}
