// Package ssetest provides an in-memory sse.Connection for tests.
package ssetest

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// ErrClosed is returned by writes to a closed Conn.
var ErrClosed = errors.New("ssetest: connection closed")

// Conn records everything a session writes. It satisfies sse.Connection.
type Conn struct {
	url     *url.URL
	method  string
	reqHead http.Header
	ctx     context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	status     int
	header     http.Header
	headSent   bool
	chunks     []string
	cleanups   int
	failWrites error
	written    chan struct{}
}

// NewConn creates a GET connection for target, which may carry a query
// string. Request headers are optional.
func NewConn(target string, reqHeader http.Header) *Conn {
	u, err := url.Parse(target)
	if err != nil {
		panic(err)
	}
	if reqHeader == nil {
		reqHeader = make(http.Header)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		url:     u,
		method:  http.MethodGet,
		reqHead: reqHeader,
		ctx:     ctx,
		cancel:  cancel,
		header:  make(http.Header),
		written: make(chan struct{}, 1),
	}
}

func (c *Conn) URL() *url.URL              { return c.url }
func (c *Conn) Method() string             { return c.method }
func (c *Conn) RequestHeader() http.Header { return c.reqHead }
func (c *Conn) Context() context.Context   { return c.ctx }

func (c *Conn) Header() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header
}

func (c *Conn) SetStatus(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = code
}

func (c *Conn) SendHead() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeErr(); err != nil {
		return err
	}
	c.headSent = true
	return nil
}

func (c *Conn) SendChunk(chunk string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeErr(); err != nil {
		return err
	}
	c.chunks = append(c.chunks, chunk)
	select {
	case c.written <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) writeErr() error {
	if c.failWrites != nil {
		return c.failWrites
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	return nil
}

func (c *Conn) Cleanup() {
	c.mu.Lock()
	c.cleanups++
	c.mu.Unlock()
	c.cancel()
}

// Abort simulates the client closing the connection.
func (c *Conn) Abort() {
	c.cancel()
}

// FailWrites makes every following write return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWrites = err
}

// Status returns the status code set by the session.
func (c *Conn) Status() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// HeadSent reports whether SendHead was called.
func (c *Conn) HeadSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headSent
}

// Chunks returns a copy of all written chunks.
func (c *Conn) Chunks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chunks...)
}

// Body returns all written chunks joined together.
func (c *Conn) Body() string {
	return strings.Join(c.Chunks(), "")
}

// Cleanups returns how many times Cleanup was called.
func (c *Conn) Cleanups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanups
}

// Written receives a value after chunks are written. Several writes may be
// coalesced into a single notification.
func (c *Conn) Written() <-chan struct{} {
	return c.written
}
