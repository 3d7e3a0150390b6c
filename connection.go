package sse

import (
	"context"
	"net/http"
	"net/url"
)

// Connection is the transport capability a Session needs. Implementations
// adapt a concrete server (net/http, HTTP/2, a framework) to this interface;
// the httpconn package provides one for net/http.
//
// A Connection is used by exactly one Session. SendHead is called once,
// before any SendChunk. Every SendChunk must be flushed to the client before
// it returns.
type Connection interface {
	// URL returns the request URL including the query string.
	URL() *url.URL

	// Method returns the request method.
	Method() string

	// RequestHeader returns the request headers.
	RequestHeader() http.Header

	// Context is cancelled when the transport is closed, either by the
	// client or by the server.
	Context() context.Context

	// SetStatus sets the response status code sent by SendHead.
	SetStatus(code int)

	// Header returns the response headers sent by SendHead.
	Header() http.Header

	// SendHead writes the status line and headers.
	SendHead() error

	// SendChunk writes and flushes a piece of the response body.
	SendChunk(chunk string) error

	// Cleanup releases the transport, ending the response.
	Cleanup()
}

// MergeHeaders copies src into dst using these rules for every key: a nil
// value deletes the header, a single value replaces it and multiple values
// replace it with all of them in order.
func MergeHeaders(dst, src http.Header) {
	for key, values := range src {
		if values == nil {
			dst.Del(key)
			continue
		}
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// Canonical SSE response headers.
var sseHeaders = http.Header{
	"Content-Type":      {"text/event-stream"},
	"Cache-Control":     {"private, no-cache, no-store, no-transform, must-revalidate, max-age=0"},
	"Connection":        {"keep-alive"},
	"Pragma":            {"no-cache"},
	"X-Accel-Buffering": {"no"},
}

// Query parameters of EventSource polyfills.
const (
	lastEventIDParam    = "lastEventId"
	evsLastEventIDParam = "evs_last_event_id"
	paddingParam        = "padding"
	evsPreambleParam    = "evs_preamble"
	lastEventIDHeader   = "Last-Event-ID"
	paddingSize         = 2049
	evsPreambleSize     = 2056
)

// clientLastEventID returns the last event ID reported by the client, from
// the Last-Event-ID header or one of the polyfill query parameters.
func clientLastEventID(conn Connection) string {
	if id := conn.RequestHeader().Get(lastEventIDHeader); id != "" {
		return id
	}
	query := conn.URL().Query()
	if id := query.Get(lastEventIDParam); id != "" {
		return id
	}
	return query.Get(evsLastEventIDParam)
}

// preambleSize returns the number of padding characters the client
// polyfill needs before the first event, zero if none.
func preambleSize(u *url.URL) int {
	query := u.Query()
	switch {
	case query.Get(paddingParam) == "true":
		return paddingSize
	case query.Has(evsPreambleParam):
		return evsPreambleSize
	}
	return 0
}
