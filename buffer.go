package sse

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"
)

// Serializer converts event data into the text sent in the data field.
type Serializer func(v any) (string, error)

// Sanitizer transforms field values before they are written. Whatever a
// Sanitizer returns, newline normalisation is still applied afterwards.
type Sanitizer func(value string) string

// JSONSerializer marshals v to JSON. It is the default Serializer.
func JSONSerializer(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var newlineVariants = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Sanitize normalises CR, LF and CRLF sequences into a single LF, collapses
// consecutive line breaks and strips trailing ones. The result never
// contains a blank line, so it can not dispatch an event prematurely.
func Sanitize(value string) string {
	value = newlineVariants.Replace(value)
	for strings.Contains(value, "\n\n") {
		value = strings.ReplaceAll(value, "\n\n", "\n")
	}
	return strings.TrimRight(value, "\n")
}

// EventBuffer accumulates SSE fields in wire format. Every field method
// appends complete lines and returns the buffer for chaining. Nothing is
// written to a transport, use Read to get the accumulated text.
//
// Errors from the serializer are sticky: after the first error all
// further writes are ignored and Err reports the error until Clear is
// called.
type EventBuffer struct {
	buf        strings.Builder
	serializer Serializer
	sanitizer  Sanitizer
	lastID     string
	err        error
}

// BufferOption configures an EventBuffer.
type BufferOption func(*EventBuffer)

// WithSerializer replaces the default JSON data serializer.
func WithSerializer(s Serializer) BufferOption {
	return func(b *EventBuffer) {
		if s != nil {
			b.serializer = s
		}
	}
}

// WithSanitizer adds a custom sanitizer that runs before the built-in
// newline normalisation.
func WithSanitizer(s Sanitizer) BufferOption {
	return func(b *EventBuffer) {
		b.sanitizer = s
	}
}

// NewEventBuffer creates an empty buffer.
func NewEventBuffer(opts ...BufferOption) *EventBuffer {
	b := &EventBuffer{serializer: JSONSerializer}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *EventBuffer) sanitize(value string) string {
	if b.sanitizer != nil {
		value = b.sanitizer(value)
	}
	return Sanitize(value)
}

// writeField writes one line per line of the sanitized value, all of them
// carrying the same field name. Comments use an empty name.
func (b *EventBuffer) writeField(name, value string) *EventBuffer {
	if b.err != nil {
		return b
	}
	for _, line := range strings.Split(b.sanitize(value), "\n") {
		b.buf.WriteString(name)
		b.buf.WriteByte(':')
		b.buf.WriteString(line)
		b.buf.WriteByte('\n')
	}
	return b
}

// Event writes the event name field.
func (b *EventBuffer) Event(name string) *EventBuffer {
	return b.writeField("event", name)
}

// Data serializes v and writes it as the data field.
func (b *EventBuffer) Data(v any) *EventBuffer {
	if b.err != nil {
		return b
	}
	text, err := b.serializer(v)
	if err != nil {
		b.err = err
		return b
	}
	return b.writeField("data", text)
}

// ID writes the event ID field. An empty ID resets the client side last
// event ID.
func (b *EventBuffer) ID(id string) *EventBuffer {
	if b.err == nil {
		b.lastID = id
	}
	return b.writeField("id", id)
}

// Retry writes the reconnection time field in whole milliseconds.
func (b *EventBuffer) Retry(d time.Duration) *EventBuffer {
	return b.writeField("retry", strconv.FormatInt(d.Milliseconds(), 10))
}

// Comment writes a comment line. Comments are ignored by clients and are
// used for keep-alive messages.
func (b *EventBuffer) Comment(text string) *EventBuffer {
	return b.writeField("", text)
}

// Dispatch terminates the current event with a blank line.
func (b *EventBuffer) Dispatch() *EventBuffer {
	if b.err != nil {
		return b
	}
	b.buf.WriteByte('\n')
	return b
}

// Push writes a complete event. Empty name defaults to DefaultEventName and
// empty id is replaced with a freshly generated one.
func (b *EventBuffer) Push(data any, name, id string) *EventBuffer {
	e := Event{ID: id, Event: name, Data: data}.withDefaults()
	return b.pushEvent(e)
}

func (b *EventBuffer) pushEvent(e Event) *EventBuffer {
	return b.Event(e.Event).ID(e.ID).Data(e.Data).Dispatch()
}

// Stream reads r until EOF and pushes every chunk read as one event with the
// given name (StreamEventName if empty). Chunks are decoded as UTF-8 text.
func (b *EventBuffer) Stream(ctx context.Context, r io.Reader, name string) error {
	if name == "" {
		name = StreamEventName
	}
	return consumeReader(ctx, r, func(chunk string) error {
		return b.Push(chunk, name, "").err
	})
}

// Iterate pushes every value produced by seq as one event with the given
// name (IterationEventName if empty). The first error yielded by seq stops
// the iteration and is returned.
func (b *EventBuffer) Iterate(ctx context.Context, seq iter.Seq2[any, error], name string) error {
	if name == "" {
		name = IterationEventName
	}
	return consumeSeq(ctx, seq, func(v any) error {
		return b.Push(v, name, "").err
	})
}

// Read returns the accumulated text.
func (b *EventBuffer) Read() string {
	return b.buf.String()
}

// Len returns the number of accumulated bytes.
func (b *EventBuffer) Len() int {
	return b.buf.Len()
}

// Clear empties the buffer and resets the sticky error.
func (b *EventBuffer) Clear() *EventBuffer {
	b.buf.Reset()
	b.lastID = ""
	b.err = nil
	return b
}

// Err returns the first serialization error since the last Clear.
func (b *EventBuffer) Err() error {
	return b.err
}

// WriteTo writes the accumulated text to w. The buffer is not cleared.
func (b *EventBuffer) WriteTo(w io.Writer) (int64, error) {
	if b.err != nil {
		return 0, b.err
	}
	n, err := io.WriteString(w, b.buf.String())
	return int64(n), err
}
