package sse

import (
	"context"
	"errors"
	"io"
	"iter"
	"unicode/utf8"
)

// streamChunkSize is the read size used when consuming an io.Reader.
const streamChunkSize = 32 * 1024

// consumeReader reads r until EOF and calls emit with every chunk decoded as
// text. Multi-byte runes split between two reads are carried over to the
// next chunk. Errors returned by r or emit stop the loop and are returned,
// io.EOF is a normal end of stream.
func consumeReader(ctx context.Context, r io.Reader, emit func(string) error) error {
	buf := make([]byte, streamChunkSize)
	var pending []byte

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cut := completeRunes(pending)
			if cut > 0 {
				if err := emit(string(pending[:cut])); err != nil {
					return err
				}
				pending = append(pending[:0], pending[cut:]...)
			}
		}

		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return readErr
			}
			if len(pending) > 0 {
				// Stream ended inside a rune, emit what is left as is
				return emit(string(pending))
			}
			return nil
		}
	}
}

// completeRunes returns the length of the longest prefix of p that does not
// end in the middle of a multi-byte UTF-8 sequence.
func completeRunes(p []byte) int {
	// A rune is at most utf8.UTFMax bytes long, only the tail needs to be
	// inspected.
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		c := p[len(p)-i]
		if utf8.RuneStart(c) {
			if !utf8.FullRune(p[len(p)-i:]) {
				return len(p) - i
			}
			return len(p)
		}
	}
	return len(p)
}

// consumeSeq ranges over seq calling emit for every value. The first error
// produced by seq or emit ends the iteration.
func consumeSeq(ctx context.Context, seq iter.Seq2[any, error], emit func(any) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for v, err := range seq {
		if err != nil {
			return err
		}
		if err := emit(v); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// FromChannel adapts a Go channel to a sequence usable with Iterate. The
// sequence ends when the channel is closed.
func FromChannel[T any](source <-chan T) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for v := range source {
			if !yield(v, nil) {
				return
			}
		}
	}
}

// FromSlice adapts a slice to a sequence usable with Iterate.
func FromSlice[T any](values []T) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for _, v := range values {
			if !yield(v, nil) {
				return
			}
		}
	}
}
