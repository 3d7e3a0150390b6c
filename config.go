package sse

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds SSE session configuration. Single Config instance can be
// safely used for multiple sessions simultaneously as long as it is not
// modified.
type Config struct {
	// Retry is a time duration before successive reconnects, it is passed
	// as a recommendation for SSE clients. Setting Retry to zero disables
	// sending a reconnect hint and client will use its default value.
	Retry time.Duration

	// KeepAlive sets how often SSE stream should include a comment line
	// as a keep alive message. Setting KeepAlive to zero disables sending
	// keep alive messages. It is recommended to keep this value lower than
	// 60 seconds if nginx proxy is used.
	KeepAlive time.Duration

	// Lifetime is a maximum amount of time connection is allowed to stay
	// open before a forced reconnect. Setting Lifetime to zero allows SSE
	// connections to be open indefinitely.
	Lifetime time.Duration

	// StatusCode is the HTTP status of the response, zero means 200.
	StatusCode int

	// Headers are merged into the response headers before the SSE headers
	// are set. See MergeHeaders for the merge rules.
	Headers http.Header

	// IgnoreClientEventID disables reading the last event ID sent by the
	// client. Sessions will always start with an empty last event ID.
	IgnoreClientEventID bool

	// Serializer converts event data to text, defaults to JSON.
	Serializer Serializer

	// Sanitizer is applied to every field value before the mandatory
	// newline normalisation.
	Sanitizer Sanitizer

	// Logger receives debug messages about the session lifecycle. Defaults
	// to the logrus standard logger.
	Logger logrus.FieldLogger
}

// DefaultConfig is a recommended SSE configuration.
var DefaultConfig = Config{
	Retry:     2000 * time.Millisecond,
	KeepAlive: 10 * time.Second,
}

// ErrInvalidConfig is returned by constructors for configuration values that
// can not be used.
var ErrInvalidConfig = errors.New("invalid configuration")

func (c *Config) validate() error {
	switch {
	case c.Retry < 0:
		return fmt.Errorf("%w: negative retry %s", ErrInvalidConfig, c.Retry)
	case c.KeepAlive < 0:
		return fmt.Errorf("%w: negative keep-alive %s", ErrInvalidConfig, c.KeepAlive)
	case c.Lifetime < 0:
		return fmt.Errorf("%w: negative lifetime %s", ErrInvalidConfig, c.Lifetime)
	case c.StatusCode != 0 && (c.StatusCode < 100 || c.StatusCode > 999):
		return fmt.Errorf("%w: status code %d", ErrInvalidConfig, c.StatusCode)
	}
	return nil
}

func (c *Config) statusCode() int {
	if c.StatusCode == 0 {
		return http.StatusOK
	}
	return c.StatusCode
}

func (c *Config) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}
