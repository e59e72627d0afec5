// Package lumeerr defines the domain error kinds shared across adapters,
// the manager, and the REST handlers, so that callers can dispatch on
// error kind with errors.As rather than matching on message text.
package lumeerr

import "fmt"

// ConnectionFailure reports a failed upstream HTTP/SSE transport
// operation. The manager treats this as a trigger to reconnect with
// backoff rather than a fatal error.
type ConnectionFailure struct {
	UpstreamType string
	URL          string
	Cause        error
}

func (e *ConnectionFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to connect to %s at %s: %v", e.UpstreamType, e.URL, e.Cause)
	}
	return fmt.Sprintf("failed to connect to %s at %s", e.UpstreamType, e.URL)
}

func (e *ConnectionFailure) Unwrap() error { return e.Cause }

// SignalNotFound reports a single-item lookup that the upstream does not
// recognize. REST handlers map this to HTTP 404.
type SignalNotFound struct {
	ID string
}

func (e *SignalNotFound) Error() string {
	return fmt.Sprintf("Signal not found: %s", e.ID)
}

// MalformedEvent reports a live-event payload that could not be parsed or
// processed. It is logged and skipped; it never terminates the event
// stream.
type MalformedEvent struct {
	Adapter string
	Detail  string
	Cause   error
}

func (e *MalformedEvent) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] malformed event: %s: %v", e.Adapter, e.Detail, e.Cause)
	}
	return fmt.Sprintf("[%s] malformed event: %s", e.Adapter, e.Detail)
}

func (e *MalformedEvent) Unwrap() error { return e.Cause }

// ConfigError reports an invalid configuration discovered at bootstrap,
// before start_all runs: a duplicate adapter name, an unknown adapter
// type, or malformed YAML.
type ConfigError struct {
	Detail string
	Cause  error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("config error: %s: %v", e.Detail, e.Cause)
	}
	return fmt.Sprintf("config error: %s", e.Detail)
}

func (e *ConfigError) Unwrap() error { return e.Cause }
