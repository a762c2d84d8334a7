// Package errs defines the small closed set of error kinds the replicator
// distinguishes between. Components wrap underlying errors with these
// sentinels using fmt.Errorf("...: %w", err) so callers can branch on
// errors.Is rather than inspecting strings.
package errs

import "errors"

var (
	// ErrConfigInvalid marks a fatal configuration problem discovered at
	// startup. The only error kind that causes the process to exit.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrEngineUnavailable marks the entity-resolution engine as not
	// currently reachable. Retryable.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrNotFound marks an entity the engine no longer resolves.
	ErrNotFound = errors.New("entity not found")

	// ErrMartTransient marks a recoverable mart database error: lock
	// timeouts, serialization failures, connection hiccups. Retryable.
	ErrMartTransient = errors.New("mart transient error")

	// ErrMartFatal marks a schema or constraint violation against the
	// mart database. The triggering task is dropped, not retried.
	ErrMartFatal = errors.New("mart fatal error")

	// ErrMessageUnparseable marks an info message whose payload could not
	// be decoded.
	ErrMessageUnparseable = errors.New("message unparseable")

	// ErrLeaseLost marks a report-handler invocation whose lease expired
	// before it could commit. Not exceptional: callers check it with
	// errors.Is and re-queue.
	ErrLeaseLost = errors.New("lease lost")

	// ErrShutdown marks a blocking call that returned because the
	// component was asked to stop. Not a failure.
	ErrShutdown = errors.New("shutting down")
)
