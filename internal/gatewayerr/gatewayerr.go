// Package gatewayerr classifies gateway and worker errors as
// sentinel errors checkable with errors.Is, so callers can decide whether to
// retry, close a session with a specific WebSocket code, or quarantine a
// room without string-matching error messages.
package gatewayerr

import "errors"

var (
	// ErrTransient covers Redis timeouts, storage 5xx responses, and socket
	// resets. The worker's claim loop retries a transient claim failure
	// immediately, with no backoff; the gateway closes a session whose
	// subscribe fails with it using code 1011.
	ErrTransient = errors.New("gatewayerr: transient infrastructure error")

	// ErrProtocolViolation covers unparseable frames and oversize messages:
	// the session is closed with WebSocket code 1003.
	ErrProtocolViolation = errors.New("gatewayerr: protocol violation")

	// ErrAuthFailed covers a rejected or missing auth token: the session is
	// closed with WebSocket code 4001.
	ErrAuthFailed = errors.New("gatewayerr: auth failure")

	// ErrDataInvariant covers a snapshot that is present in storage but
	// fails to parse: the worker quarantines the room rather than
	// deleting references.
	ErrDataInvariant = errors.New("gatewayerr: data invariant violation")
)

// Wrap attaches one of the sentinel errors above to cause, so the original
// error text is preserved while still being classifiable with errors.Is.
func Wrap(sentinel, cause error) error {
	if cause == nil {
		return nil
	}
	return &classified{sentinel: sentinel, cause: cause}
}

type classified struct {
	sentinel error
	cause    error
}

func (c *classified) Error() string { return c.cause.Error() }
func (c *classified) Unwrap() error { return c.cause }
func (c *classified) Is(target error) bool {
	return target == c.sentinel
}
