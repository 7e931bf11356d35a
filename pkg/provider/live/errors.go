package live

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by consumers of a Session that has already
// terminated.
var ErrSessionClosed = errors.New("live: session closed")

// ConnectionError reports a transport failure: the channel could not be
// opened, or it failed while open. It is fatal to the session.
type ConnectionError struct {
	// Transport is the name of the failing transport.
	Transport string

	// Op is the failed operation, e.g. "dial", "setup", "send", "read" or
	// "server".
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Transport == "" {
		return fmt.Sprintf("live: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("live: %s: %s: %v", e.Transport, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
