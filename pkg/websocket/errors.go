package websocket

import "fmt"

// Error is a protocol violation bound to a wire-level code: an RFC 6455
// close code (>= 1000), or an HTTP status code when raised during the
// opening handshake. The connection's readable callback echoes it on
// the wire (as a Close frame or an HTTP status line) before teardown.
type Error struct {
	Code   int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("websocket: %s (code %d)", e.Reason, e.Code)
}

func closeError(status StatusCode, reason string) *Error {
	return &Error{Code: int(status), Reason: reason}
}

func httpError(status int, reason string) *Error {
	return &Error{Code: status, Reason: reason}
}
