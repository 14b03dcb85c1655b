package nsq

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConnectionClosed is returned for operations issued against a closed
	// or closing connection, and completes any command still pending when the
	// transport tears down.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrAuthRequired is returned when the server demands authorization but
	// no AuthSecret was configured.
	ErrAuthRequired = errors.New("auth required")

	// ErrAuthFailed is returned when the server rejects the configured
	// AuthSecret.
	ErrAuthFailed = errors.New("auth failed")

	// ErrNoConnections is returned by a Writer when every configured nsqd
	// failed in a single sweep.
	ErrNoConnections = errors.New("no connections available")

	// ErrAlreadyProcessed is returned by message ack operations after the
	// message has been finished or requeued.
	ErrAlreadyProcessed = errors.New("message already processed")

	// ErrMessageGone is returned by message ack operations after the owning
	// connection has been closed.
	ErrMessageGone = errors.New("message connection gone")

	// ErrMessageTimedOut is returned by message ack operations after the
	// server-side message timeout has elapsed (the server has already
	// requeued the message).
	ErrMessageTimedOut = errors.New("message timed out")

	ErrAlreadyConnected = errors.New("already connected")
	ErrStopped          = errors.New("stopped")
	ErrNotSubscribed    = errors.New("not subscribed")
	ErrOverMaxInFlight  = errors.New("over configured max-in-flight")
)

// ConnectionError wraps a transport level failure (dial, read, write) with
// the address it occurred against.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("[%s] connection error - %s", e.Addr, e.Err)
}

// ProtocolError is a malformed or oversized frame, an unknown frame type, or
// a server ERROR reply. For server replies Reason carries the error body
// verbatim (e.g. "E_BAD_TOPIC PUB failed").
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error - " + e.Reason
}

// Code returns the leading server error code, e.g. "E_BAD_TOPIC".
func (e *ProtocolError) Code() string {
	if i := strings.IndexByte(e.Reason, ' '); i != -1 {
		return e.Reason[:i]
	}
	return e.Reason
}

// IsFatal indicates whether the server error tears down the connection.
// Failed FIN/REQ/TOUCH replies reference a single message and leave the
// connection usable; everything else is fatal per the protocol spec.
func (e *ProtocolError) IsFatal() bool {
	switch e.Code() {
	case "E_FIN_FAILED", "E_REQ_FAILED", "E_TOUCH_FAILED":
		return false
	}
	return true
}

// LookupError is an nsqlookupd HTTP query failure (non-2xx, timeout or
// malformed body). It never poisons the caller's producer set.
type LookupError struct {
	Addr string
	Err  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("[%s] lookupd error - %s", e.Addr, e.Err)
}
