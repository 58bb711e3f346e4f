package consumer

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// ErrShutdown is the cause used when consumers are closed because the relay is stopping.
var ErrShutdown = errors.New("relay is shutting down")

// Cause is the reason a consumer was removed.
type Cause uint8

const (
	// CauseOther is any failure not covered by the other causes.
	CauseOther Cause = iota

	// CausePeerGone means the peer closed or reset the connection.
	CausePeerGone

	// CauseOverflow means the consumer fell too far behind and exceeded the high watermark.
	CauseOverflow

	// CauseShutdown means the relay is stopping.
	CauseShutdown
)

// String implements [fmt.Stringer].
func (c Cause) String() string {
	switch c {
	case CausePeerGone:
		return "peer_gone"
	case CauseOverflow:
		return "overflow"
	case CauseShutdown:
		return "shutdown"
	default:
		return "error"
	}
}

// Classify returns the removal cause for an error returned by a consumer operation.
func Classify(err error) Cause {
	switch {
	case errors.Is(err, ErrOverflow):
		return CauseOverflow
	case errors.Is(err, ErrShutdown):
		return CauseShutdown
	case errors.Is(err, io.EOF),
		errors.Is(err, unix.EPIPE),
		errors.Is(err, unix.ECONNRESET),
		errors.Is(err, unix.ENOTCONN),
		errors.Is(err, unix.ETIMEDOUT):
		return CausePeerGone
	default:
		return CauseOther
	}
}
