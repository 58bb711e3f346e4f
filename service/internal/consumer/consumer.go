// Package consumer implements a downstream delivery target of the relay.
//
// A consumer owns a transport connection and a queue of bytes that have been
// broadcast to it but not yet written. It is not safe for concurrent use.
package consumer

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"

	"github.com/database64128/tsrelay-go/internal/httphelper"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// DefaultLowWatermark is the default low watermark of a consumer's queue.
	DefaultLowWatermark = 64 * 1024

	// DefaultHighWatermark is the default high watermark of a consumer's queue.
	DefaultHighWatermark = 2 * 1024 * 1024

	// maxWriteBuffers caps the number of slices passed to a single vectored write.
	maxWriteBuffers = 64
)

var (
	// ErrClosing is returned when appending to a consumer that is no longer active.
	ErrClosing = errors.New("consumer is closing")

	// ErrOverflow is returned when a consumer's queue exceeds the high watermark.
	ErrOverflow = errors.New("consumer queue exceeded high watermark")
)

// Conn is the transport connection of a consumer.
type Conn interface {
	// Fd returns the underlying file descriptor.
	Fd() int

	// WriteBuffers writes the buffers in order without blocking and returns the number of bytes written.
	WriteBuffers(bufs [][]byte) (int, error)

	// Read reads without blocking.
	Read(b []byte) (int, error)

	// Close releases the connection. Subsequent calls are no-ops.
	Close() error
}

// Kind is the delivery framing of a consumer.
type Kind uint8

const (
	// KindRaw is a plain stream socket receiving unframed bytes.
	KindRaw Kind = iota

	// KindHTTPChunked is an HTTP/1.1 response with a chunked body, one chunk per append.
	KindHTTPChunked

	// KindHTTPPlain is an HTTP/1.0 response whose body is delimited by connection close.
	KindHTTPPlain
)

// String implements [fmt.Stringer].
func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindHTTPChunked:
		return "http-chunked"
	case KindHTTPPlain:
		return "http"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// State is the lifecycle state of a consumer.
type State uint8

const (
	// StateActive means the consumer accepts and flushes data.
	StateActive State = iota

	// StateClosing means the consumer is scheduled for removal and accepts no more data.
	StateClosing

	// StateClosed means the transport connection has been released.
	StateClosed
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// FlushResult describes what is left after a flush.
type FlushResult uint8

const (
	// FlushDrained means the queue is empty.
	FlushDrained FlushResult = iota

	// FlushPending means the transport would block with bytes still queued.
	FlushPending
)

// Watermarks are the queue length thresholds of a consumer.
type Watermarks struct {
	// Low is the queue length above which a consumer is considered lagging.
	Low int

	// High is the queue length a consumer must not exceed while active.
	High int
}

// DefaultWatermarks returns the default watermarks.
func DefaultWatermarks() Watermarks {
	return Watermarks{
		Low:  DefaultLowWatermark,
		High: DefaultHighWatermark,
	}
}

// Consumer is one downstream delivery target.
type Consumer struct {
	id         uint32
	session    uuid.UUID
	conn       Conn
	kind       Kind
	peer       netip.AddrPort
	watermarks Watermarks

	queue    queue
	iov      [][]byte
	state    State
	lagging  bool
	watching bool
	written  uint64
}

// New creates a new active [*Consumer] that takes ownership of conn.
// The id must be unique among live consumers.
func New(id uint32, conn Conn, kind Kind, peer netip.AddrPort, watermarks Watermarks) *Consumer {
	return &Consumer{
		id:         id,
		session:    uuid.New(),
		conn:       conn,
		kind:       kind,
		peer:       peer,
		watermarks: watermarks,
	}
}

// ID returns the consumer's identity.
func (c *Consumer) ID() uint32 {
	return c.id
}

// Session returns the consumer's random session ID, for correlating log messages.
func (c *Consumer) Session() uuid.UUID {
	return c.session
}

// Fd returns the file descriptor of the consumer's connection.
func (c *Consumer) Fd() int {
	return c.conn.Fd()
}

// Kind returns the consumer's kind.
func (c *Consumer) Kind() Kind {
	return c.kind
}

// Peer returns the remote address of the consumer.
func (c *Consumer) Peer() netip.AddrPort {
	return c.peer
}

// State returns the consumer's state.
func (c *Consumer) State() State {
	return c.state
}

// Queued returns the number of bytes waiting to be written.
func (c *Consumer) Queued() int {
	return c.queue.Len()
}

// Written returns the number of bytes written to the connection so far.
func (c *Consumer) Written() uint64 {
	return c.written
}

// Lagging reports whether the queue has grown past the low watermark without draining since.
func (c *Consumer) Lagging() bool {
	return c.lagging
}

// Watching reports whether writable readiness is being watched for this consumer.
func (c *Consumer) Watching() bool {
	return c.watching
}

// SetWatching records whether writable readiness is being watched.
func (c *Consumer) SetWatching(watching bool) {
	c.watching = watching
}

// Preface queues bytes that precede the stream, such as HTTP response headers.
// It bypasses framing and the high watermark check.
func (c *Consumer) Preface(b []byte) {
	c.queue.push(b)
}

// Append queues a chunk of the stream, framed for the consumer's kind.
//
// When the queue already holds unsent bytes and the chunk would take it past the high watermark,
// the consumer transitions to [StateClosing] and [ErrOverflow] is returned without queuing anything.
// A chunk appended to an empty queue is always accepted, so a single large read does not disconnect
// a consumer that is keeping up; [Consumer.Flush] reports the overflow if it cannot be written out.
func (c *Consumer) Append(chunk []byte) error {
	if c.state != StateActive {
		return ErrClosing
	}
	if len(chunk) == 0 {
		return nil
	}

	framed := len(chunk)
	if c.kind == KindHTTPChunked {
		framed += httphelper.ChunkHeaderLen(len(chunk)) + len(httphelper.ChunkTrailer)
	}

	if c.queue.Len() > 0 && c.queue.Len()+framed > c.watermarks.High {
		c.state = StateClosing
		return ErrOverflow
	}

	if c.kind == KindHTTPChunked {
		c.queue.push(httphelper.AppendChunkHeader(nil, len(chunk)))
		c.queue.push(chunk)
		c.queue.push(httphelper.ChunkTrailer)
	} else {
		c.queue.push(chunk)
	}
	return nil
}

// Finish queues the end-of-stream marker for kinds that have one.
// It is only valid during shutdown, and moves the consumer to [StateClosing].
func (c *Consumer) Finish() {
	if c.state != StateActive {
		return
	}
	if c.kind == KindHTTPChunked {
		c.queue.push(httphelper.LastChunk)
	}
	c.state = StateClosing
}

// Flush writes as many queued bytes as the connection accepts without blocking.
//
// Would-block is not an error: the remaining bytes stay queued and [FlushPending] is returned.
// Any other write error is returned as is, wrapped with the consumer's context.
// If the queue is still above the high watermark afterwards, [ErrOverflow] is returned.
func (c *Consumer) Flush() (FlushResult, error) {
	if c.state == StateClosed {
		return FlushDrained, ErrClosing
	}

	for c.queue.Len() > 0 {
		c.iov = c.queue.buffers(c.iov, maxWriteBuffers)
		n, err := c.conn.WriteBuffers(c.iov)
		if n > 0 {
			c.queue.consume(n)
			c.written += uint64(n)
		}
		clear(c.iov)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return c.pending()
			default:
				return FlushPending, fmt.Errorf("failed to write to consumer: %w", err)
			}
		}
		if n == 0 {
			return c.pending()
		}
	}

	return FlushDrained, nil
}

func (c *Consumer) pending() (FlushResult, error) {
	if c.queue.Len() > c.watermarks.High {
		c.state = StateClosing
		return FlushPending, ErrOverflow
	}
	return FlushPending, nil
}

// UpdateLagging re-evaluates the lagging flag against the watermarks and reports whether it changed.
// A consumer starts lagging once its queue exceeds the low watermark, and stops lagging only after
// the queue has fully drained.
func (c *Consumer) UpdateLagging() (changed bool) {
	switch {
	case !c.lagging && c.queue.Len() > c.watermarks.Low:
		c.lagging = true
		return true
	case c.lagging && c.queue.Len() == 0:
		c.lagging = false
		return true
	default:
		return false
	}
}

// ReadDiscard reads and throws away inbound bytes until the connection would block.
// It returns [io.EOF] when the peer has shut down its side of the connection.
func (c *Consumer) ReadDiscard(scratch []byte) error {
	for {
		n, err := c.conn.Read(scratch)
		switch {
		case err == nil && n == 0:
			return io.EOF
		case err == nil:
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil
		default:
			return fmt.Errorf("failed to read from consumer: %w", err)
		}
	}
}

// MarkClosing moves an active consumer to [StateClosing].
func (c *Consumer) MarkClosing() {
	if c.state == StateActive {
		c.state = StateClosing
	}
}

// Close discards the queue and releases the connection.
// It returns the number of discarded bytes. Calling Close more than once is a no-op.
func (c *Consumer) Close() (discarded int, err error) {
	if c.state == StateClosed {
		return 0, nil
	}
	c.state = StateClosed
	discarded = c.queue.Len()
	c.queue.reset()
	c.lagging = false
	return discarded, c.conn.Close()
}
