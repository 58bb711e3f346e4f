// Package broadcaster fans out the upstream byte stream to consumers.
package broadcaster

import (
	"io"
	"log/slog"

	"github.com/database64128/tsrelay-go/internal/metrics"
	"github.com/database64128/tsrelay-go/service/internal/consumer"
	"github.com/database64128/tsrelay-go/service/internal/registry"
	"github.com/database64128/tsrelay-go/tslog"
)

// Watcher manages readiness interest in consumer connections.
type Watcher interface {
	// Watch starts watching the consumer's connection for readability,
	// and for writability if writable is true.
	Watch(c *consumer.Consumer, writable bool) error

	// SetWritable enables or disables writable readiness interest.
	SetWritable(c *consumer.Consumer, writable bool) error

	// Unwatch stops watching the consumer's connection.
	Unwatch(c *consumer.Consumer) error
}

// Broadcaster manages chunk broadcasting to consumers.
//
// It is not safe for concurrent use. The methods must not be called concurrently.
type Broadcaster struct {
	consumers *registry.Registry[*consumer.Consumer]
	watcher   Watcher
	logger    *tslog.Logger
	metrics   *metrics.Metrics
}

// New creates a new [Broadcaster].
func New(watcher Watcher, logger *tslog.Logger, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		consumers: registry.New[*consumer.Consumer](),
		watcher:   watcher,
		logger:    logger,
		metrics:   m,
	}
}

// Len returns the number of subscribed consumers.
func (b *Broadcaster) Len() int {
	return b.consumers.Len()
}

// Lookup returns the subscribed consumer with the given identity.
func (b *Broadcaster) Lookup(id uint32) (*consumer.Consumer, bool) {
	return b.consumers.Get(id)
}

// Pending returns the total number of bytes queued across all consumers.
func (b *Broadcaster) Pending() int {
	var n int
	for c := range b.consumers.All() {
		n += c.Queued()
	}
	return n
}

// Subscribe registers a new consumer. Bytes already queued on the consumer,
// such as response headers, are flushed right away.
//
// On error, the consumer has been closed.
func (b *Broadcaster) Subscribe(c *consumer.Consumer) error {
	if err := b.consumers.Add(c); err != nil {
		_, _ = c.Close()
		return err
	}

	writable := c.Queued() > 0
	if err := b.watcher.Watch(c, writable); err != nil {
		b.consumers.Remove(c.ID())
		_, _ = c.Close()
		return err
	}
	c.SetWatching(writable)

	b.metrics.ConsumerAdded(c.Kind().String())
	if b.logger.Enabled(slog.LevelInfo) {
		b.logger.Info("Consumer connected", consumerAttrs(c)...)
	}

	if writable {
		b.flush(c)
	}
	return nil
}

// Broadcast appends chunk to every consumer's queue in subscription order,
// and attempts a non-blocking flush on each.
//
// The chunk is shared by all consumers and must not be modified afterwards.
// Failing consumers are removed without affecting delivery to the others.
func (b *Broadcaster) Broadcast(chunk []byte) {
	for c := range b.consumers.All() {
		if err := c.Append(chunk); err != nil {
			b.Drop(c, err)
			continue
		}
		b.flush(c)
	}
}

// HandleWritable retries flushing a consumer whose connection became writable.
func (b *Broadcaster) HandleWritable(c *consumer.Consumer) {
	b.flush(c)
}

// HandleReadable discards inbound bytes from a consumer.
// The consumer is removed if the peer has closed its side of the connection.
func (b *Broadcaster) HandleReadable(c *consumer.Consumer, scratch []byte) {
	if err := c.ReadDiscard(scratch); err != nil {
		b.Drop(c, err)
	}
}

// HandleHangup removes a consumer whose connection was hung up or reported an error.
// A final flush surfaces the connection error if there is one.
func (b *Broadcaster) HandleHangup(c *consumer.Consumer) {
	if c.Queued() > 0 {
		if _, err := c.Flush(); err != nil {
			b.Drop(c, err)
			return
		}
	}
	b.Drop(c, io.EOF)
}

// FinishAll ends the stream for every consumer: the end-of-stream marker is queued,
// no more chunks are accepted, and each consumer is removed once its queue drains.
func (b *Broadcaster) FinishAll() {
	for c := range b.consumers.All() {
		c.Finish()
		b.flush(c)
	}
}

// CloseAll removes every consumer. If flush is true, one last non-blocking
// flush is attempted on each consumer before its connection is closed.
func (b *Broadcaster) CloseAll(flush bool) {
	for c := range b.consumers.All() {
		c.Finish()
		if flush {
			before := c.Written()
			_, _ = c.Flush()
			b.metrics.Delivered(c.Written() - before)
		}
		b.Drop(c, consumer.ErrShutdown)
	}
}

// Drop removes a consumer from the broadcast and releases its connection.
// err is the reason for the removal and decides the log level.
func (b *Broadcaster) Drop(c *consumer.Consumer, err error) {
	if c.State() == consumer.StateClosed {
		return
	}
	c.MarkClosing()
	b.consumers.Remove(c.ID())
	attrs := consumerAttrs(c)

	if uerr := b.watcher.Unwatch(c); uerr != nil {
		b.logger.Warn("Failed to unwatch consumer", append(attrs, tslog.Err(uerr))...)
	}
	if c.Lagging() {
		b.metrics.LaggingChanged(false)
	}

	queued := c.Queued()
	written := c.Written()
	discarded, cerr := c.Close()
	if cerr != nil {
		b.logger.Warn("Failed to close consumer connection", append(attrs, tslog.Err(cerr))...)
	}

	cause := consumer.Classify(err)
	b.metrics.ConsumerRemoved(c.Kind().String(), cause.String(), discarded)

	var (
		level slog.Level
		msg   string
	)
	switch cause {
	case consumer.CausePeerGone:
		level, msg = slog.LevelInfo, "Consumer disconnected"
	case consumer.CauseShutdown:
		level, msg = slog.LevelInfo, "Consumer closed"
	case consumer.CauseOverflow:
		level, msg = slog.LevelWarn, "Dropping slow consumer"
	default:
		level, msg = slog.LevelWarn, "Dropping failed consumer"
	}

	if b.logger.Enabled(level) {
		attrs = append(attrs,
			slog.String("cause", cause.String()),
			tslog.Bytes("queued", queued),
			tslog.Bytes("written", written),
		)
		if cause != consumer.CauseShutdown {
			attrs = append(attrs, tslog.Err(err))
		}
		b.logger.Log(level, msg, attrs...)
	}
}

// flush writes out a consumer's queue and keeps its writable interest in sync:
// watched while bytes remain, unwatched once drained.
func (b *Broadcaster) flush(c *consumer.Consumer) {
	before := c.Written()
	res, err := c.Flush()
	b.metrics.Delivered(c.Written() - before)
	if err != nil {
		b.Drop(c, err)
		return
	}

	if c.UpdateLagging() {
		lagging := c.Lagging()
		b.metrics.LaggingChanged(lagging)
		if b.logger.Enabled(slog.LevelDebug) {
			msg := "Consumer caught up"
			if lagging {
				msg = "Consumer lagging behind"
			}
			b.logger.Debug(msg, append(consumerAttrs(c), tslog.Bytes("queued", c.Queued()))...)
		}
	}

	if res == consumer.FlushDrained && c.State() == consumer.StateClosing {
		b.Drop(c, consumer.ErrShutdown)
		return
	}

	writable := res == consumer.FlushPending
	if writable == c.Watching() {
		return
	}
	if err := b.watcher.SetWritable(c, writable); err != nil {
		b.Drop(c, err)
		return
	}
	c.SetWatching(writable)
}

func consumerAttrs(c *consumer.Consumer) []slog.Attr {
	return []slog.Attr{
		slog.String("session", c.Session().String()),
		tslog.Uint("id", c.ID()),
		tslog.Int("fd", c.Fd()),
		tslog.AddrPort("peer", c.Peer()),
		slog.String("kind", c.Kind().String()),
	}
}
