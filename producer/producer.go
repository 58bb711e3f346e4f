// Package producer defines the upstream side of the relay: a source of bytes
// whose lifetime is bounded by an external process.
package producer

// Upstream is a running producer whose output the relay broadcasts.
type Upstream interface {
	// Stdout returns the read end of the producer's output pipe.
	// The descriptor is in non-blocking mode and remains owned by the producer.
	Stdout() int

	// Exited returns a channel that is closed once the producer has terminated
	// and its exit status has been collected.
	Exited() <-chan struct{}
}
