package service

import (
	"strconv"

	"github.com/Jeffail/shutdown"
)

// State is the lifecycle state of a [Server].
//
// States only move forward: Running, then Draining, then Stopped.
type State uint8

const (
	// StateRunning means the server accepts consumers and relays the stream.
	StateRunning State = iota

	// StateDraining means the server no longer accepts consumers or reads the stream,
	// while existing consumers keep flushing their queues.
	StateDraining

	// StateStopped means every consumer has been closed and the event loop has returned or is returning.
	StateStopped
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// controller turns termination requests from any goroutine into state transitions
// that the event loop observes synchronously.
type controller struct {
	sig  *shutdown.Signaller
	wake func()
}

func newController(wake func()) *controller {
	return &controller{
		sig:  shutdown.NewSignaller(),
		wake: wake,
	}
}

// drain requests the Draining state.
func (c *controller) drain() {
	c.sig.TriggerSoftStop()
	c.wake()
}

// stop requests the Stopped state.
func (c *controller) stop() {
	c.sig.TriggerSoftStop()
	c.sig.TriggerHardStop()
	c.wake()
}

// requested returns the most advanced state requested so far.
func (c *controller) requested() State {
	select {
	case <-c.sig.HardStopChan():
		return StateStopped
	default:
	}
	select {
	case <-c.sig.SoftStopChan():
		return StateDraining
	default:
		return StateRunning
	}
}

// stopped marks the event loop as returned.
func (c *controller) stopped() {
	c.sig.TriggerHasStopped()
}

// done returns a channel that is closed once the event loop has returned.
func (c *controller) done() <-chan struct{} {
	return c.sig.HasStoppedChan()
}
