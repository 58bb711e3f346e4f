package service

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestControllerTransitions(t *testing.T) {
	var wakes atomic.Int32
	c := newController(func() { wakes.Add(1) })

	assert.Equal(t, StateRunning, c.requested())

	c.drain()
	assert.Equal(t, StateDraining, c.requested())
	assert.Equal(t, int32(1), wakes.Load())

	c.drain()
	assert.Equal(t, StateDraining, c.requested())

	c.stop()
	assert.Equal(t, StateStopped, c.requested())

	c.drain()
	assert.Equal(t, StateStopped, c.requested(), "transitions must not go backwards")
	assert.Equal(t, int32(4), wakes.Load())

	select {
	case <-c.done():
		t.Fatal("done before the loop returned")
	default:
	}
	c.stopped()
	<-c.done()
}

func TestControllerStopFromRunning(t *testing.T) {
	c := newController(func() {})
	c.stop()
	assert.Equal(t, StateStopped, c.requested())
}

func TestControllerConcurrentRequests(t *testing.T) {
	c := newController(func() {})
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				c.drain()
			} else {
				c.stop()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, StateStopped, c.requested())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}
