package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestReadableEvent(t *testing.T) {
	r := newReactor(t)
	a, b := socketpair(t)

	require.NoError(t, r.Add(a, 42, Readable))

	events, err := r.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	events, err = r.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, a, events[0].Fd)
	assert.Equal(t, uint32(42), events[0].Token)
	assert.True(t, events[0].Readable)
	assert.False(t, events[0].Writable)
}

func TestWritableInterest(t *testing.T) {
	r := newReactor(t)
	a, _ := socketpair(t)

	require.NoError(t, r.Add(a, 7, Readable))
	events, err := r.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, r.Modify(a, 7, Readable|Writable))
	events, err = r.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Writable)
	assert.Equal(t, uint32(7), events[0].Token)

	require.NoError(t, r.Modify(a, 7, Readable))
	events, err = r.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPeerClosed(t *testing.T) {
	r := newReactor(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])

	require.NoError(t, r.Add(fds[0], 1, Readable))
	require.NoError(t, unix.Close(fds[1]))

	events, err := r.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Readable)
	assert.True(t, events[0].Hangup)
}

func TestRemove(t *testing.T) {
	r := newReactor(t)
	a, b := socketpair(t)

	require.NoError(t, r.Add(a, 3, Readable))
	require.NoError(t, r.Remove(a))
	require.NoError(t, r.Remove(a))

	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)

	events, err := r.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReservedToken(t *testing.T) {
	r := newReactor(t)
	a, _ := socketpair(t)
	require.Error(t, r.Add(a, 0, Readable))
}

func TestWake(t *testing.T) {
	r := newReactor(t)

	done := make(chan []Event)
	go func() {
		events, err := r.Wait(-1)
		assert.NoError(t, err)
		done <- events
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Wake())
	require.NoError(t, r.Wake())

	select {
	case events := <-done:
		assert.Empty(t, events)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait was not woken up")
	}

	// The wakeup counter has been drained.
	events, err := r.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventBufferGrows(t *testing.T) {
	r := newReactor(t)

	const count = initialEvents + 8
	for i := range count {
		a, b := socketpair(t)
		require.NoError(t, r.Add(a, uint32(i+1), Readable))
		_, err := unix.Write(b, []byte("x"))
		require.NoError(t, err)
	}

	seen := make(map[uint32]bool)
	for range 3 {
		events, err := r.Wait(time.Second)
		require.NoError(t, err)
		for _, ev := range events {
			seen[ev.Token] = true
		}
	}
	assert.Len(t, seen, count)
	assert.Greater(t, len(r.events), initialEvents)
}

func TestClosed(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = r.Wait(0)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, r.Wake(), ErrClosed)
}
