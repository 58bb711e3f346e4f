// Package reactor provides a single-threaded readiness event loop over epoll.
package reactor

import (
	"encoding/binary"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is the set of readiness conditions a registration watches for.
type Interest uint8

const (
	// Readable watches for the descriptor becoming readable.
	Readable Interest = 1 << iota

	// Writable watches for the descriptor becoming writable.
	Writable
)

// wakeToken identifies the internal wakeup eventfd.
const wakeToken = 0

// initialEvents is the initial capacity of the event buffer.
const initialEvents = 64

// maxEvents caps the growth of the event buffer.
const maxEvents = 4096

// ErrClosed is returned when using a closed reactor.
var ErrClosed = errors.New("reactor is closed")

// Event is a readiness notification for one registration.
type Event struct {
	// Fd is the registered descriptor.
	Fd int

	// Token is the token given at registration.
	Token uint32

	Readable bool
	Writable bool

	// Hangup is set when the peer hung up.
	Hangup bool

	// Error is set when the descriptor is in an error state.
	Error bool
}

// Reactor waits for readiness on registered descriptors.
//
// Registration and [Reactor.Wait] are not safe for concurrent use.
// [Reactor.Wake] may be called from any goroutine.
type Reactor struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
	ready  []Event
	closed atomic.Bool

	// wakeMu keeps wakefd open while Wake is writing to it.
	wakeMu sync.RWMutex
}

// New creates a new [*Reactor].
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	r := &Reactor{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, initialEvents),
	}

	if err = r.ctl(unix.EPOLL_CTL_ADD, wakefd, wakeToken, Readable); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}

	return r, nil
}

// Add registers fd with the given interest. The token is returned with every event
// for this registration. Token 0 is reserved.
func (r *Reactor) Add(fd int, token uint32, interest Interest) error {
	if token == wakeToken {
		return errors.New("reactor: token 0 is reserved")
	}
	return r.ctl(unix.EPOLL_CTL_ADD, fd, token, interest)
}

// Modify changes the interest of a registered fd.
func (r *Reactor) Modify(fd int, token uint32, interest Interest) error {
	return r.ctl(unix.EPOLL_CTL_MOD, fd, token, interest)
}

// Remove unregisters fd. Removing an fd that is not registered is not an error.
func (r *Reactor) Remove(fd int) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		if err == unix.ENOENT || err == unix.EBADF {
			return nil
		}
		return os.NewSyscallError("epoll_ctl(EPOLL_CTL_DEL)", err)
	}
	return nil
}

func (r *Reactor) ctl(op, fd int, token uint32, interest Interest) error {
	if r.closed.Load() {
		return ErrClosed
	}

	event := unix.EpollEvent{
		Events: unix.EPOLLRDHUP,
		Fd:     int32(fd),
		Pad:    int32(token),
	}
	if interest&Readable != 0 {
		event.Events |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		event.Events |= unix.EPOLLOUT
	}

	if err := unix.EpollCtl(r.epfd, op, fd, &event); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// Wait blocks until at least one registration is ready, the reactor is woken up,
// or timeout elapses. A negative timeout waits indefinitely.
//
// The returned slice is only valid until the next call to Wait.
// Wakeups are consumed internally and never reported as events.
func (r *Reactor) Wait(timeout time.Duration) ([]Event, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.EpollWait(r.epfd, r.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return r.ready[:0], nil
		}
		return nil, os.NewSyscallError("epoll_wait", err)
	}

	r.ready = r.ready[:0]
	for i := range n {
		ev := &r.events[i]
		token := uint32(ev.Pad)
		if token == wakeToken {
			r.drainWake()
			continue
		}
		r.ready = append(r.ready, Event{
			Fd:       int(ev.Fd),
			Token:    token,
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Hangup:   ev.Events&unix.EPOLLHUP != 0,
			Error:    ev.Events&unix.EPOLLERR != 0,
		})
	}

	if n == len(r.events) && len(r.events) < maxEvents {
		r.events = make([]unix.EpollEvent, len(r.events)*2)
	}

	return r.ready, nil
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakefd, buf[:]); err != unix.EINTR {
			return
		}
	}
}

// Wake interrupts a blocked or upcoming [Reactor.Wait]. It is safe for concurrent use.
func (r *Reactor) Wake() error {
	r.wakeMu.RLock()
	defer r.wakeMu.RUnlock()
	if r.closed.Load() {
		return ErrClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(r.wakefd, buf[:])
		switch err {
		case nil, unix.EAGAIN:
			// EAGAIN means the counter is saturated, so a wakeup is already pending.
			return nil
		case unix.EINTR:
			continue
		default:
			return os.NewSyscallError("write", err)
		}
	}
}

// Close releases the epoll instance and the wakeup eventfd.
// Registered descriptors are not closed.
func (r *Reactor) Close() error {
	r.wakeMu.Lock()
	defer r.wakeMu.Unlock()
	if r.closed.Swap(true) {
		return nil
	}
	return errors.Join(
		os.NewSyscallError("close", unix.Close(r.wakefd)),
		os.NewSyscallError("close", unix.Close(r.epfd)),
	)
}
