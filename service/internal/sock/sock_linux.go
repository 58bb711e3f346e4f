// Package sock provides non-blocking TCP listeners and connections on raw file descriptors,
// for use with a readiness-based event loop.
package sock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// DefaultBacklog is the listen backlog used when none is specified.
const DefaultBacklog = 20

var (
	// ErrWouldBlock is returned by [Listener.Accept] when no connection is pending.
	ErrWouldBlock = errors.New("operation would block")

	// ErrNoBindableAddress is returned by [Listen] when none of the resolved addresses could be bound.
	ErrNoBindableAddress = errors.New("cannot find any bindable host:port pair")
)

// Listener is a non-blocking TCP listening socket.
type Listener struct {
	fd   int
	addr netip.AddrPort
}

// Listen resolves host and port and listens on the first address that can be bound.
//
// An empty host listens on all interfaces, preferring a dual-stack IPv6 socket.
// port may be a number or a service name.
func Listen(ctx context.Context, host, port string, backlog int) (*Listener, error) {
	portNum, err := net.DefaultResolver.LookupPort(ctx, "tcp", port)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve port %q: %w", port, err)
	}

	var addrs []netip.Addr
	if host == "" {
		addrs = []netip.Addr{netip.IPv6Unspecified(), netip.IPv4Unspecified()}
	} else if addr, perr := netip.ParseAddr(host); perr == nil {
		addrs = []netip.Addr{addr}
	} else {
		addrs, err = net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve host %q: %w", host, err)
		}
	}

	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	var errs []error
	for _, addr := range addrs {
		ln, err := listenAddrPort(netip.AddrPortFrom(addr.Unmap(), uint16(portNum)), backlog)
		if err == nil {
			return ln, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrNoBindableAddress, errors.Join(errs...))
}

func listenAddrPort(addrPort netip.AddrPort, backlog int) (*Listener, error) {
	domain := unix.AF_INET
	if addrPort.Addr().Is6() {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}

	if err = setupListener(fd, addrPort, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to listen on %s: %w", addrPort, err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("getsockname", err)
	}

	return &Listener{
		fd:   fd,
		addr: addrPortFromSockaddr(sa),
	}, nil
}

func setupListener(fd int, addrPort netip.AddrPort, backlog int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return os.NewSyscallError("setsockopt(SO_REUSEADDR)", err)
	}

	// Accept IPv4 connections on the IPv6 wildcard socket as well.
	if addrPort.Addr().Is6() && addrPort.Addr().IsUnspecified() {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			return os.NewSyscallError("setsockopt(IPV6_V6ONLY)", err)
		}
	}

	if err := unix.Bind(fd, sockaddrFromAddrPort(addrPort)); err != nil {
		return os.NewSyscallError("bind", err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		return os.NewSyscallError("listen", err)
	}

	return nil
}

// Fd returns the listening socket's file descriptor.
func (l *Listener) Fd() int {
	return l.fd
}

// Addr returns the local address the listener is bound to.
func (l *Listener) Addr() netip.AddrPort {
	return l.addr
}

// Accept accepts a pending connection without blocking.
// It returns [ErrWouldBlock] if no connection is pending.
func (l *Listener) Accept() (*Conn, error) {
	for {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return nil, ErrWouldBlock
		default:
			return nil, os.NewSyscallError("accept4", err)
		}

		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			_ = unix.Close(fd)
			return nil, os.NewSyscallError("setsockopt(SO_KEEPALIVE)", err)
		}

		return &Conn{
			fd:   fd,
			peer: addrPortFromSockaddr(sa),
		}, nil
	}
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	fd := l.fd
	l.fd = -1
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	return os.NewSyscallError("close", unix.Close(fd))
}

// Conn is a non-blocking connected stream socket.
//
// Conn is not safe for concurrent use.
type Conn struct {
	fd   int
	peer netip.AddrPort
}

// NewConn wraps an already connected non-blocking stream socket.
func NewConn(fd int, peer netip.AddrPort) *Conn {
	return &Conn{fd: fd, peer: peer}
}

// Fd returns the socket's file descriptor, or -1 once closed.
func (c *Conn) Fd() int {
	return c.fd
}

// Peer returns the remote address.
func (c *Conn) Peer() netip.AddrPort {
	return c.peer
}

// WriteBuffers writes bufs with a single sendmsg(2) call.
// It never raises SIGPIPE and never blocks.
func (c *Conn) WriteBuffers(bufs [][]byte) (int, error) {
	n, err := unix.SendmsgBuffers(c.fd, bufs, nil, nil, unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT)
	if err != nil {
		return n, os.NewSyscallError("sendmsg", err)
	}
	return n, nil
}

// Write writes b with a single send call. See [Conn.WriteBuffers].
func (c *Conn) Write(b []byte) (int, error) {
	return c.WriteBuffers([][]byte{b})
}

// Read reads from the socket without blocking.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := unix.Read(c.fd, b)
	if err != nil {
		return 0, os.NewSyscallError("read", err)
	}
	return n, nil
}

// Close shuts down and closes the socket. The descriptor is released exactly once;
// subsequent calls are no-ops.
func (c *Conn) Close() error {
	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	return os.NewSyscallError("close", unix.Close(fd))
}

func sockaddrFromAddrPort(addrPort netip.AddrPort) unix.Sockaddr {
	if addrPort.Addr().Is4() {
		return &unix.SockaddrInet4{
			Port: int(addrPort.Port()),
			Addr: addrPort.Addr().As4(),
		}
	}
	sa := &unix.SockaddrInet6{
		Port: int(addrPort.Port()),
		Addr: addrPort.Addr().As16(),
	}
	if zone := addrPort.Addr().Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		} else if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
			sa.ZoneId = uint32(n)
		}
	}
	return sa
}

func addrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 {
			addr = addr.WithZone(strconv.FormatUint(uint64(sa.ZoneId), 10))
		}
		return netip.AddrPortFrom(addr.Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
