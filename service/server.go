// Package service provides the relay server: the event loop that reads the producer's
// output and broadcasts it to raw TCP and HTTP consumers.
package service

import (
	"context"
	"errors"
	"net/netip"

	"github.com/database64128/tsrelay-go/internal/metrics"
	"github.com/database64128/tsrelay-go/producer"
	"github.com/database64128/tsrelay-go/tslog"
)

// PlatformUnsupportedError is returned when the platform is not supported by the relay server.
type PlatformUnsupportedError struct{}

func (PlatformUnsupportedError) Error() string {
	return "relay server is only supported on Linux"
}

func (PlatformUnsupportedError) Is(target error) bool {
	return target == errors.ErrUnsupported
}

var ErrPlatformUnsupported = PlatformUnsupportedError{}

// ErrListen is returned by [New] when an endpoint cannot be set up.
var ErrListen = errors.New("failed to listen")

// Server relays an upstream byte stream to consumers.
//
// [Server.Run] must be called at most once. [Server.Drain], [Server.Stop], [Server.State]
// and [Server.Done] are safe for concurrent use.
type Server struct {
	server
}

// New validates cfg and binds every endpoint. No goroutines are started and no
// consumers are accepted until [Server.Run] is called.
//
// m may be nil to disable metrics.
func New(ctx context.Context, cfg Config, logger *tslog.Logger, m *metrics.Metrics) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newServer(ctx, cfg, logger, m)
}

// Run relays up until the server stops. It returns nil on an orderly shutdown,
// or the error that terminated the event loop.
//
// Canceling ctx starts draining. The server stops when up exits.
func (s *Server) Run(ctx context.Context, up producer.Upstream) error {
	return s.run(ctx, up)
}

// Drain stops accepting consumers and reading the stream, and lets existing consumers
// flush what is already queued before the server stops.
func (s *Server) Drain() {
	s.ctrl.drain()
}

// Stop stops the server without waiting for consumers to drain.
func (s *Server) Stop() {
	s.ctrl.stop()
}

// State returns the most advanced state requested so far.
func (s *Server) State() State {
	return s.ctrl.requested()
}

// Done returns a channel that is closed after [Server.Run] has returned.
func (s *Server) Done() <-chan struct{} {
	return s.ctrl.done()
}

// Addrs returns the bound addresses of the raw TCP endpoint and the HTTP endpoint.
// The HTTP address is the zero value if the endpoint is disabled.
func (s *Server) Addrs() (raw, http netip.AddrPort) {
	return s.addrs()
}

// Close releases the endpoints of a server whose [Server.Run] has not been called.
// It is a no-op after Run has returned.
func (s *Server) Close() error {
	return s.close()
}
