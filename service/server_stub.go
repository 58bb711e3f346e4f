//go:build !linux

package service

import (
	"context"
	"net/netip"

	"github.com/database64128/tsrelay-go/internal/metrics"
	"github.com/database64128/tsrelay-go/producer"
	"github.com/database64128/tsrelay-go/tslog"
)

type server struct {
	ctrl *controller
}

func newServer(_ context.Context, _ Config, _ *tslog.Logger, _ *metrics.Metrics) (*Server, error) {
	return nil, ErrPlatformUnsupported
}

func (*server) run(_ context.Context, _ producer.Upstream) error {
	panic(ErrPlatformUnsupported)
}

func (*server) addrs() (netip.AddrPort, netip.AddrPort) {
	panic(ErrPlatformUnsupported)
}

func (*server) close() error {
	return nil
}
