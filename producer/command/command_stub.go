//go:build !linux

package command

import "github.com/database64128/tsrelay-go/tslog"

func (*Config) start(_ *tslog.Logger) (*Process, error) {
	return nil, ErrPlatformUnsupported
}

// Close is a no-op on unsupported platforms.
func (*Process) Close() error {
	return nil
}
