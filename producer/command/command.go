// Package command runs an external program as the relay's producer,
// with its standard output connected to a non-blocking pipe.
package command

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/database64128/tsrelay-go/producer"
	"github.com/database64128/tsrelay-go/tslog"
)

// PlatformUnsupportedError is returned when the platform is not supported by the command producer.
type PlatformUnsupportedError struct{}

func (PlatformUnsupportedError) Error() string {
	return "command producer is only supported on Linux"
}

func (PlatformUnsupportedError) Is(target error) bool {
	return target == errors.ErrUnsupported
}

var ErrPlatformUnsupported = PlatformUnsupportedError{}

var (
	// ErrPipe is returned when the output pipe cannot be set up.
	ErrPipe = errors.New("failed to set up producer pipe")

	// ErrSpawn is returned when the producer process cannot be started.
	ErrSpawn = errors.New("failed to spawn producer process")
)

// Config contains configuration options for the command producer.
type Config struct {
	// Name is the program to run. It is looked up in PATH if it contains no path separators.
	Name string `json:"name"`

	// Args are the arguments passed to the program, not including the program name.
	Args []string `json:"args,omitzero"`

	// StderrLog is the path of a file the program's standard error is appended to.
	// If empty or if the file cannot be opened, standard error is discarded.
	StderrLog string `json:"stderr_log,omitzero"`
}

// Start starts the program described by the configuration.
//
// When [Config.StderrLog] is set, a "[ppid -> pid] argv" line is appended to the log
// after the program has started, since its pid is only known then. Anything the program
// writes to standard error right away may therefore precede that line in the log.
func (cfg *Config) Start(logger *tslog.Logger) (*Process, error) {
	if cfg.Name == "" {
		return nil, errors.New("command name is required")
	}
	return cfg.start(logger)
}

// Process is a running producer program.
//
// Process implements [producer.Upstream].
type Process struct {
	logger *tslog.Logger
	cmd    *exec.Cmd
	stdout int
	exited chan struct{}

	// waitErr is set before exited is closed.
	waitErr error
}

var _ producer.Upstream = (*Process)(nil)

// Stdout returns the read end of the program's standard output pipe.
//
// Stdout implements [producer.Upstream.Stdout].
func (p *Process) Stdout() int {
	return p.stdout
}

// Exited returns a channel that is closed after the program has terminated.
//
// Exited implements [producer.Upstream.Exited].
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Pid returns the program's process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Signal sends sig to the program. Signaling a program that has already exited is not an error.
func (p *Process) Signal(sig os.Signal) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Kill forcibly terminates the program.
func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

// Wait blocks until the program has terminated and returns the error from waiting on it,
// which is an [*exec.ExitError] if the program did not exit successfully.
func (p *Process) Wait() error {
	<-p.exited
	return p.waitErr
}

// ExitCode returns the program's exit code, or -1 if it is still running or was terminated by a signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.exited:
		return p.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}
