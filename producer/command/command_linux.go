package command

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/database64128/tsrelay-go/tslog"
	"golang.org/x/sys/unix"
)

func (cfg *Config) start(logger *tslog.Logger) (*Process, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipe, os.NewSyscallError("pipe2", err))
	}
	rfd, wfd := fds[0], fds[1]

	if err := unix.SetNonblock(rfd, true); err != nil {
		_ = unix.Close(rfd)
		_ = unix.Close(wfd)
		return nil, fmt.Errorf("%w: %w", ErrPipe, os.NewSyscallError("fcntl", err))
	}

	// The write end stays in blocking mode: the program writes with backpressure.
	w := os.NewFile(uintptr(wfd), "producer-stdout")

	cmd := exec.Command(cfg.Name, cfg.Args...)
	cmd.Stdout = w

	stderr := cfg.openStderrLog(logger)
	if stderr != nil {
		cmd.Stderr = stderr
	}

	err := cmd.Start()

	// The parent's copy of the write end must be closed for EOF to be observed.
	_ = w.Close()

	if err != nil {
		_ = unix.Close(rfd)
		if stderr != nil {
			_ = stderr.Close()
		}
		return nil, fmt.Errorf("%w %q: %w", ErrSpawn, cfg.Name, err)
	}

	if stderr != nil {
		if _, err := fmt.Fprintf(stderr, "[%d -> %d] %s\n", os.Getpid(), cmd.Process.Pid, strings.Join(cmd.Args, " ")); err != nil {
			logger.Warn("Failed to write producer log banner", slog.String("path", cfg.StderrLog), tslog.Err(err))
		}
	}

	p := &Process{
		logger: logger,
		cmd:    cmd,
		stdout: rfd,
		exited: make(chan struct{}),
	}

	logger.Info("Started producer",
		slog.String("name", cfg.Name),
		slog.Any("args", cfg.Args),
		tslog.Int("pid", cmd.Process.Pid),
	)

	go p.wait(stderr)

	return p, nil
}

// openStderrLog opens the stderr log file for appending.
// It returns nil if no log file is configured or it cannot be opened.
func (cfg *Config) openStderrLog(logger *tslog.Logger) *os.File {
	if cfg.StderrLog == "" {
		return nil
	}
	f, err := os.OpenFile(cfg.StderrLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		logger.Warn("Failed to open producer stderr log, discarding stderr",
			slog.String("path", cfg.StderrLog),
			tslog.Err(err),
		)
		return nil
	}
	return f
}

func (p *Process) wait(stderr *os.File) {
	p.waitErr = p.cmd.Wait()
	if stderr != nil {
		_ = stderr.Close()
	}
	p.logExit()
	close(p.exited)
}

func (p *Process) logExit() {
	pid := tslog.Int("pid", p.cmd.Process.Pid)
	state := p.cmd.ProcessState
	if state == nil {
		p.logger.Error("Failed to wait for producer", pid, tslog.Err(p.waitErr))
		return
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		p.logger.Info("Producer terminated by signal", pid, slog.String("signal", ws.Signal().String()))
		return
	}

	code := state.ExitCode()
	if code == 0 {
		p.logger.Info("Producer exited", pid, tslog.Int("code", code))
		return
	}
	p.logger.Warn("Producer exited with non-zero status", pid, tslog.Int("code", code))
}

// Close releases the read end of the output pipe. It does not stop the program.
func (p *Process) Close() error {
	if p.stdout < 0 {
		return nil
	}
	fd := p.stdout
	p.stdout = -1
	if err := unix.Close(fd); err != nil && !errors.Is(err, unix.EBADF) {
		return os.NewSyscallError("close", err)
	}
	return nil
}
