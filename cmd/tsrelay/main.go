package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/database64128/tsrelay-go/internal/metrics"
	"github.com/database64128/tsrelay-go/producer/command"
	"github.com/database64128/tsrelay-go/service"
	"github.com/database64128/tsrelay-go/tslog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK      = 0
	exitStartup = 1
	exitUsage   = 2
	exitPipe    = 4
	exitSpawn   = 5
)

// exitError carries the process exit code of a failed run.
// The error has already been reported when it is returned.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		fmt.Fprintln(os.Stderr, cmd.UsageString())
		os.Exit(exitUsage)
	}
	os.Exit(exitOK)
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tsrelay [flags] -- COMMAND [ARGS...]",
		Short: "Relay the output of a command to raw TCP and HTTP clients",
		Long: `tsrelay runs COMMAND and broadcasts everything it writes to standard output,
in order, to every client connected to the raw TCP endpoint or the HTTP endpoint.
Clients only receive the bytes produced after they connected. Clients that fall too
far behind are disconnected instead of slowing down the producer or other clients.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				cmd.PrintErrln("Error:", err)
				return &exitError{code: exitUsage, err: err}
			}
			return run(cmd.Context(), cfg, args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	addFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config, argv []string) error {
	logger := tslog.New(cfg.LogLevel, cfg.LogNoColor, cfg.LogNoTime)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNewMetrics(reg)

	// Bind every endpoint before the producer starts, so a bind failure leaves nothing running.
	srv, err := service.New(ctx, cfg.Service, logger, m)
	if err != nil {
		logger.Error("Failed to start relay", tslog.Err(err))
		return &exitError{code: exitStartup, err: err}
	}

	if cfg.MetricsListen != "" {
		if err = metrics.Serve(ctx, cfg.MetricsListen, reg, logger); err != nil {
			logger.Error("Failed to serve metrics", slog.String("addr", cfg.MetricsListen), tslog.Err(err))
			_ = srv.Close()
			return &exitError{code: exitStartup, err: err}
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cmdCfg := command.Config{
		Name:      argv[0],
		Args:      argv[1:],
		StderrLog: cfg.StderrLog,
	}
	proc, err := cmdCfg.Start(logger)
	if err != nil {
		logger.Error("Failed to start producer", slog.String("name", cmdCfg.Name), tslog.Err(err))
		_ = srv.Close()
		code := exitStartup
		switch {
		case errors.Is(err, command.ErrPipe):
			code = exitPipe
		case errors.Is(err, command.ErrSpawn):
			code = exitSpawn
		}
		return &exitError{code: code, err: err}
	}

	go forwardSignals(sigCh, srv, proc, logger)

	runErr := srv.Run(ctx, proc)
	if runErr != nil {
		logger.Error("Relay failed", tslog.Err(runErr))
	}

	reapProducer(proc, cfg.KillTimeout, logger)

	if runErr != nil {
		return &exitError{code: exitStartup, err: runErr}
	}
	return nil
}

// forwardSignals forwards termination signals to the producer. The first signal drains
// the relay, and any further signal stops it right away.
func forwardSignals(sigCh <-chan os.Signal, srv *service.Server, proc *command.Process, logger *tslog.Logger) {
	var received int
	for {
		select {
		case sig := <-sigCh:
			received++
			logger.Info("Received signal", slog.String("signal", sig.String()), tslog.Int("count", received))
			if err := proc.Signal(sig); err != nil {
				logger.Warn("Failed to forward signal to producer", tslog.Int("pid", proc.Pid()), tslog.Err(err))
			}
			if received == 1 {
				srv.Drain()
			} else {
				srv.Stop()
			}
		case <-srv.Done():
			return
		}
	}
}

// reapProducer waits for the producer to exit after the relay stopped,
// terminating it if it keeps running.
func reapProducer(proc *command.Process, timeout time.Duration, logger *tslog.Logger) {
	select {
	case <-proc.Exited():
		return
	default:
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		logger.Warn("Failed to terminate producer", tslog.Int("pid", proc.Pid()), tslog.Err(err))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-proc.Exited():
	case <-timer.C:
		logger.Warn("Producer did not exit in time, killing", tslog.Int("pid", proc.Pid()), slog.Duration("timeout", timeout))
		if err := proc.Kill(); err != nil {
			logger.Error("Failed to kill producer", tslog.Int("pid", proc.Pid()), tslog.Err(err))
			return
		}
		<-proc.Exited()
	}
}
