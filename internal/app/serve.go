package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nuetzliches/mgmtagent/internal/agent"
	"github.com/nuetzliches/mgmtagent/internal/attach"
	"github.com/nuetzliches/mgmtagent/internal/config"
)

// serveCmd runs an agent in the foreground until it is stopped remotely or
// the process receives SIGINT/SIGTERM. With --attachable the process also
// answers "start <pid>" requests, each of which starts a further agent.
func serveCmd(args []string) int {
	return runServe(context.Background(), args, os.Stderr)
}

func runServe(parent context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	s := newSettings(fs)
	pidFile := fs.String("pid-file", "", "write process PID to file")
	logOutput := fs.String("log-output", "stderr", "log sink (stdout|stderr|file)")
	logPath := fs.String("log-path", "", "log file path when --log-output=file")
	attachable := fs.Bool("attachable", false, "accept attach requests from \"mgmtagent start\"")
	attachOnly := fs.Bool("attach-only", false, "wait for an attach request instead of starting an agent")
	attachDir := fs.String("attach-dir", attach.DefaultDir(), "attach handshake directory")
	reflection := fs.Bool("reflection", false, "register gRPC reflection")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "serve: unexpected positional arguments")
		return 2
	}

	cfg, err := s.load(config.System)
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}

	logger, logCloser, err := newLoggerToSink(cfg.LogLevel, *logOutput, *logPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(logger)

	releasePIDFile, err := claimPIDFile(*pidFile)
	if err != nil {
		logger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	if cfg.TracingEndpoint != "" {
		shutdownTracing, err := initTracing(parent, cfg.TracingEndpoint, func(err error) {
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled", slog.String("endpoint", cfg.TracingEndpoint))
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	agentOpts := []agent.Option{agent.WithLogger(logger), agent.WithReflection(*reflection)}

	attachErr := make(chan error, 1)
	if *attachable || *attachOnly {
		dir := strings.TrimSpace(*attachDir)
		go func() {
			attachErr <- attach.Listen(ctx, dir, agent.AttachHandler(agentOpts...), logger)
		}()
	}

	if *attachOnly {
		select {
		case <-ctx.Done():
		case err := <-attachErr:
			if err != nil {
				logger.Error("attach_listen_failed", slog.Any("err", err))
				return 1
			}
		}
		logger.Info("shutdown", slog.String("reason", "signal"))
		return 0
	}

	a, err := agent.Start(ctx, cfg, agentOpts...)
	if err != nil {
		logger.Error("agent_start_failed", slog.Any("err", err))
		return 1
	}
	fmt.Fprintf(stderr, "Agent listening at %s\n", a.Address())

	select {
	case <-a.Done():
		return 0
	case err := <-attachErr:
		if err != nil {
			logger.Error("attach_listen_failed", slog.Any("err", err))
		}
		_ = a.Stop()
		<-a.Done()
		return 1
	case <-ctx.Done():
		logger.Info("shutdown", slog.String("reason", "signal"))
		if err := a.Stop(); err != nil {
			logger.Warn("agent_stop_failed", slog.Any("err", err))
		}
		<-a.Done()
		return 0
	}
}
