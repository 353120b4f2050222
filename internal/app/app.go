// Package app holds the process plumbing both agents share: logger, tracer,
// ops server, signal handling and exit codes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aanthord/ingest-amqp/internal/config"
	"github.com/aanthord/ingest-amqp/internal/handlers"
	"github.com/aanthord/ingest-amqp/internal/tracing"
	"github.com/aanthord/ingest-amqp/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serverShutdownTimeout = 5 * time.Second

// PortDisabled as HTTP_PORT or -port turns the ops server off.
const PortDisabled = "off"

// Agent is a producer or consumer: a loop that runs until its context ends
// and reports its readiness to the ops server.
type Agent interface {
	Run(ctx context.Context) error
	Ready() bool
	Status() string
}

// BuildFunc wires an agent from configuration. The returned cleanup runs
// after the agent has stopped.
type BuildFunc func(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (Agent, func(), error)

// Main loads configuration, builds the agent and runs it. It returns the
// process exit code. defaultPort is the ops port used when neither HTTP_PORT
// nor the build function picked one.
func Main(service, defaultPort string, build BuildFunc) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, err := NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync()
	logger = logger.With("service", service)

	_, closer, err := tracing.InitJaeger(service, cfg.Tracing.Enabled, cfg.Tracing.AgentHost, cfg.Tracing.AgentPort)
	if err != nil {
		logger.Errorw("Failed to initialize tracer", "error", err)
		return 1
	}
	defer closer.Close()

	ctx := context.Background()
	agent, cleanup, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Errorw("Failed to start", "error", err)
		return ExitCode(err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	return Run(ctx, agent, OpsPort(cfg.Ops.Port, defaultPort), logger)
}

// OpsPort resolves the configured ops port against the binary's default. The
// result is empty when the server is disabled.
func OpsPort(configured, defaultPort string) string {
	switch configured {
	case "":
		return defaultPort
	case PortDisabled:
		return ""
	default:
		return configured
	}
}

// NewLogger builds a JSON production logger, or a console development logger
// when format is "console".
func NewLogger(cfg config.LogConfig) (*zap.SugaredLogger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Sugar(), nil
}

// Run drives agent and the ops server until SIGINT, SIGTERM, cancellation of
// ctx or the agent stopping on its own. An empty port disables the server. An
// ops server that cannot listen is logged; the agent keeps running without it.
func Run(ctx context.Context, agent Agent, port string, logger *zap.SugaredLogger) int {
	agentCtx, cancelAgent := context.WithCancel(ctx)
	defer cancelAgent()

	g, gctx := errgroup.WithContext(ctx)
	agentDone := make(chan struct{})

	var srv *http.Server
	if port != "" {
		srv = handlers.NewServer(port, handlers.NewRouter(agent, logger))
	}

	g.Go(func() error {
		defer close(agentDone)
		return agent.Run(agentCtx)
	})

	if srv != nil {
		g.Go(func() error {
			logger.Infow("Starting ops server", "port", port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorw("Ops server failed, continuing without it", "port", port, "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigint)

		select {
		case sig := <-sigint:
			logger.Infow("Received signal, shutting down...", "signal", sig.String())
		case <-gctx.Done():
		case <-agentDone:
		}
		cancelAgent()

		if srv == nil {
			return nil
		}
		<-agentDone
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("Ops server forced to shutdown", "error", err)
		}
		return nil
	})

	err := g.Wait()
	code := ExitCode(err)
	switch {
	case err == nil:
		logger.Info("Shutdown complete")
	case code == 0:
		logger.Warnw("Shutdown completed with errors", "error", err)
	default:
		logger.Errorw("Exiting with failure", "error", err)
	}
	return code
}

// ExitCode maps an agent's final error to a process status. Errors while
// closing broker resources do not fail the process.
func ExitCode(err error) int {
	if err == nil || types.IsKind(err, types.KindShutdown) {
		return 0
	}
	return 1
}
