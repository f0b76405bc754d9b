// Command agentcored is the process entry point for the task execution
// core: it loads configuration, wires the State Store, Metrics, Tool
// Invoker provider and Task Manager, then serves the HTTP/SSE and
// WebSocket RPC surface until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/internal/config"
	"github.com/lybic/agentcore/internal/gateway"
	"github.com/lybic/agentcore/internal/metrics"
	"github.com/lybic/agentcore/internal/mockprovider"
	"github.com/lybic/agentcore/internal/store"
	"github.com/lybic/agentcore/internal/taskmanager"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentcored:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// sdkmetric.NewMeterProvider with no registered reader is the cheapest
	// real Meter implementation; New() swaps in its own no-op provider
	// entirely when cfg.EnableMetrics is false.
	provider := sdkmetric.NewMeterProvider()
	defer provider.Shutdown(context.Background())
	m := metrics.New(provider.Meter("agentcore"), cfg.EnableMetrics)

	st, err := newStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initializing state store: %w", err)
	}
	defer st.Close()

	if sqlStore, ok := st.(*store.SQLStore); ok {
		n, err := sqlStore.ReconcileOnStartup(ctx)
		if err != nil {
			log.Warn("reconcile on startup failed: " + err.Error())
		} else if n > 0 {
			log.Info(fmt.Sprintf("reconciled %d orphaned tasks to failed on startup", n))
		}
	}

	mgr := taskmanager.New(st, mockprovider.New(), m, log, taskmanager.Options{
		LogDir:          cfg.LogDir,
		MaxConcurrent:   int64(cfg.TaskMaxTasks),
		ToolTimeout:     cfg.ToolTimeout,
		BackendTimeout:  cfg.BackendTimeout,
		EventBusLinger:  cfg.EventBusLinger,
		EventBufferSize: cfg.EventBufferSize,
		EventReplayLen:  cfg.EventReplayLen,
		ReflectorPeriod: cfg.ReflectorK,
		NATSURL:         cfg.NATSURL,
	})
	defer mgr.Close()

	start := time.Now()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SetUptime(time.Since(start).Seconds())
				m.SetUtilization(float64(mgr.ActiveCount()) / float64(cfg.TaskMaxTasks))
			}
		}
	}()

	srv := gateway.New(mgr, m, log, int64(cfg.TaskMaxTasks), gateway.BackendConfig{
		LogLevel: cfg.Logging.Level,
		Domain:   "gui-agent",
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(fmt.Sprintf("agentcored listening on :%d", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func newStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	switch cfg.TaskStorageBackend {
	case config.StorageSQL:
		return store.NewSQLStore(ctx, cfg.SQLConnectionString, log)
	default:
		return store.NewMemoryStore(), nil
	}
}
