// Command flowcore runs the workflow engine server: libSQL storage, the
// execution engine, the access-control evaluator, the timer service, and
// the JSON/SSE API on one listener.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/senthilnathang/flowcore/internal/acl"
	"github.com/senthilnathang/flowcore/internal/api"
	"github.com/senthilnathang/flowcore/internal/engine"
	"github.com/senthilnathang/flowcore/internal/events"
	"github.com/senthilnathang/flowcore/internal/expressions"
	"github.com/senthilnathang/flowcore/internal/logging"
	"github.com/senthilnathang/flowcore/internal/script"
	"github.com/senthilnathang/flowcore/internal/secrets"
	"github.com/senthilnathang/flowcore/internal/store"
	"github.com/senthilnathang/flowcore/internal/timers"
	"github.com/senthilnathang/flowcore/internal/vars"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowcore:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	eval, err := expressions.NewEvaluator(expressions.EvaluatorConfig{})
	if err != nil {
		return fmt.Errorf("build evaluator: %w", err)
	}
	scripts := script.NewExecutor(script.NewProcessRunner(0), 30*time.Second, logger)

	globals, err := buildGlobals(st, cfg.VaultKey)
	if err != nil {
		return err
	}

	eng, err := engine.NewEngine(st, eval, scripts, globals, logger, engine.EngineConfig{
		MaxConcurrentBranches: cfg.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer eng.Shutdown()

	hub := events.NewMemoryHub()
	eng.SetEventHub(hub)

	access := acl.NewEvaluator(st, eval, eng, logger)

	timerSvc := timers.NewService(st, eng, eng, logger, timers.Config{
		Interval: cfg.timerInterval(),
	})
	timerSvc.Start(ctx)
	defer timerSvc.Stop()

	server := api.NewServer(api.Deps{
		Store:  st,
		Engine: eng,
		ACL:    access,
		Hub:    hub,
		Logger: logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr, "db", cfg.DBPath)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// buildGlobals wires the encrypted global-variable store when a vault key
// is configured. Without one, globals live in memory only.
func buildGlobals(st store.Store, vaultKey string) (vars.GlobalStore, error) {
	if vaultKey == "" {
		return vars.NewMemoryGlobals(), nil
	}
	key, err := hex.DecodeString(vaultKey)
	if err != nil {
		return nil, fmt.Errorf("FLOWCORE_VAULT_KEY must be hex: %w", err)
	}
	vault, err := secrets.NewAESVault(st, secrets.VaultConfig{MasterKey: key})
	if err != nil {
		return nil, fmt.Errorf("build vault: %w", err)
	}
	return secrets.NewGlobals(vault), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
