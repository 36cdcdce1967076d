// Command loomd runs the ledger node: the commit API, query surface,
// and tail stream over a SQLite or Postgres backing store.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/loom/pkg/api"
	"github.com/Mindburn-Labs/loom/pkg/commit"
	"github.com/Mindburn-Labs/loom/pkg/config"
	"github.com/Mindburn-Labs/loom/pkg/membrane"
	"github.com/Mindburn-Labs/loom/pkg/observability"
	"github.com/Mindburn-Labs/loom/pkg/store"
	"github.com/Mindburn-Labs/loom/pkg/tail"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("node exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var obs *observability.Provider
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		p, err := observability.New(ctx, obsCfg)
		if err != nil {
			return err
		}
		obs = p
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	bus := tail.NewBus(st)
	st.SetCommitHook(bus.Signal)

	policies, err := config.LoadPolicies(cfg.PolicyFile)
	if err != nil {
		return err
	}

	validator := membrane.NewValidator(membrane.NewThresholdVerifier())
	service := commit.NewService(st, validator, policies)

	server := api.NewServer(service, st, bus)
	if obs != nil {
		server.WithObservability(obs)
	}

	throttle := api.NewThrottle(cfg.RateRPS, cfg.RateBurst)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(throttle),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "port", cfg.Port, "database", redactDSN(cfg.DatabaseURL))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// redactDSN strips credentials from a connection string before logging.
func redactDSN(dsn string) string {
	if at := strings.Index(dsn, "@"); at >= 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 {
			return dsn[:scheme+3] + "***" + dsn[at:]
		}
	}
	return dsn
}
