// Command bot runs the trade-lifecycle engine: the dispatcher and
// reconciler loops, the optional trade-updates listener, and the
// optional status dashboard.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tradeflow/internal/broker"
	"tradeflow/internal/config"
	"tradeflow/internal/dashboard"
	"tradeflow/internal/engine"
	"tradeflow/internal/store"
	"tradeflow/internal/stream"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file (empty: environment variables only)")
	flag.Parse()

	// Best effort; deployments without a .env file are fine.
	_ = godotenv.Load()

	cfg, err := loadConfig(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg)
	logger.Info("trade lifecycle engine starting")

	st := store.NewRESTClient(cfg.Store.BaseURL, cfg.Store.APIKey)
	alpaca := broker.NewAlpacaClient(cfg.Broker.BaseURL, cfg.Broker.APIKey, cfg.Broker.APISecret)
	br := broker.NewCircuitBreakerBroker(alpaca, logger)

	dispatcher := engine.NewDispatcher(st, br, logger, cfg.Interval()).
		WithDispatchPause(cfg.DispatchPause()).
		WithMaxAttempts(cfg.Loop.MaxAttempts)
	reconciler := engine.NewReconciler(st, br, logger, cfg.Interval())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return reconciler.Run(ctx) })

	if cfg.Stream.Enabled {
		listener := stream.NewListener(
			cfg.Broker.BaseURL,
			cfg.Broker.APIKey,
			cfg.Broker.APISecret,
			reconciler.Applier(),
			logger,
		)
		g.Go(func() error { return listener.Run(ctx) })
	}

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			ListenAddr: cfg.Dashboard.ListenAddr,
			AuthToken:  cfg.Dashboard.AuthToken,
		}, st, logger)
		g.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("engine exited with error")
	}
	logger.Info("engine stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return config.Load("config.yaml")
	}
	return config.FromEnv()
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.Environment.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Environment.LogLevel))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
