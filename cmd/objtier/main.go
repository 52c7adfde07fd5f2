package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gftdcojp/objtier/internal/config"
	"github.com/gftdcojp/objtier/internal/meta"
	"github.com/gftdcojp/objtier/internal/metrics"
	"github.com/gftdcojp/objtier/internal/serve"
	"github.com/gftdcojp/objtier/internal/tier"
	"github.com/gftdcojp/objtier/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	shutdownTimeout := flag.Duration("shutdown-timeout", time.Minute, "how long to wait for an in-flight pass on shutdown")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("objtier %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *shutdownTimeout, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, shutdownTimeout time.Duration, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.UsesNATS() {
		var err error
		nc, err = natsutil.Connect(cfg.NATS, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()

		js, err = natsutil.JetStream(nc, cfg.NATS)
		if err != nil {
			return err
		}
	}

	hot, err := openBackend(ctx, cfg.Hot, js, logger.Named("hot"))
	if err != nil {
		return fmt.Errorf("opening hot backend: %w", err)
	}
	cold, err := openBackend(ctx, cfg.Cold, js, logger.Named("cold"))
	if err != nil {
		hot.Close()
		return fmt.Errorf("opening cold backend: %w", err)
	}

	// A nil interface, not a nil *BoltStore, when the journal is off.
	var journal meta.Store
	if cfg.Journal.Enabled {
		bolt, err := meta.NewBoltStore(cfg.Journal, logger.Named("journal"))
		if err != nil {
			hot.Close()
			cold.Close()
			return fmt.Errorf("opening journal: %w", err)
		}
		defer bolt.Close()
		journal = bolt
	}

	if cfg.Tiering.StartupCheck {
		if err := checkBackends(ctx, map[string]tier.Backend{"hot": hot, "cold": cold}); err != nil {
			hot.Close()
			cold.Close()
			return err
		}
	}

	scheduler := tier.NewFixedDelayScheduler(logger.Named("scheduler"), cfg.Tiering.DrainOnShutdown)
	store, err := tier.New(tier.Config{
		Hot:           hot,
		Cold:          cold,
		Scheduler:     scheduler,
		AgeDays:       cfg.Tiering.AgeDays,
		ScanInterval:  cfg.Tiering.ScanInterval.Duration(),
		InitialDelay:  initialDelay(cfg.Tiering),
		ObjectTimeout: cfg.Tiering.ObjectTimeout.Duration(),
		Journal:       journal,
		Logger:        logger.Named("tier"),
	})
	if err != nil {
		scheduler.Shutdown(context.Background())
		hot.Close()
		cold.Close()
		return fmt.Errorf("creating tiered store: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, store, journal, logger.Named("api"))
		})
	}

	if cfg.API.NATSResponder.Enabled {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, store, logger.Named("nats-responder"))
		})
	}

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	if cfg.Observability.Health.Enabled {
		healthChecker := metrics.NewHealthChecker(nc, journal, pingers(map[string]tier.Backend{"hot": hot, "cold": cold}))
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	logger.Info("objtier started",
		zap.String("version", version),
		zap.String("hot", cfg.Hot.Type),
		zap.String("cold", cfg.Cold.Type),
		zap.Int("age_days", cfg.Tiering.AgeDays),
	)

	runErr := g.Wait()

	logger.Info("shutting down", zap.Bool("drain", cfg.Tiering.DrainOnShutdown))
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scheduler did not stop in time", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.Error("error closing backends", zap.Error(err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// initialDelay converts the configured delay for tier.Config. A configured
// zero starts the first pass at startup, which tier.Config spells as negative.
func initialDelay(cfg config.TieringConfig) time.Duration {
	if cfg.InitialDelay == 0 {
		return -1
	}
	return cfg.InitialDelay.Duration()
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
