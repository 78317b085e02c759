package extractd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"validatorpass/observability"
	"validatorpass/observability/logging"
	telemetry "validatorpass/observability/otel"
	"validatorpass/services/extractd/accrual"
	"validatorpass/services/extractd/calldata"
	"validatorpass/services/extractd/chains"
	"validatorpass/services/extractd/models"
	"validatorpass/services/extractd/recon"
	"validatorpass/services/extractd/server"
	"validatorpass/services/extractd/store"
)

// Main initialises and runs the contribution extractor.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/extractd/config.yaml", "path to extractd configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("EXTRACTD_ENV"))
	logger, logCloser := logging.SetupWithFile("contribution-extractd", env, logging.FileSink{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("contribution-extractd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st := store.New(db)

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	recipients, err := cfg.RecipientAddresses()
	if err != nil {
		return err
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clients, err := dialChains(stopCtx, registry)
	if err != nil {
		return err
	}
	metrics := observability.Extractd()
	fetcher, err := chains.NewFetcher(registry, clients, chains.WithLogger(logger), chains.WithMetrics(metrics))
	if err != nil {
		for _, c := range clients {
			c.Close()
		}
		return err
	}
	defer fetcher.Close()

	checks := fetcher.VerifyDecimals(stopCtx)
	for _, check := range checks {
		if check.Confirmed() {
			logger.Info("token decimals confirmed", slog.String("chain", check.Chain), slog.Int("decimals", int(check.Configured)))
			continue
		}
		logger.Warn("token decimals unconfirmed", slog.String("chain", check.Chain), slog.String("detail", check.String()))
	}
	if cfg.StrictDecimals {
		if err := chains.UnconfirmedDecimals(checks); err != nil {
			return err
		}
	}

	reconciler, err := recon.NewReconciler(recon.Config{
		Store:      st,
		Source:     fetcher,
		Decoder:    calldata.Positional{},
		Recipients: recipients,
		Calculator: accrual.NewCalculator(cfg.Baseline(), time.Now),
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}
	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		Interval:   cfg.PollInterval.Duration,
		Logger:     logger,
	})

	api := server.New(server.Config{Store: st, BearerToken: cfg.Admin.BearerToken, Logger: logger})
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Start(stopCtx)
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("contribution-extractd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.Int("chains", registry.Len()),
			slog.Duration("poll_interval", cfg.PollInterval.Duration))
		errs <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-stopCtx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		if runErr == nil {
			runErr = err
		}
	}
	<-schedulerDone
	return runErr
}

func dialChains(ctx context.Context, registry *chains.Registry) (map[string]chains.Client, error) {
	clients := make(map[string]chains.Client, registry.Len())
	for _, chain := range registry.Chains() {
		dialCtx, cancel := context.WithTimeout(ctx, chain.LookupTimeout)
		client, err := chains.Dial(dialCtx, chain.RPCURL)
		cancel()
		if err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("dial %s: %w", chain.Name, err)
		}
		clients[chain.Name] = client
	}
	return clients, nil
}
