package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"forexpaper/config"
	"forexpaper/internal/adapters/logger"
	"forexpaper/internal/adapters/polygon"
	"forexpaper/internal/adapters/sqlite"
	"forexpaper/internal/app"
	"forexpaper/internal/domain"
	"forexpaper/internal/feed"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// feedObserver routes feed notifications into the structured log.
type feedObserver struct {
	logger *logger.StdLogger
}

func (o *feedObserver) OnAggregate(symbol string, bar domain.Candle) {
	o.logger.Debug(context.Background(), "Price update", map[string]interface{}{
		"symbol": symbol, "close": bar.Close, "bucket": bar.BucketStart.Format(time.RFC3339),
	})
}

func (o *feedObserver) OnError(err error) {
	o.logger.Warn(context.Background(), "Feed error", map[string]interface{}{"error": err.Error()})
}

func (o *feedObserver) OnStatusChange(state feed.State) {
	o.logger.Info(context.Background(), "Feed state changed", map[string]interface{}{"state": string(state)})
}

func (o *feedObserver) OnSubscriptionError(symbol string, err error) {
	o.logger.Warn(context.Background(), "Subscription failed", map[string]interface{}{
		"symbol": symbol, "error": err.Error(),
	})
}

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Price Source (REST Adapter)
	priceSource, err := polygon.New(polygon.Config{
		BaseURL:   cfg.RESTBaseURL,
		APIKey:    cfg.APIKey,
		Logger:    appLogger,
		Attempts:  cfg.FetchAttempts,
		BaseDelay: cfg.ReconnectBaseDelay,
		MaxDelay:  cfg.ReconnectMaxDelay,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize price source client")
		log.Fatalf("FATAL: Failed to initialize price source client: %v", err)
	}
	appLogger.Info(context.Background(), "Price source client initialized")

	// 5. Initialize Feed Controller (streaming + polling fallback)
	controller, err := feed.New(feed.Config{
		URL:                cfg.StreamURL,
		APIKey:             cfg.APIKey,
		Symbols:            cfg.Symbols,
		Timeframe:          cfg.Timeframe,
		Dialer:             feed.WSDialer{},
		Source:             priceSource,
		Logger:             appLogger,
		Observer:           &feedObserver{logger: appLogger},
		PushEnabled:        cfg.PushEnabled,
		KeepaliveInterval:  cfg.KeepaliveInterval,
		PollInterval:       cfg.PollInterval,
		ReconnectBaseDelay: cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.ReconnectMaxDelay,
		MaxFailures:        cfg.MaxFeedFailures,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize feed controller")
		log.Fatalf("FATAL: Failed to initialize feed controller: %v", err)
	}
	appLogger.Info(context.Background(), "Feed controller initialized")

	// 6. Initialize Trade Monitor
	monitor, err := app.NewMonitor(app.MonitorConfig{
		Logger:   appLogger,
		Trades:   repo,
		Prices:   priceSource,
		Interval: cfg.MonitorInterval,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trade monitor")
		log.Fatalf("FATAL: Failed to initialize trade monitor: %v", err)
	}
	appLogger.Info(context.Background(), "Trade monitor initialized")

	// 7. Optional metrics listener
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			appLogger.Info(context.Background(), "Metrics listener starting", map[string]interface{}{"addr": cfg.MetricsAddr})
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				appLogger.Error(context.Background(), err, "Metrics listener exited")
			}
		}()
	}

	// 8. Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controller.Start(ctx)
	defer controller.Stop()

	if err := monitor.Run(ctx); err != nil {
		appLogger.Error(context.Background(), err, "Trade monitor exited with error")
		log.Fatalf("FATAL: Trade monitor exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
