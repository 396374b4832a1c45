package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/delivery-dispatch/internal/config"
	"github.com/example/delivery-dispatch/internal/eta"
	"github.com/example/delivery-dispatch/internal/events"
	"github.com/example/delivery-dispatch/internal/geo"
	httpapi "github.com/example/delivery-dispatch/internal/http"
	"github.com/example/delivery-dispatch/internal/logging"
	"github.com/example/delivery-dispatch/internal/match"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/orchestrator"
	"github.com/example/delivery-dispatch/internal/payments"
	"github.com/example/delivery-dispatch/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Error("invalid match policy", "error", err)
		os.Exit(1)
	}

	var directory geo.Directory
	if cfg.RedisAddr != "" {
		directory = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		directory = geo.NewIndex()
	}

	var orders storage.OrderStore
	var offers storage.OfferStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		orders, offers = ps, ps
	} else {
		ms := storage.NewMemoryStore()
		orders, offers = ms, ms
		logger.Warn("no PG_DSN set, using in-memory stores")
	}

	var bus orchestrator.EventPublisher
	var locations *events.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaDispatchTopic)
		defer kp.Close()
		bus = kp
		locations = events.NewLocationPublisher(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer locations.Close()
	} else {
		bus = &events.LogPublisher{Logger: logger}
		logger.Warn("no KAFKA_BROKERS set, events are logged only")
	}

	wsreg := notify.NewWSRegistry()
	notifier := notify.NewPushNotifier(wsreg, cfg.PushEndpoint, cfg.PushKey, logger)

	matcher := match.New(directory, policy)
	orch := orchestrator.New(matcher, directory, orders, offers, bus, notifier, logger)
	orch.OfferTTL = cfg.OfferTTL
	if cfg.OSRMEndpoint != "" {
		orch.ETA = &eta.Estimator{Client: eta.NewOSRMClient(cfg.OSRMEndpoint), Cache: eta.NewCache(5 * time.Minute)}
	}
	if cfg.StripeAPIKey != "" && cfg.FeeCents > 0 {
		orch.Fees = payments.NewStripeFeeHolder(cfg.StripeAPIKey)
		orch.FeeCents = cfg.FeeCents
		orch.FeeCurrency = cfg.FeeCurrency
	}

	api := httpapi.NewServer(orch, directory, locations, wsreg, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("delivery-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_dispatch.sql")
}
