package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/delivery-dispatch/internal/config"
	"github.com/example/delivery-dispatch/internal/events"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/jobs"
	"github.com/example/delivery-dispatch/internal/logging"
	"github.com/example/delivery-dispatch/internal/match"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/orchestrator"
	"github.com/example/delivery-dispatch/internal/storage"
)

var (
	eventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_events_consumed_total",
		Help: "Total input events consumed",
	})
	eventsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_events_invalid_total",
		Help: "Total malformed events received",
	})
	eventsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_events_failed_total",
		Help: "Total events whose handler returned an error",
	})
	locationsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_locations_consumed_total",
		Help: "Total driver location messages consumed",
	})
	locationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_errors_total",
		Help: "Total geo index update failures",
	})
)

func init() {
	prometheus.MustRegister(eventsConsumed, eventsInvalid, eventsFailed, locationsConsumed, locationErrors)
}

func main() {
	_ = godotenv.Load()

	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddr
	}
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
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
		logger.Warn("no REDIS_ADDR set, using in-memory driver index")
	}

	var orders storage.OrderStore
	var offers storage.OfferStore
	if cfg.PGDSN != "" {
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

	bus := events.NewKafkaPublisher(brokers, cfg.KafkaDispatchTopic)
	defer bus.Close()

	notifier := notify.NewPushNotifier(nil, cfg.PushEndpoint, cfg.PushKey, logger)
	orch := orchestrator.New(match.New(directory, policy), directory, orders, offers, bus, notifier, logger)
	orch.OfferTTL = cfg.OfferTTL

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := jobs.NewExpirySweeper(orch, cfg.SweepSpec, logger)
	if err := sweeper.Start(); err != nil {
		logger.Error("sweeper start failed", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	go consumeLocations(ctx, brokers, cfg, directory, logger)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers, Topic: cfg.KafkaOrderTopic, GroupID: cfg.KafkaGroup,
		MinBytes: 10e3, MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaOrderTopic, "brokers", brokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Error("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		eventsConsumed.Inc()

		if err := routeEvent(ctx, orch, directory, m.Value); err != nil {
			if errors.Is(err, errUnknownEvent) || errors.Is(err, models.ErrValidation) {
				eventsInvalid.Inc()
				logger.Warn("dropping event", "error", err)
				continue
			}
			eventsFailed.Inc()
			logger.Error("event handling failed", "error", err)
		}
	}
}

var errUnknownEvent = errors.New("unknown event")

// availabilitySetter is implemented by both directory flavors.
type availabilitySetter interface {
	SetAvailable(ctx context.Context, id string, available bool) error
}

// routeEvent dispatches one envelope to the matching orchestrator handler.
// At-least-once delivery means it may see the same envelope twice; every
// handler tolerates that.
func routeEvent(ctx context.Context, orch *orchestrator.Service, directory geo.Directory, raw []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errors.Join(errUnknownEvent, err)
	}
	switch env.Event {
	case events.OrderCreated:
		return orch.HandleOrderCreated(ctx, env.OrderID, env.ClientID)
	case events.OfferExpired:
		return orch.HandleOfferExpired(ctx, env.OfferID)
	case events.DriverUnavailable:
		if s, ok := directory.(availabilitySetter); ok {
			if err := s.SetAvailable(ctx, env.DriverID, false); err != nil && !errors.Is(err, models.ErrNotFound) {
				return err
			}
		}
		return orch.HandleDriverUnavailable(ctx, env.DriverID)
	default:
		return errUnknownEvent
	}
}

// driverUpserter is the subset of the directory the location loop needs.
type driverUpserter interface {
	Upsert(ctx context.Context, d models.Driver) error
}

// consumeLocations folds driver location updates into the geo index.
func consumeLocations(ctx context.Context, brokers []string, cfg config.ServerConfig, directory geo.Directory, logger *slog.Logger) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers, Topic: cfg.KafkaLocationTopic, GroupID: cfg.KafkaGroup + "-locations",
		MinBytes: 10e3, MaxBytes: 10e6,
	})
	defer r.Close()

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("location read error", "error", err)
			time.Sleep(time.Second)
			continue
		}
		locationsConsumed.Inc()

		var d models.Driver
		if err := json.Unmarshal(m.Value, &d); err != nil {
			logger.Error("invalid location message", "error", err)
			continue
		}
		if err := upsertWithRetry(ctx, directory, d, 3, 200*time.Millisecond); err != nil {
			locationErrors.Inc()
			logger.Error("geo update failed", "driver_id", d.ID, "error", err)
		}
	}
}

// upsertWithRetry retries transient geo index failures with backoff.
func upsertWithRetry(ctx context.Context, up driverUpserter, d models.Driver, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = up.Upsert(ctx, d); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
