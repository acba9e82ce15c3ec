package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-lifecycle/internal/config"
	"github.com/example/ride-lifecycle/internal/docstore"
	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/infra"
	"github.com/example/ride-lifecycle/internal/ingest"
	"github.com/example/ride-lifecycle/internal/location"
	"github.com/example/ride-lifecycle/internal/logging"
	"github.com/example/ride-lifecycle/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_errors_total",
		Help: "Total document store write errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors, storeErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	// allow overriding the metrics address for local runs
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger("location-consumer", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	store, err := openStore(ctx, cfg.DocStore, logger)
	if err != nil {
		logger.Error("open document store", "error", err)
		os.Exit(1)
	}
	sink := location.NewStoreSink(store)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
		_ = store.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()
		handleMessage(ctx, logger, m, sink, radapter, cfg.RedisGeoKey)
	}
}

// handleMessage applies one location to the document store and the Redis
// index. Failures are counted and logged; the offset still advances.
func handleMessage(ctx context.Context, logger *slog.Logger, m kafka.Message, sink location.Sink, rc RedisUpdater, geoKey string) {
	loc, err := ingest.DecodeLocation(m)
	if err != nil {
		msgsInvalid.Inc()
		logger.Warn("invalid message", "offset", m.Offset, "error", err)
		return
	}
	if err := sink.Write(ctx, loc); err != nil {
		storeErrors.Inc()
		logger.Error("store location failed", "driver_id", loc.DriverID, "error", err)
	}
	// Try updating Redis with retries and small backoff
	if err := updateRedisWithRetry(ctx, rc, geoKey, loc, 3, 200*time.Millisecond); err != nil {
		redisErrors.Inc()
		logger.Error("redis update failed", "driver_id", loc.DriverID, "error", err)
		return
	}
	redisUpdates.Inc()
}

func openStore(ctx context.Context, c config.DocStoreConfig, logger *slog.Logger) (docstore.Store, error) {
	switch c.Backend {
	case "mongo":
		client, err := docstore.NewMongoClient(ctx, c.MongoURI, c.MongoUser, c.MongoPassword)
		if err != nil {
			return nil, err
		}
		return docstore.NewMongo(client, c.MongoDatabase, logger), nil
	case "firestore":
		app, err := infra.NewFirebaseApp(ctx, c.FirebaseProjectID, c.FirebaseCredentials)
		if err != nil {
			return nil, err
		}
		fc, err := infra.NewFirestore(ctx, app)
		if err != nil {
			return nil, err
		}
		return docstore.NewFirestore(fc, logger), nil
	default:
		logger.Warn("using in-memory document store; only the redis index is durable")
		return docstore.NewMemory(), nil
	}
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	ZRem(ctx context.Context, key string, member string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

func (r *redisAdapter) ZRem(ctx context.Context, key string, member string) error {
	return r.c.ZRem(ctx, key, member).Err()
}

var errNoAttempts = errors.New("no attempts made")

// updateRedisWithRetry updates redis using the RedisUpdater interface with
// retry/backoff. Offline drivers are removed from the geo set; their metadata
// hash is still refreshed so readers see online=false.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, loc models.DriverLocation, attempts int, delay time.Duration) error {
	err := errNoAttempts
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if loc.IsOnline {
			err = rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: loc.Longitude, Latitude: loc.Latitude, Name: loc.DriverID})
		} else {
			err = rc.ZRem(ctx, geoKey, loc.DriverID)
		}
		if err != nil {
			continue
		}
		if err = rc.HSet(ctx, geo.MetaKey(loc.DriverID), geo.MetaFields(loc)); err != nil {
			continue
		}
		return nil
	}
	return err
}
