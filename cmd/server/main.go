package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-lifecycle/internal/config"
	"github.com/example/ride-lifecycle/internal/dispatch"
	"github.com/example/ride-lifecycle/internal/docstore"
	"github.com/example/ride-lifecycle/internal/fleet"
	"github.com/example/ride-lifecycle/internal/geo"
	httpapi "github.com/example/ride-lifecycle/internal/http"
	"github.com/example/ride-lifecycle/internal/infra"
	"github.com/example/ride-lifecycle/internal/ingest"
	"github.com/example/ride-lifecycle/internal/kvcache"
	"github.com/example/ride-lifecycle/internal/location"
	"github.com/example/ride-lifecycle/internal/logging"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/payments"
	"github.com/example/ride-lifecycle/internal/places"
	"github.com/example/ride-lifecycle/internal/ride"
	"github.com/example/ride-lifecycle/internal/routing"
	"github.com/example/ride-lifecycle/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ride-server", cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// closers run in reverse order on shutdown.
type closers []func() error

func (c *closers) add(f func() error) { *c = append(*c, f) }

func (c closers) close(logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup closers
	defer cleanup.close(logger)

	var app *firebase.App
	if cfg.DocStore.FirebaseProjectID != "" {
		a, err := infra.NewFirebaseApp(ctx, cfg.DocStore.FirebaseProjectID, cfg.DocStore.FirebaseCredentials)
		if err != nil {
			return err
		}
		app = a
	}

	store, err := openDocStore(ctx, cfg.DocStore, app, logger)
	if err != nil {
		return err
	}
	cleanup.add(store.Close)

	var verifier infra.TokenVerifier = infra.StaticVerifier{}
	if !cfg.AuthDisabled {
		if verifier, err = infra.NewFirebaseVerifier(ctx, app); err != nil {
			return err
		}
	} else {
		logger.Warn("authentication disabled; bearer tokens are taken as uids")
	}

	var (
		cache kvcache.Cache = kvcache.NewMemory()
		index geo.Geo
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		cleanup.add(rc.Close)
		cache = kvcache.NewRedis(rc)
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
	}

	router, err := newRouter(cfg)
	if err != nil {
		return err
	}

	var geocoder location.Geocoder
	var searcher places.Searcher
	if cfg.GoogleMapsAPIKey != "" {
		g, err := location.NewGoogleGeocoder(cfg.GoogleMapsAPIKey)
		if err != nil {
			return err
		}
		geocoder = g
		svc, err := places.NewService(cfg.GoogleMapsAPIKey, cfg.PlacesRegion)
		if err != nil {
			return err
		}
		searcher = svc
	}

	// With Kafka the consumer is the only writer of driverLocations and the
	// Redis index; without it the reporter writes both directly.
	var sinks location.MultiSink
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup.add(kp.Close)
		sinks = append(sinks, kp)
	} else {
		sinks = append(sinks, location.NewStoreSink(store))
		if index != nil {
			sinks = append(sinks, location.GeoSink{Geo: index})
		}
	}
	fixes := location.NewPushProvider()

	gateway := payments.Gateway(payments.NewMemoryGateway())
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeClient(cfg.StripeAPIKey)
	} else {
		logger.Warn("STRIPE_API_KEY not set; payment holds are kept in memory")
	}
	settlement := payments.NewSettlement(gateway, logger)

	var archive storage.TripStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		cleanup.add(ps.Close)
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("ride archive migrated")
		}
		archive = ps
	}

	ws := dispatch.NewWSRegistry(logger)
	notifier := &dispatch.Notifier{WS: ws, Logger: logger}
	if app != nil {
		mc, err := infra.NewMessaging(ctx, app)
		if err != nil {
			return err
		}
		notifier.Push = &dispatch.FCMDispatcher{Client: mc, Store: store}
	}

	manager := ride.NewManager(
		ride.RiderConfig{Store: store, Cache: cache, Logger: logger},
		ride.DriverConfig{
			Store:   store,
			Gate:    &fleet.Gate{Store: store},
			Routing: router,
			Logger:  logger,
			NewReporter: func(driverID string) ride.Reporter {
				return &location.Reporter{
					DriverID:    driverID,
					Username:    driverUsername(store, driverID),
					Provider:    fixes.For(driverID),
					Geocoder:    geocoder,
					Sink:        sinks,
					Interval:    cfg.LocationInterval,
					MinDistance: cfg.LocationMinDistance,
					Logger:      logger,
				}
			},
		},
	)
	manager.OnTransition(notifier.TransitionHook())
	manager.OnTransition(settlement.Hook)
	manager.OnTransition(storage.ArchiveHook(archive, func(rideID string) (ride.RiderView, bool) {
		r, ok := manager.Ride(rideID)
		if !ok {
			return ride.RiderView{}, false
		}
		return r.View(), true
	}, logger))

	api := httpapi.NewServer(httpapi.Deps{
		Manager: manager,
		Quoter: &fleet.Quoter{
			Directory: &fleet.Directory{Store: store, Geo: index, RadiusMeters: cfg.SearchRadiusMeters, CellPrecision: geo.CellPrecision},
			Routing:   router,
			Logger:    logger,
		},
		Registry:  &fleet.Registry{Store: store},
		Cache:     cache,
		Locations: fixes,
		Notifier:  notifier,
		WS:        ws,
		Places:    searcher,
		Payments:  settlement,
		Archive:   archive,
		Verifier:  verifier,
		Logger:    logger,
	})

	go pruneLoop(ctx, manager, cfg.RideRetention, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-lifecycle listening", "addr", cfg.HTTPAddr, "docstore", cfg.DocStore.Backend, "routing", cfg.RoutingProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return manager.Shutdown(shutdownCtx)
}

func openDocStore(ctx context.Context, c config.DocStoreConfig, app *firebase.App, logger *slog.Logger) (docstore.Store, error) {
	switch c.Backend {
	case "mongo":
		client, err := docstore.NewMongoClient(ctx, c.MongoURI, c.MongoUser, c.MongoPassword)
		if err != nil {
			return nil, err
		}
		return docstore.NewMongo(client, c.MongoDatabase, logger), nil
	case "firestore":
		fc, err := infra.NewFirestore(ctx, app)
		if err != nil {
			return nil, err
		}
		return docstore.NewFirestore(fc, logger), nil
	default:
		logger.Warn("using in-memory document store; state is lost on restart")
		return docstore.NewMemory(), nil
	}
}

func newRouter(cfg config.ServerConfig) (routing.Client, error) {
	var base routing.Client
	switch cfg.RoutingProvider {
	case "ors":
		base = routing.NewORSClient(cfg.ORSEndpoint, cfg.ORSAPIKey)
	case "osrm":
		base = routing.NewOSRMClient(cfg.OSRMEndpoint)
	case "google":
		g, err := routing.NewGoogleClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, err
		}
		base = g
	default:
		base = routing.StraightLine{}
	}
	return &routing.Cached{Client: base, Cache: routing.NewCache(cfg.RouteCacheTTL)}, nil
}

func driverUsername(store docstore.Store, driverID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snap, err := store.Get(ctx, models.CollectionDriverDetails, driverID)
	if err != nil {
		return ""
	}
	var p models.DriverProfile
	if err := snap.DataTo(&p); err != nil {
		return ""
	}
	return p.Username
}

func pruneLoop(ctx context.Context, m *ride.Manager, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	t := time.NewTicker(retention / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := m.Prune(now.Add(-retention)); n > 0 {
				logger.Debug("pruned finished rides", "count", n)
			}
		}
	}
}
