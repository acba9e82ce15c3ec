package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DocStoreConfig selects and configures the document store backend.
type DocStoreConfig struct {
	Backend string // memory, mongo or firestore

	MongoURI      string
	MongoUser     string
	MongoPassword string
	MongoDatabase string

	FirebaseProjectID   string
	FirebaseCredentials string
}

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	DocStore DocStoreConfig
	// AuthDisabled accepts the bearer token as the caller's uid.
	AuthDisabled bool

	RoutingProvider  string // ors, osrm, google or straight
	ORSEndpoint      string
	ORSAPIKey        string
	OSRMEndpoint     string
	GoogleMapsAPIKey string
	RouteCacheTTL    time.Duration
	PlacesRegion     string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN        string
	StripeAPIKey string

	LocationInterval    time.Duration
	LocationMinDistance float64
	SearchRadiusMeters  float64
	RideRetention       time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		DocStore:            DocStoreConfig{Backend: "memory", MongoDatabase: "rides"},
		RoutingProvider:     "straight",
		ORSEndpoint:         "https://api.openrouteservice.org",
		RouteCacheTTL:       2 * time.Minute,
		PlacesRegion:        "ke",
		RedisGeoKey:         "drivers_geo",
		KafkaTopic:          "driver-locations",
		LocationInterval:    50 * time.Second,
		LocationMinDistance: 10,
		SearchRadiusMeters:  10000,
		RideRetention:       30 * time.Minute,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	loadDocStore(&cfg.DocStore, &errs)
	cfg.AuthDisabled = strings.EqualFold(os.Getenv("AUTH_DISABLED"), "true")

	setStringFromEnv(&cfg.RoutingProvider, "ROUTING_PROVIDER")
	cfg.RoutingProvider = strings.ToLower(cfg.RoutingProvider)
	setStringFromEnv(&cfg.ORSEndpoint, "ORS_ENDPOINT")
	cfg.ORSAPIKey = os.Getenv("ORS_API_KEY")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.GoogleMapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setStringFromEnv(&cfg.PlacesRegion, "PLACES_REGION")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	setDurationFromEnv(&cfg.LocationInterval, "LOCATION_INTERVAL", &errs)
	setFloatFromEnv(&cfg.LocationMinDistance, "LOCATION_MIN_DISTANCE_M", &errs)
	setFloatFromEnv(&cfg.SearchRadiusMeters, "SEARCH_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.RideRetention, "RIDE_RETENTION", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	switch cfg.RoutingProvider {
	case "straight", "osrm":
	case "ors":
		if cfg.ORSAPIKey == "" {
			errs = append(errs, fmt.Errorf("ORS_API_KEY is required for ROUTING_PROVIDER=ors"))
		}
	case "google":
		if cfg.GoogleMapsAPIKey == "" {
			errs = append(errs, fmt.Errorf("GOOGLE_MAPS_API_KEY is required for ROUTING_PROVIDER=google"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ROUTING_PROVIDER %q", cfg.RoutingProvider))
	}
	if cfg.RoutingProvider == "osrm" && cfg.OSRMEndpoint == "" {
		errs = append(errs, fmt.Errorf("OSRM_ENDPOINT is required for ROUTING_PROVIDER=osrm"))
	}
	if cfg.LocationInterval <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_INTERVAL must be > 0"))
	}
	if !cfg.AuthDisabled && cfg.DocStore.FirebaseProjectID == "" {
		errs = append(errs, fmt.Errorf("FIREBASE_PROJECT_ID is required unless AUTH_DISABLED=true"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the location consumer process.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	DocStore DocStoreConfig
	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-lifecycle-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		DocStore:     DocStoreConfig{Backend: "memory", MongoDatabase: "rides"},
		LogLevel:     "info",
	}
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	loadDocStore(&cfg.DocStore, &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	return cfg, errors.Join(errs...)
}

func loadDocStore(c *DocStoreConfig, errs *[]error) {
	setStringFromEnv(&c.Backend, "DOCSTORE")
	c.Backend = strings.ToLower(c.Backend)
	c.MongoURI = os.Getenv("MONGO_URI")
	c.MongoUser = os.Getenv("MONGO_USER")
	c.MongoPassword = os.Getenv("MONGO_PASSWORD")
	setStringFromEnv(&c.MongoDatabase, "MONGO_DATABASE")
	c.FirebaseProjectID = strings.TrimSpace(os.Getenv("FIREBASE_PROJECT_ID"))
	c.FirebaseCredentials = strings.TrimSpace(os.Getenv("FIREBASE_CREDENTIALS_FILE"))

	switch c.Backend {
	case "memory":
	case "mongo":
		if c.MongoURI == "" {
			*errs = append(*errs, fmt.Errorf("MONGO_URI is required for DOCSTORE=mongo"))
		}
	case "firestore":
		if c.FirebaseProjectID == "" {
			*errs = append(*errs, fmt.Errorf("FIREBASE_PROJECT_ID is required for DOCSTORE=firestore"))
		}
	default:
		*errs = append(*errs, fmt.Errorf("unknown DOCSTORE %q", c.Backend))
	}
}

// loadDotEnv reads ENV_FILE (default .env) if present. Variables already set
// in the environment win.
func loadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
