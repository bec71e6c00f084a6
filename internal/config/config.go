package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config captures all tunable parameters shared by the API, consumer and
// dispatcher processes. Values come from the environment first, then from an
// optional YAML file named by CONFIG_FILE, then from defaults, so the
// binaries can run locally without excessive setup.
type Config struct {
	HTTPAddr        string
	MetricsAddr     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr            string
	RedisPassword        string
	RedisLocationChannel string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaRideTopic     string
	KafkaGroup         string

	PGDSN         string
	RunMigrations bool

	LogLevel string

	LockPercent          float64
	PerKmRate            float64
	ArrivalRadiusM       float64
	ExtraFareThresholdKm float64
	SnapshotMinMoveM     float64
	FastTierTTL          time.Duration
	NearbyLimit          int
	DefaultSpeedMps      float64
	RequireEndOTP        bool

	DispatchWorkers     int
	DispatchMaxAttempts int
	DispatchBaseBackoff time.Duration
	NotifiedTTL         time.Duration

	ClaimTTL      time.Duration
	SweepInterval time.Duration

	OSRMEndpoint        string
	FCMEndpoint         string
	FCMKey              string
	TelegramBotToken    string
	StripeAPIKey        string
	StripeWebhookSecret string
	Currency            string
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:             ":8080",
		MetricsAddr:          ":2112",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisLocationChannel: "driver-locations",
		KafkaLocationTopic:   "driver-locations",
		KafkaRideTopic:       "ride-posted",
		KafkaGroup:           "ride-escrow",
		LogLevel:             "info",
		LockPercent:          20,
		PerKmRate:            12,
		ArrivalRadiusM:       200,
		ExtraFareThresholdKm: 1,
		SnapshotMinMoveM:     100,
		FastTierTTL:          10 * time.Minute,
		NearbyLimit:          20,
		DefaultSpeedMps:      8,
		DispatchWorkers:      4,
		DispatchMaxAttempts:  4,
		DispatchBaseBackoff:  time.Second,
		NotifiedTTL:          24 * time.Hour,
		ClaimTTL:             6 * time.Hour,
		SweepInterval:        time.Minute,
		Currency:             "inr",
	}
}

type source struct {
	file *viper.Viper
}

func newSource() (*source, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load(".env")

	s := &source{}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		s.file = v
	}
	return s, nil
}

// lookup reads KEY from the environment, falling back to key (lower-cased)
// in the config file.
func (s *source) lookup(key string) (string, bool) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v, true
	}
	if s.file != nil {
		k := strings.ToLower(key)
		if s.file.IsSet(k) {
			return strings.TrimSpace(s.file.GetString(k)), true
		}
	}
	return "", false
}

func Load() (Config, error) {
	cfg := defaultConfig()
	src, err := newSource()
	if err != nil {
		return cfg, err
	}
	var errs []error

	src.setString(&cfg.HTTPAddr, "HTTP_ADDR")
	src.setString(&cfg.MetricsAddr, "METRICS_ADDR")
	src.setDuration(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	src.setDuration(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	src.setDuration(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	src.setDuration(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	src.setString(&cfg.RedisAddr, "REDIS_ADDR")
	src.setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	src.setString(&cfg.RedisLocationChannel, "REDIS_LOCATION_CHANNEL")

	if brokers, ok := src.lookup("KAFKA_BROKERS"); ok {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	src.setString(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	src.setString(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")
	src.setString(&cfg.KafkaGroup, "KAFKA_GROUP")

	src.setString(&cfg.PGDSN, "PG_DSN")
	src.setBool(&cfg.RunMigrations, "MIGRATE", &errs)

	if v, ok := src.lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = strings.ToLower(v)
	}

	src.setFloat(&cfg.LockPercent, "LOCK_PERCENT", &errs)
	src.setFloat(&cfg.PerKmRate, "PER_KM_RATE", &errs)
	src.setFloat(&cfg.ArrivalRadiusM, "ARRIVAL_RADIUS_M", &errs)
	src.setFloat(&cfg.ExtraFareThresholdKm, "EXTRA_FARE_THRESHOLD_KM", &errs)
	src.setFloat(&cfg.SnapshotMinMoveM, "SNAPSHOT_MIN_MOVE_M", &errs)
	src.setDuration(&cfg.FastTierTTL, "FAST_TIER_TTL", &errs)
	src.setInt(&cfg.NearbyLimit, "NEARBY_LIMIT", &errs)
	src.setFloat(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	src.setBool(&cfg.RequireEndOTP, "REQUIRE_END_OTP", &errs)

	src.setInt(&cfg.DispatchWorkers, "DISPATCH_WORKERS", &errs)
	src.setInt(&cfg.DispatchMaxAttempts, "DISPATCH_MAX_ATTEMPTS", &errs)
	src.setDuration(&cfg.DispatchBaseBackoff, "DISPATCH_BASE_BACKOFF", &errs)
	src.setDuration(&cfg.NotifiedTTL, "NOTIFIED_TTL", &errs)

	src.setDuration(&cfg.ClaimTTL, "CLAIM_TTL", &errs)
	src.setDuration(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)

	src.setString(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	src.setString(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	src.setString(&cfg.FCMKey, "FCM_KEY")
	src.setString(&cfg.TelegramBotToken, "TELEGRAM_BOT_TOKEN")
	src.setString(&cfg.StripeAPIKey, "STRIPE_API_KEY")
	src.setString(&cfg.StripeWebhookSecret, "STRIPE_WEBHOOK_SECRET")
	src.setString(&cfg.Currency, "CURRENCY")

	if cfg.NearbyLimit <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_LIMIT must be > 0"))
	}
	if cfg.LockPercent < 0 || cfg.LockPercent > 100 {
		errs = append(errs, fmt.Errorf("LOCK_PERCENT must be within [0,100]"))
	}
	if cfg.DispatchWorkers <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKERS must be > 0"))
	}
	if cfg.DispatchMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.ClaimTTL < 0 {
		errs = append(errs, fmt.Errorf("CLAIM_TTL must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

func (s *source) setDuration(target *time.Duration, key string, errs *[]error) {
	if v, ok := s.lookup(key); ok {
		d, err := cast.ToDurationE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func (s *source) setFloat(target *float64, key string, errs *[]error) {
	if v, ok := s.lookup(key); ok {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func (s *source) setInt(target *int, key string, errs *[]error) {
	if v, ok := s.lookup(key); ok {
		i, err := cast.ToIntE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func (s *source) setBool(target *bool, key string, errs *[]error) {
	if v, ok := s.lookup(key); ok {
		b, err := cast.ToBoolE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func (s *source) setString(target *string, key string) {
	if v, ok := s.lookup(key); ok {
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
