// README: Config loader with env defaults for HTTP, stores, messaging, auth and dispatch timing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DispatchConfig struct {
	// OfferTimeout is how long a single driver has to answer an offer.
	OfferTimeout time.Duration
	// GraceWait is how long to wait for a driver to free up when nobody is eligible.
	GraceWait time.Duration
	// Ceiling bounds the whole dispatch of one order.
	Ceiling time.Duration
}

type Config struct {
	HTTP struct {
		Addr string
	}
	DB struct {
		// DSN empty means the in-memory order store.
		DSN string
	}
	Redis struct {
		// Addr empty means the in-memory roster and no dispatch journal.
		Addr string
	}
	AMQP struct {
		URL string
	}
	Firebase struct {
		ProjectID       string
		CredentialsFile string
	}
	Log struct {
		Level string
	}
	Realtime struct {
		SendBuffer int
	}
	Dispatch DispatchConfig
}

func Load() (Config, error) {
	var cfg Config
	cfg.HTTP.Addr = envOrDefault("EATS_HTTP_ADDR", ":8080")
	cfg.DB.DSN = os.Getenv("EATS_DB_DSN")
	cfg.Redis.Addr = os.Getenv("EATS_REDIS_ADDR")
	cfg.AMQP.URL = os.Getenv("EATS_AMQP_URL")
	cfg.Firebase.ProjectID = os.Getenv("EATS_FIREBASE_PROJECT_ID")
	cfg.Firebase.CredentialsFile = os.Getenv("EATS_FIREBASE_CREDENTIALS")
	cfg.Log.Level = envOrDefault("EATS_LOG_LEVEL", "info")
	cfg.Realtime.SendBuffer = envOrDefaultInt("EATS_WS_SEND_BUFFER", 32)
	cfg.Dispatch = DefaultDispatch()
	cfg.Dispatch.OfferTimeout = envOrDefaultDuration("EATS_OFFER_TIMEOUT", cfg.Dispatch.OfferTimeout)
	cfg.Dispatch.GraceWait = envOrDefaultDuration("EATS_GRACE_WAIT", cfg.Dispatch.GraceWait)
	cfg.Dispatch.Ceiling = envOrDefaultDuration("EATS_DISPATCH_CEILING", cfg.Dispatch.Ceiling)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultDispatch returns the production dispatch timing.
func DefaultDispatch() DispatchConfig {
	return DispatchConfig{
		OfferTimeout: 5 * time.Minute,
		GraceWait:    5 * time.Minute,
		Ceiling:      30 * time.Minute,
	}
}

func (c Config) validate() error {
	if c.Dispatch.OfferTimeout <= 0 || c.Dispatch.GraceWait <= 0 || c.Dispatch.Ceiling <= 0 {
		return fmt.Errorf("dispatch durations must be positive: %+v", c.Dispatch)
	}
	if c.Dispatch.Ceiling < c.Dispatch.OfferTimeout {
		return fmt.Errorf("EATS_DISPATCH_CEILING (%s) is shorter than EATS_OFFER_TIMEOUT (%s)", c.Dispatch.Ceiling, c.Dispatch.OfferTimeout)
	}
	if c.Realtime.SendBuffer <= 0 {
		return fmt.Errorf("EATS_WS_SEND_BUFFER must be positive, got %d", c.Realtime.SendBuffer)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
