package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// Config carries everything the CLI needs to reach the tracker backend.
type Config struct {
	APIURL string
	// Email and Password sign the process in when both are set. The session
	// cookie lives in memory for the process lifetime only.
	Email     string
	Password  string
	Timeout   time.Duration
	RetryBase time.Duration
	RetryMax  time.Duration
	// RedisConn enables the task cache when set; empty disables it.
	RedisConn string
	CacheTTL  time.Duration
	ReadOnly  bool
	Debug     bool
}

// Load reads .env when present, then the environment. Invalid values are
// errors, not silent defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		APIURL:    os.Getenv("TRACKER_API_URL"),
		Email:     os.Getenv("TRACKER_EMAIL"),
		Password:  os.Getenv("TRACKER_PASSWORD"),
		RedisConn: os.Getenv("REDIS_CONNECTION_STRING"),
		Timeout:   30 * time.Second,
		RetryBase: 250 * time.Millisecond,
		RetryMax:  30 * time.Second,
		CacheTTL:  30 * time.Second,
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("TRACKER_API_URL is required")
	}

	var err error
	if cfg.Timeout, err = envDuration("TRACKER_HTTP_TIMEOUT", cfg.Timeout); err != nil {
		return nil, err
	}
	if cfg.RetryBase, err = envDuration("TRACKER_RETRY_BASE", cfg.RetryBase); err != nil {
		return nil, err
	}
	if cfg.RetryMax, err = envDuration("TRACKER_RETRY_MAX", cfg.RetryMax); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = envDuration("TRACKER_CACHE_TTL", cfg.CacheTTL); err != nil {
		return nil, err
	}
	if cfg.ReadOnly, err = envBool("TRACKER_READ_ONLY", false); err != nil {
		return nil, err
	}
	if cfg.Debug, err = envBool("DEBUG", false); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RedisOptions parses the connection string, accepting redis:// URLs or
// comma-separated "host:port,password=...,ssl=true" pairs. Nil when the
// cache is disabled.
func (c *Config) RedisOptions() *redis.Options {
	if c.RedisConn == "" {
		return nil
	}
	opts, err := redis.ParseURL(c.RedisConn)
	if err != nil {
		parts := strings.Split(c.RedisConn, ",")
		opts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				opts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					opts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	return opts
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", key, v)
	}
	return b, nil
}
