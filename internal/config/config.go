// Package config loads service configuration from an optional TOML file,
// then applies environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalid is returned when the resulting configuration is unusable.
var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration that decodes from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config is the full service configuration.
type Config struct {
	Port        string     `toml:"port"`
	DatabaseURL string     `toml:"database_url"`
	RedisURL    string     `toml:"redis_url"`
	CacheTTL    Duration   `toml:"cache_ttl"`
	PebbleDir   string     `toml:"pebble_dir"`
	Kafka       Kafka      `toml:"kafka"`
	Settlement  Settlement `toml:"settlement"`
}

// Kafka configures the event publisher. Publishing is off without brokers.
type Kafka struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// Settlement configures payouts.
type Settlement struct {
	// BatchSize is the default limit for the settle endpoint; 0 settles all.
	BatchSize int `toml:"batch_size"`

	// FrozenRecipients refuse every transfer.
	FrozenRecipients []string `toml:"frozen_recipients"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:     "8080",
		CacheTTL: Duration{30 * time.Second},
		Kafka:    Kafka{Topic: "auction-events"},
	}
}

// Load reads path (if non-empty), then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode parses TOML text on top of the defaults. No environment is read.
func Decode(text string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(text, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_URL", &c.RedisURL)
	str("PEBBLE_DIR", &c.PebbleDir)
	str("KAFKA_TOPIC", &c.Kafka.Topic)

	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup("REFUSE_RECIPIENTS"); ok && v != "" {
		c.Settlement.FrozenRecipients = splitList(v)
	}
	if v, ok := lookup("CACHE_TTL"); ok && v != "" {
		if err := c.CacheTTL.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%w: CACHE_TTL: %v", ErrInvalid, err)
		}
	}
	if v, ok := lookup("SETTLE_BATCH_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: SETTLE_BATCH_SIZE: %v", ErrInvalid, err)
		}
		c.Settlement.BatchSize = n
	}
	return nil
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("%w: port is required", ErrInvalid)
	}
	if c.CacheTTL.Duration < 0 {
		return fmt.Errorf("%w: cache_ttl must not be negative", ErrInvalid)
	}
	if c.Settlement.BatchSize < 0 {
		return fmt.Errorf("%w: settlement.batch_size must not be negative", ErrInvalid)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("%w: kafka.topic is required when brokers are set", ErrInvalid)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
