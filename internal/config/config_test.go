package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func TestDefault(t *testing.T) {
	cfg, err := Decode("")
	assert.NoError(t, err)
	check.Equal(t, "8080", cfg.Port)
	check.Equal(t, 30*time.Second, cfg.CacheTTL.Duration)
	check.Equal(t, "auction-events", cfg.Kafka.Topic)
	check.Equal(t, 0, cfg.Settlement.BatchSize)
}

func TestDecode(t *testing.T) {
	cfg, err := Decode(`
port = "9090"
pebble_dir = "/var/lib/auctions"
cache_ttl = "2m"

[kafka]
brokers = ["k1:9092", "k2:9092"]
topic = "bids"

[settlement]
batch_size = 50
frozen_recipients = ["mallory"]
`)
	assert.NoError(t, err)
	check.Equal(t, "9090", cfg.Port)
	check.Equal(t, "/var/lib/auctions", cfg.PebbleDir)
	check.Equal(t, 2*time.Minute, cfg.CacheTTL.Duration)
	check.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	check.Equal(t, "bids", cfg.Kafka.Topic)
	check.Equal(t, 50, cfg.Settlement.BatchSize)
	check.Equal(t, []string{"mallory"}, cfg.Settlement.FrozenRecipients)
}

func TestDecode_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad duration":   `cache_ttl = "soon"`,
		"negative batch": "[settlement]\nbatch_size = -1",
		"no topic":       "[kafka]\nbrokers = [\"k1:9092\"]\ntopic = \"\"",
		"empty port":     `port = ""`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(text)
			check.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":              "7000",
		"DATABASE_URL":      "postgres://localhost/auctions",
		"KAFKA_BROKERS":     "k1:9092, k2:9092,",
		"REFUSE_RECIPIENTS": "mallory,trent",
		"CACHE_TTL":         "5s",
		"SETTLE_BATCH_SIZE": "25",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	assert.NoError(t, cfg.applyEnv(lookup))
	check.Equal(t, "7000", cfg.Port)
	check.Equal(t, "postgres://localhost/auctions", cfg.DatabaseURL)
	check.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	check.Equal(t, []string{"mallory", "trent"}, cfg.Settlement.FrozenRecipients)
	check.Equal(t, 5*time.Second, cfg.CacheTTL.Duration)
	check.Equal(t, 25, cfg.Settlement.BatchSize)
}

func TestApplyEnv_BadNumber(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "SETTLE_BATCH_SIZE" {
			return "many", true
		}
		return "", false
	})
	check.True(t, errors.Is(err, ErrInvalid))
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auction.toml")
	assert.NoError(t, os.WriteFile(path, []byte("port = \"9191\"\n"), 0o600))
	t.Setenv("PORT", "")

	cfg, err := Load(path)
	assert.NoError(t, err)
	check.Equal(t, "9191", cfg.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	check.Error(t, err)
}
