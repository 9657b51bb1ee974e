// Package config provides the environment-backed configuration loader used
// by the ledgerd bootstrap (cmd/ledgerd/main.go).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the runtime configuration for ledgerd.
type Config struct {
	DatabaseURL string // DATABASE_URL (empty -> in-memory store, dev only)
	ListenAddr  string // LISTEN_ADDR (default :8080)
	DevMode     bool   // DEV_MODE: allow X-Tenant-ID header instead of a token

	JWTSecret string // JWT_SECRET (HS256) for boundary identity tokens
	SignerID  string // SIGNER_ID for the entry-digest signer

	KafkaBrokers []string // KAFKA_BROKERS, comma separated
	KafkaTopic   string   // KAFKA_TOPIC for the export stream

	ArchiveS3Bucket string // ARCHIVE_S3_BUCKET (empty disables archival)
	ArchiveS3Prefix string // ARCHIVE_S3_PREFIX

	AnchorWindow   time.Duration // ANCHOR_WINDOW (default 1h)
	AnchorInterval time.Duration // ANCHOR_INTERVAL (default 5m)
	SweepInterval  time.Duration // SWEEP_INTERVAL (default 1h)
}

// LoadFromEnv reads config values from environment variables.
func LoadFromEnv() *Config {
	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		ListenAddr:      os.Getenv("LISTEN_ADDR"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		SignerID:        os.Getenv("SIGNER_ID"),
		KafkaTopic:      os.Getenv("KAFKA_TOPIC"),
		ArchiveS3Bucket: os.Getenv("ARCHIVE_S3_BUCKET"),
		ArchiveS3Prefix: os.Getenv("ARCHIVE_S3_PREFIX"),
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.SignerID == "" {
		cfg.SignerID = "ledger-signer-1"
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if v := os.Getenv("DEV_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DevMode = b
		}
	}

	cfg.AnchorWindow = durationEnv("ANCHOR_WINDOW", time.Hour)
	cfg.AnchorInterval = durationEnv("ANCHOR_INTERVAL", 5*time.Minute)
	cfg.SweepInterval = durationEnv("SWEEP_INTERVAL", time.Hour)

	return cfg
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
