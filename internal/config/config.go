// Package config reads service configuration from SEALMARK_ prefixed
// environment variables. Every knob has a workable default except the
// master key, which has none on purpose.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sealmark/sealmark/internal/model"
)

type Config struct {
	ListenAddr string
	DataDir    string
	LogLevel   string

	// MasterKey is the tenant key derivation root, at least 32 bytes.
	MasterKey []byte

	// Session defaults applied when a provider event carries no config.
	RotationInterval time.Duration
	QueueCapacity    int
	Codec            model.CodecChoice
	Policy           model.Policy

	// PSNRFloor is the embed quality gate in dB.
	PSNRFloor float64

	// Detection.
	AcceptThreshold    float64
	FrameTimeout       time.Duration
	MaxFramesPerSample int
	ScanWorkers        int

	// Per-IP budget for scan submissions over the API.
	ScanRatePerSecond float64
	ScanBurst         int

	// Alert webhook. Empty URL disables alerting.
	AlertURL    string
	AlertSecret string

	// Provider webhook secrets. An empty secret leaves that provider
	// unregistered.
	CitrixSecret  string
	HorizonSecret string

	// Retention.
	CleanupInterval  time.Duration
	VersionRetention time.Duration
	ScanRetention    time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: envOr("SEALMARK_LISTEN_ADDR", ":8080"),
		DataDir:    envOr("SEALMARK_DATA_DIR", "./data"),
		LogLevel:   envOr("SEALMARK_LOG_LEVEL", "info"),

		RotationInterval: envDurationOr("SEALMARK_ROTATION_INTERVAL", 5*time.Minute),
		QueueCapacity:    envIntOr("SEALMARK_QUEUE_CAPACITY", 32),
		Codec:            model.CodecChoice(envOr("SEALMARK_CODEC", string(model.CodecDCT))),
		Policy:           model.Policy(envOr("SEALMARK_DEGRADATION_POLICY", string(model.PolicyFailClosed))),

		PSNRFloor: envFloatOr("SEALMARK_PSNR_FLOOR", 40),

		AcceptThreshold:    envFloatOr("SEALMARK_ACCEPT_THRESHOLD", 0.7),
		FrameTimeout:       envDurationOr("SEALMARK_FRAME_TIMEOUT", 2*time.Second),
		MaxFramesPerSample: envIntOr("SEALMARK_MAX_FRAMES_PER_SAMPLE", 16),
		ScanWorkers:        envIntOr("SEALMARK_SCAN_WORKERS", 4),

		ScanRatePerSecond: envFloatOr("SEALMARK_SCAN_RATE", 1),
		ScanBurst:         envIntOr("SEALMARK_SCAN_BURST", 5),

		AlertURL:    os.Getenv("SEALMARK_ALERT_URL"),
		AlertSecret: os.Getenv("SEALMARK_ALERT_SECRET"),

		CitrixSecret:  os.Getenv("SEALMARK_CITRIX_SECRET"),
		HorizonSecret: os.Getenv("SEALMARK_HORIZON_SECRET"),

		CleanupInterval:  envDurationOr("SEALMARK_CLEANUP_INTERVAL", time.Hour),
		VersionRetention: envDurationOr("SEALMARK_VERSION_RETENTION", 90*24*time.Hour),
		ScanRetention:    envDurationOr("SEALMARK_SCAN_RETENTION", 365*24*time.Hour),
	}

	raw := os.Getenv("SEALMARK_MASTER_KEY")
	if raw == "" {
		return nil, fmt.Errorf("SEALMARK_MASTER_KEY is required")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("SEALMARK_MASTER_KEY is not valid hex: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("SEALMARK_MASTER_KEY must be at least 32 bytes, got %d", len(key))
	}
	cfg.MasterKey = key

	switch cfg.Codec {
	case model.CodecDCT, model.CodecDWT:
	default:
		return nil, fmt.Errorf("SEALMARK_CODEC %q is not a known codec", cfg.Codec)
	}
	switch cfg.Policy {
	case model.PolicyFailOpen, model.PolicyFailClosed:
	default:
		return nil, fmt.Errorf("SEALMARK_DEGRADATION_POLICY %q is not a known policy", cfg.Policy)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
