// Package config loads entitlement service configuration from the
// environment, with optional .env overrides for deployments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/daybreaknews/entitlement/internal/ledger"
)

// Config holds the entitlement service configuration.
type Config struct {
	ListenAddr string

	DataDir       string
	DBPath        string
	VendorKeyFile string // PEM file holding the vendor's signing public keys
	VendorAud     string // expected aud claim on signed payloads; empty disables the check

	Environment ledger.Environment // which environment this deployment entitles

	ServerToken string // trusted server-side identity for summary reads and the event stream

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment. A .env file in the data
// directory (then the working directory) is loaded first for deployment
// overrides.
func Load() (*Config, error) {
	dataDir := "/etc/entitlementd"
	if dir := strings.TrimSpace(os.Getenv("ENTITLEMENT_DATA_DIR")); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		}
	}
	// Also try the working directory for development.
	_ = godotenv.Load()

	// Re-read after .env may have set it.
	if dir := strings.TrimSpace(os.Getenv("ENTITLEMENT_DATA_DIR")); dir != "" {
		dataDir = dir
	}

	cfg := &Config{
		ListenAddr:    ":7600",
		DataDir:       dataDir,
		DBPath:        filepath.Join(dataDir, "entitlement.db"),
		VendorKeyFile: filepath.Join(dataDir, "vendor-keys.pem"),
		Environment:   ledger.EnvProduction,
		LogLevel:      "info",
		LogFormat:     "auto",
	}

	if v := strings.TrimSpace(os.Getenv("ENTITLEMENT_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("ENTITLEMENT_DB_PATH")); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("ENTITLEMENT_VENDOR_KEY_FILE")); v != "" {
		cfg.VendorKeyFile = v
	}
	cfg.VendorAud = strings.TrimSpace(os.Getenv("ENTITLEMENT_VENDOR_AUDIENCE"))
	cfg.ServerToken = strings.TrimSpace(os.Getenv("ENTITLEMENT_SERVER_TOKEN"))

	if v := strings.TrimSpace(os.Getenv("ENTITLEMENT_ENVIRONMENT")); v != "" {
		switch strings.ToLower(v) {
		case "production":
			cfg.Environment = ledger.EnvProduction
		case "sandbox":
			cfg.Environment = ledger.EnvSandbox
		default:
			return nil, fmt.Errorf("invalid ENTITLEMENT_ENVIRONMENT %q (want production or sandbox)", v)
		}
	}

	if v := strings.TrimSpace(os.Getenv("ENTITLEMENT_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("ENTITLEMENT_LOG_FORMAT")); v != "" {
		cfg.LogFormat = v
	}

	return cfg, nil
}
