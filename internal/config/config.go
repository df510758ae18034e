// Package config provides configuration loading and validation for the
// call coordination daemon. It uses koanf to merge environment
// variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the daemon.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Gateway (signaling server)
	GatewayURL      string `koanf:"gateway_url"`
	GatewayClientID string `koanf:"gateway_client_id"`
	GatewaySecret   string `koanf:"gateway_secret"`

	// Engine tuning
	OrderRefreshInterval time.Duration `koanf:"order_refresh_interval"`
	LivenessInterval     time.Duration `koanf:"liveness_interval"`
	SpeakingThrottle     time.Duration `koanf:"speaking_throttle"`
	ResyncDebounce       time.Duration `koanf:"resync_debounce"`
	PendingUpdateLimit   int           `koanf:"pending_update_limit"`
	LoadPageLimit        int           `koanf:"load_page_limit"`

	// Feature Flags
	AutoRejoin bool `koanf:"auto_rejoin"` // Rejoin automatically after a forced leave
}

// Configuration validation errors.
var (
	ErrMissingGatewayURL      = errors.New("GATEWAY_URL is required")
	ErrMissingGatewayClientID = errors.New("GATEWAY_CLIENT_ID is required")
	ErrMissingGatewaySecret   = errors.New("GATEWAY_SECRET is required")
	ErrInvalidPort            = errors.New("PORT must be a valid integer")
	ErrInvalidDuration        = errors.New("duration must be parseable by time.ParseDuration")
	ErrNegativeLimit          = errors.New("limits must be positive")
)

// Default values for non-secret configuration.
const (
	DefaultPort                 = 8080
	DefaultEnv                  = "development"
	DefaultOrderRefreshInterval = 10 * time.Second
	DefaultLivenessInterval     = 10 * time.Second
	DefaultSpeakingThrottle     = 2 * time.Second
	DefaultResyncDebounce       = time.Second
	DefaultPendingUpdateLimit   = 64
	DefaultLoadPageLimit        = 100
	DefaultAutoRejoin           = true
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	// Parse port from env, collecting error if invalid
	// Try CALLSYNC_PORT first, then PORT for backward compatibility
	port, portErr := getEnvIntOrDefaultMulti([]string{"CALLSYNC_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	orderRefresh, err := getEnvDurationOrDefault("ORDER_REFRESH_INTERVAL", k.Duration("order_refresh_interval"), DefaultOrderRefreshInterval)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	liveness, err := getEnvDurationOrDefault("LIVENESS_INTERVAL", k.Duration("liveness_interval"), DefaultLivenessInterval)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	speaking, err := getEnvDurationOrDefault("SPEAKING_THROTTLE", k.Duration("speaking_throttle"), DefaultSpeakingThrottle)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	resync, err := getEnvDurationOrDefault("RESYNC_DEBOUNCE", k.Duration("resync_debounce"), DefaultResyncDebounce)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	pendingLimit, err := getEnvIntOrDefault("PENDING_UPDATE_LIMIT", k.Int("pending_update_limit"), DefaultPendingUpdateLimit)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	pageLimit, err := getEnvIntOrDefault("LOAD_PAGE_LIMIT", k.Int("load_page_limit"), DefaultLoadPageLimit)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	// Parse auto-rejoin feature flag from env with default
	autoRejoin := DefaultAutoRejoin
	if k.Exists("auto_rejoin") {
		autoRejoin = k.Bool("auto_rejoin")
	}
	if val := os.Getenv("AUTO_REJOIN"); val != "" {
		// Env var takes precedence over file config
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			autoRejoin = true
		case "false", "0", "no", "off":
			autoRejoin = false
		}
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                 port,
		Env:                  getEnvOrDefaultMulti([]string{"CALLSYNC_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		GatewayURL:           getEnvOrKoanf("GATEWAY_URL", k, "gateway_url"),
		GatewayClientID:      getEnvOrKoanf("GATEWAY_CLIENT_ID", k, "gateway_client_id"),
		GatewaySecret:        getEnvOrKoanf("GATEWAY_SECRET", k, "gateway_secret"),
		OrderRefreshInterval: orderRefresh,
		LivenessInterval:     liveness,
		SpeakingThrottle:     speaking,
		ResyncDebounce:       resync,
		PendingUpdateLimit:   pendingLimit,
		LoadPageLimit:        pageLimit,
		AutoRejoin:           autoRejoin,
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, err)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault returns the environment variable as a duration if set,
// otherwise the koanf value, or default. Returns an error if the environment
// variable is set but cannot be parsed by time.ParseDuration.
func getEnvDurationOrDefault(envKey string, koanfVal time.Duration, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidDuration)
		}
		return d, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.GatewayURL == "" {
		errs = append(errs, ErrMissingGatewayURL)
	}
	if c.GatewayClientID == "" {
		errs = append(errs, ErrMissingGatewayClientID)
	}
	if c.GatewaySecret == "" {
		errs = append(errs, ErrMissingGatewaySecret)
	}
	if c.PendingUpdateLimit <= 0 {
		errs = append(errs, fmt.Errorf("PENDING_UPDATE_LIMIT: %w", ErrNegativeLimit))
	}
	if c.LoadPageLimit <= 0 {
		errs = append(errs, fmt.Errorf("LOAD_PAGE_LIMIT: %w", ErrNegativeLimit))
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                   fmt.Sprintf("%d", c.Port),
		"env":                    c.Env,
		"gateway_url":            c.GatewayURL,
		"gateway_client_id":      c.GatewayClientID,
		"gateway_secret":         maskSecret(c.GatewaySecret),
		"order_refresh_interval": c.OrderRefreshInterval.String(),
		"liveness_interval":      c.LivenessInterval.String(),
		"speaking_throttle":      c.SpeakingThrottle.String(),
		"resync_debounce":        c.ResyncDebounce.String(),
		"pending_update_limit":   fmt.Sprintf("%d", c.PendingUpdateLimit),
		"load_page_limit":        fmt.Sprintf("%d", c.LoadPageLimit),
		"auto_rejoin":            fmt.Sprintf("%t", c.AutoRejoin),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}
