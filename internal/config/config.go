// Package config loads the CSE configuration from environment variables and
// an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every configurable knob of the CSE core.
type Config struct {
	CSEID           string `mapstructure:"CSE_ID"`
	CSEResourceName string `mapstructure:"CSE_RESOURCE_NAME"`
	AdminOriginator string `mapstructure:"ADMIN_ORIGINATOR"`
	HTTPPort        string `mapstructure:"HTTP_PORT"`

	DataDir          string `mapstructure:"DATA_DIR"`
	DBInMemory       bool   `mapstructure:"DB_IN_MEMORY"`
	DBResetAtStartup bool   `mapstructure:"DB_RESET_AT_STARTUP"`
	DBCacheSize      int    `mapstructure:"DB_CACHE_SIZE"`
	DatabaseURL      string `mapstructure:"DATABASE_URL"`

	CheckExpirationsInterval time.Duration `mapstructure:"CHECK_EXPIRATIONS_INTERVAL"`
	MaxExpirationDelta       time.Duration `mapstructure:"MAX_EXPIRATION_DELTA"`
	DefaultExpirationCounter int           `mapstructure:"DEFAULT_EXPIRATION_COUNTER"`

	EnableACPChecks         bool          `mapstructure:"ENABLE_ACP_CHECKS"`
	SortDiscoveredResources bool          `mapstructure:"SORT_DISCOVERED_RESOURCES"`
	RequestTimeout          time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MissingDataFactor       float64       `mapstructure:"MISSING_DATA_DETECTION_FACTOR"`
	AnnouncementInterval    time.Duration `mapstructure:"ANNOUNCEMENT_INTERVAL"`

	RegistrarCSI          string   `mapstructure:"REGISTRAR_CSI"`
	AllowedCSROriginators []string `mapstructure:"ALLOWED_CSR_ORIGINATORS"`
	AllowedAEOriginators  []string `mapstructure:"ALLOWED_AE_ORIGINATORS"`

	AuthMode   string `mapstructure:"AUTH_MODE"`
	AuthSecret string `mapstructure:"AUTH_SECRET"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// CSI returns the CSE-ID in its SP-relative spelling.
func (c *Config) CSI() string { return "/" + c.CSEID }

// Load reads the configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("CSE_ID", "id-in")
	v.SetDefault("CSE_RESOURCE_NAME", "cse-in")
	v.SetDefault("ADMIN_ORIGINATOR", "CAdmin")
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("DB_IN_MEMORY", true)
	v.SetDefault("DB_RESET_AT_STARTUP", false)
	v.SetDefault("DB_CACHE_SIZE", 512)
	v.SetDefault("CHECK_EXPIRATIONS_INTERVAL", "60s")
	v.SetDefault("MAX_EXPIRATION_DELTA", 365*24*time.Hour)
	v.SetDefault("DEFAULT_EXPIRATION_COUNTER", 0)
	v.SetDefault("ENABLE_ACP_CHECKS", true)
	v.SetDefault("SORT_DISCOVERED_RESOURCES", true)
	v.SetDefault("REQUEST_TIMEOUT", "5s")
	v.SetDefault("MISSING_DATA_DETECTION_FACTOR", 0.5)
	v.SetDefault("ANNOUNCEMENT_INTERVAL", "60s")
	v.SetDefault("AUTH_MODE", "none")
	v.SetDefault("LOG_LEVEL", "info")

	for _, key := range []string{
		"CSE_ID", "CSE_RESOURCE_NAME", "ADMIN_ORIGINATOR", "HTTP_PORT",
		"DATA_DIR", "DB_IN_MEMORY", "DB_RESET_AT_STARTUP", "DB_CACHE_SIZE", "DATABASE_URL",
		"CHECK_EXPIRATIONS_INTERVAL", "MAX_EXPIRATION_DELTA", "DEFAULT_EXPIRATION_COUNTER",
		"ENABLE_ACP_CHECKS", "SORT_DISCOVERED_RESOURCES", "REQUEST_TIMEOUT",
		"MISSING_DATA_DETECTION_FACTOR", "ANNOUNCEMENT_INTERVAL",
		"REGISTRAR_CSI", "ALLOWED_CSR_ORIGINATORS", "ALLOWED_AE_ORIGINATORS",
		"AUTH_MODE", "AUTH_SECRET", "LOG_LEVEL",
	} {
		v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated lists from plain env strings.
	if cfg.AllowedCSROriginators == nil {
		if s := v.GetString("ALLOWED_CSR_ORIGINATORS"); s != "" {
			cfg.AllowedCSROriginators = strings.Split(s, ",")
		}
	}
	if cfg.AllowedAEOriginators == nil {
		if s := v.GetString("ALLOWED_AE_ORIGINATORS"); s != "" {
			cfg.AllowedAEOriginators = strings.Split(s, ",")
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.CSEID == "" || strings.ContainsAny(c.CSEID, "/ ") {
		return fmt.Errorf("CSE_ID must be a non-empty identifier without slashes")
	}
	if c.CSEResourceName == "" || strings.ContainsAny(c.CSEResourceName, "/ ") {
		return fmt.Errorf("CSE_RESOURCE_NAME must be a non-empty name without slashes")
	}
	if !c.DBInMemory && c.DatabaseURL == "" && c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required for the document store backend")
	}
	switch c.AuthMode {
	case "none", "token", "apikey":
	default:
		return fmt.Errorf("AUTH_MODE must be \"none\", \"token\" or \"apikey\", got %q", c.AuthMode)
	}
	if c.AuthMode == "token" && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required when AUTH_MODE is \"token\"")
	}
	if c.MissingDataFactor <= 0 || c.MissingDataFactor > 1 {
		return fmt.Errorf("MISSING_DATA_DETECTION_FACTOR must be in (0, 1]")
	}
	return nil
}
