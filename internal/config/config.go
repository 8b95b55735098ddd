package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultAPIToken is used when API_TOKEN is unset. Deployments must override it.
const DefaultAPIToken = "osonish-notification-server-token"

type Config struct {
	Port     string
	APIToken string
	Env      string

	LogLevel string
	LogDir   string

	FirebaseServiceAccountPath string

	APNSKeyPath  string
	APNSKeyID    string
	APNSTeamID   string
	APNSBundleID string

	MaxBatchSize         int
	AnalyticsMaxEntries  int
	AnalyticsKeepEntries int
	ShutdownTimeout      time.Duration
}

// Load reads the configuration from the environment. A .env file, if present, is
// loaded into the environment by main before this runs.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("PORT", "3000")
	v.SetDefault("API_TOKEN", DefaultAPIToken)
	v.SetDefault("NODE_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DIR", "logs")
	v.SetDefault("FIREBASE_SERVICE_ACCOUNT_PATH", "")
	v.SetDefault("APNS_KEY_PATH", "")
	v.SetDefault("APNS_KEY_ID", "")
	v.SetDefault("APNS_TEAM_ID", "")
	v.SetDefault("APNS_BUNDLE_ID", "com.farakor.osonishmobile")
	v.SetDefault("MAX_BATCH_SIZE", 100)
	v.SetDefault("ANALYTICS_MAX_ENTRIES", 10000)
	v.SetDefault("ANALYTICS_KEEP_ENTRIES", 5000)
	v.SetDefault("SHUTDOWN_TIMEOUT", "5s")

	v.AutomaticEnv()

	cfg := &Config{
		Port:                       v.GetString("PORT"),
		APIToken:                   v.GetString("API_TOKEN"),
		Env:                        v.GetString("NODE_ENV"),
		LogLevel:                   v.GetString("LOG_LEVEL"),
		LogDir:                     v.GetString("LOG_DIR"),
		FirebaseServiceAccountPath: v.GetString("FIREBASE_SERVICE_ACCOUNT_PATH"),
		APNSKeyPath:                v.GetString("APNS_KEY_PATH"),
		APNSKeyID:                  v.GetString("APNS_KEY_ID"),
		APNSTeamID:                 v.GetString("APNS_TEAM_ID"),
		APNSBundleID:               v.GetString("APNS_BUNDLE_ID"),
		MaxBatchSize:               v.GetInt("MAX_BATCH_SIZE"),
		AnalyticsMaxEntries:        v.GetInt("ANALYTICS_MAX_ENTRIES"),
		AnalyticsKeepEntries:       v.GetInt("ANALYTICS_KEEP_ENTRIES"),
		ShutdownTimeout:            v.GetDuration("SHUTDOWN_TIMEOUT"),
	}

	if cfg.APIToken == "" {
		cfg.APIToken = DefaultAPIToken
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return cfg, nil
}

func (c *Config) Addr() string {
	return ":" + c.Port
}

func (c *Config) Production() bool {
	return c.Env == "production"
}

// FCMEnabled reports whether channel A has credentials to try.
func (c *Config) FCMEnabled() bool {
	return c.FirebaseServiceAccountPath != ""
}

// APNSEnabled reports whether channel B has credentials to try.
func (c *Config) APNSEnabled() bool {
	return c.APNSKeyPath != "" && c.APNSKeyID != "" && c.APNSTeamID != ""
}

func (c *Config) UsesDefaultToken() bool {
	return c.APIToken == DefaultAPIToken
}
