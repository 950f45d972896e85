package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "TEMPO"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "tempo.db"
	defaultLogLevel           = "info"
	defaultTokenTTLMinutes    = 30
	defaultHorizonDays        = 365
	defaultMaxOccurrences     = 1000
	defaultHubQueueSize       = 16
	defaultChangelogCacheSize = 256
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	SigningSecret      string
	TokenTTL           time.Duration
	ConflictHorizon    time.Duration
	MaxOccurrences     int
	HubQueueSize       int
	ChangelogCacheSize int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("conflict.horizon_days", defaultHorizonDays)
	configViper.SetDefault("conflict.max_occurrences", defaultMaxOccurrences)
	configViper.SetDefault("hub.queue_size", defaultHubQueueSize)
	configViper.SetDefault("changelog.cache_size", defaultChangelogCacheSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		ConflictHorizon:    time.Duration(configViper.GetInt("conflict.horizon_days")) * 24 * time.Hour,
		MaxOccurrences:     configViper.GetInt("conflict.max_occurrences"),
		HubQueueSize:       configViper.GetInt("hub.queue_size"),
		ChangelogCacheSize: configViper.GetInt("changelog.cache_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.ConflictHorizon <= 0 {
		return fmt.Errorf("conflict.horizon_days must be positive")
	}
	if c.MaxOccurrences <= 0 {
		return fmt.Errorf("conflict.max_occurrences must be positive")
	}
	return nil
}
