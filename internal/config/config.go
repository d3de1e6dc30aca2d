package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "WOODSHED"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "woodshed.db"
	defaultLogLevel     = "info"
	defaultIssuer       = "woodshed-auth"
	defaultAudience     = "woodshed-sync"

	defaultLookback      = 7 * 24 * time.Hour
	defaultCatchupLimit  = 500
	defaultStaleAfter    = 5 * time.Minute
	defaultSweepInterval = time.Minute
)

// AppConfig captures runtime configuration for the sync service.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenIssuer   string
	TokenAudience string

	SyncLookback      time.Duration
	SyncCatchupLimit  int
	SyncStaleAfter    time.Duration
	SyncSweepInterval time.Duration
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
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("sync.lookback", defaultLookback)
	configViper.SetDefault("sync.catchup_limit", defaultCatchupLimit)
	configViper.SetDefault("sync.stale_after", defaultStaleAfter)
	configViper.SetDefault("sync.sweep_interval", defaultSweepInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenIssuer:       configViper.GetString("auth.issuer"),
		TokenAudience:     configViper.GetString("auth.audience"),
		SyncLookback:      configViper.GetDuration("sync.lookback"),
		SyncCatchupLimit:  configViper.GetInt("sync.catchup_limit"),
		SyncStaleAfter:    configViper.GetDuration("sync.stale_after"),
		SyncSweepInterval: configViper.GetDuration("sync.sweep_interval"),
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
	if c.SyncLookback <= 0 {
		return fmt.Errorf("sync.lookback must be positive")
	}
	if c.SyncCatchupLimit <= 0 {
		return fmt.Errorf("sync.catchup_limit must be positive")
	}
	if c.SyncStaleAfter <= 0 {
		return fmt.Errorf("sync.stale_after must be positive")
	}
	if c.SyncSweepInterval <= 0 {
		return fmt.Errorf("sync.sweep_interval must be positive")
	}
	return nil
}
