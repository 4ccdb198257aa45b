package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "PARLEY"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "parley.db"
	defaultLogLevel     = "info"
	defaultTokenTTL     = 30
	defaultIdleTimeout  = 60
	defaultSendTimeout  = 3
	defaultSweepSeconds = 30
	defaultReplayLimit  = 50
)

// AppConfig captures runtime configuration for the coordination engine.
type AppConfig struct {
	HTTPAddress   string
	SigningSecret string
	DatabasePath  string
	LogLevel      string
	TokenTTL      time.Duration
	IdleTimeout   time.Duration
	SendTimeout   time.Duration
	SweepInterval time.Duration
	ReplayLimit   int
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
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("realtime.idle_timeout_seconds", defaultIdleTimeout)
	configViper.SetDefault("realtime.send_timeout_seconds", defaultSendTimeout)
	configViper.SetDefault("realtime.sweep_interval_seconds", defaultSweepSeconds)
	configViper.SetDefault("realtime.replay_limit", defaultReplayLimit)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		TokenTTL:      time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		IdleTimeout:   time.Duration(configViper.GetInt("realtime.idle_timeout_seconds")) * time.Second,
		SendTimeout:   time.Duration(configViper.GetInt("realtime.send_timeout_seconds")) * time.Second,
		SweepInterval: time.Duration(configViper.GetInt("realtime.sweep_interval_seconds")) * time.Second,
		ReplayLimit:   configViper.GetInt("realtime.replay_limit"),
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
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("realtime.idle_timeout_seconds must be positive")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("realtime.send_timeout_seconds must be positive")
	}
	if c.ReplayLimit <= 0 {
		return fmt.Errorf("realtime.replay_limit must be positive")
	}
	return nil
}
