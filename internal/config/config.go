package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "QSOLOG"
	defaultDatabasePath     = "qsolog.db"
	defaultLogLevel         = "info"
	defaultDeviceProtocol   = "ws"
	defaultPollInterval     = 10 * time.Second
	defaultFullSyncInterval = time.Hour
)

// AppConfig captures runtime configuration for the log viewer and sync client.
type AppConfig struct {
	DatabasePath     string
	LogLevel         string
	DeviceAddress    string
	DeviceProtocol   string
	Operator         string
	PollInterval     time.Duration
	FullSyncInterval time.Duration
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

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("device.address", "")
	configViper.SetDefault("device.protocol", defaultDeviceProtocol)
	configViper.SetDefault("sync.operator", "")
	configViper.SetDefault("sync.poll_interval", defaultPollInterval)
	configViper.SetDefault("sync.full_interval", defaultFullSyncInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		DeviceAddress:    configViper.GetString("device.address"),
		DeviceProtocol:   configViper.GetString("device.protocol"),
		Operator:         configViper.GetString("sync.operator"),
		PollInterval:     configViper.GetDuration("sync.poll_interval"),
		FullSyncInterval: configViper.GetDuration("sync.full_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.DeviceProtocol {
	case "ws", "wss":
	default:
		return fmt.Errorf("device.protocol must be ws or wss")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval must be positive")
	}
	if c.FullSyncInterval <= 0 {
		return fmt.Errorf("sync.full_interval must be positive")
	}
	return nil
}
