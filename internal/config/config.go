package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "MOMENTUM"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "momentum.db"
	defaultLogLevel      = "info"
	defaultAuthIssuer    = "momentum-api"
	defaultAuthAudience  = "momentum-devices"
	defaultTokenTTLHours = 720
	defaultPullPageSize  = 500
	defaultMaxPushBatch  = 200
	defaultAllowedOrigin = "*"

	defaultServerURL       = "http://127.0.0.1:8080"
	defaultDataPath        = "momentum-device.db"
	defaultSyncInterval    = 30 * time.Second
	defaultSyncBatchSize   = 100
	defaultRequestTimeout  = 15 * time.Second
	defaultRetryMaxElapsed = 2 * time.Minute
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	AuthIssuer     string
	AuthAudience   string
	TokenTTL       time.Duration
	PullPageSize   int
	MaxPushBatch   int
	AllowedOrigins []string
}

// ClientConfig captures runtime configuration for a device.
type ClientConfig struct {
	ServerURL       string
	DeviceID        string
	DataPath        string
	AuthToken       string
	SyncInterval    time.Duration
	SyncBatchSize   int
	RequestTimeout  time.Duration
	RetryMaxElapsed time.Duration
	LogLevel        string
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
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("token.ttl_hours", defaultTokenTTLHours)
	configViper.SetDefault("sync.pull_page_size", defaultPullPageSize)
	configViper.SetDefault("sync.max_push_batch", defaultMaxPushBatch)

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("data.path", defaultDataPath)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.batch_size", defaultSyncBatchSize)
	configViper.SetDefault("sync.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("sync.retry_max_elapsed", defaultRetryMaxElapsed)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:     configViper.GetString("auth.issuer"),
		AuthAudience:   configViper.GetString("auth.audience"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_hours")) * time.Hour,
		PullPageSize:   configViper.GetInt("sync.pull_page_size"),
		MaxPushBatch:   configViper.GetInt("sync.max_push_batch"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
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
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.PullPageSize <= 0 {
		return fmt.Errorf("sync.pull_page_size must be positive")
	}
	if c.MaxPushBatch <= 0 {
		return fmt.Errorf("sync.max_push_batch must be positive")
	}
	return nil
}

// LoadClient parses device configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:       strings.TrimRight(configViper.GetString("server.url"), "/"),
		DeviceID:        configViper.GetString("device.id"),
		DataPath:        configViper.GetString("data.path"),
		AuthToken:       configViper.GetString("auth.token"),
		SyncInterval:    configViper.GetDuration("sync.interval"),
		SyncBatchSize:   configViper.GetInt("sync.batch_size"),
		RequestTimeout:  configViper.GetDuration("sync.request_timeout"),
		RetryMaxElapsed: configViper.GetDuration("sync.retry_max_elapsed"),
		LogLevel:        configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("server.url is required")
	}
	if strings.TrimSpace(c.DataPath) == "" {
		return fmt.Errorf("data.path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	return nil
}
