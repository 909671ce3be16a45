package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/haivu-dev/courier/internal/auth"
)

// Config represents the runtime configuration for the courier backend.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Store      StoreConfig      `mapstructure:"store"`
	Bus        BusConfig        `mapstructure:"bus"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// AuthConfig captures authentication settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access token validation.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// JWTServiceConfig converts AuthConfig into the parameters expected by the JWT service.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}
	return auth.JWTConfig{
		Secret:         c.JWT.Secret,
		Issuer:         c.JWT.Issuer,
		AccessTokenTTL: ttl,
	}
}

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	Driver    string          `mapstructure:"driver"` // "firestore" or "memory"
	Firestore FirestoreConfig `mapstructure:"firestore"`
}

// FirestoreConfig holds Cloud Firestore connection options.
type FirestoreConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// BusConfig selects and configures the event bus backend.
type BusConfig struct {
	Driver string       `mapstructure:"driver"` // "pubsub" or "memory"
	PubSub PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig holds Cloud Pub/Sub connection and subscription options.
type PubSubConfig struct {
	ProjectID       string        `mapstructure:"project_id"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	Topic           string        `mapstructure:"topic"`
	AckDeadline     time.Duration `mapstructure:"ack_deadline"`
	MaxOutstanding  int           `mapstructure:"max_outstanding"`
}

// LifecycleConfig tunes the connection sweeps.
type LifecycleConfig struct {
	SweepSchedule      string        `mapstructure:"sweep_schedule"`
	RevalidateSchedule string        `mapstructure:"revalidate_schedule"`
	RevalidateAfter    time.Duration `mapstructure:"revalidate_after"`
}

// MonitoringConfig toggles the observability surface.
type MonitoringConfig struct {
	MetricsEnabled bool          `mapstructure:"metrics_enabled"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("COURIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("auth.jwt.issuer", "courier")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.firestore.project_id", "")
	v.SetDefault("store.firestore.credentials_file", "")

	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.pubsub.project_id", "")
	v.SetDefault("bus.pubsub.credentials_file", "")
	v.SetDefault("bus.pubsub.topic", "courier-events")
	v.SetDefault("bus.pubsub.ack_deadline", "30s")
	v.SetDefault("bus.pubsub.max_outstanding", 100)

	v.SetDefault("lifecycle.sweep_schedule", "@every 5m")
	v.SetDefault("lifecycle.revalidate_schedule", "@every 10m")
	v.SetDefault("lifecycle.revalidate_after", "10m")

	v.SetDefault("monitoring.metrics_enabled", true)
	v.SetDefault("monitoring.probe_timeout", "5s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
