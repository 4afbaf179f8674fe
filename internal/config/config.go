package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingEndpoint is returned when no Pico endpoint URL is configured.
// Outbound MES calls are impossible without it, so it surfaces at load time
// rather than as a runtime lookup failure.
var ErrMissingEndpoint = errors.New("missing pico endpoint url (pico.url)")

// Config holds the configuration for the bridge service.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
		// PublicURL is the externally reachable base URL handed to the MES
		// when subscribing for webhook callbacks.
		PublicURL string `mapstructure:"public_url"`
		// WebhookKey, when set, is required on inbound callbacks.
		WebhookKey string `mapstructure:"webhook_key"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Pico struct {
		URL         string        `mapstructure:"url"`
		CustomerKey string        `mapstructure:"customer_key"`
		Timeout     time.Duration `mapstructure:"timeout"`
	} `mapstructure:"pico"`
	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// Load loads the configuration from a file and the environment. An empty
// path falls back to config.yaml in the working directory or ./config.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("PICO_MRP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("pico.timeout", 15*time.Second)
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// no config file is fine, the environment may carry everything
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Pico.URL = strings.TrimRight(strings.TrimSpace(cfg.Pico.URL), "/")
	cfg.Server.PublicURL = strings.TrimRight(strings.TrimSpace(cfg.Server.PublicURL), "/")
	return &cfg, nil
}

// Validate checks that the configuration is sufficient to run the bridge.
func (c *Config) Validate() error {
	if c.Pico.URL == "" {
		return ErrMissingEndpoint
	}
	return nil
}

// ConnString returns the PostgreSQL connection string.
func (c *Config) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}
