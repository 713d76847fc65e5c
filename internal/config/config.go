// Package config loads lobster settings from defaults, an optional
// config file and LOBSTER_* environment variables, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"lobster/internal/orderbook"
)

const EnvPrefix = "LOBSTER"

type Config struct {
	TCP    TCPConfig    `mapstructure:"tcp"`
	HTTP   HTTPConfig   `mapstructure:"http"`
	Store  StoreConfig  `mapstructure:"store"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Engine EngineConfig `mapstructure:"engine"`
	Log    LogConfig    `mapstructure:"log"`
}

type TCPConfig struct {
	Addr         string        `mapstructure:"addr"`
	MaxLineBytes int           `mapstructure:"max_line_bytes"`
	AcceptLimit  int           `mapstructure:"accept_limit"`
	AcceptWindow time.Duration `mapstructure:"accept_window"`
}

// HTTPConfig configures the JSON/WebSocket API. An empty Addr disables it.
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	BookInterval time.Duration `mapstructure:"book_interval"`
}

// StoreConfig configures trade persistence. An empty Path disables it.
type StoreConfig struct {
	Path          string        `mapstructure:"path"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// KafkaConfig configures trade publishing. No brokers disables it.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	Buffer       int           `mapstructure:"buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type EngineConfig struct {
	PriceRule string `mapstructure:"price_rule"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tcp.addr", ":54321")
	v.SetDefault("tcp.max_line_bytes", 1024)
	v.SetDefault("tcp.accept_limit", 0)
	v.SetDefault("tcp.accept_window", time.Minute)

	v.SetDefault("http.addr", ":8088")
	v.SetDefault("http.cors_origins", []string{})
	v.SetDefault("http.book_interval", 500*time.Millisecond)

	v.SetDefault("store.path", "lobster.db")
	v.SetDefault("store.batch_size", 256)
	v.SetDefault("store.flush_interval", 100*time.Millisecond)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "lobster.trades")
	v.SetDefault("kafka.buffer", 16384)
	v.SetDefault("kafka.write_timeout", 10*time.Second)

	v.SetDefault("engine.price_rule", "ask")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
}

// Load reads the config file at path, if any, then applies environment
// overrides such as LOBSTER_TCP_ADDR or LOBSTER_KAFKA_BROKERS=a:9092,b:9092.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks value ranges and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.TCP.Addr == "" {
		errs = append(errs, errors.New("tcp.addr is required"))
	}
	if c.TCP.MaxLineBytes < 16 || c.TCP.MaxLineBytes > 1<<20 {
		errs = append(errs, fmt.Errorf("tcp.max_line_bytes %d out of range [16, 1048576]", c.TCP.MaxLineBytes))
	}
	if c.TCP.AcceptLimit < 0 {
		errs = append(errs, fmt.Errorf("tcp.accept_limit %d is negative", c.TCP.AcceptLimit))
	}
	if c.TCP.AcceptWindow <= 0 {
		errs = append(errs, errors.New("tcp.accept_window must be positive"))
	}
	if c.HTTP.Addr != "" && c.HTTP.BookInterval <= 0 {
		errs = append(errs, errors.New("http.book_interval must be positive"))
	}
	if c.Store.Path != "" {
		if c.Store.BatchSize <= 0 {
			errs = append(errs, fmt.Errorf("store.batch_size %d must be positive", c.Store.BatchSize))
		}
		if c.Store.FlushInterval <= 0 {
			errs = append(errs, errors.New("store.flush_interval must be positive"))
		}
	}
	if len(c.Kafka.Brokers) > 0 {
		if c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
		}
		if c.Kafka.Buffer <= 0 {
			errs = append(errs, fmt.Errorf("kafka.buffer %d must be positive", c.Kafka.Buffer))
		}
		if c.Kafka.WriteTimeout <= 0 {
			errs = append(errs, errors.New("kafka.write_timeout must be positive"))
		}
	}
	if _, err := orderbook.ParsePriceRule(c.Engine.PriceRule); err != nil {
		errs = append(errs, fmt.Errorf("engine.price_rule: %w", err))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// PriceRule returns the parsed engine price rule.
func (c *Config) PriceRule() orderbook.PriceRule {
	rule, _ := orderbook.ParsePriceRule(c.Engine.PriceRule)
	return rule
}
