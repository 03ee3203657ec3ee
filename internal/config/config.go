// Package config loads the process configuration: a yaml file with
// DATACORE_* environment overrides. Component packages keep their own
// typed config structs; this package maps the flat file onto them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quantfabric/datacore/internal/bars"
	"github.com/quantfabric/datacore/internal/cache"
	"github.com/quantfabric/datacore/internal/catalog"
	"github.com/quantfabric/datacore/internal/engine"
	"github.com/quantfabric/datacore/internal/model"
)

// Config is the full process configuration.
type Config struct {
	Env         string `mapstructure:"env"`
	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Engine   EngineSection   `mapstructure:"engine"`
	Bars     BarsSection     `mapstructure:"bars"`
	Cache    CacheSection    `mapstructure:"cache"`
	Redis    RedisSection    `mapstructure:"redis"`
	Kafka    KafkaSection    `mapstructure:"kafka"`
	Postgres PostgresSection `mapstructure:"postgres"`
	Catalog  CatalogSection  `mapstructure:"catalog"`
}

type EngineSection struct {
	IntakeBuffer   int           `mapstructure:"intake_buffer"`
	SnapshotDepth  int           `mapstructure:"snapshot_depth"`
	BookType       string        `mapstructure:"book_type"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type BarsSection struct {
	GapThreshold time.Duration `mapstructure:"gap_threshold"`
}

type CacheSection struct {
	BarCapacity   int           `mapstructure:"bar_capacity"`
	MirrorTimeout time.Duration `mapstructure:"mirror_timeout"`
}

type RedisSection struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type KafkaSection struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	TopicPrefix  string        `mapstructure:"topic_prefix"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
}

type PostgresSection struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

type CatalogSection struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	AppendTimeout time.Duration `mapstructure:"append_timeout"`
}

// Load reads configuration from the given yaml file (optional when path
// is empty) with DATACORE_* environment variables taking precedence,
// e.g. DATACORE_REDIS_ADDR overrides redis.addr.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DATACORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9102")

	eng := engine.DefaultConfig()
	v.SetDefault("engine.intake_buffer", eng.IntakeBuffer)
	v.SetDefault("engine.snapshot_depth", eng.SnapshotDepth)
	v.SetDefault("engine.book_type", eng.DefaultBookType.String())
	v.SetDefault("engine.request_timeout", eng.DefaultRequestTimeout)

	v.SetDefault("bars.gap_threshold", time.Duration(0))

	cacheCfg := cache.DefaultConfig()
	v.SetDefault("cache.bar_capacity", cacheCfg.BarCapacity)
	v.SetDefault("cache.mirror_timeout", cacheCfg.MirrorTimeout)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl", time.Hour)

	kafka := catalog.DefaultKafkaConfig()
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", kafka.Brokers)
	v.SetDefault("kafka.topic_prefix", kafka.TopicPrefix)
	v.SetDefault("kafka.batch_size", kafka.BatchSize)
	v.SetDefault("kafka.batch_timeout", kafka.BatchTimeout)
	v.SetDefault("kafka.write_timeout", kafka.WriteTimeout)
	v.SetDefault("kafka.required_acks", kafka.RequiredAcks)

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.table", "datacore_records")

	v.SetDefault("catalog.buffer_size", 8192)
	v.SetDefault("catalog.append_timeout", time.Second)
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	if _, err := c.bookType(); err != nil {
		return err
	}
	if c.Engine.IntakeBuffer < 0 {
		return fmt.Errorf("config: engine.intake_buffer must not be negative")
	}
	if c.Bars.GapThreshold < 0 {
		return fmt.Errorf("config: bars.gap_threshold must not be negative")
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn required when postgres.enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers required when kafka.enabled")
	}
	return nil
}

func (c *Config) bookType() (model.BookType, error) {
	switch strings.ToUpper(c.Engine.BookType) {
	case "", "MBP":
		return model.BookMBP, nil
	case "MBO":
		return model.BookMBO, nil
	default:
		return 0, fmt.Errorf("config: unknown engine.book_type %q", c.Engine.BookType)
	}
}

// EngineConfig maps the engine section onto the engine's own config type.
func (c *Config) EngineConfig() engine.Config {
	bt, _ := c.bookType()
	return engine.Config{
		IntakeBuffer:          c.Engine.IntakeBuffer,
		SnapshotDepth:         c.Engine.SnapshotDepth,
		DefaultBookType:       bt,
		DefaultRequestTimeout: c.Engine.RequestTimeout,
		Bars:                  bars.Config{GapThreshold: c.Bars.GapThreshold},
	}
}

func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		BarCapacity:   c.Cache.BarCapacity,
		MirrorTimeout: c.Cache.MirrorTimeout,
	}
}

func (c *Config) RedisConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		TTL:      c.Redis.TTL,
	}
}

func (c *Config) KafkaConfig() catalog.KafkaConfig {
	return catalog.KafkaConfig{
		Brokers:      c.Kafka.Brokers,
		TopicPrefix:  c.Kafka.TopicPrefix,
		BatchSize:    c.Kafka.BatchSize,
		BatchTimeout: c.Kafka.BatchTimeout,
		WriteTimeout: c.Kafka.WriteTimeout,
		RequiredAcks: c.Kafka.RequiredAcks,
	}
}

func (c *Config) PostgresConfig() catalog.PostgresConfig {
	return catalog.PostgresConfig{DSN: c.Postgres.DSN, Table: c.Postgres.Table}
}
