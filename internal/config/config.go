package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/devrev/livestore/internal/schema"
)

// ServerConfig holds HTTP API configuration
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config represents the complete configuration of a store process
type Config struct {
	Name      string          `yaml:"name" validate:"required"`
	Store     StoreConfig     `yaml:"store"`
	CommitLog CommitLogConfig `yaml:"commit_log"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Cache     CacheConfig     `yaml:"cache"`
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Schema    []ClassConfig   `yaml:"schema" validate:"required,min=1,dive"`
}

// StoreConfig holds versioned store configuration
type StoreConfig struct {
	MaxActiveVersions int           `yaml:"max_active_versions" validate:"min=0"`
	ReclaimInterval   time.Duration `yaml:"reclaim_interval"`
	WriteQueueSize    int           `yaml:"write_queue_size" validate:"min=1"`
}

// CommitLogConfig holds commit log configuration
type CommitLogConfig struct {
	Backend     string `yaml:"backend" validate:"oneof=none file sqlite badger"`
	Dir         string `yaml:"dir" validate:"required_unless=Backend none"`
	SyncWrites  bool   `yaml:"sync_writes"`
	SegmentSize int64  `yaml:"segment_size" validate:"min=0"`
	// MaxDiskUsage is the volume usage percentage at which appends stop.
	MaxDiskUsage float64 `yaml:"max_disk_usage" validate:"gte=0,lte=100"`
}

// NotifierConfig holds notification scheduler configuration
type NotifierConfig struct {
	BufferSize int `yaml:"buffer_size" validate:"min=1"`
}

// CacheConfig holds backlink cache configuration
type CacheConfig struct {
	MaxEntries      int           `yaml:"max_entries" validate:"min=1"`
	FrequencyWeight float64       `yaml:"frequency_weight" validate:"gte=0,lte=1"`
	RecencyWeight   float64       `yaml:"recency_weight" validate:"gte=0,lte=1"`
	AdaptiveWindow  time.Duration `yaml:"adaptive_window"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
	Path    string `yaml:"path" validate:"startswith=/"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// ClassConfig declares one class of the store schema
type ClassConfig struct {
	Name       string           `yaml:"name" validate:"required"`
	PrimaryKey string           `yaml:"primary_key"`
	Embedded   bool             `yaml:"embedded"`
	Properties []PropertyConfig `yaml:"properties" validate:"dive"`
	Backlinks  []BacklinkConfig `yaml:"backlinks" validate:"dive"`
}

// PropertyConfig declares one persisted property
type PropertyConfig struct {
	Name       string `yaml:"name" validate:"required"`
	Type       string `yaml:"type" validate:"required,oneof=int bool string binary timestamp float double objectId uuid object any"`
	Nullable   bool   `yaml:"nullable"`
	Collection string `yaml:"collection" validate:"omitempty,oneof=list set dictionary"`
	Target     string `yaml:"target" validate:"required_if=Type object"`
}

// BacklinkConfig declares one computed backlink property
type BacklinkConfig struct {
	Name           string `yaml:"name" validate:"required"`
	SourceClass    string `yaml:"source_class" validate:"required"`
	SourceProperty string `yaml:"source_property" validate:"required"`
}

var validate = validator.New()

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	if cfg.Store.WriteQueueSize == 0 {
		cfg.Store.WriteQueueSize = 1024
	}
	if cfg.Store.ReclaimInterval == 0 {
		cfg.Store.ReclaimInterval = 30 * time.Second
	}

	if cfg.CommitLog.Backend == "" {
		cfg.CommitLog.Backend = "none"
	}
	if cfg.CommitLog.SegmentSize == 0 {
		cfg.CommitLog.SegmentSize = 64 << 20 // 64MB
	}

	if cfg.Notifier.BufferSize == 0 {
		cfg.Notifier.BufferSize = 64
	}

	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 4096
	}
	if cfg.Cache.FrequencyWeight == 0 && cfg.Cache.RecencyWeight == 0 {
		cfg.Cache.FrequencyWeight = 0.5
		cfg.Cache.RecencyWeight = 0.5
	}
	if cfg.Cache.AdaptiveWindow == 0 {
		cfg.Cache.AdaptiveWindow = time.Minute
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Server.Enabled && c.Metrics.Enabled && c.Server.Port == c.Metrics.Port {
		return fmt.Errorf("server.port and metrics.port must differ")
	}
	if _, err := c.BuildSchema(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// BuildSchema converts the declared classes into a schema.
func (c *Config) BuildSchema() (*schema.Schema, error) {
	classes := make([]schema.Class, 0, len(c.Schema))
	for _, cc := range c.Schema {
		class := schema.Class{Name: cc.Name, PrimaryKey: cc.PrimaryKey, Embedded: cc.Embedded}
		for _, pc := range cc.Properties {
			t, err := schema.ParsePropertyType(pc.Type)
			if err != nil {
				return nil, err
			}
			coll, err := schema.ParseCollectionKind(pc.Collection)
			if err != nil {
				return nil, err
			}
			class.Properties = append(class.Properties, schema.Property{
				Name:       pc.Name,
				Type:       t,
				Nullable:   pc.Nullable,
				Collection: coll,
				Target:     pc.Target,
			})
		}
		for _, bc := range cc.Backlinks {
			class.Backlinks = append(class.Backlinks, schema.Backlink{
				Name:           bc.Name,
				SourceClass:    bc.SourceClass,
				SourceProperty: bc.SourceProperty,
			})
		}
		classes = append(classes, class)
	}
	return schema.New(classes...)
}
