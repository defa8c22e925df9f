// Package config defines the runtime configuration file format. Every
// section carries SetDefaults and Validate so a zero value loads into a
// working single-process setup.
package config

import (
	"fmt"

	"github.com/quillframe/quill/pkg/jobs"
)

// Config is the root of a quill.yaml file.
type Config struct {
	Server      ServerConfig                 `yaml:"server"`
	Logging     LoggingConfig                `yaml:"logging"`
	Cache       CacheConfig                  `yaml:"cache"`
	Datasources map[string]*DatasourceConfig `yaml:"datasources"`
	Jobs        JobsConfig                   `yaml:"jobs"`
	Persist     PersistConfig                `yaml:"persist"`
	Knowledge   KnowledgeConfig              `yaml:"knowledge"`
	Metrics     MetricsConfig                `yaml:"metrics"`
}

// ServerConfig configures the HTTP surface. Timeouts are in seconds.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	DocumentRoot    string `yaml:"document_root"`
	ReadTimeout     int    `yaml:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // simple or verbose
}

// CacheConfig sizes the parse and expression caches.
type CacheConfig struct {
	Documents   int  `yaml:"documents"`
	Expressions int  `yaml:"expressions"`
	Watch       bool `yaml:"watch"`
}

// DatasourceConfig declares a named database connection available to query
// statements, in addition to any datasources documents declare themselves.
type DatasourceConfig struct {
	Type       string            `yaml:"type"` // sqlite, postgres, mysql
	Attributes map[string]string `yaml:"attributes"`
}

// JobsConfig sizes the thread pool and optionally backs the durable job
// queue with a SQL connection.
type JobsConfig struct {
	Workers int            `yaml:"workers"`
	Queue   JobQueueConfig `yaml:"queue"`
}

// JobQueueConfig enables the durable queue when a DSN is set.
type JobQueueConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres, mysql
	DSN    string `yaml:"dsn"`
	Poll   string `yaml:"poll"` // worker poll interval, duration string
}

// PersistConfig selects the state persistence adapter.
type PersistConfig struct {
	Store string `yaml:"store"` // memory
}

// KnowledgeConfig configures the vector store backing knowledge bases.
type KnowledgeConfig struct {
	PersistPath string `yaml:"persist_path"` // empty keeps collections in memory
	Compress    bool   `yaml:"compress"`
}

// MetricsConfig enables the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.DocumentRoot == "" {
		c.Server.DocumentRoot = "."
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Cache.Documents <= 0 {
		c.Cache.Documents = 100
	}
	if c.Cache.Expressions <= 0 {
		c.Cache.Expressions = 500
	}
	if c.Datasources == nil {
		c.Datasources = map[string]*DatasourceConfig{}
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.Queue.Driver == "" {
		c.Jobs.Queue.Driver = "sqlite"
	}
	if c.Jobs.Queue.Poll == "" {
		c.Jobs.Queue.Poll = "2s"
	}
	if c.Persist.Store == "" {
		c.Persist.Store = "memory"
	}
}

var validDrivers = map[string]bool{"sqlite": true, "postgres": true, "mysql": true}

func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "simple", "verbose":
	default:
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}
	for id, ds := range c.Datasources {
		if ds == nil {
			return fmt.Errorf("datasource %q: empty definition", id)
		}
		if !validDrivers[ds.Type] {
			return fmt.Errorf("datasource %q: unknown type %q", id, ds.Type)
		}
	}
	if !validDrivers[c.Jobs.Queue.Driver] {
		return fmt.Errorf("jobs.queue: unknown driver %q", c.Jobs.Queue.Driver)
	}
	if _, err := jobs.ParseDuration(c.Jobs.Queue.Poll); err != nil {
		return fmt.Errorf("jobs.queue: invalid poll interval: %w", err)
	}
	if c.Persist.Store != "memory" {
		return fmt.Errorf("persist: unknown store %q", c.Persist.Store)
	}
	return nil
}
