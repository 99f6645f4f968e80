package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/islands/internal/core/access"
	"github.com/zeusync/islands/internal/core/dbuf"
	"github.com/zeusync/islands/internal/core/depgraph"
	"github.com/zeusync/islands/internal/core/hazard"
	"github.com/zeusync/islands/internal/core/observability/log"
	"github.com/zeusync/islands/internal/core/runner"
)

var ErrUnknownFormat = errors.New("unknown config format")

type Config struct {
	Entities EntitiesConfig `yaml:"entities" toml:"entities"`
	Graph    GraphConfig    `yaml:"graph" toml:"graph"`
	Access   AccessConfig   `yaml:"access" toml:"access"`
	Runner   RunnerConfig   `yaml:"runner" toml:"runner"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

type EntitiesConfig struct {
	Capacity   int `yaml:"capacity" toml:"capacity"`
	EntitySize int `yaml:"entity_size" toml:"entity_size"` // bytes per entity record
	ClientSize int `yaml:"client_size" toml:"client_size"` // 0 disables the client table
}

type GraphConfig struct {
	DirtyPolicy string `yaml:"dirty_policy" toml:"dirty_policy"` // "stale" or "traverse"
	AutoRebuild bool   `yaml:"auto_rebuild" toml:"auto_rebuild"`
}

type AccessConfig struct {
	AutoDepend   bool          `yaml:"auto_depend" toml:"auto_depend"`
	AssertPolicy string        `yaml:"assert_policy" toml:"assert_policy"` // "warn" or "fatal"
	StallTimeout time.Duration `yaml:"stall_timeout" toml:"stall_timeout"`
}

type RunnerConfig struct {
	Workers int `yaml:"workers" toml:"workers"` // 0 means GOMAXPROCS
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "json" or "console"
}

func Default() *Config {
	return &Config{
		Entities: EntitiesConfig{
			Capacity:   1024,
			EntitySize: 64,
			ClientSize: 32,
		},
		Graph: GraphConfig{
			DirtyPolicy: "stale",
		},
		Access: AccessConfig{
			AssertPolicy: "warn",
			StallTimeout: 250 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML or TOML file, picked by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = LoadYAML(bytes.NewReader(data))
	case ".toml":
		cfg, err = LoadTOML(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("config %s: %w", path, ErrUnknownFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func LoadYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := yaml.NewDecoder(r).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadTOML(r io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Entities.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("entities.capacity must be positive, got %d", c.Entities.Capacity))
	}
	if c.Entities.EntitySize <= 0 {
		errs = append(errs, fmt.Errorf("entities.entity_size must be positive, got %d", c.Entities.EntitySize))
	}
	if c.Entities.ClientSize < 0 {
		errs = append(errs, fmt.Errorf("entities.client_size must not be negative, got %d", c.Entities.ClientSize))
	}
	if _, err := depgraph.ParseDirtyPolicy(c.Graph.DirtyPolicy); err != nil {
		errs = append(errs, fmt.Errorf("graph.dirty_policy: %w", err))
	}
	if _, err := hazard.ParsePolicy(c.Access.AssertPolicy); err != nil {
		errs = append(errs, fmt.Errorf("access.assert_policy: %w", err))
	}
	if c.Access.StallTimeout < 0 {
		errs = append(errs, fmt.Errorf("access.stall_timeout must not be negative, got %s", c.Access.StallTimeout))
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// The accessors below assume a validated config.

func (c *Config) GraphOptions() depgraph.Options {
	policy, _ := depgraph.ParseDirtyPolicy(c.Graph.DirtyPolicy)
	return depgraph.Options{
		Capacity:    c.Entities.Capacity,
		DirtyPolicy: policy,
		AutoRebuild: c.Graph.AutoRebuild,
	}
}

func (c *Config) AccessOptions() access.Options {
	return access.Options{
		AutoDepend:   c.Access.AutoDepend,
		StallTimeout: c.Access.StallTimeout,
	}
}

func (c *Config) RunnerOptions() runner.Options {
	return runner.Options{Workers: c.Runner.Workers}
}

func (c *Config) Layout() dbuf.Layout {
	return dbuf.Layout{
		Capacity:   c.Entities.Capacity,
		EntitySize: c.Entities.EntitySize,
		ClientSize: c.Entities.ClientSize,
	}
}

func (c *Config) AssertPolicy() hazard.Policy {
	p, _ := hazard.ParsePolicy(c.Access.AssertPolicy)
	return p
}

func (c *Config) LogLevel() log.Level {
	l, _ := log.ParseLevel(c.Logging.Level)
	return l
}
