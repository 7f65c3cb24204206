// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads kbingest settings.
//
// Settings are layered: DefaultConfig, then an optional YAML file, then a
// .env file, then KBINGEST_* environment variables. Nested sections map to
// nested variable names, for example KBINGEST_EMBEDDING_EMBEDDING_MODEL or
// KBINGEST_QUEUE_CAPACITY.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/poiesic/kbingest/ai"
	"github.com/poiesic/kbingest/chunking"
	"github.com/poiesic/kbingest/textfilter"
	"github.com/poiesic/kbingest/vectorindex"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "KBINGEST"

// Config is the complete configuration of a kbingest instance.
type Config struct {
	// DataDir holds the badger database, vector indexes and staged uploads.
	DataDir  string `yaml:"data_dir" envconfig:"DATA_DIR"`
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`

	Embedding ai.Config       `yaml:"embedding" envconfig:"EMBEDDING"`
	Index     IndexConfig     `yaml:"index" envconfig:"INDEX"`
	Chunking  chunking.Config `yaml:"chunking" envconfig:"CHUNKING"`
	Queue     QueueConfig     `yaml:"queue" envconfig:"QUEUE"`
	Filter    FilterConfig    `yaml:"filter" envconfig:"FILTER"`
	Dedup     DedupConfig     `yaml:"dedup" envconfig:"DEDUP"`
}

// IndexConfig tunes the vector store.
type IndexConfig struct {
	// Kind is used for knowledge bases created without an explicit kind.
	Kind string `yaml:"kind" envconfig:"KIND"`
}

// QueueConfig tunes the ingestion queue.
type QueueConfig struct {
	Capacity       int           `yaml:"capacity" envconfig:"CAPACITY"`
	PollInterval   time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	StatusTTL      time.Duration `yaml:"status_ttl" envconfig:"STATUS_TTL"`
	EmbedBatchSize int           `yaml:"embed_batch_size" envconfig:"EMBED_BATCH_SIZE"`
}

// FilterConfig enables the stop word and sensitive word filter.
type FilterConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
	// Dictionary is the path of the YAML word list.
	Dictionary string `yaml:"dictionary" envconfig:"DICTIONARY"`
	Mode       string `yaml:"mode" envconfig:"MODE"`
}

// DedupConfig tunes duplicate detection.
type DedupConfig struct {
	Threshold float64 `yaml:"threshold" envconfig:"THRESHOLD"`
	BatchSize int     `yaml:"batch_size" envconfig:"BATCH_SIZE"`
	PoolSize  int     `yaml:"pool_size" envconfig:"POOL_SIZE"`
	CacheSize int     `yaml:"cache_size" envconfig:"CACHE_SIZE"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		DataDir:   defaultDataDir(),
		LogLevel:  "info",
		Embedding: *ai.DefaultConfig(),
		Index:     IndexConfig{Kind: string(vectorindex.KindFlat)},
		Chunking:  chunking.DefaultConfig(),
		Queue: QueueConfig{
			Capacity:       128,
			PollInterval:   2 * time.Second,
			StatusTTL:      5 * time.Second,
			EmbedBatchSize: 8,
		},
		Filter: FilterConfig{Mode: string(textfilter.ModeBoth)},
		Dedup: DedupConfig{
			Threshold: 0.8,
			BatchSize: 16,
			CacheSize: 10000,
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".kbingest")
	}
	return ".kbingest"
}

// Load builds a Config from the defaults, the YAML file at path (skipped
// when path is empty), the .env file at envFile (skipped when empty or
// missing) and the environment. The result is validated.
func Load(path, envFile string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if envFile != "" {
		// Variables already set in the environment win over the file.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills zero values with defaults and canonicalizes fields.
func (c *Config) Normalize() {
	d := DefaultConfig()
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	c.Embedding.Normalize()
	if c.Index.Kind == "" {
		c.Index.Kind = d.Index.Kind
	}
	c.Chunking.Normalize()
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = d.Queue.Capacity
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = d.Queue.PollInterval
	}
	if c.Queue.StatusTTL == 0 {
		c.Queue.StatusTTL = d.Queue.StatusTTL
	}
	if c.Queue.EmbedBatchSize == 0 {
		c.Queue.EmbedBatchSize = d.Queue.EmbedBatchSize
	}
	if c.Filter.Mode == "" {
		c.Filter.Mode = d.Filter.Mode
	}
	if c.Dedup.Threshold == 0 {
		c.Dedup.Threshold = d.Dedup.Threshold
	}
	if c.Dedup.BatchSize == 0 {
		c.Dedup.BatchSize = d.Dedup.BatchSize
	}
}

// Validate normalizes the configuration and rejects impossible values.
func (c *Config) Validate() error {
	c.Normalize()

	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if err := c.Embedding.Validate(); err != nil {
		return err
	}
	if _, ok := vectorindex.ParseKind(c.Index.Kind); !ok {
		return fmt.Errorf("config: unknown index kind %q", c.Index.Kind)
	}
	if err := c.Chunking.Validate(); err != nil {
		return fmt.Errorf("config: chunking: %w", err)
	}
	if c.Queue.Capacity < 1 {
		return errors.New("config: queue capacity must be positive")
	}
	if c.Queue.PollInterval < 0 || c.Queue.StatusTTL < 0 {
		return errors.New("config: queue intervals must not be negative")
	}
	if c.Queue.EmbedBatchSize < 1 {
		return errors.New("config: queue embed batch size must be positive")
	}
	switch textfilter.Mode(c.Filter.Mode) {
	case textfilter.ModeBoth, textfilter.ModeStopWords, textfilter.ModeSensitive:
	default:
		return fmt.Errorf("config: unknown filter mode %q", c.Filter.Mode)
	}
	if c.Filter.Enabled && c.Filter.Dictionary == "" {
		return errors.New("config: filter enabled without a dictionary")
	}
	if c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 1 {
		return fmt.Errorf("config: dedup threshold %v outside (0, 1]", c.Dedup.Threshold)
	}
	if c.Dedup.BatchSize < 1 || c.Dedup.PoolSize < 0 || c.Dedup.CacheSize < 0 {
		return errors.New("config: dedup sizes must not be negative")
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: invalid log level %q", c.LogLevel)
	}
	return level, nil
}

// Paths of the data directory layout.

func (c *Config) DatabaseDir() string { return filepath.Join(c.DataDir, "db") }
func (c *Config) IndexDir() string    { return filepath.Join(c.DataDir, "indexes") }
func (c *Config) StagingDir() string  { return filepath.Join(c.DataDir, "staging") }
