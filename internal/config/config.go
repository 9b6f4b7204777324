// Package config loads the kvpage configuration file
// (~/.config/kvpage/config.yaml) and resolves it into a cache config.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/kvpage/internal/kvcache"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the whole configuration file.
type Config struct {
	Model   Model   `yaml:"model"`
	Cache   Cache   `yaml:"cache"`
	Runtime Runtime `yaml:"runtime"`
	Logging Logging `yaml:"logging"`
	Server  Server  `yaml:"server"`
}

// Model is the attention shape the cache serves.
type Model struct {
	Layers  int `yaml:"layers"`
	KVHeads int `yaml:"kv_heads"`
	HeadDim int `yaml:"head_dim"`
	// HeadRep is the number of query heads sharing one KV head.
	HeadRep int `yaml:"head_rep"`
}

// Cache sizes the block arena.
type Cache struct {
	BlockLen    int    `yaml:"block_len"`
	Blocks      int    `yaml:"blocks"`
	DType       string `yaml:"dtype"`
	QuantPolicy int    `yaml:"quant_policy"`
	// Scales may be given inline or as a JSON file with the same shape.
	Scales    *kvcache.Scales `yaml:"scales"`
	ScaleFile string          `yaml:"scale_file"`
}

// Runtime sizes the worker pool and the simulated decode loop.
type Runtime struct {
	Workers       int     `yaml:"workers"`
	Streams       int     `yaml:"streams"`
	MaxBatch      int     `yaml:"max_batch"`
	MaxSessionLen int     `yaml:"max_session_len"`
	StepsPerSec   float64 `yaml:"steps_per_sec"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Server struct {
	Address string `yaml:"address"`
}

// Default returns a small configuration that runs without a file.
func Default() Config {
	return Config{
		Model:   Model{Layers: 4, KVHeads: 2, HeadDim: 64, HeadRep: 4},
		Cache:   Cache{BlockLen: 16, Blocks: 512, DType: "f16"},
		Runtime: Runtime{Streams: 2, MaxBatch: 8, MaxSessionLen: 256, StepsPerSec: 20},
		Logging: Logging{Level: "info", Format: "pretty"},
		Server:  Server{Address: "127.0.0.1:8090"},
	}
}

// Path returns the default config file location, or "" when the user
// config directory is unknown.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kvpage", "config.yaml")
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Cache.ScaleFile != "" && !filepath.IsAbs(cfg.Cache.ScaleFile) {
		cfg.Cache.ScaleFile = filepath.Join(filepath.Dir(path), cfg.Cache.ScaleFile)
	}
	return cfg, nil
}

// Validate checks the fields kvcache does not.
func (c Config) Validate() error {
	switch {
	case c.Model.HeadRep <= 0:
		return fmt.Errorf("%w: model.head_rep must be positive, got %d", ErrInvalid, c.Model.HeadRep)
	case c.Cache.Blocks <= 0:
		return fmt.Errorf("%w: cache.blocks must be positive, got %d", ErrInvalid, c.Cache.Blocks)
	case c.Runtime.Streams <= 0:
		return fmt.Errorf("%w: runtime.streams must be positive, got %d", ErrInvalid, c.Runtime.Streams)
	case c.Runtime.MaxBatch <= 0:
		return fmt.Errorf("%w: runtime.max_batch must be positive, got %d", ErrInvalid, c.Runtime.MaxBatch)
	case c.Runtime.MaxSessionLen <= 0:
		return fmt.Errorf("%w: runtime.max_session_len must be positive, got %d", ErrInvalid, c.Runtime.MaxSessionLen)
	case c.Runtime.StepsPerSec < 0:
		return fmt.Errorf("%w: runtime.steps_per_sec must not be negative", ErrInvalid)
	case c.Cache.Scales != nil && c.Cache.ScaleFile != "":
		return fmt.Errorf("%w: cache.scales and cache.scale_file are exclusive", ErrInvalid)
	}
	return nil
}

// Layout converts the model and cache sections into a block layout.
func (c Config) Layout() (kvcache.Layout, error) {
	dt, err := kvcache.ParseDType(c.Cache.DType)
	if err != nil {
		return kvcache.Layout{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return kvcache.Layout{
		Layers:   c.Model.Layers,
		KVHeads:  c.Model.KVHeads,
		HeadDim:  c.Model.HeadDim,
		BlockLen: c.Cache.BlockLen,
		DType:    dt,
		Quant:    kvcache.QuantPolicy(c.Cache.QuantPolicy),
	}, nil
}

// Scales returns the inline scales or reads the scale file.
func (c Config) Scales() (*kvcache.Scales, error) {
	if c.Cache.ScaleFile == "" {
		return c.Cache.Scales, nil
	}
	data, err := os.ReadFile(c.Cache.ScaleFile)
	if err != nil {
		return nil, fmt.Errorf("read scale file: %w", err)
	}
	var s kvcache.Scales
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: parse scale file %s: %v", ErrInvalid, c.Cache.ScaleFile, err)
	}
	return &s, nil
}

// KVConfig validates the whole file and resolves the cache config.
func (c Config) KVConfig() (*kvcache.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	l, err := c.Layout()
	if err != nil {
		return nil, err
	}
	scales, err := c.Scales()
	if err != nil {
		return nil, err
	}
	kc, err := kvcache.NewConfig(l, scales)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return kc, nil
}
