package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvpage/internal/config"
	"github.com/samcharles93/kvpage/internal/logger"
)

func loadFileConfig() (config.Config, error) {
	path := configFile
	if path == "" {
		path = config.Path()
	}
	return config.Load(path)
}

// setupLogger prefers explicit flags over the config file.
func setupLogger(c *cli.Command, cfg config.Config) logger.Logger {
	level, format := logLevel, logFormat
	if cfg.Logging.Level != "" && !c.IsSet("log-level") {
		level = cfg.Logging.Level
	}
	if cfg.Logging.Format != "" && !c.IsSet("log-format") {
		format = cfg.Logging.Format
	}
	if debug {
		level = "debug"
	}
	return logger.Setup(os.Stderr, level, format)
}

// loadConfig reads the config file and applies the cache flags that were
// explicitly set.
func loadConfig(c *cli.Command) (config.Config, error) {
	cfg, err := loadFileConfig()
	if err != nil {
		return cfg, err
	}
	applyCacheFlags(c, &cfg)
	return cfg, nil
}

func applyCacheFlags(c *cli.Command, cfg *config.Config) {
	setInt := func(name string, v int64, dst *int) {
		if c.IsSet(name) {
			*dst = int(v)
		}
	}
	setInt("layers", layers, &cfg.Model.Layers)
	setInt("kv-heads", kvHeads, &cfg.Model.KVHeads)
	setInt("head-dim", headDim, &cfg.Model.HeadDim)
	setInt("head-rep", headRep, &cfg.Model.HeadRep)
	setInt("block-len", blockLen, &cfg.Cache.BlockLen)
	setInt("blocks", blocks, &cfg.Cache.Blocks)
	setInt("quant-policy", quantPolicy, &cfg.Cache.QuantPolicy)
	setInt("workers", workers, &cfg.Runtime.Workers)
	setInt("streams", streams, &cfg.Runtime.Streams)
	setInt("max-batch", maxBatch, &cfg.Runtime.MaxBatch)
	setInt("max-session", maxSession, &cfg.Runtime.MaxSessionLen)
	if c.IsSet("dtype") {
		cfg.Cache.DType = dtype
	}
	if c.IsSet("scale-file") {
		cfg.Cache.ScaleFile = scaleFile
		cfg.Cache.Scales = nil
	}
}
