package main

import "github.com/urfave/cli/v3"

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	layers      int64
	kvHeads     int64
	headDim     int64
	headRep     int64
	blockLen    int64
	blocks      int64
	dtype       string
	quantPolicy int64
	scaleFile   string
	workers     int64
	streams     int64
	maxBatch    int64
	maxSession  int64
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// cacheFlags override the model, cache and runtime sections of the config
// file when set.
func cacheFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "layers",
			Usage:       "number of attention layers",
			Destination: &layers,
		},
		&cli.Int64Flag{
			Name:        "kv-heads",
			Usage:       "number of stored key/value heads",
			Destination: &kvHeads,
		},
		&cli.Int64Flag{
			Name:        "head-dim",
			Usage:       "head dimension",
			Destination: &headDim,
		},
		&cli.Int64Flag{
			Name:        "head-rep",
			Usage:       "query heads per key/value head",
			Destination: &headRep,
		},
		&cli.Int64Flag{
			Name:        "block-len",
			Usage:       "tokens per cache block",
			Destination: &blockLen,
		},
		&cli.Int64Flag{
			Name:        "blocks",
			Usage:       "blocks per arena",
			Destination: &blocks,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "cache element type (f32, f16, bf16)",
			Destination: &dtype,
		},
		&cli.Int64Flag{
			Name:        "quant-policy",
			Usage:       "0 for native elements, 4 for int8 with per-head scales",
			Destination: &quantPolicy,
		},
		&cli.StringFlag{
			Name:        "scale-file",
			Usage:       "JSON file with k and v scales indexed [layer][head]",
			Destination: &scaleFile,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "worker goroutines (0 uses GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.Int64Flag{
			Name:        "streams",
			Usage:       "independent ranks, each with its own arena and stream",
			Destination: &streams,
		},
		&cli.Int64Flag{
			Name:        "max-batch",
			Usage:       "rows per batch",
			Destination: &maxBatch,
		},
		&cli.Int64Flag{
			Name:        "max-session",
			Usage:       "token capacity of a sequence",
			Destination: &maxSession,
		},
	}
}
