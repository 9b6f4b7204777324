package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvpage/internal/batch"
	"github.com/samcharles93/kvpage/internal/logger"
	"github.com/samcharles93/kvpage/internal/sim"
)

func workloadFlags(opts *sim.Options, padding *string) []cli.Flag {
	d := sim.DefaultOptions()
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "requests",
			Aliases:     []string{"n"},
			Usage:       "requests per workload",
			Value:       d.Requests,
			Destination: &opts.Requests,
		},
		&cli.IntFlag{
			Name:        "prompt-min",
			Usage:       "shortest prompt",
			Value:       d.PromptMin,
			Destination: &opts.PromptMin,
		},
		&cli.IntFlag{
			Name:        "prompt-max",
			Usage:       "longest prompt",
			Value:       d.PromptMax,
			Destination: &opts.PromptMax,
		},
		&cli.IntFlag{
			Name:        "gen-min",
			Usage:       "fewest generated tokens",
			Value:       d.GenMin,
			Destination: &opts.GenMin,
		},
		&cli.IntFlag{
			Name:        "gen-max",
			Usage:       "most generated tokens",
			Value:       d.GenMax,
			Destination: &opts.GenMax,
		},
		&cli.IntFlag{
			Name:        "output-cap",
			Usage:       "capacity of each request's output buffer (0 = session length)",
			Destination: &opts.OutputCap,
		},
		&cli.StringFlag{
			Name:        "padding",
			Usage:       "prompt padding (right, left)",
			Value:       "right",
			Destination: padding,
		},
		&cli.IntFlag{
			Name:        "verify-every",
			Usage:       "re-check the whole cache every N decode steps (-1 disables read-back checks)",
			Value:       d.VerifyEvery,
			Destination: &opts.VerifyEvery,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "workload seed",
			Value:       d.Seed,
			Destination: &opts.Seed,
		},
	}
}

func simulateCmd() *cli.Command {
	var (
		opts    sim.Options
		padding string
		asJSON  bool
	)

	flags := append(cacheFlags(), workloadFlags(&opts, &padding)...)
	flags = append(flags, &cli.BoolFlag{
		Name:        "json",
		Usage:       "print the final stats as JSON",
		Destination: &asJSON,
	})

	return &cli.Command{
		Name:  "simulate",
		Usage: "Run a synthetic decode workload through the cache and verify it",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			cfg, err := loadConfig(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if opts.Padding, err = batch.ParsePadding(padding); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			// Simulation runs flat out; pacing is for serve.
			cfg.Runtime.StepsPerSec = 0

			engine, err := sim.New(cfg, opts, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = engine.Close() }()

			start := time.Now()
			if err := engine.Run(ctx, engine.Generate(opts.Requests)); err != nil {
				return cli.Exit(fmt.Sprintf("error: simulate: %v", err), 1)
			}
			elapsed := time.Since(start)

			st := engine.Stats()
			if asJSON {
				return writeJSON(os.Stdout, struct {
					Elapsed string    `json:"elapsed"`
					Stats   sim.Stats `json:"stats"`
				}{elapsed.Round(time.Millisecond).String(), st})
			}
			printStats(os.Stdout, st, elapsed)
			if st.VerifyErrors > 0 {
				return cli.Exit(fmt.Sprintf("error: %d read-back mismatches", st.VerifyErrors), 1)
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStats(w io.Writer, st sim.Stats, elapsed time.Duration) {
	_, _ = fmt.Fprintln(w, "=== kvpage simulation ===")
	_, _ = fmt.Fprintf(w, "%-14s %d\n", "Requests:", st.Requests)
	_, _ = fmt.Fprintf(w, "%-14s %d\n", "Completed:", st.Completed)
	_, _ = fmt.Fprintf(w, "%-14s %d\n", "Rejected:", st.Rejected)
	_, _ = fmt.Fprintf(w, "%-14s %d\n", "Truncated:", st.Truncated)
	_, _ = fmt.Fprintf(w, "%-14s %d\n", "Batches:", st.Batches)
	_, _ = fmt.Fprintf(w, "%-14s %d\n", "Decode steps:", st.Steps)
	_, _ = fmt.Fprintf(w, "%-14s %d\n", "Tokens:", st.Tokens)
	_, _ = fmt.Fprintf(w, "%-14s %d (%d blocks moved)\n", "Compactions:", st.Compactions, st.BlocksMoved)
	_, _ = fmt.Fprintf(w, "%-14s %d\n", "Mismatches:", st.VerifyErrors)
	_, _ = fmt.Fprintf(w, "%-14s %s\n", "Elapsed:", elapsed.Round(time.Millisecond))
	if secs := elapsed.Seconds(); secs > 0 {
		_, _ = fmt.Fprintf(w, "%-14s %.1f tok/s\n", "Throughput:", float64(st.Tokens)/secs)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "%-6s %-8s %8s %8s %8s %8s\n", "Rank", "Stream", "Blocks", "InUse", "Free", "Mapped")
	for _, r := range st.Ranks {
		_, _ = fmt.Fprintf(w, "%-6d %-8s %8d %8d %8d %8v\n", r.Rank, r.Stream, r.Arena.Blocks, r.Arena.InUse, r.Arena.Free, r.Arena.Mapped)
	}
}
