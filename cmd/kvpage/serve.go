package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/kvpage/internal/api"
	"github.com/samcharles93/kvpage/internal/batch"
	"github.com/samcharles93/kvpage/internal/logger"
	"github.com/samcharles93/kvpage/internal/sim"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		stepsPerSec float64
		opts        sim.Options
		padding     string
	)

	flags := append(cacheFlags(), workloadFlags(&opts, &padding)...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8090",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Float64Flag{
			Name:        "steps-per-sec",
			Usage:       "decode steps per second (0 runs unpaced)",
			Destination: &stepsPerSec,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the simulation continuously and serve the inspection API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			cfg, err := loadConfig(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if cfg.Server.Address != "" && !cmd.IsSet("addr") {
				addr = cfg.Server.Address
			}
			if cmd.IsSet("steps-per-sec") {
				cfg.Runtime.StepsPerSec = stepsPerSec
			}
			if opts.Padding, err = batch.ParsePadding(padding); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			engine, err := sim.New(cfg, opts, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = engine.Close() }()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			api.NewServer(engine).Register(e)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return engine.Serve(ctx)
			})
			g.Go(func() error {
				log.Info("starting server", "address", addr)
				sc := echo.StartConfig{
					Address: addr,
					BeforeServeFunc: func(srv *http.Server) error {
						srv.ReadHeaderTimeout = readTimeout
						return nil
					},
				}
				return sc.Start(ctx, e)
			})
			return g.Wait()
		},
	}
}
