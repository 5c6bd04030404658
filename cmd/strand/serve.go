package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/strandml/strand/internal/api"
	"github.com/strandml/strand/internal/dispatch"
	"github.com/strandml/strand/internal/logger"
	"github.com/strandml/strand/internal/sampling"
	"github.com/strandml/strand/internal/toy"
	"github.com/strandml/strand/internal/worker"
)

type serveOptions struct {
	addr         string
	readTimeout  time.Duration
	drainTimeout time.Duration
	rateLimit    float64

	temperature float64
	topK        int64
	topP        float64
	minP        float64
	seed        int64
	maxTokens   int64

	hidden    int64
	modelSeed int64

	logLevel  string
	logFormat string
}

func serveCmd() *cli.Command {
	opts := serveOptions{}

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the OpenAI-compatible chat completion API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &opts.addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "HTTP read header timeout",
				Value:       30 * time.Second,
				Destination: &opts.readTimeout,
			},
			&cli.DurationFlag{
				Name:        "drain-timeout",
				Usage:       "max wait for the next generated token",
				Value:       30 * time.Second,
				Destination: &opts.drainTimeout,
			},
			&cli.Float64Flag{
				Name:        "rate-limit",
				Usage:       "accepted completions per second, 0 for unlimited",
				Value:       0,
				Destination: &opts.rateLimit,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Usage:       "default sampling temperature",
				Value:       1.0,
				Destination: &opts.temperature,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Usage:       "default top-k, 0 to disable",
				Value:       0,
				Destination: &opts.topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Usage:       "default nucleus mass",
				Value:       1.0,
				Destination: &opts.topP,
			},
			&cli.Float64Flag{
				Name:        "min-p",
				Usage:       "default min-p floor",
				Value:       0,
				Destination: &opts.minP,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "default sampling seed",
				Value:       0,
				Destination: &opts.seed,
			},
			&cli.Int64Flag{
				Name:        "max-tokens",
				Usage:       "hard cap on generated tokens per request",
				Value:       1024,
				Destination: &opts.maxTokens,
			},
			&cli.Int64Flag{
				Name:        "hidden",
				Usage:       "toy model hidden size",
				Value:       64,
				Destination: &opts.hidden,
			},
			&cli.Int64Flag{
				Name:        "model-seed",
				Usage:       "toy model weight seed",
				Value:       42,
				Destination: &opts.modelSeed,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "debug, info, warn or error",
				Value:       "info",
				Destination: &opts.logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "pretty or json",
				Value:       "pretty",
				Destination: &opts.logFormat,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &opts)
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts serveOptions) error {
	level := logger.ParseLevel(opts.logLevel)
	var log logger.Logger
	if opts.logFormat == "json" {
		log = logger.JSON(os.Stderr, level)
	} else {
		log = logger.Pretty(os.Stderr, level)
	}

	model := toy.NewLM(toy.VocabSize, int(opts.hidden), opts.modelSeed)
	tok := toy.Tokenizer{}

	w := worker.New(model, tok, model.Alloc(), worker.Config{
		Defaults: defaultParams(opts),
	}, log.With("component", "worker"))

	reg := dispatch.NewRegistry(dispatch.DefaultQueueDepth, log.With("component", "registry"))
	disp := dispatch.NewDispatcher(w, reg, dispatch.Config{}, log.With("component", "dispatcher"))

	server := api.NewServer(reg, w, chatEncoder{tok: tok}, nil, api.Config{
		Model:        "strand-toy",
		DrainTimeout: opts.drainTimeout,
		MaxTokens:    int(opts.maxTokens),
		SubmitRate:   rate.Limit(opts.rateLimit),
	}, log.With("component", "api"))

	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	server.Register(e)

	log.Info("starting server", "address", opts.addr, "hidden", opts.hidden)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return disp.Run(ctx) })
	g.Go(func() error {
		sc := echo.StartConfig{
			Address: opts.addr,
			BeforeServeFunc: func(srv *http.Server) error {
				srv.ReadHeaderTimeout = opts.readTimeout
				return nil
			},
		}
		return sc.Start(ctx, e)
	})

	err := g.Wait()
	logResourceUsage(log)
	return err
}

func defaultParams(opts serveOptions) sampling.Params {
	return sampling.Params{
		Temperature: sampling.Float64(opts.temperature),
		TopK:        sampling.Int(int(opts.topK)),
		TopP:        sampling.Float64(opts.topP),
		MinP:        sampling.Float64(opts.minP),
		Seed:        sampling.Int64(opts.seed),
	}
}
