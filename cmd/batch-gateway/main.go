package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Sternrassler/batch-gateway/pkg/batch"
	"github.com/Sternrassler/batch-gateway/pkg/config"
	"github.com/Sternrassler/batch-gateway/pkg/dispatch"
	"github.com/Sternrassler/batch-gateway/pkg/logging"
	"github.com/Sternrassler/batch-gateway/pkg/pool"
	"github.com/Sternrassler/batch-gateway/pkg/ratelimit"
	"github.com/Sternrassler/batch-gateway/pkg/server"
	"github.com/Sternrassler/batch-gateway/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup(logging.DefaultConfig())
		logger := logging.NewLogger("main")
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	logging.Setup(cfg.LoggingConfig())
	logger := logging.NewLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil); err != nil {
		logger.Fatal().Err(err).Msg("Gateway stopped with error")
	}
	logger.Info().Msg("Gateway stopped")
}

// run wires the gateway and serves until ctx is done. A nil listener means
// listening on the configured port.
func run(ctx context.Context, cfg config.Config, listener net.Listener) error {
	logger := logging.NewLogger("main")

	workers, err := pool.New(cfg.PoolConfig(), logging.NewLogger("pool"))
	if err != nil {
		return err
	}
	defer shutdownPool(workers, logger)

	dispatcher := dispatch.New(cfg.DispatchConfig(), logging.NewLogger("dispatch"))
	coordinator := batch.NewCoordinator(workers, dispatcher, cfg.CoordinatorConfig(), logging.NewLogger("batch"))

	deps := server.Deps{Coordinator: coordinator, Pool: workers}

	if cfg.Store.RedisURL != "" {
		client, err := store.Connect(ctx, cfg.Store.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()

		results := store.NewManager(client, cfg.Store.ResultTTL, logging.NewLogger("store"))
		coordinator.SetRecorder(results)
		deps.Results = results
		logger.Info().Dur("ttl", results.TTL()).Msg("Result store enabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	limiter := ratelimit.New(cfg.RateLimitConfig(), logging.NewLogger("ratelimit"))
	if limiter.Enabled() {
		deps.Limiter = limiter
		g.Go(func() error {
			limiter.Run(gctx)
			return nil
		})
	}

	srv, err := server.New(server.Config{
		Addr:            ":" + strconv.Itoa(cfg.Server.Port),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
	}, deps, logging.NewLogger("server"))
	if err != nil {
		return err
	}

	logger.Info().
		Int("port", cfg.Server.Port).
		Int("core_workers", cfg.Pool.CoreWorkers).
		Int("max_workers", cfg.Pool.MaxWorkers).
		Int("queue_size", cfg.Pool.QueueSize).
		Dur("batch_deadline", cfg.Batch.Deadline).
		Dur("item_timeout", cfg.Batch.ItemTimeout).
		Bool("store", deps.Results != nil).
		Bool("rate_limit", deps.Limiter != nil).
		Msg("Starting batch gateway")

	g.Go(func() error {
		if listener != nil {
			return srv.Serve(gctx, listener)
		}
		return srv.Run(gctx)
	})

	return g.Wait()
}

// shutdownPool drains the worker pool once the server no longer accepts
// batches.
func shutdownPool(workers *pool.Pool, logger zerolog.Logger) {
	if err := workers.Shutdown(); err != nil {
		if errors.Is(err, pool.ErrShutdownForced) {
			logger.Warn().Err(err).Msg("Worker pool shutdown forced")
			return
		}
		logger.Error().Err(err).Msg("Worker pool shutdown failed")
		return
	}
	logger.Info().Msg("Worker pool drained")
}
