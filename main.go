// ramqval is the RAMQ billing validation service: it ingests exported billing
// CSVs, runs the validation rule set over them and serves the findings over
// HTTP. One binary hosts both the API and the background workers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"ramqval.facturis.org/api"
	"ramqval.facturis.org/cache"
	"ramqval.facturis.org/common"
	"ramqval.facturis.org/config"
	"ramqval.facturis.org/engine"
	"ramqval.facturis.org/orchestrator"
	"ramqval.facturis.org/phi"
	redisq "ramqval.facturis.org/queue/redis"
	"ramqval.facturis.org/store"
	"ramqval.facturis.org/vlog"
	"ramqval.facturis.org/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ramqval:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := common.NewLogger(common.LoggerConfig{
		Level:   common.LogLevel(cfg.Logging.Level),
		Format:  cfg.Logging.Format,
		Service: "ramqval",
	})
	log := common.ComponentLogger(logger, "ramqval", "main")

	st, err := store.Open(store.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return err
	}
	log.Info("database ready")

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	refCache := cache.New(rdb, st, common.ComponentLogger(logger, "ramqval", "cache"))
	queue := redisq.New(rdb, cfg.Worker.MaxAttempts, cfg.Worker.BackoffBase,
		common.ComponentLogger(logger, "ramqval", "queue"))
	sink := vlog.New(st, common.ComponentLogger(logger, "ramqval", "vlog"))
	redactor := phi.NewRedactor(cfg.PHI.Salt)

	eng := engine.New(refCache, sink, common.ComponentLogger(logger, "ramqval", "engine"))
	eng.RegisterDefaults()

	proc := orchestrator.New(st, eng, sink, cfg.Storage.UploadDir,
		common.ComponentLogger(logger, "ramqval", "orchestrator"))

	// Warm the reference cache before workers accept jobs.
	if err := refCache.Warmup(ctx); err != nil {
		log.WithError(err).Warn("cache warmup failed, first jobs will load from the store")
	}

	pool := worker.New(queue, proc, st, sink, cfg.Worker.Concurrency, cfg.Worker.DrainTimeout,
		common.ComponentLogger(logger, "ramqval", "worker"))
	pool.Start(ctx)

	e := api.NewEcho(cfg.Server)
	srv := api.NewServer(st, refCache, queue, redactor, cfg.Storage.UploadDir,
		common.ComponentLogger(logger, "ramqval", "api"))
	srv.Register(e)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.WithField("addr", addr).Info("http server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown failed")
	}
	if err := pool.Stop(); err != nil {
		log.WithError(err).Warn("worker drain incomplete")
	}
	log.Info("shutdown complete")
	return nil
}
