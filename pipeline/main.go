package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/buoy-retriever/retriever-go/internal/backendapi"
	"github.com/buoy-retriever/retriever-go/internal/hohonu"
	"github.com/buoy-retriever/retriever-go/internal/pipelines"
	hohonupipeline "github.com/buoy-retriever/retriever-go/internal/pipelines/hohonu"
	"github.com/buoy-retriever/retriever-go/internal/pipelines/s3timeseries"
	"github.com/buoy-retriever/retriever-go/internal/platform/env"
	"github.com/buoy-retriever/retriever-go/internal/platform/httpserver"
	"github.com/buoy-retriever/retriever-go/internal/platform/objectstore"
	"github.com/buoy-retriever/retriever-go/internal/platform/postgres"
	"github.com/buoy-retriever/retriever-go/internal/repo"
	"github.com/buoy-retriever/retriever-go/internal/repo/memory"
	repopg "github.com/buoy-retriever/retriever-go/internal/repo/postgres"
	"github.com/buoy-retriever/retriever-go/internal/runs"
)

const service = "pipeline"

type config struct {
	Addr              string
	ShutdownTimeout   time.Duration
	Store             string
	Enabled           []string
	SensorInterval    time.Duration
	SensorTimeout     time.Duration
	ReloadInterval    time.Duration
	WorkerPoll        time.Duration
	WorkerConcurrency int
	RunTimeout        time.Duration
}

func configFromEnv() (config, error) {
	var cfg config
	var err error
	cfg.Addr = env.String("PIPELINE_HTTP_ADDR", ":8090")
	cfg.Store = strings.ToLower(strings.TrimSpace(env.String("PIPELINE_STORE", "postgres")))
	cfg.Enabled = env.CSV("PIPELINE_ENABLED", hohonupipeline.Slug+","+s3timeseries.Slug)
	if cfg.ShutdownTimeout, err = env.Duration("PIPELINE_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return config{}, err
	}
	if cfg.SensorInterval, err = env.Duration("PIPELINE_SENSOR_INTERVAL", 30*time.Second); err != nil {
		return config{}, err
	}
	if cfg.SensorTimeout, err = env.Duration("PIPELINE_SENSOR_TIMEOUT", 2*time.Minute); err != nil {
		return config{}, err
	}
	if cfg.ReloadInterval, err = env.Duration("PIPELINE_RELOAD_INTERVAL", 5*time.Minute); err != nil {
		return config{}, err
	}
	if cfg.WorkerPoll, err = env.Duration("PIPELINE_WORKER_POLL", 5*time.Second); err != nil {
		return config{}, err
	}
	if cfg.WorkerConcurrency, err = env.Int("PIPELINE_WORKER_CONCURRENCY", 2); err != nil {
		return config{}, err
	}
	if cfg.RunTimeout, err = env.Duration("PIPELINE_RUN_TIMEOUT", 15*time.Minute); err != nil {
		return config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) Validate() error {
	switch c.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("PIPELINE_STORE must be postgres or memory, got %q", c.Store)
	}
	if len(c.Enabled) == 0 {
		return errors.New("PIPELINE_ENABLED lists no pipelines")
	}
	for _, slug := range c.Enabled {
		if slug != hohonupipeline.Slug && slug != s3timeseries.Slug {
			return fmt.Errorf("unknown pipeline %q", slug)
		}
	}
	if c.SensorInterval <= 0 {
		return errors.New("PIPELINE_SENSOR_INTERVAL must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return errors.New("PIPELINE_WORKER_CONCURRENCY must be positive")
	}
	return nil
}

func (c config) enabled(slug string) bool {
	for _, s := range c.Enabled {
		if s == slug {
			return true
		}
	}
	return false
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := configFromEnv()
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	backendCfg, err := backendapi.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid backend config", "error", err)
		os.Exit(2)
	}
	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureDatastore(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	store, err := objectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(2)
	}

	var (
		runStore    repo.RunRegistry
		cursorStore repo.CursorStore
		checks      = []httpserver.ReadinessCheck{{
			Name:  "datastore",
			Check: objectstore.DatastoreCheck(storeClient, storeCfg.BucketDatastore),
		}}
	)
	switch cfg.Store {
	case "memory":
		logger.Warn("using in-memory run registry; runs and cursors are lost on restart")
		runStore, cursorStore = memory.NewRunStore(), memory.NewCursorStore()
	case "postgres":
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		if dbCfg.ApplicationName == "" {
			dbCfg.ApplicationName = "retriever-" + service
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		runStore, cursorStore = repopg.NewRunStore(db), repopg.NewCursorStore(db)
		checks = append(checks, httpserver.ReadinessCheck{Name: "postgres", Check: db.PingContext, Timeout: 750 * time.Millisecond})
	}

	var enabled []pipelines.Pipeline
	if cfg.enabled(hohonupipeline.Slug) {
		hohonuCfg, err := hohonu.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid hohonu config", "error", err)
			os.Exit(2)
		}
		enabled = append(enabled, hohonupipeline.New(hohonu.NewClient(hohonuCfg, nil)))
	}
	if cfg.enabled(s3timeseries.Slug) {
		enabled = append(enabled, s3timeseries.New(store))
	}

	worker := runs.NewWorker(runStore, logger, runs.Options{
		Poll:        cfg.WorkerPoll,
		Concurrency: cfg.WorkerConcurrency,
		RunTimeout:  cfg.RunTimeout,
	})
	sup := &supervisor{
		logger:    logger,
		backend:   backendapi.NewClient(backendCfg, nil),
		pipelines: enabled,
		env: pipelines.Env{
			Store:     store,
			Datastore: storeCfg.BucketDatastore,
			Runs:      runStore,
			Cursors:   cursorStore,
			Logger:    logger,
		},
		worker:         worker,
		sensorInterval: cfg.SensorInterval,
		sensorTimeout:  cfg.SensorTimeout,
	}
	if err := sup.register(ctx); err != nil {
		logger.Error("backend unavailable", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	httpserver.Mount(mux, service, checks...)
	serverCfg := httpserver.Config{Service: service, Addr: cfg.Addr, ShutdownTimeout: cfg.ShutdownTimeout}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := httpserver.Run(gctx, logger, serverCfg, httpserver.Wrap(logger, service, mux))
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error { return sup.Run(gctx, cfg.ReloadInterval) })
	g.Go(func() error { return worker.Run(gctx) })
	if err := g.Wait(); err != nil {
		logger.Error("pipeline failed", "error", err)
		os.Exit(1)
	}
}
