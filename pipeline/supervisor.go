package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/buoy-retriever/retriever-go/internal/backendapi"
	"github.com/buoy-retriever/retriever-go/internal/pipelines"
	"github.com/buoy-retriever/retriever-go/internal/runs"
	"github.com/buoy-retriever/retriever-go/internal/sensor"
)

type registry interface {
	RegisterPipeline(ctx context.Context, def backendapi.PipelineDefinition) (backendapi.Pipeline, error)
	DatasetsForPipeline(ctx context.Context, pipelineSlug string) ([]backendapi.Dataset, error)
}

// supervisor keeps the worker's jobs and the running sensors in line with
// the dataset configs the backend currently serves.
type supervisor struct {
	logger    *slog.Logger
	backend   registry
	pipelines []pipelines.Pipeline
	env       pipelines.Env
	worker    *runs.Worker

	sensorInterval time.Duration
	sensorTimeout  time.Duration
}

func (s *supervisor) register(ctx context.Context) error {
	for _, p := range s.pipelines {
		def := p.Definition()
		registered, err := s.backend.RegisterPipeline(ctx, def)
		if err != nil {
			return err
		}
		s.logger.Info("pipeline registered", "pipeline", registered.Slug, "id", registered.ID)
	}
	return nil
}

// build fetches every pipeline's promoted configs, registers the resulting
// jobs with the worker and returns the sensors to run.
func (s *supervisor) build(ctx context.Context) ([]*sensor.Sensor, error) {
	var sensors []*sensor.Sensor
	for _, p := range s.pipelines {
		slug := p.Definition().Slug
		datasets, err := s.backend.DatasetsForPipeline(ctx, slug)
		if err != nil {
			return nil, err
		}
		plan, err := p.Build(ctx, s.env, datasets)
		if err != nil {
			return nil, fmt.Errorf("build %s: %w", slug, err)
		}
		for name, fn := range plan.Jobs {
			s.worker.Register(name, fn)
		}
		sensors = append(sensors, plan.Sensors...)
		s.logger.Info("pipeline built", "pipeline", slug, "datasets", len(datasets), "jobs", len(plan.Jobs), "sensors", len(plan.Sensors))
	}
	return sensors, nil
}

// Run builds once, then rebuilds every reload interval. Sensors from the
// previous build are stopped before the new set starts. A failed rebuild
// keeps the running set.
func (s *supervisor) Run(ctx context.Context, reload time.Duration) error {
	sensors, err := s.build(ctx)
	if err != nil {
		return err
	}
	var ticks <-chan time.Time
	if reload > 0 {
		ticker := time.NewTicker(reload)
		defer ticker.Stop()
		ticks = ticker.C
	}
	stop := s.start(ctx, sensors)
	for {
		select {
		case <-ctx.Done():
			return stop()
		case <-ticks:
		}
		next, err := s.build(ctx)
		if err != nil {
			s.logger.Error("pipeline reload failed", "error", err)
			continue
		}
		if err := stop(); err != nil {
			return err
		}
		stop = s.start(ctx, next)
	}
}

func (s *supervisor) start(ctx context.Context, sensors []*sensor.Sensor) func() error {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, sn := range sensors {
		g.Go(func() error {
			return sn.Loop(gctx, s.sensorInterval, s.sensorTimeout, s.env.Runs, s.env.Cursors)
		})
	}
	var once sync.Once
	var err error
	return func() error {
		once.Do(func() {
			cancel()
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
		})
		return err
	}
}
