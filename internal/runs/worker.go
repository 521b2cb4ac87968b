// Package runs executes queued partition runs from the run registry.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/platform/metrics"
	"github.com/buoy-retriever/retriever-go/internal/repo"
)

// JobFunc materializes one partition.
type JobFunc func(ctx context.Context, run domain.Run) error

type Worker struct {
	runs        repo.RunRegistry
	logger      *slog.Logger
	poll        time.Duration
	concurrency int
	timeout     time.Duration

	mu   sync.RWMutex
	jobs map[string]JobFunc
}

type Options struct {
	Poll        time.Duration
	Concurrency int
	// RunTimeout bounds a single job execution; zero means no bound.
	RunTimeout time.Duration
}

func NewWorker(runs repo.RunRegistry, logger *slog.Logger, opts Options) *Worker {
	if runs == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Poll <= 0 {
		opts.Poll = 5 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Worker{
		runs:        runs,
		logger:      logger,
		poll:        opts.Poll,
		concurrency: opts.Concurrency,
		timeout:     opts.RunTimeout,
		jobs:        map[string]JobFunc{},
	}
}

func (w *Worker) Register(job string, fn JobFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobs[job] = fn
}

func (w *Worker) Jobs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.jobs))
	for name := range w.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (w *Worker) job(name string) (JobFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fn, ok := w.jobs[name]
	return fn, ok
}

// Run polls the registry with Concurrency goroutines until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		ran, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("run execution failed", "error", err)
			return
		}
		if !ran {
			return
		}
	}
}

// RunOnce claims the oldest queued run of a registered job and executes it.
// It reports false when nothing was queued.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	jobs := w.Jobs()
	if len(jobs) == 0 {
		return false, nil
	}
	run, err := w.runs.ClaimNext(ctx, jobs)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	logger := w.logger.With("run_id", run.ID, "job", run.Job, "partition", run.Partition)

	fn, ok := w.job(run.Job)
	if !ok {
		return true, w.finish(ctx, logger, run, domain.RunFailed, "no job registered")
	}
	started, err := w.runs.UpdateStatus(ctx, run.ID, domain.RunStarted, "")
	if err != nil {
		return true, fmt.Errorf("start run %s: %w", run.ID, err)
	}
	run = started
	logger.Info("run started")

	start := time.Now()
	runErr := w.execute(ctx, fn, run)
	if runErr != nil {
		logger.Error("run failed", "error", runErr, "duration", time.Since(start))
		return true, w.finish(ctx, logger, run, domain.RunFailed, runErr.Error())
	}
	logger.Info("run succeeded", "duration", time.Since(start))
	return true, w.finish(ctx, logger, run, domain.RunSucceeded, "")
}

func (w *Worker) execute(ctx context.Context, fn JobFunc, run domain.Run) (err error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, run)
}

func (w *Worker) finish(ctx context.Context, logger *slog.Logger, run domain.Run, status domain.RunStatus, message string) error {
	// Record the outcome even when the worker is shutting down.
	ctx = context.WithoutCancel(ctx)
	if _, err := w.runs.UpdateStatus(ctx, run.ID, status, message); err != nil {
		logger.Error("record run outcome failed", "status", status, "error", err)
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	metrics.RunOutcomes.WithLabelValues(run.Job, string(status)).Inc()
	return nil
}
