// Package sensor watches an object-storage prefix and requests one run per
// daily partition whose source files changed.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/partition"
	"github.com/buoy-retriever/retriever-go/internal/platform/metrics"
	"github.com/buoy-retriever/retriever-go/internal/platform/objectstore"
	"github.com/buoy-retriever/retriever-go/internal/repo"
)

// Name is the sensor name for a dataset.
func Name(safeSlug string) string {
	return safeSlug + "_s3_sensor"
}

// Config describes what one sensor watches and which job it triggers.
type Config struct {
	Name       string
	Job        string
	Bucket     string
	Prefix     string
	Pattern    *Pattern
	Partitions partition.Daily
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return errors.New("sensor name is required")
	case strings.TrimSpace(c.Job) == "":
		return errors.New("sensor job is required")
	case strings.TrimSpace(c.Bucket) == "":
		return errors.New("sensor bucket is required")
	case c.Pattern == nil:
		return errors.New("sensor file pattern is required")
	case c.Partitions.Start.IsZero():
		return errors.New("sensor partitions need a start date")
	}
	return nil
}

// NormalizePrefix strips the leading slash object stores do not use.
func NormalizePrefix(prefix string) string {
	return strings.TrimLeft(strings.TrimSpace(prefix), "/")
}

// Result is the outcome of one pass.
type Result struct {
	Requests   []domain.DispatchRequest
	Examined   int
	Skipped    int
	NothingNew bool
	// Next is the largest modification time among examined files.
	Next time.Time
}

type Sensor struct {
	cfg    Config
	store  objectstore.Store
	dedup  *Deduplicator
	cursor *Cursor
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config, store objectstore.Store, dedup *Deduplicator, cursor *Cursor, logger *slog.Logger) (*Sensor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || dedup == nil {
		return nil, errors.New("sensor needs an object store and a deduplicator")
	}
	if cursor == nil {
		cursor = NewCursor()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Prefix = NormalizePrefix(cfg.Prefix)
	return &Sensor{
		cfg:    cfg,
		store:  store,
		dedup:  dedup,
		cursor: cursor,
		logger: logger.With("sensor", cfg.Name),
		now:    time.Now,
	}, nil
}

func (s *Sensor) Cursor() *Cursor { return s.cursor }

// Pass evaluates the source once and advances the cursor over every file
// it examined. Listing or registry failures leave the cursor untouched and
// dispatch nothing.
func (s *Sensor) Pass(ctx context.Context) (Result, error) {
	since, ok := s.cursor.Since()
	res, err := s.evaluate(ctx, since, ok)
	if err != nil {
		return Result{}, err
	}
	if !res.NothingNew {
		s.cursor.Advance(res.Next)
	}
	return res, nil
}

func (s *Sensor) evaluate(ctx context.Context, since time.Time, hasSince bool) (Result, error) {
	objects, err := s.store.List(ctx, s.cfg.Bucket, s.cfg.Prefix)
	if err != nil {
		return Result{}, fmt.Errorf("list %s/%s: %w", s.cfg.Bucket, s.cfg.Prefix, err)
	}
	candidates := objects[:0:0]
	for _, obj := range objects {
		if hasSince && !obj.LastModified.After(since) {
			continue
		}
		candidates = append(candidates, obj)
	}
	if len(candidates) == 0 {
		return Result{NothingNew: true}, nil
	}

	inflight, err := s.dedup.InflightPartitions(ctx, s.cfg.Job)
	if err != nil {
		return Result{}, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].LastModified.Equal(candidates[j].LastModified) {
			return candidates[i].LastModified.Before(candidates[j].LastModified)
		}
		return candidates[i].Key < candidates[j].Key
	})

	now := s.now()
	dispatched := map[string]struct{}{}
	res := Result{Examined: len(candidates)}
	for _, obj := range candidates {
		if obj.LastModified.After(res.Next) {
			res.Next = obj.LastModified
		}
		name := strings.TrimPrefix(strings.TrimPrefix(obj.Key, s.cfg.Prefix), "/")
		day, err := s.cfg.Pattern.Parse(name)
		if err != nil {
			s.skip("unparseable", "file", obj.Key, "error", err)
			res.Skipped++
			continue
		}
		key := partition.DailyKey(day)
		if !s.cfg.Partitions.Contains(key, now) {
			s.skip("out_of_range", "file", obj.Key, "partition", key)
			res.Skipped++
			continue
		}
		if _, busy := inflight[key]; busy {
			s.skip("inflight", "file", obj.Key, "partition", key)
			res.Skipped++
			continue
		}
		if _, done := dispatched[key]; done {
			s.skip("duplicate", "file", obj.Key, "partition", key)
			res.Skipped++
			continue
		}
		dispatched[key] = struct{}{}
		res.Requests = append(res.Requests, domain.DispatchRequest{
			Job:        s.cfg.Job,
			RequestKey: RequestKey(key, obj.LastModified),
			Partition:  key,
		})
	}
	return res, nil
}

func (s *Sensor) skip(reason string, args ...any) {
	metrics.SensorSkippedFiles.WithLabelValues(s.cfg.Name, reason).Inc()
	s.logger.Info("sensor skipped file", append([]any{"reason", reason}, args...)...)
}

// RequestKey identifies one observed change of a partition's source.
func RequestKey(partitionKey string, modified time.Time) string {
	return partitionKey + ":" + modified.UTC().Format(time.RFC3339Nano)
}

// Loop runs passes every interval until ctx ends. Each pass is bounded by
// timeout. Requests are submitted to the registry before the cursor is
// persisted.
func (s *Sensor) Loop(ctx context.Context, interval, timeout time.Duration, runs repo.RunRegistry, cursors repo.CursorStore) error {
	if interval <= 0 {
		return errors.New("sensor interval must be positive")
	}
	s.logger.Info("sensor started", "interval", interval, "job", s.cfg.Job)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.tick(ctx, timeout, runs, cursors)
		select {
		case <-ctx.Done():
			s.logger.Info("sensor stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sensor) tick(ctx context.Context, timeout time.Duration, runs repo.RunRegistry, cursors repo.CursorStore) {
	if ctx.Err() != nil {
		return
	}
	passCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		metrics.SensorPassDuration.WithLabelValues(s.cfg.Name).Observe(time.Since(start).Seconds())
	}()

	since, ok := s.cursor.Since()
	res, err := s.evaluate(passCtx, since, ok)
	if err != nil {
		metrics.SensorPasses.WithLabelValues(s.cfg.Name, "error").Inc()
		s.logger.Error("sensor pass failed", "error", err)
		return
	}
	if res.NothingNew {
		metrics.SensorPasses.WithLabelValues(s.cfg.Name, "nothing_new").Inc()
		s.logger.Debug("sensor found nothing new")
		return
	}
	enqueued := 0
	if len(res.Requests) > 0 {
		enqueued, err = runs.Submit(passCtx, res.Requests)
		if err != nil {
			metrics.SensorPasses.WithLabelValues(s.cfg.Name, "error").Inc()
			s.logger.Error("sensor submit failed", "requests", len(res.Requests), "error", err)
			return
		}
	}
	s.cursor.Advance(res.Next)
	if err := SaveCursor(passCtx, cursors, s.cfg.Name, s.cursor); err != nil {
		s.logger.Error("sensor cursor save failed", "error", err)
	}
	metrics.SensorPasses.WithLabelValues(s.cfg.Name, "ok").Inc()
	metrics.SensorDispatches.WithLabelValues(s.cfg.Name).Add(float64(enqueued))
	s.logger.Info("sensor pass complete",
		"examined", res.Examined,
		"skipped", res.Skipped,
		"requested", len(res.Requests),
		"enqueued", enqueued,
		"cursor", s.cursor.Encode(),
	)
}
