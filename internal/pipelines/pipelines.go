// Package pipelines holds what the hohonu and s3_timeseries pipelines share:
// the runtime they are wired into, datastore CSV output and NetCDF
// attribute sets.
package pipelines

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/buoy-retriever/retriever-go/internal/backendapi"
	"github.com/buoy-retriever/retriever-go/internal/platform/objectstore"
	"github.com/buoy-retriever/retriever-go/internal/repo"
	"github.com/buoy-retriever/retriever-go/internal/runs"
	"github.com/buoy-retriever/retriever-go/internal/sensor"
)

// Env is what a pipeline needs to build its jobs and sensors.
type Env struct {
	Store     objectstore.Store
	Datastore string
	Runs      repo.RunRegistry
	Cursors   repo.CursorStore
	Logger    *slog.Logger
	Now       func() time.Time
}

func (e Env) Validate() error {
	if e.Store == nil {
		return errors.New("object store is required")
	}
	if e.Datastore == "" {
		return errors.New("datastore bucket is required")
	}
	if e.Runs == nil {
		return errors.New("run registry is required")
	}
	return nil
}

// WithDefaults fills in the logger and clock when unset.
func (e Env) WithDefaults() Env {
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	return e
}

// Plan is the set of jobs and sensors built for a pipeline's datasets.
type Plan struct {
	Jobs    map[string]runs.JobFunc
	Sensors []*sensor.Sensor
}

func (p *Plan) AddJob(name string, fn runs.JobFunc) error {
	if p.Jobs == nil {
		p.Jobs = map[string]runs.JobFunc{}
	}
	if _, ok := p.Jobs[name]; ok {
		return fmt.Errorf("job %s defined twice", name)
	}
	p.Jobs[name] = fn
	return nil
}

// Pipeline is one ETL pipeline.
type Pipeline interface {
	Definition() backendapi.PipelineDefinition
	Build(ctx context.Context, env Env, datasets []backendapi.Dataset) (Plan, error)
}

// DailyJobName is the job materializing daily partitions of a dataset key.
func DailyJobName(key string) string {
	return key + "_daily"
}

// WriteCSV encodes rows under header and stores them at key in the datastore.
func WriteCSV(ctx context.Context, env Env, key string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := env.Store.Put(ctx, env.Datastore, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "text/csv"); err != nil {
		return fmt.Errorf("write %s/%s: %w", env.Datastore, key, err)
	}
	return nil
}
