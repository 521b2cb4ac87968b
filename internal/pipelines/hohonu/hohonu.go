// Package hohonu is the pipeline fetching tide gauge data from Hohonu.
package hohonu

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/buoy-retriever/retriever-go/internal/backendapi"
	"github.com/buoy-retriever/retriever-go/internal/domain"
	hohonuapi "github.com/buoy-retriever/retriever-go/internal/hohonu"
	"github.com/buoy-retriever/retriever-go/internal/partition"
	"github.com/buoy-retriever/retriever-go/internal/pipelines"
)

const Slug = "hohonu"

var (
	//go:embed schema.json
	schema []byte
	//go:embed attributes.yaml
	attributesYAML []byte
)

type Config struct {
	Station   string  `json:"station"`
	HohonuID  string  `json:"hohonu_id"`
	StartDate string  `json:"start_date"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Station) == "" {
		return errors.New("station is required")
	}
	if strings.TrimSpace(c.HohonuID) == "" {
		return errors.New("hohonu_id is required")
	}
	if _, err := partition.NewDaily(c.StartDate); err != nil {
		return err
	}
	return nil
}

// Fetcher loads one day of water levels; *hohonuapi.Client satisfies it.
type Fetcher interface {
	Daily(ctx context.Context, stationID, day string) (hohonuapi.Response, error)
}

type Pipeline struct {
	api Fetcher
}

func New(api Fetcher) *Pipeline {
	return &Pipeline{api: api}
}

func (p *Pipeline) Definition() backendapi.PipelineDefinition {
	return backendapi.PipelineDefinition{
		Slug:         Slug,
		Name:         "Hohonu",
		Description:  "Fetch tide data from Hohonu's API",
		ConfigSchema: schema,
	}
}

func (p *Pipeline) Build(ctx context.Context, env pipelines.Env, entries []backendapi.Dataset) (pipelines.Plan, error) {
	if err := env.Validate(); err != nil {
		return pipelines.Plan{}, err
	}
	env = env.WithDefaults()
	base, err := pipelines.ParseAttributes(attributesYAML)
	if err != nil {
		return pipelines.Plan{}, err
	}
	var plan pipelines.Plan
	for _, ds := range backendapi.DecodeAll[Config](env.Logger, entries) {
		ds := ds
		daily, _ := partition.NewDaily(ds.Config.StartDate)
		job := func(ctx context.Context, run domain.Run) error {
			if !daily.Contains(run.Partition, env.Now()) {
				return fmt.Errorf("partition %s outside %s", run.Partition, ds.Slug)
			}
			return p.materialize(ctx, env, ds, run.Partition)
		}
		if err := plan.AddJob(pipelines.DailyJobName(ds.Key()), job); err != nil {
			return pipelines.Plan{}, err
		}
		attrs := base.Merge(pipelines.Attributes{Global: map[string]any{
			"station":   ds.Config.Station,
			"latitude":  ds.Config.Latitude,
			"longitude": ds.Config.Longitude,
		}})
		if err := pipelines.PublishAttributes(ctx, env, ds.Key(), attrs); err != nil {
			env.Logger.Warn("publish attributes failed", "dataset", ds.Slug, "error", err)
		}
	}
	return plan, nil
}

func (p *Pipeline) materialize(ctx context.Context, env pipelines.Env, ds backendapi.Typed[Config], key string) error {
	resp, err := p.api.Daily(ctx, ds.Config.HohonuID, key)
	if err != nil {
		return err
	}
	header, rows, err := resp.Table()
	if err != nil {
		return fmt.Errorf("no data available for %s: %w", key, err)
	}
	objectKey, err := partition.DailyPath(ds.Key(), key)
	if err != nil {
		return err
	}
	if err := pipelines.WriteCSV(ctx, env, objectKey, header, rows); err != nil {
		return err
	}
	env.Logger.Info("daily partition written", "dataset", ds.Slug, "partition", key, "rows", len(rows), "key", objectKey)
	return nil
}
