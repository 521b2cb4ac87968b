package sensor

import (
	"context"
	"fmt"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/repo"
)

// Deduplicator reports which partitions of a job already have a run that
// has not finished. The registry is queried fresh on every call.
type Deduplicator struct {
	runs repo.RunRegistry
}

func NewDeduplicator(runs repo.RunRegistry) *Deduplicator {
	return &Deduplicator{runs: runs}
}

func (d *Deduplicator) InflightPartitions(ctx context.Context, job string) (map[string]struct{}, error) {
	runs, err := d.runs.ListByStatus(ctx, job, domain.InflightRunStatuses())
	if err != nil {
		return nil, fmt.Errorf("list inflight runs of %s: %w", job, err)
	}
	out := make(map[string]struct{}, len(runs))
	for _, r := range runs {
		if domain.IsTerminal(r.Status) {
			continue
		}
		out[r.Partition] = struct{}{}
	}
	return out, nil
}
