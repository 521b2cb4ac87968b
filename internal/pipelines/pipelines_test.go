package pipelines

import (
	"context"
	"io"
	"testing"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/platform/objectstore"
	"github.com/buoy-retriever/retriever-go/internal/repo/memory"
)

func TestEnvValidate(t *testing.T) {
	if err := (Env{}).Validate(); err == nil {
		t.Fatalf("expected empty env to fail")
	}
	env := Env{Store: objectstore.NewMemoryStore(), Datastore: "datastore", Runs: memory.NewRunStore()}
	if err := env.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	env = env.WithDefaults()
	if env.Logger == nil || env.Now == nil {
		t.Fatalf("defaults not applied")
	}
}

func TestPlanRejectsDuplicateJobs(t *testing.T) {
	var plan Plan
	job := func(context.Context, domain.Run) error { return nil }
	if err := plan.AddJob("a_daily", job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := plan.AddJob("a_daily", job); err == nil {
		t.Fatalf("expected duplicate job to fail")
	}
}

func TestWriteCSV(t *testing.T) {
	store := objectstore.NewMemoryStore()
	env := Env{Store: store, Datastore: "datastore"}
	rows := [][]string{{"2024-03-10T00:00:00Z", "a,b"}}
	if err := WriteCSV(context.Background(), env, "x/daily/2024/03/2024-03-10.csv", []string{"time", "note"}, rows); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	rc, err := store.Get(context.Background(), "datastore", "x/daily/2024/03/2024-03-10.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if got := string(data); got != "time,note\n2024-03-10T00:00:00Z,\"a,b\"\n" {
		t.Fatalf("csv=%q", got)
	}
}

func TestAttributesMergeOverlays(t *testing.T) {
	base, err := ParseAttributes([]byte("global_attributes:\n  institution: NERACOOS\n  title: base\nvariables:\n  time:\n    units: seconds\n"))
	if err != nil {
		t.Fatalf("ParseAttributes: %v", err)
	}
	merged := base.Merge(Attributes{
		Global:    map[string]any{"title": "override"},
		Variables: map[string]map[string]any{"time": {"long_name": "Time"}},
	})
	if merged.Global["title"] != "override" || merged.Global["institution"] != "NERACOOS" {
		t.Fatalf("global=%v", merged.Global)
	}
	if merged.Variables["time"]["units"] != "seconds" || merged.Variables["time"]["long_name"] != "Time" {
		t.Fatalf("variables=%v", merged.Variables)
	}
	if base.Global["title"] != "base" {
		t.Fatalf("merge mutated its receiver")
	}
	if _, err := ParseAttributes([]byte("global_attributes: [")); err == nil {
		t.Fatalf("expected malformed yaml to fail")
	}
}

func TestPublishAttributes(t *testing.T) {
	store := objectstore.NewMemoryStore()
	env := Env{Store: store, Datastore: "datastore"}
	if err := PublishAttributes(context.Background(), env, "wells_tide", Attributes{Global: map[string]any{"station": "wells"}}); err != nil {
		t.Fatalf("PublishAttributes: %v", err)
	}
	rc, err := store.Get(context.Background(), "datastore", AttributesPath("wells_tide"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	attrs, err := ParseAttributes(data)
	if err != nil || attrs.Global["station"] != "wells" {
		t.Fatalf("attrs=%v err=%v", attrs, err)
	}
}
