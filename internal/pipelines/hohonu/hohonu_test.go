package hohonu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/buoy-retriever/retriever-go/internal/backendapi"
	"github.com/buoy-retriever/retriever-go/internal/domain"
	hohonuapi "github.com/buoy-retriever/retriever-go/internal/hohonu"
	"github.com/buoy-retriever/retriever-go/internal/pipelines"
	"github.com/buoy-retriever/retriever-go/internal/platform/configschema"
	"github.com/buoy-retriever/retriever-go/internal/platform/objectstore"
	"github.com/buoy-retriever/retriever-go/internal/repo/memory"
)

type fakeAPI struct {
	station, day string
	resp         hohonuapi.Response
	err          error
}

func (f *fakeAPI) Daily(_ context.Context, station, day string) (hohonuapi.Response, error) {
	f.station, f.day = station, day
	return f.resp, f.err
}

func sampleResponse(t *testing.T) hohonuapi.Response {
	t.Helper()
	var r hohonuapi.Response
	raw := `{"meta":{},"data":{"waterlevel":[{"t":"2024-03-10T00:00:00Z","o":1.5,"p":null}]}}`
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return r
}

func testEnv(store objectstore.Store) pipelines.Env {
	return pipelines.Env{
		Store:     store,
		Datastore: "datastore",
		Runs:      memory.NewRunStore(),
		Now:       func() time.Time { return time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC) },
	}
}

const validConfig = `{"station":"wells","hohonu_id":"hohonu-180","start_date":"2024-03-01","latitude":43.3,"longitude":-70.5}`

func TestSchemaAcceptsValidConfig(t *testing.T) {
	v, err := configschema.Compile(Slug, New(nil).Definition().ConfigSchema)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := v.Validate(json.RawMessage(validConfig)); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := v.Validate(json.RawMessage(`{"station":"wells"}`)); err == nil {
		t.Fatalf("expected missing fields to fail")
	}
}

func TestBuildRegistersDailyJobsPerConfig(t *testing.T) {
	store := objectstore.NewMemoryStore()
	p := New(&fakeAPI{})
	plan, err := p.Build(context.Background(), testEnv(store), []backendapi.Dataset{
		{Slug: "wells-tide", Config: json.RawMessage(validConfig), ConfigState: domain.ConfigPublished},
		{Slug: "wells-tide", Config: json.RawMessage(validConfig), ConfigState: domain.ConfigTesting},
		{Slug: "bad", Config: json.RawMessage(`{"station":"x"}`), ConfigState: domain.ConfigPublished},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(plan.Jobs) != 2 || plan.Jobs["wells_tide_daily"] == nil || plan.Jobs["wells_tide_testing_daily"] == nil {
		t.Fatalf("jobs=%v", plan.Jobs)
	}
	if len(plan.Sensors) != 0 {
		t.Fatalf("sensors=%d, want none", len(plan.Sensors))
	}
	rc, err := store.Get(context.Background(), "datastore", "wells_tide/attributes.yaml")
	if err != nil {
		t.Fatalf("attributes not published: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	attrs, err := pipelines.ParseAttributes(data)
	if err != nil {
		t.Fatalf("ParseAttributes: %v", err)
	}
	if attrs.Global["station"] != "wells" || attrs.Global["cdm_data_type"] != "TimeSeries" {
		t.Fatalf("global=%v", attrs.Global)
	}
}

func TestDailyJobWritesPartition(t *testing.T) {
	store := objectstore.NewMemoryStore()
	api := &fakeAPI{resp: sampleResponse(t)}
	plan, err := New(api).Build(context.Background(), testEnv(store), []backendapi.Dataset{
		{Slug: "wells-tide", Config: json.RawMessage(validConfig), ConfigState: domain.ConfigPublished},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	job := plan.Jobs["wells_tide_daily"]
	if err := job(context.Background(), domain.Run{Partition: "2024-03-10"}); err != nil {
		t.Fatalf("job: %v", err)
	}
	if api.station != "hohonu-180" || api.day != "2024-03-10" {
		t.Fatalf("fetched %s/%s", api.station, api.day)
	}
	rc, err := store.Get(context.Background(), "datastore", "wells_tide/daily/2024/03/2024-03-10.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if got := string(data); got != "time,observed,forecast\n2024-03-10T00:00:00Z,1.5,\n" {
		t.Fatalf("csv=%q", got)
	}
}

func TestDailyJobRejectsOutOfRangeAndVendorErrors(t *testing.T) {
	store := objectstore.NewMemoryStore()
	api := &fakeAPI{err: hohonuapi.ErrNoData}
	plan, err := New(api).Build(context.Background(), testEnv(store), []backendapi.Dataset{
		{Slug: "wells-tide", Config: json.RawMessage(validConfig), ConfigState: domain.ConfigPublished},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	job := plan.Jobs["wells_tide_daily"]
	if err := job(context.Background(), domain.Run{Partition: "2024-02-01"}); err == nil || !strings.Contains(err.Error(), "outside") {
		t.Fatalf("err=%v, want out of range", err)
	}
	if err := job(context.Background(), domain.Run{Partition: "2024-03-10"}); !errors.Is(err, hohonuapi.ErrNoData) {
		t.Fatalf("err=%v, want ErrNoData", err)
	}
}
