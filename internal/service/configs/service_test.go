package configs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/platform/auth"
	"github.com/buoy-retriever/retriever-go/internal/repo"
	"github.com/buoy-retriever/retriever-go/internal/repo/memory"
	"github.com/buoy-retriever/retriever-go/internal/service/permissions"
)

const hohonuSchema = `{
  "type": "object",
  "required": ["hohonu_id", "start_date"],
  "properties": {
    "hohonu_id": {"type": "string"},
    "start_date": {"type": "string"}
  }
}`

type fixture struct {
	svc      *Service
	configs  *memory.ConfigStore
	gate     *permissions.Gate
	audit    *memory.AuditLog
	dataset  domain.Dataset
	editor   permissions.Caller
	owner    permissions.Caller
	stranger permissions.Caller
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	pipelines := memory.NewPipelineStore()
	datasets := memory.NewDatasetStore()
	configStore := memory.NewConfigStore(datasets)
	gate := permissions.New(memory.NewPermissionStore())
	audit := &memory.AuditLog{}

	p, err := pipelines.Upsert(ctx, domain.Pipeline{ID: "p-1", Slug: "hohonu", Name: "Hohonu", ConfigSchema: json.RawMessage(hohonuSchema)})
	if err != nil {
		t.Fatalf("Upsert pipeline: %v", err)
	}
	ds := domain.Dataset{ID: "ds-1", Slug: "wb-tide", State: domain.DatasetActive, PipelineID: p.ID}
	if err := datasets.Create(ctx, ds); err != nil {
		t.Fatalf("Create dataset: %v", err)
	}
	if err := gate.GrantEdit(ctx, "user:ed", ds.ID, "test"); err != nil {
		t.Fatalf("GrantEdit: %v", err)
	}
	if err := gate.GrantPublish(ctx, "user:olive", ds.ID, "test"); err != nil {
		t.Fatalf("GrantPublish: %v", err)
	}
	svc := New(configStore, datasets, pipelines, gate, audit, nil)
	n := 0
	svc.newID = func() string {
		n++
		return fmt.Sprintf("cfg-%d", n)
	}
	return fixture{
		svc:      svc,
		configs:  configStore,
		gate:     gate,
		audit:    audit,
		dataset:  ds,
		editor:   permissions.Caller{Identity: auth.Identity{Subject: "ed"}},
		owner:    permissions.Caller{Identity: auth.Identity{Subject: "olive"}},
		stranger: permissions.Caller{Identity: auth.Identity{Subject: "sam"}},
	}
}

func validPayload(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"hohonu_id":%q,"start_date":"2024-01-01"}`, id))
}

func (f fixture) draft(t *testing.T, id string) domain.DatasetConfig {
	t.Helper()
	cfg, err := f.svc.CreateDraft(context.Background(), f.editor, f.dataset.ID, validPayload(id))
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	return cfg
}

func (f fixture) state(t *testing.T, id string) domain.ConfigState {
	t.Helper()
	cfg, err := f.configs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return cfg.State
}

func TestCreateDraftValidatesAgainstPipelineSchema(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateDraft(context.Background(), f.editor, f.dataset.ID, json.RawMessage(`{"start_date":"2024-01-01"}`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err=%v, want ErrInvalidPayload", err)
	}
	_, err = f.svc.CreateDraft(context.Background(), f.editor, f.dataset.ID, json.RawMessage(`[1,2]`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err=%v, want ErrInvalidPayload for array", err)
	}
	cfg := f.draft(t, "abc")
	if cfg.State != domain.ConfigDraft {
		t.Fatalf("state=%s, want Draft", cfg.State)
	}
	if cfg.CreatedBy != "ed" {
		t.Fatalf("created_by=%q, want ed", cfg.CreatedBy)
	}
}

func TestCreateDraftRequiresEdit(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateDraft(context.Background(), f.stranger, f.dataset.ID, validPayload("x"))
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("err=%v, want ErrForbidden", err)
	}
	list, _ := f.configs.ListByDataset(context.Background(), f.dataset.ID)
	if len(list) != 0 {
		t.Fatalf("configs=%d, want 0", len(list))
	}
}

func TestCreateDraftUnknownDataset(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateDraft(context.Background(), f.editor, "missing", validPayload("x"))
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestPromoteToPublishedDemotesPreviousHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.draft(t, "a")
	b := f.draft(t, "b")
	if _, err := f.svc.SetState(ctx, f.owner, a.ID, domain.ConfigPublished); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	got, err := f.svc.SetState(ctx, f.owner, b.ID, domain.ConfigPublished)
	if err != nil {
		t.Fatalf("publish b: %v", err)
	}
	if got.State != domain.ConfigPublished {
		t.Fatalf("state=%s, want Published", got.State)
	}
	if s := f.state(t, a.ID); s != domain.ConfigDraft {
		t.Fatalf("a state=%s, want Draft", s)
	}
}

func TestTestingAndPublishedAreIndependentSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.draft(t, "a")
	b := f.draft(t, "b")
	if _, err := f.svc.SetState(ctx, f.owner, a.ID, domain.ConfigPublished); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if _, err := f.svc.SetState(ctx, f.editor, b.ID, domain.ConfigTesting); err != nil {
		t.Fatalf("test b: %v", err)
	}
	if s := f.state(t, a.ID); s != domain.ConfigPublished {
		t.Fatalf("a state=%s, want Published", s)
	}
	if s := f.state(t, b.ID); s != domain.ConfigTesting {
		t.Fatalf("b state=%s, want Testing", s)
	}
}

func TestPublishedConfigMovedToTestingVacatesPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.draft(t, "a")
	if _, err := f.svc.SetState(ctx, f.owner, a.ID, domain.ConfigPublished); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := f.svc.SetState(ctx, f.owner, a.ID, domain.ConfigTesting); err != nil {
		t.Fatalf("testing: %v", err)
	}
	counts, _ := f.configs.StateCounts(ctx, f.dataset.ID)
	if counts[domain.ConfigPublished] != 0 || counts[domain.ConfigTesting] != 1 {
		t.Fatalf("counts=%v, want one Testing and no Published", counts)
	}
}

func TestDemoteToDraftHasNoSiblingEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.draft(t, "a")
	b := f.draft(t, "b")
	if _, err := f.svc.SetState(ctx, f.owner, a.ID, domain.ConfigPublished); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := f.svc.SetState(ctx, f.editor, b.ID, domain.ConfigDraft); err != nil {
		t.Fatalf("draft: %v", err)
	}
	if s := f.state(t, a.ID); s != domain.ConfigPublished {
		t.Fatalf("a state=%s, want Published", s)
	}
}

func TestPublishRequiresPublishPermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.draft(t, "a")
	_, err := f.svc.SetState(ctx, f.editor, a.ID, domain.ConfigPublished)
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("err=%v, want ErrForbidden", err)
	}
	if s := f.state(t, a.ID); s != domain.ConfigDraft {
		t.Fatalf("state=%s, want Draft after denied publish", s)
	}
	if _, err := f.svc.SetState(ctx, f.editor, a.ID, domain.ConfigTesting); err != nil {
		t.Fatalf("editor may promote to Testing: %v", err)
	}
}

func TestUnpublishRequiresPublishPermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.draft(t, "a")
	if _, err := f.svc.SetState(ctx, f.owner, a.ID, domain.ConfigPublished); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, to := range []domain.ConfigState{domain.ConfigDraft, domain.ConfigTesting} {
		if _, err := f.svc.SetState(ctx, f.editor, a.ID, to); !errors.Is(err, auth.ErrForbidden) {
			t.Fatalf("editor move to %s err=%v, want ErrForbidden", to, err)
		}
		if s := f.state(t, a.ID); s != domain.ConfigPublished {
			t.Fatalf("state=%s, want Published after denied move to %s", s, to)
		}
	}
	if _, err := f.svc.SetState(ctx, f.owner, a.ID, domain.ConfigDraft); err != nil {
		t.Fatalf("owner unpublish: %v", err)
	}
}

func TestRevokedEditBlocksPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.draft(t, "a")
	if _, err := f.gate.Revoke(ctx, "user:olive", f.dataset.ID, domain.PermissionEdit); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	_, err := f.svc.SetState(ctx, f.owner, a.ID, domain.ConfigPublished)
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("err=%v, want ErrForbidden", err)
	}
}

func TestSetStateUnknownConfig(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SetState(context.Background(), f.owner, "nope", domain.ConfigTesting)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestSetStateAppendsAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.draft(t, "a")
	if _, err := f.svc.SetState(ctx, f.owner, a.ID, domain.ConfigPublished); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var found *domain.AuditEvent
	for _, ev := range f.audit.Events() {
		if ev.Action == domain.ActionConfigState {
			ev := ev
			found = &ev
		}
	}
	if found == nil {
		t.Fatalf("no config.state_changed event")
	}
	if found.Payload["from"] != "Draft" || found.Payload["to"] != "Published" {
		t.Fatalf("payload=%v, want Draft -> Published", found.Payload)
	}
	if found.Actor != "olive" {
		t.Fatalf("actor=%q, want olive", found.Actor)
	}
}

func TestUpdatePayloadEditsDraftInPlace(t *testing.T) {
	f := newFixture(t)
	a := f.draft(t, "a")
	got, copied, err := f.svc.UpdatePayload(context.Background(), f.editor, a.ID, validPayload("a2"))
	if err != nil {
		t.Fatalf("UpdatePayload: %v", err)
	}
	if copied || got.ID != a.ID {
		t.Fatalf("copied=%v id=%s, want in-place edit of %s", copied, got.ID, a.ID)
	}
}

func TestUpdatePayloadCopiesPromotedConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.draft(t, "a")
	if _, err := f.svc.SetState(ctx, f.owner, a.ID, domain.ConfigPublished); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, copied, err := f.svc.UpdatePayload(ctx, f.editor, a.ID, validPayload("a2"))
	if err != nil {
		t.Fatalf("UpdatePayload: %v", err)
	}
	if !copied || got.ID == a.ID || got.State != domain.ConfigDraft {
		t.Fatalf("copied=%v id=%s state=%s, want new draft", copied, got.ID, got.State)
	}
	published, _ := f.configs.Get(ctx, a.ID)
	if published.State != domain.ConfigPublished || string(published.Config) != string(validPayload("a")) {
		t.Fatalf("published config changed: %+v", published)
	}
}

func TestConcurrentPublishLeavesSinglePublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = f.draft(t, fmt.Sprintf("c%d", i)).ID
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.svc.SetState(ctx, f.owner, id, domain.ConfigPublished); err != nil {
				t.Errorf("publish %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
	counts, _ := f.configs.StateCounts(ctx, f.dataset.ID)
	if counts[domain.ConfigPublished] != 1 {
		t.Fatalf("published=%d, want 1", counts[domain.ConfigPublished])
	}
}

func TestGetAndListRequireView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.draft(t, "a")
	if _, err := f.svc.Get(ctx, f.stranger, a.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("Get err=%v, want ErrForbidden", err)
	}
	list, err := f.svc.List(ctx, f.editor, f.dataset.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("List len=%d err=%v, want 1", len(list), err)
	}
}
