package pipelines

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/buoy-retriever/retriever-go/internal/platform/auth"
	"github.com/buoy-retriever/retriever-go/internal/repo/memory"
	"github.com/buoy-retriever/retriever-go/internal/service/permissions"
)

var pipelineCaller = permissions.Caller{Identity: auth.Identity{Pipeline: "hohonu"}}

func TestRegisterIsIdempotentBySlug(t *testing.T) {
	store := memory.NewPipelineStore()
	audit := &memory.AuditLog{}
	svc := New(store, audit, nil)
	ctx := context.Background()

	first, err := svc.Register(ctx, pipelineCaller, Definition{Slug: "hohonu", Name: "Hohonu", ConfigSchema: json.RawMessage(`{"type":"object"}`)})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, err := svc.Register(ctx, pipelineCaller, Definition{Slug: "hohonu", Name: "Hohonu v2", ConfigSchema: json.RawMessage(`{"type":"object"}`)})
	if err != nil {
		t.Fatalf("Register again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("id changed %s -> %s", first.ID, second.ID)
	}
	if second.Name != "Hohonu v2" || !second.Active {
		t.Fatalf("pipeline=%+v, want updated and active", second)
	}
	list, _ := svc.List(ctx)
	if len(list) != 1 {
		t.Fatalf("pipelines=%d, want 1", len(list))
	}
	if got := len(audit.Events()); got != 2 {
		t.Fatalf("audit events=%d, want 2", got)
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	svc := New(memory.NewPipelineStore(), nil, nil)
	_, err := svc.Register(context.Background(), pipelineCaller, Definition{Slug: "x", ConfigSchema: json.RawMessage(`{"type": 5}`)})
	if !errors.Is(err, ErrInvalidSchema) {
		t.Fatalf("err=%v, want ErrInvalidSchema", err)
	}
}

func TestRegisterRejectsBadSlug(t *testing.T) {
	svc := New(memory.NewPipelineStore(), nil, nil)
	if _, err := svc.Register(context.Background(), pipelineCaller, Definition{Slug: "bad slug"}); err == nil {
		t.Fatalf("expected error")
	}
}
