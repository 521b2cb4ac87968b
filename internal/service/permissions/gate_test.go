package permissions

import (
	"context"
	"errors"
	"testing"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/platform/auth"
	"github.com/buoy-retriever/retriever-go/internal/repo/memory"
)

var alice = auth.Identity{Subject: "alice", Roles: []string{"viewer"}}

func newGate() (*Gate, *memory.PermissionStore) {
	store := memory.NewPermissionStore()
	return New(store), store
}

type checks struct{ view, edit, publish bool }

func evaluate(t *testing.T, g *Gate, who auth.Identity, datasetID string) checks {
	t.Helper()
	ctx := context.Background()
	view, err := g.CanView(ctx, who, datasetID)
	if err != nil {
		t.Fatalf("CanView: %v", err)
	}
	edit, err := g.CanEdit(ctx, who, datasetID)
	if err != nil {
		t.Fatalf("CanEdit: %v", err)
	}
	publish, err := g.CanPublish(ctx, who, datasetID)
	if err != nil {
		t.Fatalf("CanPublish: %v", err)
	}
	return checks{view, edit, publish}
}

func TestNoGrantsDeniesEverything(t *testing.T) {
	g, _ := newGate()
	if got := evaluate(t, g, alice, "ds-1"); got != (checks{}) {
		t.Fatalf("checks=%+v, want all false", got)
	}
}

func TestGrantPublishImpliesLowerLevels(t *testing.T) {
	g, store := newGate()
	ctx := context.Background()
	if err := g.GrantPublish(ctx, "user:alice", "ds-1", "admin"); err != nil {
		t.Fatalf("GrantPublish: %v", err)
	}
	if got := evaluate(t, g, alice, "ds-1"); got != (checks{true, true, true}) {
		t.Fatalf("checks=%+v, want all true", got)
	}
	grants, _ := store.ListByDataset(ctx, "ds-1")
	if len(grants) != 3 {
		t.Fatalf("grants=%d, want 3", len(grants))
	}
}

func TestGrantEditOnlyIncludesView(t *testing.T) {
	g, _ := newGate()
	if err := g.GrantEdit(context.Background(), "user:alice", "ds-1", "admin"); err != nil {
		t.Fatalf("GrantEdit: %v", err)
	}
	if got := evaluate(t, g, alice, "ds-1"); got != (checks{true, true, false}) {
		t.Fatalf("checks=%+v, want view+edit", got)
	}
}

func TestRepeatedGrantCreatesNoDuplicates(t *testing.T) {
	g, store := newGate()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := g.GrantView(ctx, "user:alice", "ds-1", "admin"); err != nil {
			t.Fatalf("GrantView: %v", err)
		}
	}
	grants, _ := store.ListByDataset(ctx, "ds-1")
	if len(grants) != 1 {
		t.Fatalf("grants=%d, want 1", len(grants))
	}
}

func TestRevokeEditLeavesPublishRecordButFailsCheck(t *testing.T) {
	g, store := newGate()
	ctx := context.Background()
	if err := g.GrantPublish(ctx, "user:alice", "ds-1", "admin"); err != nil {
		t.Fatalf("GrantPublish: %v", err)
	}
	removed, err := g.Revoke(ctx, "user:alice", "ds-1", domain.PermissionEdit)
	if err != nil || !removed {
		t.Fatalf("Revoke removed=%v err=%v", removed, err)
	}
	if got := evaluate(t, g, alice, "ds-1"); got != (checks{true, false, false}) {
		t.Fatalf("checks=%+v, want view only", got)
	}
	held, _ := store.Held(ctx, []string{"user:alice"}, "ds-1")
	if !held[domain.PermissionPublish] {
		t.Fatalf("publish record should remain after revoking edit")
	}
}

func TestGroupGrantsApplyToMembers(t *testing.T) {
	g, _ := newGate()
	if err := g.GrantEdit(context.Background(), "group:ops", "ds-1", "admin"); err != nil {
		t.Fatalf("GrantEdit: %v", err)
	}
	member := auth.Identity{Subject: "bob", Groups: []string{"ops"}}
	if got := evaluate(t, g, member, "ds-1"); got != (checks{true, true, false}) {
		t.Fatalf("checks=%+v, want view+edit via group", got)
	}
	outsider := auth.Identity{Subject: "carol", Groups: []string{"qc"}}
	if got := evaluate(t, g, outsider, "ds-1"); got != (checks{}) {
		t.Fatalf("checks=%+v, want none", got)
	}
}

func TestGrantsAreScopedToDataset(t *testing.T) {
	g, _ := newGate()
	if err := g.GrantPublish(context.Background(), "user:alice", "ds-1", "admin"); err != nil {
		t.Fatalf("GrantPublish: %v", err)
	}
	if got := evaluate(t, g, alice, "ds-2"); got != (checks{}) {
		t.Fatalf("checks=%+v, want none on other dataset", got)
	}
}

func TestAdminPassesEveryCheck(t *testing.T) {
	g, _ := newGate()
	admin := auth.Identity{Subject: "root", Roles: []string{"admin"}}
	if got := evaluate(t, g, admin, "ds-1"); got != (checks{true, true, true}) {
		t.Fatalf("checks=%+v, want all true", got)
	}
}

func TestRequireReturnsForbidden(t *testing.T) {
	g, _ := newGate()
	err := g.Require(context.Background(), alice, "ds-1", domain.PermissionEdit)
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("err=%v, want ErrForbidden", err)
	}
}

func TestFlagsForMatchesIndividualChecks(t *testing.T) {
	g, _ := newGate()
	ctx := context.Background()
	if err := g.GrantPublish(ctx, "user:alice", "ds-1", "admin"); err != nil {
		t.Fatalf("GrantPublish: %v", err)
	}
	if _, err := g.Revoke(ctx, "user:alice", "ds-1", domain.PermissionView); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	flags, err := g.FlagsFor(ctx, alice, "ds-1")
	if err != nil {
		t.Fatalf("FlagsFor: %v", err)
	}
	if flags != (Flags{}) {
		t.Fatalf("flags=%+v, want none without view", flags)
	}
}

func TestGrantRejectsMalformedGrantee(t *testing.T) {
	g, _ := newGate()
	if err := g.GrantView(context.Background(), "alice", "ds-1", "admin"); err == nil {
		t.Fatalf("expected error")
	}
}
