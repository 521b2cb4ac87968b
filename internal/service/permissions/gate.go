package permissions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/platform/auth"
	"github.com/buoy-retriever/retriever-go/internal/repo"
)

// Gate answers per-dataset permission questions for a caller. Each level is
// checked against its own grant record; holding Publish alone does not imply
// Edit or View.
type Gate struct {
	perms repo.PermissionRepository
	now   func() time.Time
}

func New(perms repo.PermissionRepository) *Gate {
	if perms == nil {
		return nil
	}
	return &Gate{perms: perms, now: time.Now}
}

// Flags is the permission summary attached to dataset listings.
type Flags struct {
	CanView    bool `json:"can_view"`
	CanEdit    bool `json:"user_can_edit"`
	CanPublish bool `json:"user_can_publish"`
}

func (g *Gate) held(ctx context.Context, caller auth.Identity, datasetID string) (map[domain.Permission]bool, error) {
	grantees := caller.Grantees()
	if len(grantees) == 0 {
		return map[domain.Permission]bool{}, nil
	}
	held, err := g.perms.Held(ctx, grantees, datasetID)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	return held, nil
}

func (g *Gate) CanView(ctx context.Context, caller auth.Identity, datasetID string) (bool, error) {
	if caller.IsAdmin() {
		return true, nil
	}
	held, err := g.held(ctx, caller, datasetID)
	if err != nil {
		return false, err
	}
	return held[domain.PermissionView], nil
}

func (g *Gate) CanEdit(ctx context.Context, caller auth.Identity, datasetID string) (bool, error) {
	if caller.IsAdmin() {
		return true, nil
	}
	held, err := g.held(ctx, caller, datasetID)
	if err != nil {
		return false, err
	}
	return held[domain.PermissionView] && held[domain.PermissionEdit], nil
}

func (g *Gate) CanPublish(ctx context.Context, caller auth.Identity, datasetID string) (bool, error) {
	if caller.IsAdmin() {
		return true, nil
	}
	held, err := g.held(ctx, caller, datasetID)
	if err != nil {
		return false, err
	}
	return held[domain.PermissionView] && held[domain.PermissionEdit] && held[domain.PermissionPublish], nil
}

// FlagsFor evaluates all three checks with a single lookup.
func (g *Gate) FlagsFor(ctx context.Context, caller auth.Identity, datasetID string) (Flags, error) {
	if caller.IsAdmin() {
		return Flags{CanView: true, CanEdit: true, CanPublish: true}, nil
	}
	held, err := g.held(ctx, caller, datasetID)
	if err != nil {
		return Flags{}, err
	}
	view := held[domain.PermissionView]
	edit := view && held[domain.PermissionEdit]
	return Flags{
		CanView:    view,
		CanEdit:    edit,
		CanPublish: edit && held[domain.PermissionPublish],
	}, nil
}

// Require returns auth.ErrForbidden unless the caller passes the check for p.
func (g *Gate) Require(ctx context.Context, caller auth.Identity, datasetID string, p domain.Permission) error {
	var ok bool
	var err error
	switch p {
	case domain.PermissionView:
		ok, err = g.CanView(ctx, caller, datasetID)
	case domain.PermissionEdit:
		ok, err = g.CanEdit(ctx, caller, datasetID)
	case domain.PermissionPublish:
		ok, err = g.CanPublish(ctx, caller, datasetID)
	default:
		return fmt.Errorf("unknown permission %q", p)
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s on dataset %s: %w", p, datasetID, auth.ErrForbidden)
	}
	return nil
}

// Grant records p and every lower level for grantee. Repeated grants are no-ops.
func (g *Gate) Grant(ctx context.Context, grantee, datasetID string, p domain.Permission, grantedBy string) error {
	if err := domain.ValidateGrantee(grantee); err != nil {
		return err
	}
	ladder := p.Ladder()
	if len(ladder) == 0 {
		return fmt.Errorf("invalid permission %q", p)
	}
	now := g.now().UTC()
	for _, level := range ladder {
		err := g.perms.Insert(ctx, domain.Grant{
			Grantee:    strings.TrimSpace(grantee),
			DatasetID:  datasetID,
			Permission: level,
			GrantedBy:  grantedBy,
			GrantedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("grant %s: %w", level, err)
		}
	}
	return nil
}

func (g *Gate) GrantView(ctx context.Context, grantee, datasetID, grantedBy string) error {
	return g.Grant(ctx, grantee, datasetID, domain.PermissionView, grantedBy)
}

func (g *Gate) GrantEdit(ctx context.Context, grantee, datasetID, grantedBy string) error {
	return g.Grant(ctx, grantee, datasetID, domain.PermissionEdit, grantedBy)
}

func (g *Gate) GrantPublish(ctx context.Context, grantee, datasetID, grantedBy string) error {
	return g.Grant(ctx, grantee, datasetID, domain.PermissionPublish, grantedBy)
}

// Revoke removes exactly one level. Higher levels stay recorded but stop
// passing their checks while a lower level is missing.
func (g *Gate) Revoke(ctx context.Context, grantee, datasetID string, p domain.Permission) (bool, error) {
	removed, err := g.perms.Delete(ctx, grantee, datasetID, p)
	if err != nil {
		return false, fmt.Errorf("revoke %s: %w", p, err)
	}
	return removed, nil
}

func (g *Gate) ListGrants(ctx context.Context, datasetID string) ([]domain.Grant, error) {
	return g.perms.ListByDataset(ctx, datasetID)
}
