package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/buoy-retriever/retriever-go/internal/domain"
)

type PermissionStore struct {
	db DB
}

func NewPermissionStore(db DB) *PermissionStore {
	if db == nil {
		return nil
	}
	return &PermissionStore{db: db}
}

func (s *PermissionStore) Insert(ctx context.Context, grant domain.Grant) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("permission store not initialized")
	}
	if err := domain.ValidateGrantee(grant.Grantee); err != nil {
		return err
	}
	if _, err := domain.ParsePermission(string(grant.Permission)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO dataset_permissions (grantee, dataset_id, permission, granted_by, granted_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (grantee, dataset_id, permission) DO NOTHING`,
		strings.TrimSpace(grant.Grantee),
		strings.TrimSpace(grant.DatasetID),
		string(grant.Permission),
		strings.TrimSpace(grant.GrantedBy),
		normalizeTime(grant.GrantedAt),
	)
	if err != nil {
		return fmt.Errorf("insert permission: %w", err)
	}
	return nil
}

func (s *PermissionStore) Delete(ctx context.Context, grantee, datasetID string, permission domain.Permission) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("permission store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM dataset_permissions WHERE grantee = $1 AND dataset_id = $2 AND permission = $3`,
		strings.TrimSpace(grantee),
		strings.TrimSpace(datasetID),
		string(permission),
	)
	if err != nil {
		return false, fmt.Errorf("delete permission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete permission: %w", err)
	}
	return n > 0, nil
}

func (s *PermissionStore) Held(ctx context.Context, grantees []string, datasetID string) (map[domain.Permission]bool, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("permission store not initialized")
	}
	held := map[domain.Permission]bool{}
	if len(grantees) == 0 {
		return held, nil
	}
	args := []any{strings.TrimSpace(datasetID)}
	for _, g := range grantees {
		args = append(args, strings.TrimSpace(g))
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT DISTINCT permission FROM dataset_permissions
		 WHERE dataset_id = $1 AND grantee IN (`+placeholders(2, len(grantees))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		held[domain.Permission(p)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	return held, nil
}

func (s *PermissionStore) ListByDataset(ctx context.Context, datasetID string) ([]domain.Grant, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("permission store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT grantee, dataset_id, permission, granted_by, granted_at
		 FROM dataset_permissions WHERE dataset_id = $1
		 ORDER BY grantee, permission`,
		strings.TrimSpace(datasetID),
	)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Grant, 0)
	for rows.Next() {
		var g domain.Grant
		var p string
		var grantedAt time.Time
		if err := rows.Scan(&g.Grantee, &g.DatasetID, &p, &g.GrantedBy, &grantedAt); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		g.Permission = domain.Permission(p)
		g.GrantedAt = grantedAt
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	return out, nil
}
