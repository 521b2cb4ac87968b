package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/repo"
)

// ConfigStore persists dataset configs. State changes run in a transaction
// that locks the owning dataset row so writers on one dataset are serialized.
type ConfigStore struct {
	db  TxDB
	now func() time.Time
}

func NewConfigStore(db TxDB) *ConfigStore {
	if db == nil {
		return nil
	}
	return &ConfigStore{db: db, now: time.Now}
}

const configColumns = `config_id, dataset_id, config, state, created_by, created_at, edited_at`

func scanConfig(row rowScanner) (domain.DatasetConfig, error) {
	var c domain.DatasetConfig
	var payload []byte
	var state string
	if err := row.Scan(&c.ID, &c.DatasetID, &payload, &state, &c.CreatedBy, &c.CreatedAt, &c.EditedAt); err != nil {
		return domain.DatasetConfig{}, err
	}
	c.Config = payload
	c.State = domain.ConfigState(state)
	return c, nil
}

func (s *ConfigStore) Create(ctx context.Context, cfg domain.DatasetConfig) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("config store not initialized")
	}
	if cfg.State == "" {
		cfg.State = domain.ConfigDraft
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.State != domain.ConfigDraft {
		return fmt.Errorf("new configs must be drafts, got %s", cfg.State)
	}
	createdAt := normalizeTime(cfg.CreatedAt)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO dataset_configs (
			config_id,
			dataset_id,
			config,
			state,
			created_by,
			created_at,
			edited_at
		) VALUES ($1,$2,$3,$4,$5,$6,$6)`,
		strings.TrimSpace(cfg.ID),
		strings.TrimSpace(cfg.DatasetID),
		normalizeJSON(cfg.Config),
		string(cfg.State),
		strings.TrimSpace(cfg.CreatedBy),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert dataset config: %w", err)
	}
	return nil
}

func (s *ConfigStore) Get(ctx context.Context, id string) (domain.DatasetConfig, error) {
	if s == nil || s.db == nil {
		return domain.DatasetConfig{}, fmt.Errorf("config store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.DatasetConfig{}, fmt.Errorf("config id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM dataset_configs WHERE config_id = $1`, id)
	c, err := scanConfig(row)
	if err != nil {
		return domain.DatasetConfig{}, handleNotFound(err)
	}
	return c, nil
}

func (s *ConfigStore) ListByDataset(ctx context.Context, datasetID string, states ...domain.ConfigState) ([]domain.DatasetConfig, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("config store not initialized")
	}
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return nil, fmt.Errorf("dataset id is required")
	}
	args := []any{datasetID}
	query := `SELECT ` + configColumns + ` FROM dataset_configs WHERE dataset_id = $1`
	if len(states) > 0 {
		query += " AND state IN (" + placeholders(2, len(states)) + ")"
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dataset configs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.DatasetConfig, 0)
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dataset config: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dataset configs: %w", err)
	}
	return out, nil
}

func (s *ConfigStore) UpdateDraftPayload(ctx context.Context, id string, payload json.RawMessage) (domain.DatasetConfig, error) {
	if s == nil || s.db == nil {
		return domain.DatasetConfig{}, fmt.Errorf("config store not initialized")
	}
	if !json.Valid(payload) {
		return domain.DatasetConfig{}, fmt.Errorf("config must be a JSON document")
	}
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE dataset_configs SET config = $2, edited_at = $3
		 WHERE config_id = $1 AND state = 'Draft'
		 RETURNING `+configColumns,
		strings.TrimSpace(id),
		normalizeJSON(payload),
		s.now().UTC(),
	)
	c, err := scanConfig(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.DatasetConfig{}, fmt.Errorf("update dataset config: %w", err)
	}
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return domain.DatasetConfig{}, getErr
	}
	return domain.DatasetConfig{}, fmt.Errorf("config %s is not a draft: %w", id, repo.ErrConflict)
}

// SetState moves one config to the target state. Promoting to Testing or
// Published first demotes the current holder of that slot to Draft. The whole
// change is rolled back if the dataset ends up with more than one Testing or
// Published config.
func (s *ConfigStore) SetState(ctx context.Context, id string, state domain.ConfigState) (repo.StateChange, error) {
	if s == nil || s.db == nil {
		return repo.StateChange{}, fmt.Errorf("config store not initialized")
	}
	if !state.Valid() {
		return repo.StateChange{}, fmt.Errorf("invalid config state %q", state)
	}
	id = strings.TrimSpace(id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return repo.StateChange{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var datasetID, from string
	err = tx.QueryRowContext(
		ctx,
		`SELECT d.dataset_id, c.state
		 FROM dataset_configs c
		 JOIN datasets d ON d.dataset_id = c.dataset_id
		 WHERE c.config_id = $1
		 FOR UPDATE OF d, c`,
		id,
	).Scan(&datasetID, &from)
	if err != nil {
		return repo.StateChange{}, handleNotFound(err)
	}

	now := s.now().UTC()
	change := repo.StateChange{From: domain.ConfigState(from)}
	if state.Exclusive() {
		rows, err := tx.QueryContext(
			ctx,
			`UPDATE dataset_configs SET state = 'Draft', edited_at = $3
			 WHERE dataset_id = $1 AND state = $2 AND config_id <> $4
			 RETURNING config_id`,
			datasetID,
			string(state),
			now,
			id,
		)
		if err != nil {
			return repo.StateChange{}, fmt.Errorf("demote siblings: %w", err)
		}
		for rows.Next() {
			var demoted string
			if err := rows.Scan(&demoted); err != nil {
				rows.Close()
				return repo.StateChange{}, fmt.Errorf("scan demoted config: %w", err)
			}
			change.Demoted = append(change.Demoted, demoted)
		}
		if err := rows.Close(); err != nil {
			return repo.StateChange{}, fmt.Errorf("demote siblings: %w", err)
		}
		if err := rows.Err(); err != nil {
			return repo.StateChange{}, fmt.Errorf("demote siblings: %w", err)
		}
	}

	row := tx.QueryRowContext(
		ctx,
		`UPDATE dataset_configs SET state = $2, edited_at = $3 WHERE config_id = $1 RETURNING `+configColumns,
		id,
		string(state),
		now,
	)
	change.Config, err = scanConfig(row)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.StateChange{}, fmt.Errorf("set config state: %w", repo.ErrInvariantViolation)
		}
		return repo.StateChange{}, fmt.Errorf("set config state: %w", handleNotFound(err))
	}

	counts, err := stateCounts(ctx, tx, datasetID)
	if err != nil {
		return repo.StateChange{}, err
	}
	if err := counts.CheckExclusive(); err != nil {
		return repo.StateChange{}, fmt.Errorf("dataset %s: %v: %w", datasetID, err, repo.ErrInvariantViolation)
	}

	if err := tx.Commit(); err != nil {
		return repo.StateChange{}, fmt.Errorf("commit: %w", err)
	}
	return change, nil
}

func (s *ConfigStore) StateCounts(ctx context.Context, datasetID string) (domain.ConfigStateCounts, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("config store not initialized")
	}
	return stateCounts(ctx, s.db, strings.TrimSpace(datasetID))
}

func stateCounts(ctx context.Context, db DB, datasetID string) (domain.ConfigStateCounts, error) {
	rows, err := db.QueryContext(
		ctx,
		`SELECT state, COUNT(*) FROM dataset_configs WHERE dataset_id = $1 GROUP BY state`,
		datasetID,
	)
	if err != nil {
		return nil, fmt.Errorf("count config states: %w", err)
	}
	defer rows.Close()

	counts := domain.ConfigStateCounts{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan config state count: %w", err)
		}
		counts[domain.ConfigState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count config states: %w", err)
	}
	return counts, nil
}
