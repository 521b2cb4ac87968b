// Package memory holds in-process repository implementations used by the
// backend when BACKEND_STORE=memory and by tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/repo"
)

type PipelineStore struct {
	mu     sync.RWMutex
	bySlug map[string]domain.Pipeline
	now    func() time.Time
}

func NewPipelineStore() *PipelineStore {
	return &PipelineStore{bySlug: map[string]domain.Pipeline{}, now: time.Now}
}

func (s *PipelineStore) Upsert(_ context.Context, p domain.Pipeline) (domain.Pipeline, error) {
	if err := p.Validate(); err != nil {
		return domain.Pipeline{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if existing, ok := s.bySlug[p.Slug]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.EditedAt = now
	p.Active = true
	s.bySlug[p.Slug] = p
	return p, nil
}

func (s *PipelineStore) Get(_ context.Context, id string) (domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.bySlug {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Pipeline{}, repo.ErrNotFound
}

func (s *PipelineStore) GetBySlug(_ context.Context, slug string) (domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.bySlug[strings.TrimSpace(slug)]
	if !ok {
		return domain.Pipeline{}, repo.ErrNotFound
	}
	return p, nil
}

func (s *PipelineStore) List(_ context.Context) ([]domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Pipeline, 0, len(s.bySlug))
	for _, p := range s.bySlug {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

type DatasetStore struct {
	mu   sync.RWMutex
	byID map[string]domain.Dataset
	now  func() time.Time
}

func NewDatasetStore() *DatasetStore {
	return &DatasetStore{byID: map[string]domain.Dataset{}, now: time.Now}
}

func (s *DatasetStore) Create(_ context.Context, d domain.Dataset) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.ID == d.ID || existing.Slug == d.Slug {
			return fmt.Errorf("insert dataset: %w", repo.ErrConflict)
		}
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	d.EditedAt = d.CreatedAt
	s.byID[d.ID] = d
	return nil
}

func (s *DatasetStore) Get(_ context.Context, id string) (domain.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return domain.Dataset{}, repo.ErrNotFound
	}
	return d, nil
}

func (s *DatasetStore) GetBySlug(_ context.Context, slug string) (domain.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.byID {
		if d.Slug == strings.TrimSpace(slug) {
			return d, nil
		}
	}
	return domain.Dataset{}, repo.ErrNotFound
}

func (s *DatasetStore) List(_ context.Context, filter repo.DatasetFilter) ([]domain.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Dataset, 0)
	for _, d := range s.byID {
		if filter.PipelineID != "" && d.PipelineID != filter.PipelineID {
			continue
		}
		if filter.State != "" && d.State != filter.State {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *DatasetStore) UpdateState(_ context.Context, id string, state domain.DatasetState) (domain.Dataset, error) {
	if !state.Valid() {
		return domain.Dataset{}, fmt.Errorf("invalid dataset state %q", state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return domain.Dataset{}, repo.ErrNotFound
	}
	d.State = state
	d.EditedAt = s.now().UTC()
	s.byID[id] = d
	return d, nil
}

func (s *DatasetStore) exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// ConfigStore serializes state changes with one mutex per dataset.
type ConfigStore struct {
	datasets *DatasetStore

	mu      sync.RWMutex
	byID    map[string]domain.DatasetConfig
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func NewConfigStore(datasets *DatasetStore) *ConfigStore {
	return &ConfigStore{
		datasets: datasets,
		byID:     map[string]domain.DatasetConfig{},
		locks:    map[string]*sync.Mutex{},
		now:      time.Now,
	}
}

func (s *ConfigStore) datasetLock(datasetID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[datasetID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[datasetID] = l
	}
	return l
}

func cloneConfig(c domain.DatasetConfig) domain.DatasetConfig {
	c.Config = append(json.RawMessage(nil), c.Config...)
	return c
}

func (s *ConfigStore) Create(_ context.Context, cfg domain.DatasetConfig) error {
	if cfg.State == "" {
		cfg.State = domain.ConfigDraft
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.State != domain.ConfigDraft {
		return fmt.Errorf("new configs must be drafts, got %s", cfg.State)
	}
	if s.datasets != nil && !s.datasets.exists(cfg.DatasetID) {
		return repo.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[cfg.ID]; ok {
		return fmt.Errorf("insert dataset config: %w", repo.ErrConflict)
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = s.now().UTC()
	}
	cfg.EditedAt = cfg.CreatedAt
	s.byID[cfg.ID] = cloneConfig(cfg)
	return nil
}

func (s *ConfigStore) Get(_ context.Context, id string) (domain.DatasetConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return domain.DatasetConfig{}, repo.ErrNotFound
	}
	return cloneConfig(c), nil
}

func (s *ConfigStore) ListByDataset(_ context.Context, datasetID string, states ...domain.ConfigState) ([]domain.DatasetConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := map[domain.ConfigState]bool{}
	for _, st := range states {
		want[st] = true
	}
	out := make([]domain.DatasetConfig, 0)
	for _, c := range s.byID {
		if c.DatasetID != datasetID {
			continue
		}
		if len(want) > 0 && !want[c.State] {
			continue
		}
		out = append(out, cloneConfig(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *ConfigStore) UpdateDraftPayload(_ context.Context, id string, payload json.RawMessage) (domain.DatasetConfig, error) {
	if !json.Valid(payload) {
		return domain.DatasetConfig{}, fmt.Errorf("config must be a JSON document")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return domain.DatasetConfig{}, repo.ErrNotFound
	}
	if c.State != domain.ConfigDraft {
		return domain.DatasetConfig{}, fmt.Errorf("config %s is not a draft: %w", id, repo.ErrConflict)
	}
	c.Config = append(json.RawMessage(nil), payload...)
	c.EditedAt = s.now().UTC()
	s.byID[id] = c
	return cloneConfig(c), nil
}

func (s *ConfigStore) SetState(_ context.Context, id string, state domain.ConfigState) (repo.StateChange, error) {
	if !state.Valid() {
		return repo.StateChange{}, fmt.Errorf("invalid config state %q", state)
	}
	s.mu.RLock()
	target, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return repo.StateChange{}, repo.ErrNotFound
	}
	if s.datasets != nil && !s.datasets.exists(target.DatasetID) {
		return repo.StateChange{}, repo.ErrNotFound
	}

	lock := s.datasetLock(target.DatasetID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok = s.byID[id]
	if !ok {
		return repo.StateChange{}, repo.ErrNotFound
	}

	// Work on a copy so a failed invariant check leaves the store untouched.
	staged := make(map[string]domain.DatasetConfig)
	now := s.now().UTC()
	change := repo.StateChange{From: target.State}
	if state.Exclusive() {
		for cid, c := range s.byID {
			if cid == id || c.DatasetID != target.DatasetID || c.State != state {
				continue
			}
			c.State = domain.ConfigDraft
			c.EditedAt = now
			staged[cid] = c
			change.Demoted = append(change.Demoted, cid)
		}
	}
	target.State = state
	target.EditedAt = now
	staged[id] = target

	counts := domain.ConfigStateCounts{}
	for cid, c := range s.byID {
		if c.DatasetID != target.DatasetID {
			continue
		}
		if next, ok := staged[cid]; ok {
			c = next
		}
		counts[c.State]++
	}
	if err := counts.CheckExclusive(); err != nil {
		return repo.StateChange{}, fmt.Errorf("dataset %s: %v: %w", target.DatasetID, err, repo.ErrInvariantViolation)
	}
	for cid, c := range staged {
		s.byID[cid] = c
	}
	sort.Strings(change.Demoted)
	change.Config = cloneConfig(target)
	return change, nil
}

func (s *ConfigStore) StateCounts(_ context.Context, datasetID string) (domain.ConfigStateCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := domain.ConfigStateCounts{}
	for _, c := range s.byID {
		if c.DatasetID == datasetID {
			counts[c.State]++
		}
	}
	return counts, nil
}

type grantKey struct {
	grantee    string
	datasetID  string
	permission domain.Permission
}

type PermissionStore struct {
	mu     sync.RWMutex
	grants map[grantKey]domain.Grant
	now    func() time.Time
}

func NewPermissionStore() *PermissionStore {
	return &PermissionStore{grants: map[grantKey]domain.Grant{}, now: time.Now}
}

func (s *PermissionStore) Insert(_ context.Context, g domain.Grant) error {
	if err := domain.ValidateGrantee(g.Grantee); err != nil {
		return err
	}
	if _, err := domain.ParsePermission(string(g.Permission)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey{grantee: g.Grantee, datasetID: g.DatasetID, permission: g.Permission}
	if _, ok := s.grants[key]; ok {
		return nil
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = s.now().UTC()
	}
	s.grants[key] = g
	return nil
}

func (s *PermissionStore) Delete(_ context.Context, grantee, datasetID string, permission domain.Permission) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey{grantee: grantee, datasetID: datasetID, permission: permission}
	if _, ok := s.grants[key]; !ok {
		return false, nil
	}
	delete(s.grants, key)
	return true, nil
}

func (s *PermissionStore) Held(_ context.Context, grantees []string, datasetID string) (map[domain.Permission]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	held := map[domain.Permission]bool{}
	for _, g := range grantees {
		for _, p := range []domain.Permission{domain.PermissionView, domain.PermissionEdit, domain.PermissionPublish} {
			if _, ok := s.grants[grantKey{grantee: g, datasetID: datasetID, permission: p}]; ok {
				held[p] = true
			}
		}
	}
	return held, nil
}

func (s *PermissionStore) ListByDataset(_ context.Context, datasetID string) ([]domain.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Grant, 0)
	for k, g := range s.grants {
		if k.datasetID == datasetID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Grantee != out[j].Grantee {
			return out[i].Grantee < out[j].Grantee
		}
		return out[i].Permission < out[j].Permission
	})
	return out, nil
}

// AuditLog keeps appended events in memory.
type AuditLog struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *AuditLog) Append(_ context.Context, event domain.AuditEvent) (int64, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	event.EventID = int64(len(a.events) + 1)
	a.events = append(a.events, event)
	return event.EventID, nil
}

func (a *AuditLog) Events() []domain.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEvent(nil), a.events...)
}

type RunStore struct {
	mu   sync.Mutex
	runs []domain.Run
	now  func() time.Time
}

func NewRunStore() *RunStore {
	return &RunStore{now: time.Now}
}

func (s *RunStore) Submit(_ context.Context, requests []domain.DispatchRequest) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, req := range requests {
		if err := req.Validate(); err != nil {
			return inserted, err
		}
		if s.hasRequest(req.Job, req.RequestKey) {
			continue
		}
		now := s.now().UTC()
		s.runs = append(s.runs, domain.Run{
			ID:         ulid.Make().String(),
			Job:        req.Job,
			Partition:  req.Partition,
			RequestKey: req.RequestKey,
			Status:     domain.RunQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		inserted++
	}
	return inserted, nil
}

func (s *RunStore) hasRequest(job, key string) bool {
	for _, r := range s.runs {
		if r.Job == job && r.RequestKey == key {
			return true
		}
	}
	return false
}

func (s *RunStore) Get(_ context.Context, id string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.Run{}, repo.ErrNotFound
}

func (s *RunStore) ListByStatus(_ context.Context, job string, statuses []domain.RunStatus) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[domain.RunStatus]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	out := make([]domain.Run, 0)
	for _, r := range s.runs {
		if r.Job != job {
			continue
		}
		if len(want) > 0 && !want[r.Status] {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RunStore) ClaimNext(_ context.Context, jobs []string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, j := range jobs {
		want[j] = true
	}
	for i, r := range s.runs {
		if r.Status != domain.RunQueued || !want[r.Job] {
			continue
		}
		r.Status = domain.RunStarting
		r.UpdatedAt = s.now().UTC()
		s.runs[i] = r
		return r, nil
	}
	return domain.Run{}, repo.ErrNotFound
}

func (s *RunStore) UpdateStatus(_ context.Context, id string, status domain.RunStatus, message string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.runs {
		if r.ID != id {
			continue
		}
		if err := domain.ValidateTransition(r.Status, status); err != nil {
			return domain.Run{}, fmt.Errorf("%v: %w", err, repo.ErrConflict)
		}
		r.Status = status
		r.Error = strings.TrimSpace(message)
		r.UpdatedAt = s.now().UTC()
		s.runs[i] = r
		return r, nil
	}
	return domain.Run{}, repo.ErrNotFound
}

type CursorStore struct {
	mu      sync.Mutex
	cursors map[string]string
}

func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: map[string]string{}}
}

func (s *CursorStore) Load(_ context.Context, sensor string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cursors[sensor]
	return v, ok, nil
}

func (s *CursorStore) Save(_ context.Context, sensor string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[sensor] = value
	return nil
}

var (
	_ repo.PipelineRepository   = (*PipelineStore)(nil)
	_ repo.DatasetRepository    = (*DatasetStore)(nil)
	_ repo.ConfigRepository     = (*ConfigStore)(nil)
	_ repo.PermissionRepository = (*PermissionStore)(nil)
	_ repo.AuditEventAppender   = (*AuditLog)(nil)
	_ repo.RunRegistry          = (*RunStore)(nil)
	_ repo.CursorStore          = (*CursorStore)(nil)
)
