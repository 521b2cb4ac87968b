// Package auditlog writes tamper-evident rows to the audit_events table.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buoy-retriever/retriever-go/internal/domain"
)

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// row is an audit event with its text fields trimmed and its payload encoded.
// The integrity hash is computed over exactly these values.
type row struct {
	OccurredAt   time.Time       `json:"occurred_at"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	RequestID    string          `json:"request_id,omitempty"`
	IP           string          `json:"ip,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

func newRow(event domain.AuditEvent) (row, error) {
	if err := event.Validate(); err != nil {
		return row{}, err
	}
	payload := event.Payload
	if payload == nil {
		payload = domain.Metadata{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return row{}, fmt.Errorf("marshal payload: %w", err)
	}
	r := row{
		OccurredAt:   event.OccurredAt.UTC(),
		Actor:        strings.TrimSpace(event.Actor),
		Action:       strings.TrimSpace(event.Action),
		ResourceType: strings.TrimSpace(event.ResourceType),
		ResourceID:   strings.TrimSpace(event.ResourceID),
		RequestID:    strings.TrimSpace(event.RequestID),
		UserAgent:    strings.TrimSpace(event.UserAgent),
		Payload:      payloadJSON,
	}
	if event.IP != nil {
		r.IP = event.IP.String()
	}
	return r, nil
}

func (r row) integrity() (string, error) {
	blob, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Integrity returns the SHA-256 stored alongside an event. Re-computing it
// for a stored event detects edits made after the insert.
func Integrity(event domain.AuditEvent) (string, error) {
	r, err := newRow(event)
	if err != nil {
		return "", err
	}
	return r.integrity()
}

// Insert stores one event and returns its id. A zero OccurredAt is stamped
// with the current time.
func Insert(ctx context.Context, q QueryRower, event domain.AuditEvent) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	r, err := newRow(event)
	if err != nil {
		return 0, err
	}
	sum, err := r.integrity()
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.QueryRowContext(ctx,
		`INSERT INTO audit_events (
			occurred_at, actor, action, resource_type, resource_id,
			request_id, ip, user_agent, payload, integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING event_id`,
		r.OccurredAt,
		r.Actor,
		r.Action,
		r.ResourceType,
		r.ResourceID,
		nullString(r.RequestID),
		nullString(r.IP),
		nullString(r.UserAgent),
		[]byte(r.Payload),
		sum,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return id, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
