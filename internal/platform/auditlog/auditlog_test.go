package auditlog

import (
	"context"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/platform/auth"
)

func TestIntegrityIsStable(t *testing.T) {
	event := domain.AuditEvent{
		OccurredAt:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Actor:        "alice",
		Action:       "config.state_changed",
		ResourceType: "dataset_config",
		ResourceID:   "cfg-1",
		IP:           net.ParseIP("10.0.0.1"),
		Payload:      domain.Metadata{"to": "Published"},
	}
	a, err := Integrity(event)
	if err != nil {
		t.Fatalf("Integrity() err=%v", err)
	}
	padded := event
	padded.Actor = "  alice "
	if b, _ := Integrity(padded); a != b {
		t.Fatalf("hash should ignore surrounding whitespace: %s vs %s", a, b)
	}
	changed := event
	changed.Payload = domain.Metadata{"to": "Testing"}
	if c, _ := Integrity(changed); a == c {
		t.Fatalf("hash should change with payload")
	}
}

func TestInsertRejectsIncompleteEvent(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	if _, err := Insert(context.Background(), db, domain.AuditEvent{Actor: "alice"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestInsertAuthDenyWritesEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_events")).
		WithArgs(sqlmock.AnyArg(), "anonymous", "auth.unauthenticated", "http", "GET /datasets/",
			"rid-1", "192.0.2.1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow(int64(7)))

	err = InsertAuthDeny(context.Background(), db, "backend", auth.DenyEvent{
		Time:       time.Now().UTC(),
		Status:     401,
		Reason:     "unauthenticated",
		RequestID:  "rid-1",
		Method:     "GET",
		Path:       "/datasets/",
		RemoteAddr: "192.0.2.1:5555",
	})
	if err != nil {
		t.Fatalf("InsertAuthDeny() err=%v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
