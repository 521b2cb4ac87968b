package permissions

import (
	"net"
	"time"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/platform/auth"
)

// Caller is the authenticated identity behind a request along with the
// request metadata recorded on audit events.
type Caller struct {
	auth.Identity
	RequestID string
	UserAgent string
	IP        net.IP
}

func (c Caller) Event(action, resourceType, resourceID string, payload domain.Metadata) domain.AuditEvent {
	return domain.AuditEvent{
		OccurredAt:   time.Now().UTC(),
		Actor:        c.Actor(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    c.RequestID,
		IP:           c.IP,
		UserAgent:    c.UserAgent,
		Payload:      payload,
	}
}
