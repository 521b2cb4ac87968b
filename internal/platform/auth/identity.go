package auth

import (
	"context"

	"github.com/buoy-retriever/retriever-go/internal/domain"
)

// Identity is the authenticated caller. Pipeline is set instead of Subject
// when the caller presented a pipeline token.
type Identity struct {
	Subject  string
	Email    string
	Roles    []string
	Groups   []string
	Pipeline string
}

func (i Identity) IsPipeline() bool {
	return i.Pipeline != ""
}

func (i Identity) IsAdmin() bool {
	return !i.IsPipeline() && HasAtLeast(i.Roles, RoleAdmin)
}

// Grantees lists the permission keys the identity can hold grants under.
func (i Identity) Grantees() []string {
	if i.Subject == "" {
		return nil
	}
	out := make([]string, 0, 1+len(i.Groups))
	out = append(out, domain.UserGrantee(i.Subject))
	for _, g := range i.Groups {
		out = append(out, domain.GroupGrantee(g))
	}
	return out
}

// Actor is the name recorded in audit events.
func (i Identity) Actor() string {
	switch {
	case i.IsPipeline():
		return "pipeline:" + i.Pipeline
	case i.Subject != "":
		return i.Subject
	default:
		return "anonymous"
	}
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}
