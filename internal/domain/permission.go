package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Permission is one rung of the View < Edit < Publish ladder.
type Permission string

const (
	PermissionView    Permission = "view"
	PermissionEdit    Permission = "edit"
	PermissionPublish Permission = "publish"
)

func ParsePermission(raw string) (Permission, error) {
	p := Permission(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case PermissionView, PermissionEdit, PermissionPublish:
		return p, nil
	default:
		return "", fmt.Errorf("invalid permission %q", raw)
	}
}

// Ladder returns the permission and every lower rung, lowest first.
func (p Permission) Ladder() []Permission {
	switch p {
	case PermissionView:
		return []Permission{PermissionView}
	case PermissionEdit:
		return []Permission{PermissionView, PermissionEdit}
	case PermissionPublish:
		return []Permission{PermissionView, PermissionEdit, PermissionPublish}
	default:
		return nil
	}
}

const (
	granteeUserPrefix  = "user:"
	granteeGroupPrefix = "group:"
)

// UserGrantee and GroupGrantee build the persisted grantee keys.
func UserGrantee(subject string) string { return granteeUserPrefix + strings.TrimSpace(subject) }

func GroupGrantee(group string) string {
	return granteeGroupPrefix + strings.ToLower(strings.TrimSpace(group))
}

// ValidateGrantee accepts "user:<subject>" or "group:<name>".
func ValidateGrantee(grantee string) error {
	grantee = strings.TrimSpace(grantee)
	for _, prefix := range []string{granteeUserPrefix, granteeGroupPrefix} {
		if strings.HasPrefix(grantee, prefix) {
			if strings.TrimSpace(strings.TrimPrefix(grantee, prefix)) == "" {
				return fmt.Errorf("grantee %q has an empty name", grantee)
			}
			return nil
		}
	}
	return errors.New("grantee must start with user: or group:")
}

// Grant is a persisted (grantee, dataset, permission) record.
type Grant struct {
	Grantee    string
	DatasetID  string
	Permission Permission
	GrantedBy  string
	GrantedAt  time.Time
}
