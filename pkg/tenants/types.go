package tenants

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foliocms/folio/pkg/auth"
)

// Role is a per-tenant membership role for bearer-token subjects. Roles are
// distinct from permission levels but map onto them.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleEditor   Role = "editor"
	RoleAuthor   Role = "author"
	RoleReviewer Role = "reviewer"
	RoleViewer   Role = "viewer"
)

// ParseRole parses a wire-format role name.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleOwner, RoleAdmin, RoleEditor, RoleAuthor, RoleReviewer, RoleViewer:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Level maps a role onto the permission enumeration. Unknown roles map to
// the lowest level so that a bad row degrades to deny, never to a grant.
func (r Role) Level() auth.PermissionLevel {
	switch r {
	case RoleOwner, RoleAdmin:
		return auth.LevelAdmin
	case RoleEditor, RoleAuthor:
		return auth.LevelWrite
	default:
		return auth.LevelRead
	}
}

// Membership is a per-tenant role assignment. At most one row exists per
// (tenant, subject) pair.
type Membership struct {
	TenantID  string    `json:"tenant_id"`
	SubjectID uuid.UUID `json:"subject_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SystemAdminSet holds the subjects granted unrestricted access to every
// tenant. Populated once at process start from configuration and read-only
// afterwards, so lookups need no locking.
type SystemAdminSet struct {
	subjects map[uuid.UUID]struct{}
}

// NewSystemAdminSet builds the override set from configured subject IDs.
func NewSystemAdminSet(subjects []uuid.UUID) *SystemAdminSet {
	set := &SystemAdminSet{subjects: make(map[uuid.UUID]struct{}, len(subjects))}
	for _, s := range subjects {
		set.subjects[s] = struct{}{}
	}
	return set
}

// Contains reports whether the subject is a system administrator.
func (s *SystemAdminSet) Contains(subject uuid.UUID) bool {
	if s == nil {
		return false
	}
	_, ok := s.subjects[subject]
	return ok
}

// Len returns the number of configured system administrators.
func (s *SystemAdminSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.subjects)
}
