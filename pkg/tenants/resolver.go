package tenants

import (
	"context"
	"errors"
	"fmt"

	"github.com/foliocms/folio/pkg/auth"
)

// Effective is the outcome of permission resolution for one (identity,
// tenant) pair. Decisions are never cached across requests; each resolution
// re-reads current membership state.
type Effective struct {
	Level auth.PermissionLevel

	// Role is set for bearer identities with a membership row.
	Role Role

	SystemAdmin bool

	// CanTransitionWorkflow marks the narrow reviewer capability to move
	// content between workflow states. It sits alongside the level, not
	// above it: a reviewer keeps read-level access for everything else.
	CanTransitionWorkflow bool
}

// AtLeast reports whether the effective level meets the requirement.
func (e Effective) AtLeast(required auth.PermissionLevel) bool {
	return e.Level.AtLeast(required)
}

// IssuanceCeiling is the highest permission this caller may grant when
// creating a new API key: system admin issues up to Master, a tenant owner
// up to Admin, a tenant admin up to Write, everyone else up to Read. A
// key-sourced issuer can never mint above its own level.
func (e Effective) IssuanceCeiling() auth.PermissionLevel {
	if e.SystemAdmin {
		return auth.LevelMaster
	}
	switch e.Role {
	case RoleOwner:
		return auth.LevelAdmin
	case RoleAdmin:
		return auth.LevelWrite
	default:
		return auth.LevelRead
	}
}

// Resolver computes effective permissions from memberships and the
// system-admin override list.
type Resolver struct {
	store  MembershipStore
	admins *SystemAdminSet
}

// NewResolver builds a resolver.
func NewResolver(store MembershipStore, admins *SystemAdminSet) *Resolver {
	return &Resolver{store: store, admins: admins}
}

// Resolve returns the effective permission of an identity on a tenant.
//
// System admins resolve to Master unconditionally, before any lookup, even
// when an explicit lower-role membership exists for the same tenant. Scoped
// API keys fail with tenant_mismatch outside their scope; unscoped keys
// carry their own level everywhere. Bearer subjects without a membership
// row resolve to the lowest level rather than failing, so public read
// endpoints still work; membership rows that cannot be read resolve to a
// deny, never a crash.
func (r *Resolver) Resolve(ctx context.Context, identity *auth.Identity, tenantID string) (Effective, error) {
	if r.admins.Contains(identity.SubjectID) {
		return Effective{Level: auth.LevelMaster, SystemAdmin: true, CanTransitionWorkflow: true}, nil
	}

	switch identity.Source {
	case auth.SourceAPIKey:
		if identity.TenantScope != "" && identity.TenantScope != tenantID {
			return Effective{}, auth.NewError(auth.KindTenantMismatch,
				fmt.Sprintf("key is scoped to another tenant, not %q", tenantID))
		}
		return Effective{
			Level:                 identity.BasePermission,
			CanTransitionWorkflow: identity.BasePermission.AtLeast(auth.LevelWrite),
		}, nil

	case auth.SourceBearerToken:
		membership, err := r.store.Get(ctx, tenantID, identity.SubjectID)
		if errors.Is(err, ErrMembershipNotFound) {
			return Effective{Level: auth.LevelRead}, nil
		}
		if err != nil {
			return Effective{}, auth.WrapError(auth.KindInsufficientPermission,
				"membership lookup failed", err)
		}
		level := membership.Role.Level()
		return Effective{
			Level:                 level,
			Role:                  membership.Role,
			CanTransitionWorkflow: membership.Role == RoleReviewer || level.AtLeast(auth.LevelWrite),
		}, nil

	default:
		return Effective{}, auth.NewError(auth.KindInsufficientPermission,
			fmt.Sprintf("unknown credential source %q", identity.Source))
	}
}
