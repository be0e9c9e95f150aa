package auth

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PermissionLevel is the ordered permission enumeration used by every
// authorization check: Read < Write < Admin < Master.
type PermissionLevel int

const (
	LevelRead PermissionLevel = iota
	LevelWrite
	LevelAdmin
	LevelMaster
)

// String returns the wire name of the level.
func (l PermissionLevel) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelAdmin:
		return "admin"
	case LevelMaster:
		return "master"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// AtLeast reports whether l grants at least the required level.
func (l PermissionLevel) AtLeast(required PermissionLevel) bool {
	return l >= required
}

// ParsePermissionLevel parses a wire-format level name.
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch s {
	case "read":
		return LevelRead, nil
	case "write":
		return LevelWrite, nil
	case "admin":
		return LevelAdmin, nil
	case "master":
		return LevelMaster, nil
	default:
		return LevelRead, fmt.Errorf("unknown permission level %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler so levels serialize as names.
func (l PermissionLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *PermissionLevel) UnmarshalText(b []byte) error {
	parsed, err := ParsePermissionLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// CredentialSource identifies which verification path produced an identity.
type CredentialSource string

const (
	SourceAPIKey      CredentialSource = "api_key"
	SourceBearerToken CredentialSource = "bearer_token"
)

// RateLimitProfile holds the counter thresholds that apply to an identity.
// A zero or negative threshold disables that window.
type RateLimitProfile struct {
	PerSecond int `json:"per_second" yaml:"per_second"`
	PerMinute int `json:"per_minute" yaml:"per_minute"`
	PerHour   int `json:"per_hour" yaml:"per_hour"`
	PerDay    int `json:"per_day" yaml:"per_day"`
}

// DefaultKeyProfile is the profile applied to API keys created without an
// explicit profile.
func DefaultKeyProfile() RateLimitProfile {
	return RateLimitProfile{PerSecond: 25, PerMinute: 600, PerHour: 10000, PerDay: 100000}
}

// DefaultBearerProfile is the profile applied to bearer-token identities.
func DefaultBearerProfile() RateLimitProfile {
	return RateLimitProfile{PerSecond: 50, PerMinute: 1200, PerHour: 20000, PerDay: 200000}
}

// DefaultAnonymousProfile is the per-IP profile for unauthenticated requests.
func DefaultAnonymousProfile() RateLimitProfile {
	return RateLimitProfile{PerSecond: 10, PerMinute: 120, PerHour: 2000, PerDay: 10000}
}

// Identity is the uniform output of authentication. Both verifiers produce
// one of these; all downstream code switches on Source.
type Identity struct {
	// SubjectID is stable for a given external credential: re-authenticating
	// the same credential always yields the same SubjectID.
	SubjectID uuid.UUID `json:"subject_id"`

	Source CredentialSource `json:"source"`

	// BasePermission is the level carried by the credential itself. For
	// bearer tokens this starts at LevelRead; the effective per-tenant level
	// is computed by the permission resolver.
	BasePermission PermissionLevel `json:"base_permission"`

	// TenantScope, when non-empty, restricts the caller to exactly that
	// tenant. Only API keys carry a scope.
	TenantScope string `json:"tenant_scope,omitempty"`

	// Profile holds the rate-limit thresholds for this identity.
	Profile RateLimitProfile `json:"rate_limit_profile"`

	// KeyID is set for API-key identities.
	KeyID uuid.UUID `json:"key_id,omitempty"`
}

// KeyStatus is the lifecycle state of an API key. Expired is logical only:
// a key becomes expired when the clock passes ExpiresAt, without a row
// mutation.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusBlocked KeyStatus = "blocked"
	KeyStatusRevoked KeyStatus = "revoked"
)

// ValidStatusTransition reports whether a key may move from one status to
// another: Active <-> Blocked is reversible, revocation is terminal.
func ValidStatusTransition(from, to KeyStatus) bool {
	switch from {
	case KeyStatusActive:
		return to == KeyStatusBlocked || to == KeyStatusRevoked
	case KeyStatusBlocked:
		return to == KeyStatusActive || to == KeyStatusRevoked
	default:
		return false
	}
}

// APIKey is the persisted record of an issued opaque key. The raw secret is
// never stored; only its SHA-256 hash.
type APIKey struct {
	ID           uuid.UUID        `json:"id"`
	Name         string           `json:"name"`
	SecretHash   string           `json:"-"`
	SecretPrefix string           `json:"secret_prefix"`
	Permission   PermissionLevel  `json:"permission"`
	TenantScope  string           `json:"tenant_scope,omitempty"`
	Status       KeyStatus        `json:"status"`
	Profile      RateLimitProfile `json:"rate_limit_profile"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
	LastUsedAt   *time.Time       `json:"last_used_at,omitempty"`
	CreatedBy    uuid.UUID        `json:"created_by"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Expired reports whether the key is logically expired at the given instant.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Identity builds the uniform identity for a verified key. The subject is
// the key's own ID, so downstream records stay stable across sessions.
func (k *APIKey) Identity() *Identity {
	return &Identity{
		SubjectID:      k.ID,
		Source:         SourceAPIKey,
		BasePermission: k.Permission,
		TenantScope:    k.TenantScope,
		Profile:        k.Profile,
		KeyID:          k.ID,
	}
}
