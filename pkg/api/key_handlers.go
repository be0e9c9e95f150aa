package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/foliocms/folio/pkg/auth"
	"github.com/foliocms/folio/pkg/httputil"
	"github.com/foliocms/folio/pkg/middleware"
)

// KeyHandlers handles API key management requests
type KeyHandlers struct {
	store auth.KeyStore
	now   func() time.Time
}

// NewKeyHandlers creates a new KeyHandlers
func NewKeyHandlers(store auth.KeyStore) *KeyHandlers {
	return &KeyHandlers{store: store, now: time.Now}
}

// CreateKeyRequest is the body for POST /tenants/{tenant}/keys.
type CreateKeyRequest struct {
	Name       string                 `json:"name"`
	Permission auth.PermissionLevel   `json:"permission"`
	ExpiresAt  *time.Time             `json:"expires_at,omitempty"`
	Profile    *auth.RateLimitProfile `json:"rate_limit_profile,omitempty"`

	// Global requests an unscoped key usable on every tenant. Only system
	// admins may issue one.
	Global bool `json:"global,omitempty"`
}

// CreateKeyResponse carries the raw secret exactly once. It is never
// retrievable again; only the hash is stored.
type CreateKeyResponse struct {
	Key    *auth.APIKey `json:"key"`
	Secret string       `json:"secret"`
}

// Create handles POST /tenants/{tenant}/keys. The requested permission is
// capped by the caller's issuance ceiling: nobody mints a key stronger than
// what their own standing allows.
func (h *KeyHandlers) Create(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	eff, ok := middleware.EffectiveFromContext(r.Context())
	if !ok || identity == nil {
		httputil.WriteGatewayError(w, auth.NewError(auth.KindUnauthenticated, "authentication required"))
		return
	}

	var req CreateKeyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}

	ceiling := eff.IssuanceCeiling()
	if identity.Source == auth.SourceAPIKey && !eff.SystemAdmin {
		// A key issuer has no tenant role; it may mint at or below its own
		// level, never above it.
		ceiling = eff.Level
	}
	if !ceiling.AtLeast(req.Permission) {
		httputil.WriteGatewayError(w, auth.NewError(auth.KindInsufficientPermission,
			"cannot issue a key above "+ceiling.String()+" permission"))
		return
	}
	if req.Global && !eff.SystemAdmin {
		httputil.WriteGatewayError(w, auth.NewError(auth.KindInsufficientPermission,
			"only system administrators may issue unscoped keys"))
		return
	}

	secret, secretHash, displayPrefix, err := auth.GenerateSecret()
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	tenantID, _ := httputil.ParsePathString(r, "tenant")
	scope := tenantID
	if req.Global {
		scope = ""
	}
	profile := auth.DefaultKeyProfile()
	if req.Profile != nil {
		profile = *req.Profile
	}

	key := &auth.APIKey{
		ID:           uuid.New(),
		Name:         req.Name,
		SecretHash:   secretHash,
		SecretPrefix: displayPrefix,
		Permission:   req.Permission,
		TenantScope:  scope,
		Status:       auth.KeyStatusActive,
		Profile:      profile,
		ExpiresAt:    req.ExpiresAt,
		CreatedBy:    identity.SubjectID,
		CreatedAt:    h.now().UTC(),
	}
	if err := h.store.Insert(r.Context(), key); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteCreated(w, CreateKeyResponse{Key: key, Secret: secret})
}

// List handles GET /tenants/{tenant}/keys. Secrets are not part of the
// response; the stored hash is excluded from serialization entirely.
func (h *KeyHandlers) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant")
	if !ok {
		return
	}
	keys, err := h.store.ListByTenant(r.Context(), tenantID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if keys == nil {
		keys = []*auth.APIKey{}
	}
	httputil.WriteSuccess(w, keys)
}

// Get handles GET /tenants/{tenant}/keys/{id}.
func (h *KeyHandlers) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := h.tenantKey(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, key)
}

// Block handles POST /tenants/{tenant}/keys/{id}/block.
func (h *KeyHandlers) Block(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, auth.KeyStatusBlocked)
}

// Unblock handles POST /tenants/{tenant}/keys/{id}/unblock.
func (h *KeyHandlers) Unblock(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, auth.KeyStatusActive)
}

// Revoke handles POST /tenants/{tenant}/keys/{id}/revoke. Revocation is
// terminal; a revoked key can never be reactivated.
func (h *KeyHandlers) Revoke(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, auth.KeyStatusRevoked)
}

func (h *KeyHandlers) changeStatus(w http.ResponseWriter, r *http.Request, target auth.KeyStatus) {
	key, ok := h.tenantKey(w, r)
	if !ok {
		return
	}
	if key.Status == target {
		// Idempotent no-op.
		httputil.WriteSuccess(w, key)
		return
	}
	if !auth.ValidStatusTransition(key.Status, target) {
		httputil.WriteConflict(w, "cannot move key from "+string(key.Status)+" to "+string(target))
		return
	}
	if err := h.store.UpdateStatus(r.Context(), key.ID, target); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	key.Status = target
	httputil.WriteSuccess(w, key)
}

// tenantKey loads the key at {id} and checks it belongs to the request's
// tenant. Unscoped keys are only manageable by system admins.
func (h *KeyHandlers) tenantKey(w http.ResponseWriter, r *http.Request) (*auth.APIKey, bool) {
	raw, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid key id")
		return nil, false
	}

	key, err := h.store.GetByID(r.Context(), id)
	if err == auth.ErrKeyNotFound {
		httputil.WriteNotFound(w, "api key not found")
		return nil, false
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return nil, false
	}

	tenantID, _ := httputil.ParsePathString(r, "tenant")
	if key.TenantScope != tenantID {
		eff, _ := middleware.EffectiveFromContext(r.Context())
		if !eff.SystemAdmin {
			httputil.WriteNotFound(w, "api key not found")
			return nil, false
		}
	}
	return key, true
}
