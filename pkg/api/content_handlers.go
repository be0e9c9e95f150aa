package api

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foliocms/folio/pkg/auth"
	"github.com/foliocms/folio/pkg/httputil"
	"github.com/foliocms/folio/pkg/middleware"
)

// WorkflowState is the editorial lifecycle of a content item.
type WorkflowState string

const (
	StateDraft     WorkflowState = "draft"
	StateInReview  WorkflowState = "in_review"
	StatePublished WorkflowState = "published"
)

// ValidWorkflowTransition reports whether a content item may move between
// two states. Publishing always passes through review; unpublishing returns
// an item to draft.
func ValidWorkflowTransition(from, to WorkflowState) bool {
	switch from {
	case StateDraft:
		return to == StateInReview
	case StateInReview:
		return to == StatePublished || to == StateDraft
	case StatePublished:
		return to == StateDraft
	default:
		return false
	}
}

// Content is one editorial item belonging to a tenant.
type Content struct {
	ID        uuid.UUID     `json:"id"`
	TenantID  string        `json:"tenant_id"`
	Title     string        `json:"title"`
	Body      string        `json:"body"`
	State     WorkflowState `json:"state"`
	CreatedBy uuid.UUID     `json:"created_by"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ContentStore keeps content items in memory, partitioned by tenant.
type ContentStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Content
}

// NewContentStore creates an empty store.
func NewContentStore() *ContentStore {
	return &ContentStore{items: make(map[uuid.UUID]*Content)}
}

// Get returns a copy of the item, scoped to the tenant.
func (s *ContentStore) Get(tenantID string, id uuid.UUID) (*Content, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok || item.TenantID != tenantID {
		return nil, false
	}
	copied := *item
	return &copied, true
}

// List returns the tenant's items, newest first.
func (s *ContentStore) List(tenantID string) []*Content {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Content
	for _, item := range s.items {
		if item.TenantID != tenantID {
			continue
		}
		copied := *item
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Put stores or replaces an item.
func (s *ContentStore) Put(item *Content) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *item
	s.items[item.ID] = &copied
}

// Delete removes an item, scoped to the tenant.
func (s *ContentStore) Delete(tenantID string, id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.TenantID != tenantID {
		return false
	}
	delete(s.items, id)
	return true
}

// ContentHandlers handles content workflow requests
type ContentHandlers struct {
	store *ContentStore
	now   func() time.Time
}

// NewContentHandlers creates a new ContentHandlers.
func NewContentHandlers(store *ContentStore) *ContentHandlers {
	if store == nil {
		store = NewContentStore()
	}
	return &ContentHandlers{store: store, now: time.Now}
}

// ContentRequest is the body for creating or updating content.
type ContentRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// TransitionRequest is the body for POST /content/{id}/transition.
type TransitionRequest struct {
	To WorkflowState `json:"to"`
}

// Create handles POST /tenants/{tenant}/content. New items start in draft.
func (h *ContentHandlers) Create(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant")
	if !ok {
		return
	}

	var req ContentRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Title == "" {
		httputil.WriteBadRequest(w, "title is required")
		return
	}

	now := h.now().UTC()
	item := &Content{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Title:     req.Title,
		Body:      req.Body,
		State:     StateDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if identity != nil {
		item.CreatedBy = identity.SubjectID
	}
	h.store.Put(item)
	httputil.WriteCreated(w, item)
}

// List handles GET /tenants/{tenant}/content.
func (h *ContentHandlers) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant")
	if !ok {
		return
	}
	items := h.store.List(tenantID)
	if items == nil {
		items = []*Content{}
	}
	httputil.WriteSuccess(w, items)
}

// Get handles GET /tenants/{tenant}/content/{id}.
func (h *ContentHandlers) Get(w http.ResponseWriter, r *http.Request) {
	item, ok := h.tenantContent(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, item)
}

// Update handles PUT /tenants/{tenant}/content/{id}.
func (h *ContentHandlers) Update(w http.ResponseWriter, r *http.Request) {
	item, ok := h.tenantContent(w, r)
	if !ok {
		return
	}
	var req ContentRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Title != "" {
		item.Title = req.Title
	}
	item.Body = req.Body
	item.UpdatedAt = h.now().UTC()
	h.store.Put(item)
	httputil.WriteSuccess(w, item)
}

// Delete handles DELETE /tenants/{tenant}/content/{id}.
func (h *ContentHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	item, ok := h.tenantContent(w, r)
	if !ok {
		return
	}
	h.store.Delete(item.TenantID, item.ID)
	httputil.WriteNoContent(w)
}

// Transition handles POST /tenants/{tenant}/content/{id}/transition. Moving
// an item between workflow states needs the transition capability, which
// reviewers hold without write access. A reviewer can publish a reviewed
// item but still cannot edit or delete it.
func (h *ContentHandlers) Transition(w http.ResponseWriter, r *http.Request) {
	eff, ok := middleware.EffectiveFromContext(r.Context())
	if !ok {
		httputil.WriteGatewayError(w, auth.NewError(auth.KindUnauthenticated, "authentication required"))
		return
	}
	if !eff.CanTransitionWorkflow {
		httputil.WriteGatewayError(w, auth.NewError(auth.KindInsufficientPermission,
			"workflow transitions require the reviewer capability or write permission"))
		return
	}

	item, found := h.tenantContent(w, r)
	if !found {
		return
	}

	var req TransitionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !ValidWorkflowTransition(item.State, req.To) {
		httputil.WriteConflict(w, "cannot move content from "+string(item.State)+" to "+string(req.To))
		return
	}

	item.State = req.To
	item.UpdatedAt = h.now().UTC()
	h.store.Put(item)
	httputil.WriteSuccess(w, item)
}

func (h *ContentHandlers) tenantContent(w http.ResponseWriter, r *http.Request) (*Content, bool) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant")
	if !ok {
		return nil, false
	}
	raw, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid content id")
		return nil, false
	}
	item, found := h.store.Get(tenantID, id)
	if !found {
		httputil.WriteNotFound(w, "content not found")
		return nil, false
	}
	return item, true
}
