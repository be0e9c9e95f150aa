package audit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliocms/folio/pkg/auth"
	"github.com/foliocms/folio/pkg/contextkeys"
)

type captureRecorder struct {
	mu      sync.Mutex
	records []*UsageRecord
}

func (r *captureRecorder) Record(record *UsageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

func TestMiddlewareRecordsRequest(t *testing.T) {
	recorder := &captureRecorder{}
	identity := &auth.Identity{SubjectID: uuid.New(), Source: auth.SourceBearerToken}

	router := mux.NewRouter()
	router.Handle("/tenants/{tenant}/content/{id}",
		NewMiddleware(recorder).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})))

	r := httptest.NewRequest("POST", "/tenants/tenant-a/content/42", nil)
	r = r.WithContext(contextkeys.WithIdentity(r.Context(), identity))
	router.ServeHTTP(httptest.NewRecorder(), r)

	require.Len(t, recorder.records, 1)
	record := recorder.records[0]
	assert.Equal(t, identity.SubjectID, record.SubjectID)
	assert.Equal(t, auth.SourceBearerToken, record.Source)
	assert.Equal(t, "tenant-a", record.TenantID)
	assert.Equal(t, "POST", record.Method)
	assert.Equal(t, "/tenants/{tenant}/content/{id}", record.Route, "routes aggregate by pattern, not raw path")
	assert.Equal(t, http.StatusCreated, record.StatusCode)
}

func TestMiddlewareRecordsAnonymous(t *testing.T) {
	recorder := &captureRecorder{}
	handler := NewMiddleware(recorder).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nope", nil))

	require.Len(t, recorder.records, 1)
	assert.Equal(t, uuid.Nil, recorder.records[0].SubjectID)
	assert.Equal(t, http.StatusNotFound, recorder.records[0].StatusCode)
}
