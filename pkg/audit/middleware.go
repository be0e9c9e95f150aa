package audit

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/foliocms/folio/pkg/auth"
	"github.com/foliocms/folio/pkg/contextkeys"
	"github.com/foliocms/folio/pkg/httputil"
)

// Middleware records usage for every request passing through it. It runs
// inside the authenticator so the identity is present in the request
// context; rate-limit rejections downstream are still recorded.
type Middleware struct {
	recorder Recorder
}

// NewMiddleware creates the usage-recording middleware.
func NewMiddleware(recorder Recorder) *Middleware {
	return &Middleware{recorder: recorder}
}

// Handler wraps an HTTP handler with usage recording.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := contextkeys.WithRequestStartTime(r.Context(), start)
		wrapped := httputil.NewStatusRecorder(w)

		next.ServeHTTP(wrapped, r.WithContext(ctx))

		record := &UsageRecord{
			Method:     r.Method,
			Route:      routeTemplate(r),
			StatusCode: wrapped.Status,
			LatencyMS:  time.Since(start).Milliseconds(),
			RequestID:  contextkeys.RequestID(ctx),
			ClientIP:   httputil.ClientIP(r),
			Timestamp:  start.UTC(),
		}
		if identity, ok := ctx.Value(contextkeys.IdentityKey).(*auth.Identity); ok && identity != nil {
			record.SubjectID = identity.SubjectID
			record.Source = identity.Source
		}
		if tenant, ok := mux.Vars(r)["tenant"]; ok {
			record.TenantID = tenant
		}
		m.recorder.Record(record)
	})
}

// routeTemplate prefers the matched route pattern over the raw path so
// records aggregate by endpoint, not by individual resource IDs.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}
