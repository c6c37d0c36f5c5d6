package server

import (
	"context"
	"net/http"
	"slices"
	"time"
)

// TimeoutMiddleware cancels the request context after timeout. Requests whose
// path is listed in exempt run unbounded; long-lived streams end only when the
// client disconnects.
func TimeoutMiddleware(timeout time.Duration, exempt ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(exempt, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
