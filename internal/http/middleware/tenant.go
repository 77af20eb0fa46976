package middleware

import (
	"net/http"

	"github.com/voicelane/voicelane/internal/tenancy"
)

// TenantHeader is set by the gateway after it authenticates the caller.
const TenantHeader = "X-Tenant-Id"

// TenantContext copies the gateway-asserted tenant id from the request
// header into the context so handlers can fall back to it when a body
// omits tenant_id.
func TenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenantID := r.Header.Get(TenantHeader); tenantID != "" {
			r = r.WithContext(tenancy.WithTenantID(r.Context(), tenantID))
		}
		next.ServeHTTP(w, r)
	})
}
