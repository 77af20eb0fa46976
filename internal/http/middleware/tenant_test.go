package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voicelane/voicelane/internal/tenancy"
)

func TestTenantContextExtractsHeader(t *testing.T) {
	var got string
	h := TenantContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = tenancy.TenantIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/campaigns", nil)
	req.Header.Set(TenantHeader, "tenant-42")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != "tenant-42" {
		t.Fatalf("tenant id = %q, want tenant-42", got)
	}
}

func TestTenantContextAbsentHeader(t *testing.T) {
	h := TenantContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := tenancy.TenantIDFromContext(r.Context()); ok {
			t.Error("unexpected tenant id without header")
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
