package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistryHandlerExposesCollectors(t *testing.T) {
	reg := NewRegistry()
	reg.PoolActiveAccounts.Set(3)
	reg.VendorRequestsTotal.WithLabelValues("success").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "kiro_pool_active_accounts 3") {
		t.Fatalf("expected pool active accounts gauge in output, got:\n%s", body)
	}
	if !strings.Contains(body, `kiro_vendor_requests_total{outcome="success"} 1`) {
		t.Fatalf("expected vendor requests counter in output, got:\n%s", body)
	}
}
