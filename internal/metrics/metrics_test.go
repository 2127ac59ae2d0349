package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestCounters tests that helpers update the registered collectors.
func TestCounters(t *testing.T) {
	m := New()

	m.Grant("local")
	m.Grant("local")
	m.Grant("consensus")
	m.Conflict()
	m.Merged(3)
	m.Merged(0)

	if got := testutil.ToFloat64(m.LeaseGrants.WithLabelValues("local")); got != 2 {
		t.Errorf("local grants = %v, want 2", got)
	}

	if got := testutil.ToFloat64(m.Merges); got != 3 {
		t.Errorf("merges = %v, want 3", got)
	}

	if got := testutil.ToFloat64(m.LeaseConflicts); got != 1 {
		t.Errorf("conflicts = %v, want 1", got)
	}
}

// TestNilMetrics tests that a nil value is a no-op.
func TestNilMetrics(t *testing.T) {
	var m *Metrics

	m.Grant("local")
	m.RoundCommitted(0.1)
	m.SetActive(3)
	m.Duplicate()
}

// TestHandler tests exposition through HTTP.
func TestHandler(t *testing.T) {
	m := New()
	m.Fence()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "stratum_lease_fences_total 1") {
		t.Errorf("exposition missing fence counter:\n%s", rec.Body.String())
	}
}
