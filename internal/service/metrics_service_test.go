package service

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsServiceEnrollmentCounters(t *testing.T) {
	m := NewMetricsService()

	m.RecordEnrollment("enroll_self", "created")
	m.RecordEnrollment("enroll_self", "created")
	m.RecordBulk("enroll_cohort", map[string]int{"enrolled": 3, "already_enrolled": 1, "errors": 0}, 20*time.Millisecond)
	m.RecordProvenance(string(SignalCohortCardinality), true)

	body := scrape(t, m)
	assert.Contains(t, body, `enrollment_operations_total{operation="enroll_self",outcome="created"} 2`)
	assert.Contains(t, body, `enrollment_bulk_members_total{bucket="enrolled",operation="enroll_cohort"} 3`)
	assert.Contains(t, body, `enrollment_provenance_decisions_total{administrative="true",signal="cohort_cardinality"} 1`)

	snapshot := m.Snapshot()
	assert.Equal(t, uint64(2), snapshot.EnrollmentOperations)
	assert.Equal(t, uint64(4), snapshot.BulkMembersProcessed)
}

func TestMetricsServiceHandlerExposesRegistry(t *testing.T) {
	m := NewMetricsService()
	m.ObserveHTTPRequest(http.MethodGet, "/api/v1/me/courses", http.StatusOK, 5*time.Millisecond)

	assert.Contains(t, scrape(t, m), `http_requests_total{method="GET",path="/api/v1/me/courses",status="200"} 1`)
	assert.Equal(t, uint64(1), m.Snapshot().RequestsTotal)
}

func TestMetricsServiceNilSafe(t *testing.T) {
	var m *MetricsService
	assert.NotPanics(t, func() {
		m.RecordEnrollment("enroll_self", "created")
		m.RecordBulk("enroll_cohort", nil, 0)
		m.RecordProvenance("none", false)
		m.RecordCacheOperation(true, 0)
	})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func scrape(t *testing.T, m *MetricsService) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
