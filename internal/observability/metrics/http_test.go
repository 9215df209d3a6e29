package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesRecordedMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/v1/crm/leads", http.MethodGet, http.StatusOK, 120*time.Millisecond)
	ObserveHTTPRequest("/api/v1/crm/leads", http.MethodPost, http.StatusInternalServerError, time.Second)
	Recorder{}.IrregularityDetected("late_arrival")
	Recorder{}.NotificationProcessed("delivered")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `medstaff_http_requests_total{code="200",handler="/api/v1/crm/leads",method="GET"} 1`)
	assert.Contains(t, text, `medstaff_http_request_errors_total{handler="/api/v1/crm/leads",method="POST"} 1`)
	assert.Contains(t, text, `medstaff_http_request_duration_seconds_bucket{handler="/api/v1/crm/leads",method="GET",le="0.25"} 1`)
	assert.Contains(t, text, `medstaff_timetrack_irregularities_detected_total{code="late_arrival"} 1`)
	assert.Contains(t, text, `medstaff_notify_notifications_processed_total{status="delivered"} 1`)
	assert.Contains(t, text, "go_goroutines")
}

func TestStartServerRequiresAddress(t *testing.T) {
	assert.Error(t, StartServer(t.Context(), ""))
}
