package observ

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncCounterAndIncCounterByDoNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		IncCounter("test_metrics_counter_total", map[string]string{"agent": "a"})
		IncCounterBy("test_metrics_counter_total", map[string]string{"agent": "a"}, 3)
	})
}

func TestSetGaugeDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		SetGauge("test_metrics_gauge", 1.5, map[string]string{"agent": "a"})
	})
}

func TestObserveAndRecordDurationDoNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		Observe("test_metrics_histogram", 0.2, map[string]string{"agent": "a"})
		RecordHistogram("test_metrics_histogram_alias", 0.4, map[string]string{"agent": "a"})
		RecordGauge("test_metrics_gauge_alias", 2.0, map[string]string{"agent": "a"})
		RecordDuration("test_metrics_duration", 0, map[string]string{"agent": "a"})
	})
}

func TestHandlerServesExpositionFormat(t *testing.T) {
	IncCounter("test_metrics_handler_total", map[string]string{"agent": "a"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_metrics_handler_total")
}
