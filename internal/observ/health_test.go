package observ

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLivenessHandlerNeverCallsDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/livez", nil)

	LivenessHandler().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReadinessHandlerHealthyWhenStoreAndEventLogOK(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/readyz", nil)

	h := ReadinessHandler(func() HealthDetails {
		return HealthDetails{StoreOK: true, EventLogOK: true}
	})
	h.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestReadinessHandlerFailedWhenStoreDown(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/readyz", nil)

	h := ReadinessHandler(func() HealthDetails {
		return HealthDetails{StoreOK: false, EventLogOK: true}
	})
	h.ServeHTTP(rec, req)
	assert.Equal(t, 503, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed")
}

func TestReadinessHandlerDegradedOnDrawdownHalt(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/readyz", nil)

	h := ReadinessHandler(func() HealthDetails {
		return HealthDetails{StoreOK: true, EventLogOK: true, DrawdownHalt: true}
	})
	h.ServeHTTP(rec, req)
	assert.Equal(t, 206, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestSetVersionIsReflectedInReadinessBody(t *testing.T) {
	SetVersion("test-version")
	defer SetVersion("dev")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/readyz", nil)
	h := ReadinessHandler(func() HealthDetails {
		return HealthDetails{StoreOK: true, EventLogOK: true}
	})
	h.ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), "test-version")
}
