package admin

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsmolarz/marketctl/internal/allocator"
	"github.com/rsmolarz/marketctl/internal/config"
)

type fakeController struct {
	statusJSON []byte
	statusErr  error
	killed     map[string]bool
	enabled    map[string]bool
	started    []string
	stopped    []string
	startErr   error
}

func newFakeController() *fakeController {
	return &fakeController{
		statusJSON: []byte(`{"ok":true}`),
		killed:     map[string]bool{},
		enabled:    map[string]bool{},
	}
}

func (f *fakeController) StatusJSON() ([]byte, error) { return f.statusJSON, f.statusErr }
func (f *fakeController) SetKilled(name string, killed bool) { f.killed[name] = killed }
func (f *fakeController) SetEnabled(name string, enabled bool) { f.enabled[name] = enabled }
func (f *fakeController) StartAgent(name string, force bool) error {
	f.started = append(f.started, name)
	return f.startErr
}
func (f *fakeController) StopAgent(name string) { f.stopped = append(f.stopped, name) }
func (f *fakeController) PreviewAllocation(opts allocator.Options) allocator.Result {
	return allocator.Result{Quotas: map[string]int{"agent-a": opts.TotalBudgetRuns}}
}

func newTestServer(t *testing.T, cp Controller) *Server {
	t.Helper()
	return NewServer(config.AdminConfig{Addr: ":0"}, cp, nil)
}

func TestHandleHealthReturnsOK(t *testing.T) {
	s := newTestServer(t, newFakeController())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)

	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleStatusRequiresSignedRequest(t *testing.T) {
	s := newTestServer(t, newFakeController())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)

	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleKillRejectsUnsignedRequest(t *testing.T) {
	cp := newFakeController()
	s := newTestServer(t, cp)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/agent-a/kill", bytes.NewReader(nil))

	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, cp.killed["agent-a"])
}

func TestHandleAllocatePreviewRejectsUnsignedRequest(t *testing.T) {
	cp := newFakeController()
	s := newTestServer(t, cp)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/allocate/preview",
		bytes.NewReader([]byte(`{"budget":100}`)))

	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBroadcastSkipsWhenNoClients(t *testing.T) {
	s := newTestServer(t, newFakeController())
	assert.NotPanics(t, func() {
		s.Broadcast("test_event", map[string]string{"k": "v"})
	})
}

func TestStopShutsDownHTTPServerCleanly(t *testing.T) {
	s := newTestServer(t, newFakeController())
	err := s.Stop(context.Background())
	require.NoError(t, err)
}
