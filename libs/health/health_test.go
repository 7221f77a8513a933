package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newRouter(m *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", LivenessHandler)
	r.GET("/readyz", ReadinessHandler(m))
	return r
}

func serve(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestReadinessFollowsFlag(t *testing.T) {
	m := NewManager(false)
	r := newRouter(m)

	if w := serve(r, "/readyz"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", w.Code)
	}
	m.SetReady(true)
	if w := serve(r, "/readyz"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", w.Code)
	}
	if w := serve(r, "/healthz"); w.Code != http.StatusOK {
		t.Fatalf("expected liveness 200, got %d", w.Code)
	}
}

func TestReadinessReportsFailingCheck(t *testing.T) {
	m := NewManager(true)
	m.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	m.AddCheck("redis", func(context.Context) error { return nil })
	r := newRouter(m)

	w := serve(r, "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	failures := m.Failing(context.Background())
	if len(failures) != 1 || failures["postgres"] == "" {
		t.Fatalf("unexpected failures: %v", failures)
	}
}
