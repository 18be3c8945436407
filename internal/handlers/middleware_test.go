package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"timelines/internal/logger"
	"timelines/internal/metrics"
	"timelines/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLogger_LevelByStatus(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := &logger.Logger{SugaredLogger: zap.New(core).Sugar()}

	gin.SetMode(gin.TestMode)
	h := NewHandler(&service.Service{}, nil, nil, log)
	r := gin.New()
	r.Use(h.requestLogger)
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, p := range []string{"/ok", "/bad", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	entries := logs.FilterMessage("http_request").All()
	if len(entries) != 3 {
		t.Fatalf("want 3 request logs, got %d", len(entries))
	}
	want := []string{"debug", "warn", "error"}
	for i, e := range entries {
		if e.Level.String() != want[i] {
			t.Fatalf("entry %d level = %s, want %s", i, e.Level, want[i])
		}
		if e.ContextMap()["path"] == "" {
			t.Fatalf("entry %d missing path", i)
		}
	}
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	gin.SetMode(gin.TestMode)
	r := NewHandler(&service.Service{}, nil, m, nil).InitRoutes()

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `timelines_http_requests_total{method="GET",path="/health",status="200"} 1`) {
		t.Fatalf("health request not counted:\n%s", w.Body.String())
	}
}
