package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func TestMiddlewareCountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	rm := NewRequestMetrics(reg, nil)

	engine := gin.New()
	engine.Use(rm.Middleware("provider"))
	engine.Any("/*path", func(c *gin.Context) {
		if c.Request.Method == http.MethodPost {
			c.String(http.StatusOK, "ok")
			return
		}
		c.AbortWithStatus(http.StatusMethodNotAllowed)
	})

	for _, method := range []string{http.MethodPost, http.MethodPost, http.MethodGet} {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(method, "/users", nil))
	}

	if got := testutil.ToFloat64(rm.requests.WithLabelValues("provider", "POST", "200")); got != 2 {
		t.Errorf("expected 2 POST/200 requests, got %v", got)
	}
	if got := testutil.ToFloat64(rm.requests.WithLabelValues("provider", "GET", "405")); got != 1 {
		t.Errorf("expected 1 GET/405 request, got %v", got)
	}
	if got := testutil.ToFloat64(rm.inFlight.WithLabelValues("provider")); got != 0 {
		t.Errorf("expected 0 in flight, got %v", got)
	}
}

func TestHopObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	rm := NewRequestMetrics(reg, nil)

	observe := rm.HopObserver("consumer")
	observe("http://medium:9092/users", "ok", 20*time.Millisecond)
	observe("http://medium:9092/users", "timeout", time.Second)

	if got := testutil.ToFloat64(rm.hops.WithLabelValues("consumer", "http://medium:9092/users", "ok")); got != 1 {
		t.Errorf("expected 1 ok hop, got %v", got)
	}
	if n := testutil.CollectAndCount(rm.hopDuration); n != 1 {
		t.Errorf("expected 1 hop histogram series, got %d", n)
	}
}

func TestProcessCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewProcessCollector(zap.NewNop()))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if strings.HasSuffix(mf.GetName(), "_process_memory_rss_bytes") {
			found = true
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v <= 0 {
				t.Errorf("expected positive RSS, got %v", v)
			}
		}
	}
	if !found {
		t.Error("expected tracehop_process_memory_rss_bytes to be exported")
	}
}
