package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestMiddlewareRecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/api/v1/invoices/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	before := readCounter(t, "GET", "/api/v1/invoices/:id", "200")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/invoices/inv_1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	after := readCounter(t, "GET", "/api/v1/invoices/:id", "200")
	if after != before+1 {
		t.Errorf("counter went %v -> %v, want +1", before, after)
	}
}

func readCounter(t *testing.T, method, path, status string) float64 {
	t.Helper()
	var m dto.Metric
	if err := HTTPRequestsTotal.WithLabelValues(method, path, status).Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestHandlerExposesMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ScansTotal.WithLabelValues("found").Inc()

	r := gin.New()
	r.GET("/metrics", Handler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		"veriflow_scans_total",
		"veriflow_http_requests_total",
		"veriflow_tracked_invoices",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
