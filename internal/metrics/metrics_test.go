package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	c := New()
	c.ObserveTransition("review", "under_review", "approved")
	c.ObserveTransition("review", "under_review", "approved")
	c.ObserveTask("DML", "success", 20*time.Millisecond)
	c.ObserveInspect("pass", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Transitions.WithLabelValues("review", "under_review", "approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TaskExecutions.WithLabelValues("DML", "success")))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.ObserveTransition("close", "pending", "closed")
	c.ObserveTask("DDL", "failed", time.Second)
	c.ObserveInspect("timeout", time.Second)
}

func TestHandlerAndMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := New()
	r := gin.New()
	r.Use(c.GinMiddleware())
	r.GET("/ping", func(ctx *gin.Context) { ctx.String(http.StatusOK, "pong") })
	r.GET("/metrics", gin.WrapH(c.Handler()))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, `dbchange_http_requests_total{method="GET",path="/ping",status_code="200"} 1`), body)
}
