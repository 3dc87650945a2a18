package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func serviceKeyRouter(key string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ServiceKey(key))
	router.POST("/internal/jobs/:jobId/selection-results", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"principal": PrincipalFromContext(c)})
	})
	router.OPTIONS("/internal/jobs/:jobId/selection-results", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return router
}

func TestServiceKeyAcceptsHeaderAndBearer(t *testing.T) {
	router := serviceKeyRouter("s3cret")

	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/j1/selection-results", nil)
	req.Header.Set(ServiceKeyHeader, "s3cret")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with header, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/jobs/j1/selection-results", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer, got %d", resp.Code)
	}
}

func TestServiceKeyRejectsWrongKey(t *testing.T) {
	router := serviceKeyRouter("s3cret")

	for _, key := range []string{"", "nope", "s3cret2"} {
		req := httptest.NewRequest(http.MethodPost, "/internal/jobs/j1/selection-results", nil)
		if key != "" {
			req.Header.Set(ServiceKeyHeader, key)
		}
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("key %q: expected 401, got %d", key, resp.Code)
		}
	}
}

func TestServiceKeyDisabledWhenUnset(t *testing.T) {
	router := serviceKeyRouter("")

	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/j1/selection-results", nil)
	req.Header.Set(ServiceKeyHeader, "anything")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestServiceKeyAllowsOptions(t *testing.T) {
	router := serviceKeyRouter("s3cret")

	req := httptest.NewRequest(http.MethodOptions, "/internal/jobs/j1/selection-results", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
}
