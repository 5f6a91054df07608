package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuditRequest(headers map[string]string, tokenRoles []string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if tokenRoles != nil {
			c.Request = c.Request.WithContext(SetUserContext(c.Request.Context(), "u1", "alice", tokenRoles))
		}
		c.Next()
	})
	router.Use(RequireAuditHeaders())
	router.POST("/artifacts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": GetAuditContext(c).Actor})
	})

	req := httptest.NewRequest(http.MethodPost, "/artifacts", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestRequireAuditHeaders_MissingHeader(t *testing.T) {
	t.Parallel()
	w := newAuditRequest(map[string]string{
		HeaderActor: "pipeline-1", HeaderTenant: "acme", HeaderReason: "ingest",
	}, []string{"producer"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRequireAuditHeaders_RoleNotOnToken(t *testing.T) {
	t.Parallel()
	w := newAuditRequest(map[string]string{
		HeaderActor: "pipeline-1", HeaderRoles: "admin", HeaderTenant: "acme", HeaderReason: "ingest",
	}, []string{"producer"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRequireAuditHeaders_OK(t *testing.T) {
	t.Parallel()
	w := newAuditRequest(map[string]string{
		HeaderActor: "pipeline-1", HeaderRoles: "producer", HeaderTenant: "acme", HeaderReason: "ingest",
	}, []string{"producer", "auditor"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}
