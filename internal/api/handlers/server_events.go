package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"domaindetermine.io/governance/internal/apperr"
)

// GetEvents handles GET /events?tenant=&from_seq=, returning the
// tenant's event log from from_seq onward. internal/eventlog.Log.Stream
// already self-verifies the HMAC chain while reading, so every chunk
// returned here has already been checked, per §6.
func (s *Server) GetEvents(c *gin.Context) {
	tenant := c.Query("tenant")
	if tenant == "" {
		_ = c.Error(apperr.SchemaViolation("events: tenant query parameter is required"))
		return
	}

	fromSeq := uint64(0)
	if raw := c.Query("from_seq"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			_ = c.Error(apperr.SchemaViolation("events: from_seq must be a non-negative integer"))
			return
		}
		fromSeq = v
	}

	events, err := s.log.Stream(c.Request.Context(), tenant, fromSeq)
	if err != nil {
		_ = c.Error(err)
		return
	}
	s.metrics.ObserveEventChainVerification()

	c.JSON(http.StatusOK, events)
}
