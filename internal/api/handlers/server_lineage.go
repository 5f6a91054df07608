package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type lineageResponse struct {
	ArtifactID     string   `json:"artifact_id"`
	Ancestors      []string `json:"ancestors"`
	Descendants    []string `json:"descendants"`
	RollbackImpact []string `json:"rollback_impact"`
}

// GetArtifactLineage handles GET /artifacts/{id}/lineage, surfacing the
// in-memory lineage DAG (internal/lineage.Graph) that Rollback already
// consults internally to compute blast radius.
func (s *Server) GetArtifactLineage(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, lineageResponse{
		ArtifactID:     id,
		Ancestors:      s.graph.Ancestors(id),
		Descendants:    s.graph.Descendants(id),
		RollbackImpact: s.graph.RollbackImpact(id),
	})
}
