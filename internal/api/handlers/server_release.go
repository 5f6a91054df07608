package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"domaindetermine.io/governance/internal/api/middleware"
	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/domain"
	"domaindetermine.io/governance/internal/gate"
)

// evaluateRequest is the POST /release/evaluate body. §6 names only
// manifest_id and policy_pack; rehearsal_at and readiness_gates are
// additive fields the caller (deployment automation, which owns that
// external context per §4.9's "Deployment automation calls
// evaluate_release(...)") may supply, since neither is tracked by any
// table this registry owns. Waiver statuses are never caller-supplied:
// the handler resolves them itself from the manifest's own waiver
// references, the one piece of this input the registry is authoritative on.
type evaluateRequest struct {
	ManifestID     string             `json:"manifest_id"`
	PolicyPack     string             `json:"policy_pack"`
	RehearsalAt    *time.Time         `json:"rehearsal_at"`
	ReadinessGates []readinessGateReq `json:"readiness_gates"`
}

type readinessGateReq struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// EvaluateRelease handles POST /release/evaluate.
func (s *Server) EvaluateRelease(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.SchemaViolation("release: invalid request body: " + err.Error()))
		return
	}

	policy, err := gate.ParsePolicy([]byte(req.PolicyPack))
	if err != nil {
		_ = c.Error(err)
		return
	}

	ctx := c.Request.Context()
	manifest, err := s.store.GetManifest(ctx, req.ManifestID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	waiverStatuses := make(map[string]domain.WaiverStatus, len(manifest.Waivers))
	for _, ref := range manifest.Waivers {
		w, err := s.waivers.Get(ctx, middleware.GetAuditContext(c).Tenant, ref.WaiverID)
		if err != nil {
			_ = c.Error(err)
			return
		}
		waiverStatuses[ref.WaiverID] = w.Status
	}

	readinessGates := make([]gate.ReadinessGate, len(req.ReadinessGates))
	for i, g := range req.ReadinessGates {
		readinessGates[i] = gate.ReadinessGate{Name: g.Name, Status: g.Status}
	}

	traceID := middleware.GetRequestID(ctx)
	result := gate.Evaluate(policy, gate.Input{
		Manifest:       manifest,
		RehearsalAt:    req.RehearsalAt,
		ReadinessGates: readinessGates,
		WaiverStatuses: waiverStatuses,
		Now:            time.Now().UTC(),
		TraceID:        traceID,
	})

	c.JSON(http.StatusOK, result)
}
