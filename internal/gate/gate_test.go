package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"domaindetermine.io/governance/internal/domain"
)

func TestParsePolicy_YAML(t *testing.T) {
	data := []byte(`
required_approvals: ["governance", "qa"]
max_rehearsal_age_days: 30
allow_waivers: false
required_readiness_gates: ["smoke", "canary"]
`)
	p, err := ParsePolicy(data)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"governance", "qa"}, p.RequiredApprovals)
	require.Equal(t, 30, p.MaxRehearsalAgeDays)
	require.False(t, p.AllowWaivers)
}

func TestParsePolicy_JSON(t *testing.T) {
	data := []byte(`{"required_approvals":["governance"],"allow_waivers":true}`)
	p, err := ParsePolicy(data)
	require.NoError(t, err)
	require.Equal(t, []string{"governance"}, p.RequiredApprovals)
	require.True(t, p.AllowWaivers)
}

func TestEvaluate_ApprovesWhenEverythingSatisfied(t *testing.T) {
	now := time.Now().UTC()
	rehearsal := now.Add(-5 * 24 * time.Hour)
	policy := Policy{
		RequiredApprovals:      []string{"governance"},
		MaxRehearsalAgeDays:    30,
		AllowWaivers:           false,
		RequiredReadinessGates: []string{"smoke"},
	}
	in := Input{
		Manifest: domain.Manifest{
			Approvals: []domain.Approval{{Role: "governance"}},
		},
		RehearsalAt:    &rehearsal,
		ReadinessGates: []ReadinessGate{{Name: "smoke", Status: "PASS"}},
		Now:            now,
		TraceID:        "trace-1",
	}
	result := Evaluate(policy, in)
	require.Equal(t, DecisionApprove, result.Decision)
	require.Empty(t, result.Reasons)
	require.Equal(t, "trace-1", result.TraceID)
}

func TestEvaluate_RejectsMissingApproval(t *testing.T) {
	policy := Policy{RequiredApprovals: []string{"governance"}}
	result := Evaluate(policy, Input{Manifest: domain.Manifest{}, Now: time.Now().UTC()})
	require.Equal(t, DecisionReject, result.Decision)
	require.Contains(t, result.Reasons[0], "governance")
}

func TestEvaluate_RejectsStaleRehearsal(t *testing.T) {
	now := time.Now().UTC()
	stale := now.Add(-60 * 24 * time.Hour)
	policy := Policy{MaxRehearsalAgeDays: 30}
	result := Evaluate(policy, Input{Manifest: domain.Manifest{}, RehearsalAt: &stale, Now: now})
	require.Equal(t, DecisionReject, result.Decision)
	require.Contains(t, result.Reasons, "stale_rollback_rehearsal")
}

func TestEvaluate_RejectsDisallowedWaivers(t *testing.T) {
	policy := Policy{AllowWaivers: false}
	in := Input{
		Manifest: domain.Manifest{Waivers: []domain.WaiverRef{{WaiverID: "w-1"}}},
		WaiverStatuses: map[string]domain.WaiverStatus{"w-1": domain.WaiverApproved},
		Now:            time.Now().UTC(),
	}
	result := Evaluate(policy, in)
	require.Equal(t, DecisionReject, result.Decision)
}

func TestEvaluate_RejectsNonApprovedWaiver(t *testing.T) {
	policy := Policy{AllowWaivers: true}
	in := Input{
		Manifest:       domain.Manifest{Waivers: []domain.WaiverRef{{WaiverID: "w-1"}}},
		WaiverStatuses: map[string]domain.WaiverStatus{"w-1": domain.WaiverExpired},
		Now:            time.Now().UTC(),
	}
	result := Evaluate(policy, in)
	require.Equal(t, DecisionReject, result.Decision)
}

func TestEvaluate_RejectsMissingReadinessGate(t *testing.T) {
	policy := Policy{RequiredReadinessGates: []string{"smoke", "canary"}}
	in := Input{
		Manifest:       domain.Manifest{},
		ReadinessGates: []ReadinessGate{{Name: "smoke", Status: "PASS"}},
		Now:            time.Now().UTC(),
	}
	result := Evaluate(policy, in)
	require.Equal(t, DecisionReject, result.Decision)
	require.Contains(t, result.Reasons[0], "canary")
}
