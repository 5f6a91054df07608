// Package gate implements the Release Gate: evaluates a
// release_manifest artifact against a YAML/JSON policy pack and
// returns an APPROVE/REJECT decision with reasons. Grounded on the
// teacher's approval.Gateway validation style (branch per concern,
// accumulate a reason list rather than failing on the first check)
// generalized from a ticket state machine to a pure evaluation.
package gate

import (
	"time"

	"gopkg.in/yaml.v3"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/domain"
)

// Policy is a release gate policy pack, loaded from YAML or JSON
// (yaml.v3 parses both).
type Policy struct {
	RequiredApprovals      []string `yaml:"required_approvals"`
	MaxRehearsalAgeDays    int      `yaml:"max_rehearsal_age_days"`
	AllowWaivers           bool     `yaml:"allow_waivers"`
	RequiredReadinessGates []string `yaml:"required_readiness_gates"`
}

// ParsePolicy parses a policy pack from YAML or JSON bytes.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, apperr.SchemaViolation("gate: invalid policy pack: " + err.Error())
	}
	return p, nil
}

// Decision is APPROVE or REJECT.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// Result is the gate's evaluation outcome.
type Result struct {
	Decision Decision `json:"decision"`
	Reasons  []string `json:"reasons"`
	TraceID  string   `json:"trace_id"`
}

// ReadinessGate is one named readiness check's current state.
type ReadinessGate struct {
	Name   string
	Status string // "PASS" or anything else
}

// Input bundles everything the gate needs to evaluate a release
// manifest, gathered by the caller (the deployment pipeline) from the
// Artifact Store, Waiver Manager, and its own readiness-gate sources.
type Input struct {
	Manifest       domain.Manifest
	RehearsalAt    *time.Time
	ReadinessGates []ReadinessGate
	WaiverStatuses map[string]domain.WaiverStatus // waiver_id -> status, as consulted from referenced waivers
	Now            time.Time
	TraceID        string
}

// Evaluate applies policy to in, returning an APPROVE/REJECT decision
// with every violated condition listed as a reason (not just the
// first one found), so callers can report a complete picture.
func Evaluate(policy Policy, in Input) Result {
	var reasons []string

	haveApprovals := make(map[string]bool, len(in.Manifest.Approvals))
	for _, a := range in.Manifest.Approvals {
		haveApprovals[a.Role] = true
	}
	for _, role := range policy.RequiredApprovals {
		if !haveApprovals[role] {
			reasons = append(reasons, "missing required approval from role "+role)
		}
	}

	if policy.MaxRehearsalAgeDays > 0 {
		if in.RehearsalAt == nil {
			reasons = append(reasons, "no rollback rehearsal timestamp on record")
		} else {
			age := in.Now.Sub(*in.RehearsalAt)
			maxAge := time.Duration(policy.MaxRehearsalAgeDays) * 24 * time.Hour
			if age > maxAge {
				reasons = append(reasons, "stale_rollback_rehearsal")
			}
		}
	}

	if !policy.AllowWaivers && len(in.Manifest.Waivers) > 0 {
		reasons = append(reasons, "release relies on waivers, which this policy disallows")
	}
	for _, ref := range in.Manifest.Waivers {
		if status, ok := in.WaiverStatuses[ref.WaiverID]; !ok || status != domain.WaiverApproved {
			reasons = append(reasons, "waiver "+ref.WaiverID+" is not APPROVED")
		}
	}

	greenGates := make(map[string]bool, len(in.ReadinessGates))
	for _, g := range in.ReadinessGates {
		if g.Status == "PASS" {
			greenGates[g.Name] = true
		}
	}
	for _, required := range policy.RequiredReadinessGates {
		if !greenGates[required] {
			reasons = append(reasons, "readiness gate "+required+" is not PASS")
		}
	}

	decision := DecisionApprove
	if len(reasons) > 0 {
		decision = DecisionReject
	}

	return Result{Decision: decision, Reasons: reasons, TraceID: in.TraceID}
}
