// Package version implements the Versioner: a pure function computing
// the next semantic version from a prior version and a declared
// change impact, and the approval-count rules that gate each bump
// tier. It owns no persistent state.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/domain"
)

// SemVer is a parsed major.minor.patch version.
type SemVer struct {
	Major, Minor, Patch int
}

func (v SemVer) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Parse parses a "major.minor.patch" string.
func Parse(s string) (SemVer, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return SemVer{}, apperr.SchemaViolation("version: " + s + " is not a valid semver")
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return SemVer{}, apperr.SchemaViolation("version: " + s + " is not a valid semver")
		}
		nums[i] = n
	}
	return SemVer{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// requiredRoles lists the approval roles each change-impact tier
// requires to be present, per §4.6. Minor requires two approvals of
// any role (no specific roles named in the spec), enforced instead
// via minApprovalCount. Major additionally requires an explicit
// change-control reference, checked by the caller (Publish Pipeline)
// since the Versioner itself holds no approval state.
var requiredRoles = map[domain.ChangeImpact][]string{
	domain.ImpactMajor: {"governance"},
	domain.ImpactPatch: {"maintainer", "qa"},
}

var minApprovalCount = map[domain.ChangeImpact]int{
	domain.ImpactMajor: 1,
	domain.ImpactMinor: 2,
	domain.ImpactPatch: 2,
}

// MinApprovalCount returns how many approvals impact requires.
func MinApprovalCount(impact domain.ChangeImpact) int {
	return minApprovalCount[impact]
}

// RequiredRoles returns the role set impact requires to be present
// among the approvals, empty if the tier has no specific role
// requirement (minor).
func RequiredRoles(impact domain.ChangeImpact) []string {
	return requiredRoles[impact]
}

// Next computes the version that follows prior under the given
// change impact. A nil prior means this is the artifact's first
// version: the result is always 1.0.0 regardless of declared impact,
// per §4.6.
func Next(prior *SemVer, impact domain.ChangeImpact) (SemVer, error) {
	if prior == nil {
		return SemVer{Major: 1, Minor: 0, Patch: 0}, nil
	}
	switch impact {
	case domain.ImpactMajor:
		return SemVer{Major: prior.Major + 1, Minor: 0, Patch: 0}, nil
	case domain.ImpactMinor:
		return SemVer{Major: prior.Major, Minor: prior.Minor + 1, Patch: 0}, nil
	case domain.ImpactPatch:
		return SemVer{Major: prior.Major, Minor: prior.Minor, Patch: prior.Patch + 1}, nil
	default:
		return SemVer{}, apperr.SchemaViolation("version: unknown change_impact " + string(impact))
	}
}

// Validate computes the expected next version from prior/impact and
// rejects with POLICY_VIOLATION if declared does not match, per §4.6.
func Validate(priorStr *string, impact domain.ChangeImpact, declared string) error {
	var prior *SemVer
	if priorStr != nil {
		p, err := Parse(*priorStr)
		if err != nil {
			return err
		}
		prior = &p
	}

	expected, err := Next(prior, impact)
	if err != nil {
		return err
	}

	declaredParsed, err := Parse(declared)
	if err != nil {
		return err
	}
	if declaredParsed != expected {
		return apperr.PolicyViolation(fmt.Sprintf(
			"version: declared version %s does not match computed version %s", declared, expected))
	}
	return nil
}

// Highest parses every string in versions and returns the greatest,
// or nil if versions is empty — the prior version the Publish
// Pipeline feeds into Next/Validate for an existing (class,tenant,
// slug) identity.
func Highest(versions []string) (*SemVer, error) {
	var best *SemVer
	for _, v := range versions {
		parsed, err := Parse(v)
		if err != nil {
			return nil, err
		}
		if best == nil || semverLess(*best, parsed) {
			p := parsed
			best = &p
		}
	}
	return best, nil
}

func semverLess(a, b SemVer) bool {
	if a.Major != b.Major {
		return a.Major < b.Major
	}
	if a.Minor != b.Minor {
		return a.Minor < b.Minor
	}
	return a.Patch < b.Patch
}

// ApprovalRolesSatisfied checks that approvals cover every role
// required for impact, with at least MinApprovalCount(impact)
// approvals in total (entries are counted, not distinct actors).
func ApprovalRolesSatisfied(impact domain.ChangeImpact, approvals []domain.Approval) bool {
	if len(approvals) < minApprovalCount[impact] {
		return false
	}
	have := make(map[string]bool, len(approvals))
	for _, a := range approvals {
		have[a.Role] = true
	}
	for _, role := range requiredRoles[impact] {
		if !have[role] {
			return false
		}
	}
	return true
}
