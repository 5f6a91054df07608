package version

import (
	"testing"

	"github.com/stretchr/testify/require"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/domain"
)

func TestNext_NoPriorAlwaysOneZeroZero(t *testing.T) {
	for _, impact := range []domain.ChangeImpact{domain.ImpactMajor, domain.ImpactMinor, domain.ImpactPatch} {
		v, err := Next(nil, impact)
		require.NoError(t, err)
		require.Equal(t, SemVer{1, 0, 0}, v)
	}
}

func TestNext_BumpRules(t *testing.T) {
	prior := SemVer{Major: 2, Minor: 3, Patch: 4}

	major, err := Next(&prior, domain.ImpactMajor)
	require.NoError(t, err)
	require.Equal(t, SemVer{3, 0, 0}, major)

	minor, err := Next(&prior, domain.ImpactMinor)
	require.NoError(t, err)
	require.Equal(t, SemVer{2, 4, 0}, minor)

	patch, err := Next(&prior, domain.ImpactPatch)
	require.NoError(t, err)
	require.Equal(t, SemVer{2, 3, 5}, patch)
}

func TestValidate_AcceptsMatchingDeclaredVersion(t *testing.T) {
	prior := "1.0.0"
	require.NoError(t, Validate(&prior, domain.ImpactMinor, "1.1.0"))
}

func TestValidate_RejectsMismatchedDeclaredVersion(t *testing.T) {
	prior := "1.0.0"
	err := Validate(&prior, domain.ImpactMinor, "2.0.0")
	require.Error(t, err)
	ge, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.CodePolicyViolation, ge.Code)
}

func TestValidate_NoPriorRequiresOneZeroZero(t *testing.T) {
	require.NoError(t, Validate(nil, domain.ImpactPatch, "1.0.0"))
	require.Error(t, Validate(nil, domain.ImpactPatch, "0.9.0"))
}

func TestApprovalRolesSatisfied(t *testing.T) {
	require.True(t, ApprovalRolesSatisfied(domain.ImpactMajor, []domain.Approval{{Role: "governance"}}))
	require.False(t, ApprovalRolesSatisfied(domain.ImpactMajor, []domain.Approval{{Role: "maintainer"}}))

	require.True(t, ApprovalRolesSatisfied(domain.ImpactMinor, []domain.Approval{{Role: "maintainer"}, {Role: "qa"}}))
	require.False(t, ApprovalRolesSatisfied(domain.ImpactMinor, []domain.Approval{{Role: "maintainer"}}))

	require.True(t, ApprovalRolesSatisfied(domain.ImpactPatch, []domain.Approval{{Role: "maintainer"}, {Role: "qa"}}))
	require.False(t, ApprovalRolesSatisfied(domain.ImpactPatch, []domain.Approval{{Role: "maintainer"}, {Role: "maintainer"}}))
}

func TestHighest_PicksGreatest(t *testing.T) {
	best, err := Highest([]string{"1.2.0", "2.0.0", "1.9.9"})
	require.NoError(t, err)
	require.Equal(t, &SemVer{2, 0, 0}, best)
}

func TestHighest_EmptyReturnsNil(t *testing.T) {
	best, err := Highest(nil)
	require.NoError(t, err)
	require.Nil(t, best)
}

func TestParse_RejectsMalformed(t *testing.T) {
	_, err := Parse("1.0")
	require.Error(t, err)
	_, err = Parse("a.b.c")
	require.Error(t, err)
}
