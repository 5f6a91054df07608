// Package domain defines the governance registry's core data model:
// artifacts, manifests, waivers, events, jobs and quotas. Types here
// carry no persistence or transport behavior; they are the shapes
// every other component operates on.
package domain

import "time"

// ArtifactClass is a tagged union over the fixed set of artifact
// kinds the registry knows how to validate and version.
type ArtifactClass string

const (
	ClassKOSSnapshot      ArtifactClass = "kos_snapshot"
	ClassCoveragePlan     ArtifactClass = "coverage_plan"
	ClassMapping          ArtifactClass = "mapping"
	ClassOverlay          ArtifactClass = "overlay"
	ClassAuditCertificate ArtifactClass = "audit_certificate"
	ClassEvalSuite        ArtifactClass = "eval_suite"
	ClassPromptPack       ArtifactClass = "prompt_pack"
	ClassRunBundle        ArtifactClass = "run_bundle"
	ClassReleaseManifest  ArtifactClass = "release_manifest"
)

// KnownClasses lists every class the schema registry accepts at
// ingest. Classes outside this set are rejected with SCHEMA_VIOLATION
// before canonicalization is attempted.
var KnownClasses = map[ArtifactClass]bool{
	ClassKOSSnapshot:      true,
	ClassCoveragePlan:     true,
	ClassMapping:          true,
	ClassOverlay:          true,
	ClassAuditCertificate: true,
	ClassEvalSuite:        true,
	ClassPromptPack:       true,
	ClassRunBundle:        true,
	ClassReleaseManifest:  true,
}

// RootClasses may publish with an empty upstream set.
var RootClasses = map[ArtifactClass]bool{
	ClassKOSSnapshot: true,
}

// ChangeImpact classifies how a new version differs from its
// predecessor, per the Versioner's bump rules.
type ChangeImpact string

const (
	ImpactMajor ChangeImpact = "major"
	ImpactMinor ChangeImpact = "minor"
	ImpactPatch ChangeImpact = "patch"
)

// ArtifactStatus lives on a side table, never on the manifest itself,
// so the manifest stays immutable once committed.
type ArtifactStatus string

const (
	StatusPublished  ArtifactStatus = "PUBLISHED"
	StatusRevoked    ArtifactStatus = "REVOKED"
	StatusRolledBack ArtifactStatus = "ROLLED_BACK"
)

// Publishable reports whether artifacts in this status may be pinned
// as an upstream by a new publish.
func (s ArtifactStatus) Publishable() bool {
	return s == StatusPublished
}

// Pin references a specific (artifact_id, hash) pair, guaranteeing a
// downstream artifact is reproducible from a fixed upstream snapshot.
type Pin struct {
	ArtifactID string `json:"artifact_id"`
	Hash       string `json:"hash"`
}

// Approval records one role's signed approval of a proposal.
type Approval struct {
	Role      string    `json:"role"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"ts"`
	Signature string    `json:"signature"`
}

// WaiverRef is a reference to a waiver consulted during publish.
type WaiverRef struct {
	WaiverID string `json:"waiver_id"`
}

// EnvironmentFingerprint records the toolchain state a build ran
// under, for reproducibility audits.
type EnvironmentFingerprint struct {
	LanguageVersion    string `json:"language_version"`
	ContainerDigest    string `json:"container_digest"`
	BuildToolVersions  string `json:"build_tool_versions"`
}

// PromptRef pins a prompt template at a specific version and hash.
type PromptRef struct {
	TemplateID string `json:"template_id"`
	Version    string `json:"version"`
	Hash       string `json:"hash"`
}

// Manifest is the immutable metadata record describing an artifact.
// Once committed it is never mutated; corrections create a new
// version carrying a Supersedes link.
type Manifest struct {
	ArtifactID string        `json:"artifact_id"`
	Class      ArtifactClass `json:"class"`
	Tenant     string        `json:"tenant"`
	Slug       string        `json:"slug"`
	Version    string        `json:"version"`
	Hash       string        `json:"hash"`

	Title            string `json:"title"`
	Summary          string `json:"summary"`
	LicenseTag       string `json:"license_tag"`
	PolicyPackHash   string `json:"policy_pack_hash"`

	Creator          string       `json:"creator"`
	CreatedAt        time.Time    `json:"created_at"`
	ChangeReasonCode string       `json:"change_reason_code"`
	ChangeImpact     ChangeImpact `json:"change_impact"`

	Upstream []Pin       `json:"upstream"`
	Approvals []Approval `json:"approvals"`
	Waivers   []WaiverRef `json:"waivers"`

	EnvironmentFingerprint EnvironmentFingerprint `json:"environment_fingerprint"`
	Signature              string                 `json:"signature"`
	SigningKeyID           string                 `json:"signing_key_id"`
	PromptRefs             []PromptRef            `json:"prompt_refs,omitempty"`

	Supersedes string `json:"supersedes,omitempty"`
}

// Identity returns the artifact's natural key per §3:
// <class>/<tenant>/<slug>/<version>.
func (m *Manifest) Identity() string {
	return string(m.Class) + "/" + m.Tenant + "/" + m.Slug + "/" + m.Version
}

// SigningFields returns the manifest as a map with `signature` and
// `signing_key_id` stripped, since the signature is computed over the
// manifest minus itself.
func (m *Manifest) SigningFields() map[string]any {
	return map[string]any{
		"artifact_id":        m.ArtifactID,
		"class":               string(m.Class),
		"tenant":              m.Tenant,
		"slug":                m.Slug,
		"version":             m.Version,
		"hash":                m.Hash,
		"title":               m.Title,
		"summary":             m.Summary,
		"license_tag":         m.LicenseTag,
		"policy_pack_hash":    m.PolicyPackHash,
		"creator":             m.Creator,
		"created_at":          m.CreatedAt.Format(time.RFC3339Nano),
		"change_reason_code":  m.ChangeReasonCode,
		"change_impact":       string(m.ChangeImpact),
		"upstream":            pinsToAny(m.Upstream),
		"approvals":           approvalsToAny(m.Approvals),
		"waivers":             waiversToAny(m.Waivers),
		"prompt_refs":         promptRefsToAny(m.PromptRefs),
		"supersedes":          m.Supersedes,
		"environment_fingerprint": map[string]any{
			"language_version":    m.EnvironmentFingerprint.LanguageVersion,
			"container_digest":    m.EnvironmentFingerprint.ContainerDigest,
			"build_tool_versions": m.EnvironmentFingerprint.BuildToolVersions,
		},
	}
}

func pinsToAny(pins []Pin) []any {
	out := make([]any, len(pins))
	for i, p := range pins {
		out[i] = map[string]any{"artifact_id": p.ArtifactID, "hash": p.Hash}
	}
	return out
}

func approvalsToAny(approvals []Approval) []any {
	out := make([]any, len(approvals))
	for i, a := range approvals {
		out[i] = map[string]any{
			"role": a.Role, "actor": a.Actor,
			"ts": a.Timestamp.Format(time.RFC3339Nano), "signature": a.Signature,
		}
	}
	return out
}

func waiversToAny(waivers []WaiverRef) []any {
	out := make([]any, len(waivers))
	for i, w := range waivers {
		out[i] = map[string]any{"waiver_id": w.WaiverID}
	}
	return out
}

func promptRefsToAny(refs []PromptRef) []any {
	out := make([]any, len(refs))
	for i, r := range refs {
		out[i] = map[string]any{"template_id": r.TemplateID, "version": r.Version, "hash": r.Hash}
	}
	return out
}
