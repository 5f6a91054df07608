// Package publish implements the Publish Pipeline: the propose →
// build → audit → approve → sign → publish state machine over an
// in-flight proposal, plus the separate rollback operation. Grounded
// directly on the teacher's internal/governance/approval.Gateway
// (a ticket state machine with nil-safe optional collaborators and
// an injected atomic-writer interface) and
// internal/usecase/approval_atomic.go (a single pgx.Tx wrapping every
// write the terminal stage makes). Stage transitions are enforced
// here, not left to caller discipline: calling a stage method out of
// order returns POLICY_VIOLATION.
package publish

import (
	"context"
	"time"

	"github.com/google/uuid"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/canon"
	"domaindetermine.io/governance/internal/domain"
	"domaindetermine.io/governance/internal/eventlog"
	"domaindetermine.io/governance/internal/lineage"
	"domaindetermine.io/governance/internal/obslog"
	"domaindetermine.io/governance/internal/signer"
	"domaindetermine.io/governance/internal/store"
	"domaindetermine.io/governance/internal/version"
	"domaindetermine.io/governance/internal/waiver"
)

// Stage is a proposal's position in the propose→build→audit→approve→
// sign→publish state machine.
type Stage string

const (
	StageProposed  Stage = "PROPOSED"
	StageBuilt     Stage = "BUILT"
	StageAudited   Stage = "AUDITED"
	StageApproved  Stage = "APPROVED"
	StageSigned    Stage = "SIGNED"
	StagePublished Stage = "PUBLISHED"
)

// ProposeInput is everything a producer submits at the propose stage.
type ProposeInput struct {
	Class            domain.ArtifactClass
	Tenant           string
	Slug             string
	DeclaredVersion  string
	ChangeImpact     domain.ChangeImpact
	Payload          []byte
	Title            string
	Summary          string
	LicenseTag       string
	PolicyPackHash   string
	Creator          string
	ChangeReasonCode string
	Upstream         []domain.Pin
	PromptRefs       []domain.PromptRef
}

// Proposal is the in-flight record the pipeline carries through its
// stages. It is never persisted itself — only the final Publish call
// writes durable state — so callers hold it in memory (or their own
// request-scoped store) between stage calls.
type Proposal struct {
	ArtifactID             string
	Class                  domain.ArtifactClass
	Tenant                 string
	Slug                   string
	DeclaredVersion        string
	ChangeImpact           domain.ChangeImpact
	Payload                []byte
	Hash                   string
	CreatedAt              time.Time
	Title                  string
	Summary                string
	LicenseTag             string
	PolicyPackHash         string
	Creator                string
	ChangeReasonCode       string
	Upstream               []domain.Pin
	PromptRefs             []domain.PromptRef
	EnvironmentFingerprint domain.EnvironmentFingerprint
	Approvals              []domain.Approval
	Waivers                []domain.WaiverRef
	SigningKeyID           string
	Signature              string
	Stage                  Stage
}

// Pipeline wires together every component a publish touches.
type Pipeline struct {
	store        *store.Store
	graph        *lineage.Graph
	waivers      *waiver.Manager
	log          *eventlog.Log
	signer       signer.Signer
	signingKeyID string
}

// New builds a Pipeline. signingKeyID identifies the manifest signing
// key under which every Sign call operates.
func New(st *store.Store, graph *lineage.Graph, waivers *waiver.Manager, log *eventlog.Log, sig signer.Signer, signingKeyID string) *Pipeline {
	return &Pipeline{store: st, graph: graph, waivers: waivers, log: log, signer: sig, signingKeyID: signingKeyID}
}

// Propose validates the artifact class and computes the payload hash,
// starting a new proposal at StageProposed.
func (p *Pipeline) Propose(_ context.Context, in ProposeInput) (*Proposal, error) {
	if !domain.KnownClasses[in.Class] {
		return nil, apperr.SchemaViolation("publish: unknown artifact class " + string(in.Class))
	}
	if in.ChangeImpact != domain.ImpactMajor && in.ChangeImpact != domain.ImpactMinor && in.ChangeImpact != domain.ImpactPatch {
		return nil, apperr.SchemaViolation("publish: unknown change_impact " + string(in.ChangeImpact))
	}

	return &Proposal{
		ArtifactID:       uuid.NewString(),
		Class:            in.Class,
		Tenant:           in.Tenant,
		Slug:             in.Slug,
		DeclaredVersion:  in.DeclaredVersion,
		ChangeImpact:     in.ChangeImpact,
		Payload:          in.Payload,
		Hash:             canon.HashBytes(in.Payload),
		CreatedAt:        time.Now().UTC(),
		Title:            in.Title,
		Summary:          in.Summary,
		LicenseTag:       in.LicenseTag,
		PolicyPackHash:   in.PolicyPackHash,
		Creator:          in.Creator,
		ChangeReasonCode: in.ChangeReasonCode,
		Upstream:         in.Upstream,
		PromptRefs:       in.PromptRefs,
		Stage:            StageProposed,
	}, nil
}

// Build attaches the build-time environment fingerprint.
func (p *Pipeline) Build(_ context.Context, prop *Proposal, env domain.EnvironmentFingerprint) error {
	if prop.Stage != StageProposed {
		return apperr.PolicyViolation("publish: build must follow propose")
	}
	prop.EnvironmentFingerprint = env
	prop.Stage = StageBuilt
	return nil
}

// Audit records the outcome of the (out-of-scope) class-specific
// external auditor. A failed audit is terminal for the proposal.
func (p *Pipeline) Audit(_ context.Context, prop *Proposal, passed bool, reason string) error {
	if prop.Stage != StageBuilt {
		return apperr.PolicyViolation("publish: audit must follow build")
	}
	if !passed {
		return apperr.PolicyViolation("publish: audit failed: " + reason)
	}
	prop.Stage = StageAudited
	return nil
}

// Approve records one role's signed approval. It may be called
// multiple times to accumulate approvals; once enough roles are
// present for the proposal's change_impact, the proposal advances to
// StageApproved.
func (p *Pipeline) Approve(_ context.Context, prop *Proposal, approval domain.Approval) error {
	if prop.Stage != StageAudited && prop.Stage != StageApproved {
		return apperr.PolicyViolation("publish: approve must follow audit")
	}
	prop.Approvals = append(prop.Approvals, approval)
	if version.ApprovalRolesSatisfied(prop.ChangeImpact, prop.Approvals) {
		prop.Stage = StageApproved
	}
	return nil
}

// AttachWaiver records a waiver the proposal relies on, consulted at
// publish time.
func (p *Pipeline) AttachWaiver(prop *Proposal, waiverID string) {
	prop.Waivers = append(prop.Waivers, domain.WaiverRef{WaiverID: waiverID})
}

// Sign computes the manifest's canonical signing bytes and attaches a
// detached signature over everything but the signature field itself.
func (p *Pipeline) Sign(_ context.Context, prop *Proposal) error {
	if prop.Stage != StageApproved {
		return apperr.PolicyViolation("publish: sign must follow approve")
	}

	manifest := p.draftManifest(prop)
	signingBytes, err := canon.Canonicalize(manifest.SigningFields())
	if err != nil {
		return err
	}
	sig, err := p.signer.Sign(p.signingKeyID, signingBytes)
	if err != nil {
		return err
	}
	prop.Signature = sig
	prop.SigningKeyID = p.signingKeyID
	prop.Stage = StageSigned
	return nil
}

// Publish performs the pipeline's single atomic terminal step:
// re-verify hash, re-verify upstream publishable state, compute and
// validate the version, validate every referenced waiver, insert the
// manifest and payload, update the lineage index, and append
// artifact_published. Any failure here leaves nothing committed;
// success is final and idempotent by (class,tenant,slug,version)
// identity plus payload hash.
func (p *Pipeline) Publish(ctx context.Context, prop *Proposal) (domain.Manifest, error) {
	if prop.Stage != StageSigned {
		return domain.Manifest{}, apperr.PolicyViolation("publish: publish must follow sign")
	}

	if canon.HashBytes(prop.Payload) != prop.Hash {
		return domain.Manifest{}, apperr.Nondeterministic("publish: payload hash changed since propose")
	}

	existing, found, err := p.store.GetManifestByIdentity(ctx, prop.Class, prop.Tenant, prop.Slug, prop.DeclaredVersion)
	if err != nil {
		return domain.Manifest{}, err
	}
	if found {
		if existing.Hash == prop.Hash {
			obslog.Op("publish", "publish_idempotent", prop.Tenant, "ok")
			return existing, nil
		}
		return domain.Manifest{}, apperr.StaleSnapshot("publish: " + existing.Identity() + " already published with a different payload")
	}

	priorVersions, err := p.store.LatestVersions(ctx, prop.Class, prop.Tenant, prop.Slug)
	if err != nil {
		return domain.Manifest{}, err
	}
	prior, err := version.Highest(priorVersions)
	if err != nil {
		return domain.Manifest{}, err
	}
	if err := version.Validate(priorString(prior), prop.ChangeImpact, prop.DeclaredVersion); err != nil {
		return domain.Manifest{}, err
	}
	if prop.ChangeImpact == domain.ImpactMajor && prop.ChangeReasonCode == "" {
		return domain.Manifest{}, apperr.PolicyViolation("publish: a major change requires a change-control reference (change_reason_code)")
	}

	manifest := p.draftManifest(prop)

	if err := p.graph.Validate(manifest, func(id string) (domain.ArtifactStatus, bool) {
		status, _, err := p.store.GetStatus(ctx, id)
		if err != nil {
			return "", false
		}
		return status, true
	}); err != nil {
		return domain.Manifest{}, err
	}

	now := time.Now().UTC()
	for _, ref := range manifest.Waivers {
		if err := p.waivers.CheckValid(ctx, prop.Tenant, ref.WaiverID, now); err != nil {
			return domain.Manifest{}, err
		}
	}

	if err := p.store.Put(ctx, manifest, prop.Payload); err != nil {
		return domain.Manifest{}, err
	}

	p.graph.Link(manifest.ArtifactID, domain.StatusPublished, manifest.Upstream)

	if _, err := p.log.Append(ctx, prop.Tenant, prop.Creator, domain.EventArtifactPublished, manifest.ArtifactID, map[string]any{
		"identity":       manifest.Identity(),
		"version":        manifest.Version,
		"signature":      manifest.Signature,
		"signing_key_id": manifest.SigningKeyID,
	}); err != nil {
		return domain.Manifest{}, err
	}

	prop.Stage = StagePublished
	obslog.Op("publish", "publish", prop.Tenant, "ok")
	return manifest, nil
}

// Rollback marks an artifact ROLLED_BACK, appends
// artifact_rolled_back, and emits a non-cascading warning event for
// every descendant the lineage graph knows about. Rollback never
// mutates descendant manifests or their status.
func (p *Pipeline) Rollback(ctx context.Context, tenant, artifactID, actor, reason string) error {
	status, _, err := p.store.GetStatus(ctx, artifactID)
	if err != nil {
		return err
	}
	if status != domain.StatusPublished {
		return apperr.PolicyViolation("publish: only a PUBLISHED artifact may be rolled back")
	}

	if err := p.store.MarkStatus(ctx, artifactID, domain.StatusRolledBack, reason); err != nil {
		return err
	}
	p.graph.SetStatus(artifactID, domain.StatusRolledBack)

	if _, err := p.log.Append(ctx, tenant, actor, domain.EventArtifactRolledBack, artifactID, map[string]any{
		"reason": reason,
	}); err != nil {
		return err
	}

	descendants := p.graph.RollbackImpact(artifactID)
	for _, descendantID := range descendants {
		if _, err := p.log.Append(ctx, tenant, actor, domain.EventArtifactRolledBack, descendantID, map[string]any{
			"upstream_artifact_id": artifactID,
			"warning":              true,
		}); err != nil {
			return err
		}
	}

	obslog.Op("publish", "rollback", tenant, "ok")
	return nil
}

// draftManifest builds the manifest a Proposal describes. created_at
// is fixed at Propose time so the bytes Sign signs are exactly the
// bytes Publish later writes — nothing in the manifest may change
// between signing and committing.
func (p *Pipeline) draftManifest(prop *Proposal) domain.Manifest {
	return domain.Manifest{
		ArtifactID:       prop.ArtifactID,
		Class:            prop.Class,
		Tenant:           prop.Tenant,
		Slug:             prop.Slug,
		Version:          prop.DeclaredVersion,
		Hash:             prop.Hash,
		Title:            prop.Title,
		Summary:          prop.Summary,
		LicenseTag:       prop.LicenseTag,
		PolicyPackHash:   prop.PolicyPackHash,
		Creator:          prop.Creator,
		CreatedAt:        prop.CreatedAt,
		ChangeReasonCode: prop.ChangeReasonCode,
		ChangeImpact:     prop.ChangeImpact,
		Upstream:         prop.Upstream,
		Approvals:        prop.Approvals,
		Waivers:          prop.Waivers,
		EnvironmentFingerprint: prop.EnvironmentFingerprint,
		Signature:              prop.Signature,
		SigningKeyID:           prop.SigningKeyID,
		PromptRefs:             prop.PromptRefs,
	}
}

func priorString(v *version.SemVer) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}
