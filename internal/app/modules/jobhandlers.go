package modules

import (
	"context"
	"encoding/json"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/domain"
	"domaindetermine.io/governance/internal/jobs"
	"domaindetermine.io/governance/internal/lineage"
	"domaindetermine.io/governance/internal/store"
)

// registerJobHandlers binds every job_type this deployment supports to
// its handler, per §9's "a single explicit registration call at
// startup; handlers are looked up by job_type string; unknown types
// reject enqueue". The spec leaves job_type's concrete business
// meanings open; these two are grounded directly in the Artifact
// Store and Lineage Graph this service already owns.
func registerJobHandlers(svc *jobs.Service, st *store.Store, graph *lineage.Graph) error {
	if err := svc.Register("license_scan", 1, 3, licenseScanHandler(st)); err != nil {
		return err
	}
	if err := svc.Register("lineage_rebuild", 1, 1, lineageRebuildHandler(st, graph)); err != nil {
		return err
	}
	return nil
}

type licenseScanPayload struct {
	ArtifactID  string   `json:"artifact_id"`
	AllowedTags []string `json:"allowed_license_tags"`
}

// licenseScanHandler re-checks a published manifest's license_tag
// against a caller-supplied allow-list, surfacing the LICENSING_BLOCK
// taxonomy code independently of whatever check ran at publish time —
// useful when an allow-list tightens after publication.
func licenseScanHandler(st *store.Store) jobs.Handler {
	return func(ctx context.Context, rec domain.JobRecord) error {
		var payload licenseScanPayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return apperr.SchemaViolation("license_scan: invalid payload: " + err.Error())
		}

		manifest, err := st.GetManifest(ctx, payload.ArtifactID)
		if err != nil {
			return err
		}

		if len(payload.AllowedTags) == 0 {
			return nil
		}
		for _, tag := range payload.AllowedTags {
			if tag == manifest.LicenseTag {
				return nil
			}
		}
		return apperr.LicensingBlock("license_scan: " + manifest.LicenseTag + " is not on the allow-list")
	}
}

// lineageRebuildHandler reconstructs the in-memory DAG from durable
// manifests, the same logic NewInfrastructure runs at startup,
// exposed as an on-demand job for operators recovering from a
// suspected cache divergence without a full process restart.
func lineageRebuildHandler(st *store.Store, graph *lineage.Graph) jobs.Handler {
	return func(ctx context.Context, _ domain.JobRecord) error {
		return rebuildLineage(ctx, st, graph)
	}
}
