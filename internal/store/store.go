// Package store implements the Artifact Store: content-addressed
// payload blobs plus immutable manifests, with artifact status kept
// on a side table so publish history is never rewritten. Grounded on
// the teacher's side-table status discipline (VM/Cluster status
// tracked separately from the immutable resource row) and its
// atomic-commit pattern (internal/usecase/approval_atomic.go).
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/canon"
	"domaindetermine.io/governance/internal/domain"
)

// Store is the Artifact Store repository.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Put atomically inserts payload and manifest. It rejects with
// SCHEMA_VIOLATION if the payload's hash does not match
// manifest.Hash, and with STALE_SNAPSHOT if the
// (class,tenant,slug,version) identity already exists. Either both
// rows land, or neither does.
func (s *Store) Put(ctx context.Context, manifest domain.Manifest, payload []byte) error {
	computedHash := canon.HashBytes(payload)
	if computedHash != manifest.Hash {
		return apperr.SchemaViolation("store: payload hash does not match manifest hash")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "store: begin transaction")
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM manifests WHERE class=$1 AND tenant=$2 AND slug=$3 AND version=$4)`,
		string(manifest.Class), manifest.Tenant, manifest.Slug, manifest.Version,
	).Scan(&exists)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "store: check identity uniqueness")
	}
	if exists {
		return apperr.StaleSnapshot("store: artifact identity already published")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payloads (hash, content, size_bytes)
		VALUES ($1,$2,$3)
		ON CONFLICT (hash) DO NOTHING`,
		manifest.Hash, payload, len(payload),
	)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "store: insert payload")
	}

	upstream, err := json.Marshal(manifest.Upstream)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "store: marshal upstream")
	}
	approvals, err := json.Marshal(manifest.Approvals)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "store: marshal approvals")
	}
	waivers, err := json.Marshal(manifest.Waivers)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "store: marshal waivers")
	}
	environment, err := json.Marshal(manifest.EnvironmentFingerprint)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "store: marshal environment fingerprint")
	}
	promptRefs, err := json.Marshal(manifest.PromptRefs)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "store: marshal prompt refs")
	}

	var supersedes any
	if manifest.Supersedes != "" {
		supersedes = manifest.Supersedes
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO manifests (
			artifact_id, class, tenant, slug, version, change_impact, payload_hash,
			upstream, supersedes, approvals, waivers, environment, prompt_refs,
			signing_key_id, signature, created_at, created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		manifest.ArtifactID, string(manifest.Class), manifest.Tenant, manifest.Slug, manifest.Version,
		string(manifest.ChangeImpact), manifest.Hash, upstream, supersedes, approvals, waivers,
		environment, promptRefs, manifest.SigningKeyID, manifest.Signature, manifest.CreatedAt, manifest.Creator,
	)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "store: insert manifest")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO artifact_status (artifact_id, status, reason) VALUES ($1,$2,$3)`,
		manifest.ArtifactID, string(domain.StatusPublished), "published",
	)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "store: insert artifact status")
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "store: commit")
	}
	return nil
}

// GetManifest reads a manifest by artifact_id and re-verifies its
// payload hash before returning.
func (s *Store) GetManifest(ctx context.Context, artifactID string) (domain.Manifest, error) {
	var m domain.Manifest
	var class, impact, signingKeyID, signature, createdBy string
	var upstream, approvals, waivers, promptRefs []byte
	var environment []byte
	var supersedes *string

	err := s.pool.QueryRow(ctx, `
		SELECT artifact_id, class, tenant, slug, version, change_impact, payload_hash,
			upstream, supersedes, approvals, waivers, environment, prompt_refs,
			signing_key_id, signature, created_at, created_by
		FROM manifests WHERE artifact_id = $1`,
		artifactID,
	).Scan(&m.ArtifactID, &class, &m.Tenant, &m.Slug, &m.Version, &impact, &m.Hash,
		&upstream, &supersedes, &approvals, &waivers, &environment, &promptRefs,
		&signingKeyID, &signature, &m.CreatedAt, &createdBy,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Manifest{}, apperr.NotFound("store: manifest not found")
		}
		return domain.Manifest{}, apperr.Wrap(err, apperr.CodeInternal, "store: get manifest")
	}

	m.Class = domain.ArtifactClass(class)
	m.ChangeImpact = domain.ChangeImpact(impact)
	m.SigningKeyID = signingKeyID
	m.Signature = signature
	m.Creator = createdBy
	if supersedes != nil {
		m.Supersedes = *supersedes
	}
	if err := json.Unmarshal(upstream, &m.Upstream); err != nil {
		return domain.Manifest{}, apperr.Wrap(err, apperr.CodeInternal, "store: unmarshal upstream")
	}
	if err := json.Unmarshal(approvals, &m.Approvals); err != nil {
		return domain.Manifest{}, apperr.Wrap(err, apperr.CodeInternal, "store: unmarshal approvals")
	}
	if err := json.Unmarshal(waivers, &m.Waivers); err != nil {
		return domain.Manifest{}, apperr.Wrap(err, apperr.CodeInternal, "store: unmarshal waivers")
	}
	if len(environment) > 0 {
		if err := json.Unmarshal(environment, &m.EnvironmentFingerprint); err != nil {
			return domain.Manifest{}, apperr.Wrap(err, apperr.CodeInternal, "store: unmarshal environment fingerprint")
		}
	}
	if err := json.Unmarshal(promptRefs, &m.PromptRefs); err != nil {
		return domain.Manifest{}, apperr.Wrap(err, apperr.CodeInternal, "store: unmarshal prompt refs")
	}

	payload, err := s.GetPayload(ctx, m.Hash)
	if err != nil {
		return domain.Manifest{}, err
	}
	if canon.HashBytes(payload) != m.Hash {
		return domain.Manifest{}, apperr.Nondeterministic("store: payload hash mismatch on read")
	}

	return m, nil
}

// GetPayload reads a content-addressed payload by hash.
func (s *Store) GetPayload(ctx context.Context, hash string) ([]byte, error) {
	var content []byte
	err := s.pool.QueryRow(ctx, `SELECT content FROM payloads WHERE hash = $1`, hash).Scan(&content)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.NotFound("store: payload not found")
		}
		return nil, apperr.Wrap(err, apperr.CodeInternal, "store: get payload")
	}
	return content, nil
}

// MarkStatus writes a status transition to the side table. The
// manifest row itself is never touched.
func (s *Store) MarkStatus(ctx context.Context, artifactID string, status domain.ArtifactStatus, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifact_status (artifact_id, status, reason, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (artifact_id) DO UPDATE SET status=$2, reason=$3, updated_at=$4`,
		artifactID, string(status), reason, time.Now().UTC(),
	)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "store: mark status")
	}
	return nil
}

// GetStatus reads the current artifact status.
func (s *Store) GetStatus(ctx context.Context, artifactID string) (domain.ArtifactStatus, string, error) {
	var status, reason string
	err := s.pool.QueryRow(ctx, `
		SELECT status, reason FROM artifact_status WHERE artifact_id = $1`, artifactID,
	).Scan(&status, &reason)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", "", apperr.NotFound("store: artifact status not found")
		}
		return "", "", apperr.Wrap(err, apperr.CodeInternal, "store: get status")
	}
	return domain.ArtifactStatus(status), reason, nil
}

// ListByClassTenant lists manifest artifact_ids for a class/tenant
// pair, newest first.
func (s *Store) ListByClassTenant(ctx context.Context, class domain.ArtifactClass, tenant string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT artifact_id FROM manifests WHERE class=$1 AND tenant=$2 ORDER BY created_at DESC`,
		string(class), tenant,
	)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "store: list by class/tenant")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "store: scan artifact id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetManifestByIdentity looks up a manifest by its natural key,
// returning ok=false (no error) if no such identity has been
// published, used by the Publish Pipeline's idempotence check.
func (s *Store) GetManifestByIdentity(ctx context.Context, class domain.ArtifactClass, tenant, slug, version string) (domain.Manifest, bool, error) {
	var artifactID string
	err := s.pool.QueryRow(ctx, `
		SELECT artifact_id FROM manifests WHERE class=$1 AND tenant=$2 AND slug=$3 AND version=$4`,
		string(class), tenant, slug, version,
	).Scan(&artifactID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Manifest{}, false, nil
		}
		return domain.Manifest{}, false, apperr.Wrap(err, apperr.CodeInternal, "store: get manifest by identity")
	}
	m, err := s.GetManifest(ctx, artifactID)
	if err != nil {
		return domain.Manifest{}, false, err
	}
	return m, true, nil
}

// LatestVersions lists every version string already published under
// (class,tenant,slug), for the Versioner to pick the highest from.
func (s *Store) LatestVersions(ctx context.Context, class domain.ArtifactClass, tenant, slug string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT version FROM manifests WHERE class=$1 AND tenant=$2 AND slug=$3`,
		string(class), tenant, slug,
	)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "store: list versions")
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "store: scan version")
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// AllManifestsForLineage loads every manifest's minimal lineage
// projection (artifact_id and upstream pins only), used to rebuild
// the in-memory Lineage Graph on startup.
func (s *Store) AllManifestsForLineage(ctx context.Context) ([]domain.Manifest, error) {
	rows, err := s.pool.Query(ctx, `SELECT artifact_id, upstream FROM manifests`)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "store: load lineage projection")
	}
	defer rows.Close()

	var manifests []domain.Manifest
	for rows.Next() {
		var m domain.Manifest
		var upstream []byte
		if err := rows.Scan(&m.ArtifactID, &upstream); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "store: scan lineage projection")
		}
		if err := json.Unmarshal(upstream, &m.Upstream); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "store: unmarshal lineage upstream")
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}
