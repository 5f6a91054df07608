// Package eventlog implements the append-only, per-tenant, HMAC-chained
// audit trail. Grounded on the teacher's audit.Logger (append-only
// records over a shared pool) and its atomic-commit discipline
// (internal/usecase/approval_atomic.go): every append either lands
// durably with a fresh seq, or fails before any seq is assigned.
package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/canon"
	"domaindetermine.io/governance/internal/domain"
	"domaindetermine.io/governance/internal/signer"
)

// genesisHMAC is the prev_hmac value for the first event ever
// appended for a tenant.
const genesisHMAC = "genesis"

// Log is the append-only event log. One Log instance is shared across
// all tenants; per-tenant mutexes (grounded on worker.Pools' per-pool
// mutex discipline) serialize the read-prev/compute-hmac/append
// sequence so seq and the hmac chain never race within a tenant.
type Log struct {
	pool   *pgxpool.Pool
	signer *signer.HMACSigner
	keyID  string

	mu       sync.Mutex
	tenantMu map[string]*sync.Mutex
}

// New builds a Log backed by pool, chaining with the given HMAC
// signer under keyID.
func New(pool *pgxpool.Pool, hmacSigner *signer.HMACSigner, keyID string) *Log {
	return &Log{
		pool:     pool,
		signer:   hmacSigner,
		keyID:    keyID,
		tenantMu: make(map[string]*sync.Mutex),
	}
}

func (l *Log) lockFor(tenant string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.tenantMu[tenant]
	if !ok {
		m = &sync.Mutex{}
		l.tenantMu[tenant] = m
	}
	return m
}

// Append adds a new event for tenant, computing its seq and hmac from
// the tenant's current chain tail. On any failure before the durable
// insert, no seq is consumed: a failed append leaves the chain
// exactly as it was.
func (l *Log) Append(ctx context.Context, tenant, actor string, kind domain.EventKind, subjectID string, payload map[string]any) (domain.Event, error) {
	lock := l.lockFor(tenant)
	lock.Lock()
	defer lock.Unlock()

	prevSeq, prevHMAC, err := l.tail(ctx, tenant)
	if err != nil {
		return domain.Event{}, err
	}

	ev := domain.Event{
		Seq:       uint64(prevSeq) + 1,
		Tenant:    tenant,
		Timestamp: time.Now().UTC().Truncate(time.Microsecond), // timestamptz keeps microseconds
		Actor:     actor,
		Kind:      kind,
		SubjectID: subjectID,
		Payload:   payload,
		PrevHMAC:  prevHMAC,
	}

	signingBytes, err := canon.Canonicalize(ev.SigningFields())
	if err != nil {
		return domain.Event{}, err
	}
	message := append([]byte(prevHMAC), signingBytes...)
	hmacHex, err := l.signer.Sign(l.keyID, message)
	if err != nil {
		return domain.Event{}, err
	}
	ev.HMAC = hmacHex

	payloadJSON, err := canon.Canonicalize(payload)
	if err != nil {
		return domain.Event{}, err
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO events (tenant, seq, timestamp, actor, kind, subject_id, payload, prev_hmac, hmac)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ev.Tenant, int64(ev.Seq), ev.Timestamp, ev.Actor, string(ev.Kind), ev.SubjectID, payloadJSON, ev.PrevHMAC, ev.HMAC,
	)
	if err != nil {
		return domain.Event{}, apperr.Wrap(err, apperr.CodeInternal, "eventlog: append failed")
	}

	return ev, nil
}

// tail returns the current (seq, hmac) chain tip for tenant, or
// (0, genesisHMAC) if the tenant has no events yet.
func (l *Log) tail(ctx context.Context, tenant string) (int64, string, error) {
	var seq int64
	var hmacHex string
	err := l.pool.QueryRow(ctx, `
		SELECT seq, hmac FROM events WHERE tenant = $1 ORDER BY seq DESC LIMIT 1`,
		tenant,
	).Scan(&seq, &hmacHex)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, genesisHMAC, nil
		}
		return 0, "", apperr.Wrap(err, apperr.CodeInternal, "eventlog: read tail failed")
	}
	return seq, hmacHex, nil
}

// Stream reads events for tenant from fromSeq (inclusive) onward,
// verifying the HMAC chain incrementally. It fails closed with
// NONDETERMINISTIC_OUTPUT the moment a link does not verify, since a
// broken chain means the log has been tampered with or corrupted.
func (l *Log) Stream(ctx context.Context, tenant string, fromSeq uint64) ([]domain.Event, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT seq, timestamp, actor, kind, subject_id, payload, prev_hmac, hmac
		FROM events WHERE tenant = $1 AND seq >= $2 ORDER BY seq ASC`,
		tenant, int64(fromSeq),
	)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "eventlog: stream query failed")
	}
	defer rows.Close()

	var events []domain.Event
	var expectedPrev string
	haveExpected := false

	for rows.Next() {
		var ev domain.Event
		var seq int64
		var kind string
		var payload map[string]any
		var rawPayload []byte
		if err := rows.Scan(&seq, &ev.Timestamp, &ev.Actor, &kind, &ev.SubjectID, &rawPayload, &ev.PrevHMAC, &ev.HMAC); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "eventlog: scan failed")
		}
		// Top-level numbers are read back as int64, the form Append
		// canonicalized them in, so the recomputed HMAC matches.
		dec := json.NewDecoder(bytes.NewReader(rawPayload))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "eventlog: decode payload failed")
		}
		for k, v := range payload {
			if n, ok := v.(json.Number); ok {
				if i, err := n.Int64(); err == nil {
					payload[k] = i
				}
			}
		}
		ev.Timestamp = ev.Timestamp.UTC()
		ev.Seq = uint64(seq)
		ev.Tenant = tenant
		ev.Kind = domain.EventKind(kind)
		ev.Payload = payload

		if haveExpected && ev.PrevHMAC != expectedPrev {
			return nil, apperr.Nondeterministic(fmt.Sprintf("eventlog: chain break for tenant %s at seq %d", tenant, ev.Seq))
		}

		signingBytes, err := canon.Canonicalize(ev.SigningFields())
		if err != nil {
			return nil, err
		}
		message := append([]byte(ev.PrevHMAC), signingBytes...)
		ok, err := l.signer.Verify(l.keyID, message, ev.HMAC)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.Nondeterministic(fmt.Sprintf("eventlog: hmac verification failed for tenant %s at seq %d", tenant, ev.Seq))
		}

		events = append(events, ev)
		expectedPrev = ev.HMAC
		haveExpected = true
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "eventlog: row iteration failed")
	}

	return events, nil
}
