package domain

import "time"

// EventKind enumerates the governance event journal's entry kinds.
type EventKind string

const (
	EventArtifactPublished    EventKind = "artifact_published"
	EventArtifactRolledBack   EventKind = "artifact_rolled_back"
	EventWaiverGranted        EventKind = "waiver_granted"
	EventWaiverExpired        EventKind = "waiver_expired"
	EventPromptPublished      EventKind = "prompt_published"
	EventServiceJobEnqueued   EventKind = "service_job_enqueued"
	EventServiceJobCompleted  EventKind = "service_job_completed"
	EventServiceJobFailed     EventKind = "service_job_failed"
	EventServiceJobQuotaExc   EventKind = "service_job_quota_exceeded"
	EventDeploymentGate       EventKind = "deployment_gate"
)

// Event is one entry in a tenant's append-only, HMAC-chained journal.
// Cyclic references (events referring to artifacts referring back to
// events) are broken deliberately: Event stores only SubjectID, never
// a pointer to a Manifest, and Manifest never references an Event.
type Event struct {
	Seq       uint64    `json:"seq"`
	Tenant    string    `json:"tenant"`
	Timestamp time.Time `json:"ts"`
	Actor     string    `json:"actor"`
	Kind      EventKind `json:"kind"`
	SubjectID string    `json:"subject_id"`
	Payload   map[string]any `json:"payload"`
	PrevHMAC  string    `json:"prev_hmac"`
	HMAC      string    `json:"hmac"`
}

// SigningFields returns the event as a map with `hmac` itself
// stripped, i.e. the bytes the HMAC is actually computed over
// (prev_hmac is included, per §4.3: hmac = HMAC(secret, prev_hmac ||
// canonical(event-without-hmac))).
func (e *Event) SigningFields() map[string]any {
	return map[string]any{
		"seq":        e.Seq,
		"tenant":     e.Tenant,
		"ts":         e.Timestamp.Format(time.RFC3339Nano),
		"actor":      e.Actor,
		"kind":       string(e.Kind),
		"subject_id": e.SubjectID,
		"payload":    e.Payload,
		"prev_hmac":  e.PrevHMAC,
	}
}
