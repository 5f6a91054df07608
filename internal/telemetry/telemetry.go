// Package telemetry implements the metric counters/gauges §4.12 names
// and a hand-rolled Prometheus text-exposition endpoint. No Prometheus
// client library appears anywhere in the teacher's or the retrieved
// pack's dependency set (see DESIGN.md), so this is the one component
// built directly on stdlib net/http rather than a third-party metrics
// library: the counters themselves are trivial atomic state, not a
// concern a library would meaningfully abstract here.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry holds every metric this service exposes. One process-wide
// instance is created at startup and threaded through every component
// that emits a metric, mirroring the way internal/obslog's singleton
// logger is threaded through the codebase.
type Registry struct {
	artifactPublishTotal   atomic.Int64
	rollbackTotal          atomic.Int64
	waiverExpiring7d       atomic.Int64
	eventChainVerifyTotal  atomic.Int64
	jobRetryCount          atomic.Int64

	mu                      sync.Mutex
	artifactPublishLatency  []float64
	jobQueueDepth           map[string]int64          // tenant -> depth
	jobDurationMs           map[string][]float64      // job_type -> samples
	quotaUsage              map[string]map[string]int64 // tenant -> dimension -> value
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		jobQueueDepth: make(map[string]int64),
		jobDurationMs: make(map[string][]float64),
		quotaUsage:    make(map[string]map[string]int64),
	}
}

// ObserveArtifactPublish records one successful publish and its
// end-to-end latency.
func (r *Registry) ObserveArtifactPublish(latencyMs float64) {
	r.artifactPublishTotal.Add(1)
	r.mu.Lock()
	r.artifactPublishLatency = append(r.artifactPublishLatency, latencyMs)
	r.mu.Unlock()
}

// ObserveRollback records one rollback.
func (r *Registry) ObserveRollback() {
	r.rollbackTotal.Add(1)
}

// ObserveWaiverExpiring7d records one waiver crossing the 7-day
// pre-expiry threshold.
func (r *Registry) ObserveWaiverExpiring7d() {
	r.waiverExpiring7d.Add(1)
}

// ObserveEventChainVerification records one event-log chain
// verification (streaming read or replay).
func (r *Registry) ObserveEventChainVerification() {
	r.eventChainVerifyTotal.Add(1)
}

// ObserveJobRetry records one job transition into RETRYING.
func (r *Registry) ObserveJobRetry() {
	r.jobRetryCount.Add(1)
}

// SetJobQueueDepth reports tenant's current count of QUEUED+RUNNING+
// RETRYING jobs, a gauge rather than a counter.
func (r *Registry) SetJobQueueDepth(tenant string, depth int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobQueueDepth[tenant] = depth
}

// ObserveJobDuration records one completed job's wall-clock duration,
// bucketed by job_type.
func (r *Registry) ObserveJobDuration(jobType string, durationMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobDurationMs[jobType] = append(r.jobDurationMs[jobType], durationMs)
}

// SetQuotaUsage reports tenant's current usage along one quota
// dimension (e.g. "running", "jobs_in_window", "cost_used_units").
func (r *Registry) SetQuotaUsage(tenant, dimension string, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quotaUsage[tenant] == nil {
		r.quotaUsage[tenant] = make(map[string]int64)
	}
	r.quotaUsage[tenant][dimension] = value
}

// Handler returns an http.Handler serving Prometheus text exposition
// format at whatever path the caller mounts it under.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintln(w, "# TYPE artifact_publish_total counter")
		fmt.Fprintf(w, "artifact_publish_total %d\n", r.artifactPublishTotal.Load())

		fmt.Fprintln(w, "# TYPE artifact_publish_latency_ms summary")
		writeSummary(w, "artifact_publish_latency_ms", r.snapshotLatency())

		fmt.Fprintln(w, "# TYPE rollback_total counter")
		fmt.Fprintf(w, "rollback_total %d\n", r.rollbackTotal.Load())

		fmt.Fprintln(w, "# TYPE waiver_expiring_7d counter")
		fmt.Fprintf(w, "waiver_expiring_7d %d\n", r.waiverExpiring7d.Load())

		fmt.Fprintln(w, "# TYPE event_log_chain_verifications_total counter")
		fmt.Fprintf(w, "event_log_chain_verifications_total %d\n", r.eventChainVerifyTotal.Load())

		fmt.Fprintln(w, "# TYPE job_retry_count counter")
		fmt.Fprintf(w, "job_retry_count %d\n", r.jobRetryCount.Load())

		r.mu.Lock()
		defer r.mu.Unlock()

		fmt.Fprintln(w, "# TYPE job_queue_depth gauge")
		for _, tenant := range sortedKeys(r.jobQueueDepth) {
			fmt.Fprintf(w, "job_queue_depth{tenant=%q} %d\n", tenant, r.jobQueueDepth[tenant])
		}

		fmt.Fprintln(w, "# TYPE job_duration_ms summary")
		for _, jobType := range sortedKeysFloat(r.jobDurationMs) {
			writeSummary(w, fmt.Sprintf("job_duration_ms{type=%q}", jobType), r.jobDurationMs[jobType])
		}

		fmt.Fprintln(w, "# TYPE quota_usage gauge")
		for _, tenant := range sortedKeysNested(r.quotaUsage) {
			dims := r.quotaUsage[tenant]
			for _, dim := range sortedKeys(dims) {
				fmt.Fprintf(w, "quota_usage{tenant=%q,dimension=%q} %d\n", tenant, dim, dims[dim])
			}
		}
	})
}

func (r *Registry) snapshotLatency() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.artifactPublishLatency))
	copy(out, r.artifactPublishLatency)
	return out
}

// writeSummary emits count/sum, the shape Prometheus summaries expect,
// without the quantile estimation machinery a full histogram library
// would add — count and sum are all §4.12 asks of these metrics. name
// may carry a Prometheus label suffix, e.g. `job_duration_ms{type="x"}`.
func writeSummary(w http.ResponseWriter, name string, samples []float64) {
	var sum float64
	for _, s := range samples {
		sum += s
	}
	base, labels := splitLabels(name)
	fmt.Fprintf(w, "%s_count%s %d\n", base, labels, len(samples))
	fmt.Fprintf(w, "%s_sum%s %f\n", base, labels, sum)
}

// splitLabels separates a metric name from its trailing `{...}` label
// set, if any.
func splitLabels(name string) (base, labels string) {
	if i := strings.IndexByte(name, '{'); i >= 0 {
		return name[:i], name[i:]
	}
	return name, ""
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysFloat(m map[string][]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysNested(m map[string]map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
