// Package lineage maintains the artifact upstream DAG as an in-memory
// index, rebuilt from manifests on startup (grounded on the teacher's
// refreshClusterHealth startup-rebuild pattern) and kept current
// incrementally on every publish/rollback. Traversals use iterative
// BFS with an explicit visited set — never recursion, per the design
// notes' guard against unbounded stack growth on deep lineage chains.
package lineage

import (
	"sync"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/domain"
)

// node tracks one artifact's place in the DAG: who it points to
// (upstream) and who points to it (downstream).
type node struct {
	status     domain.ArtifactStatus
	upstream   []string
	downstream []string
}

// Graph is the in-memory lineage index. All access is guarded by mu
// since publishes from concurrent requests mutate it.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*node
}

// New builds an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// Rebuild replaces the graph's contents from a full manifest set,
// used at startup. statusOf supplies each artifact's side-table
// status since manifests themselves carry none.
func (g *Graph) Rebuild(manifests []domain.Manifest, statusOf func(artifactID string) domain.ArtifactStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[string]*node, len(manifests))
	for _, m := range manifests {
		g.ensureLocked(m.ArtifactID).status = statusOf(m.ArtifactID)
	}
	for _, m := range manifests {
		for _, pin := range m.Upstream {
			g.linkLocked(m.ArtifactID, pin.ArtifactID)
		}
	}
}

func (g *Graph) ensureLocked(id string) *node {
	n, ok := g.nodes[id]
	if !ok {
		n = &node{}
		g.nodes[id] = n
	}
	return n
}

func (g *Graph) linkLocked(downstreamID, upstreamID string) {
	down := g.ensureLocked(downstreamID)
	up := g.ensureLocked(upstreamID)
	down.upstream = append(down.upstream, upstreamID)
	up.downstream = append(up.downstream, downstreamID)
}

// Validate checks that every upstream pin the candidate manifest
// declares exists and is in a publishable status, and that adding
// this node cannot create a cycle. Since manifests are immutable and
// upstream can only reference artifacts that already exist, a cycle
// is impossible by construction; the walk remains as defense in
// depth rather than a reachable failure mode.
func (g *Graph) Validate(manifest domain.Manifest, statusOf func(artifactID string) (domain.ArtifactStatus, bool)) error {
	if len(manifest.Upstream) == 0 {
		if !domain.RootClasses[manifest.Class] {
			return apperr.PolicyViolation("lineage: only root classes may publish with an empty upstream set")
		}
		return nil
	}

	for _, pin := range manifest.Upstream {
		status, known := statusOf(pin.ArtifactID)
		if !known {
			return apperr.SourceUnavailable("lineage: upstream artifact " + pin.ArtifactID + " does not exist")
		}
		if !status.Publishable() {
			return apperr.SourceUnavailable("lineage: upstream artifact " + pin.ArtifactID + " is not in a publishable state")
		}
	}

	if g.hasPath(manifest.ArtifactID, manifest.Upstream) {
		return apperr.PolicyViolation("lineage: publishing this manifest would introduce a cycle")
	}
	return nil
}

// hasPath reports whether any of candidateUpstream's ancestors is
// selfID, which would make selfID its own ancestor once linked.
func (g *Graph) hasPath(selfID string, candidateUpstream []domain.Pin) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool)
	queue := make([]string, 0, len(candidateUpstream))
	for _, pin := range candidateUpstream {
		queue = append(queue, pin.ArtifactID)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == selfID {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		if n, ok := g.nodes[id]; ok {
			queue = append(queue, n.upstream...)
		}
	}
	return false
}

// Link adds a node for artifactID with the given upstream pins,
// called after a successful publish to keep the index current without
// a full rebuild.
func (g *Graph) Link(artifactID string, status domain.ArtifactStatus, upstream []domain.Pin) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureLocked(artifactID).status = status
	for _, pin := range upstream {
		g.linkLocked(artifactID, pin.ArtifactID)
	}
}

// SetStatus updates a node's tracked status, called after rollback/revoke.
func (g *Graph) SetStatus(artifactID string, status domain.ArtifactStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[artifactID]; ok {
		n.status = status
	}
}

// Ancestors returns the transitive closure of id's upstream pins via
// iterative BFS with an explicit visited set.
func (g *Graph) Ancestors(id string) []string {
	return g.bfs(id, func(n *node) []string { return n.upstream })
}

// Descendants returns the transitive closure of id's downstream
// dependents via iterative BFS with an explicit visited set.
func (g *Graph) Descendants(id string) []string {
	return g.bfs(id, func(n *node) []string { return n.downstream })
}

func (g *Graph) bfs(start string, next func(*node) []string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool)
	var result []string
	queue := []string{start}
	visited[start] = true

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n, ok := g.nodes[id]
		if !ok {
			continue
		}
		for _, neighbor := range next(n) {
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true
			result = append(result, neighbor)
			queue = append(queue, neighbor)
		}
	}
	return result
}

// RollbackImpact returns every descendant of id that must be warned
// when id is rolled back, per §4.5: the publish pipeline emits
// artifact_rolled_back events for each of these.
func (g *Graph) RollbackImpact(id string) []string {
	return g.Descendants(id)
}
