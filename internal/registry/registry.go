// Package registry keeps the in-memory view of known storage nodes and their health.
//
// Reads never block: the set of nodes is an immutable generation map that is swapped
// atomically when nodes are added or removed, and every entry is an atomic pointer to a
// complete domain.Node value. Mutations build a new value and publish it with
// compare-and-swap, so a reader sees either the old node or the new node, never a mix,
// and writers to different nodes never wait on each other.
package registry

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/zzenonn/zstore-cluster/internal/domain"
)

type slot struct {
	node atomic.Pointer[domain.Node]
}

type generation map[string]*slot

// Registry is the single owner of node health state.
type Registry struct {
	current     atomic.Pointer[generation]
	maxFailures int
	now         func() time.Time
}

// New creates an empty registry. A node is healthy while its consecutive failure
// count stays below maxFailures.
func New(maxFailures int) *Registry {
	r := &Registry{
		maxFailures: maxFailures,
		now:         time.Now,
	}
	empty := generation{}
	r.current.Store(&empty)
	return r
}

// MaxConsecutiveFailures returns the failure threshold used to derive health.
func (r *Registry) MaxConsecutiveFailures() int {
	return r.maxFailures
}

// ListAll returns a snapshot of every known node ordered by id.
func (r *Registry) ListAll() []domain.Node {
	return r.list(func(domain.Node) bool { return true })
}

// ListHealthy returns a snapshot of the nodes currently considered healthy.
func (r *Registry) ListHealthy() []domain.Node {
	return r.list(func(n domain.Node) bool { return n.IsHealthy })
}

// HealthyCount returns the number of healthy nodes without copying them.
func (r *Registry) HealthyCount() int {
	count := 0
	for _, s := range *r.current.Load() {
		if s.node.Load().IsHealthy {
			count++
		}
	}
	return count
}

func (r *Registry) list(keep func(domain.Node) bool) []domain.Node {
	gen := *r.current.Load()
	nodes := make([]domain.Node, 0, len(gen))
	for _, s := range gen {
		n := *s.node.Load()
		if keep(n) {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Get returns the current value of a node.
func (r *Registry) Get(id string) (domain.Node, bool) {
	s, ok := (*r.current.Load())[id]
	if !ok {
		return domain.Node{}, false
	}
	return *s.node.Load(), true
}

// ReplaceAll swaps in a new generation built from nodes, dropping every node not listed.
func (r *Registry) ReplaceAll(nodes []domain.Node) {
	gen := make(generation, len(nodes))
	for _, n := range nodes {
		n = r.normalize(n)
		s := &slot{}
		s.node.Store(&n)
		gen[n.ID] = s
	}
	r.current.Store(&gen)
}

// Upsert publishes node as the new value for its id, adding it if unknown.
// IsHealthy is recomputed from ConsecutiveFailures.
func (r *Registry) Upsert(node domain.Node) {
	node = r.normalize(node)
	for {
		old := r.current.Load()
		if s, ok := (*old)[node.ID]; ok {
			n := node
			s.node.Store(&n)
			return
		}

		next := make(generation, len(*old)+1)
		for id, s := range *old {
			next[id] = s
		}
		s := &slot{}
		n := node
		s.node.Store(&n)
		next[node.ID] = s

		if r.current.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Remove drops a node from the registry. It reports whether the node was present.
func (r *Registry) Remove(id string) bool {
	for {
		old := r.current.Load()
		if _, ok := (*old)[id]; !ok {
			return false
		}
		next := make(generation, len(*old)-1)
		for k, s := range *old {
			if k != id {
				next[k] = s
			}
		}
		if r.current.CompareAndSwap(old, &next) {
			return true
		}
	}
}

// RecordFailure increments the node's consecutive failures and recomputes its health.
// Unknown ids are ignored. It returns the updated node.
func (r *Registry) RecordFailure(id string) (domain.Node, bool) {
	return r.update(id, func(n domain.Node) domain.Node {
		n.ConsecutiveFailures++
		n.IsHealthy = n.ConsecutiveFailures < r.maxFailures
		n.UpdatedAt = r.now()
		return n
	})
}

// RecordSuccess resets the node's failures, marks it healthy and stamps LastSeenAt.
func (r *Registry) RecordSuccess(id string) (domain.Node, bool) {
	return r.update(id, func(n domain.Node) domain.Node {
		now := r.now()
		n.ConsecutiveFailures = 0
		n.IsHealthy = true
		n.LastSeenAt = now
		n.UpdatedAt = now
		return n
	})
}

// ObserveCapacity stores the space figures reported by a health probe.
func (r *Registry) ObserveCapacity(id string, c domain.Capacity) (domain.Node, bool) {
	return r.update(id, func(n domain.Node) domain.Node {
		n.TotalSpace = c.TotalSpace
		n.FreeSpace = c.FreeSpace
		n.UsedSpace = c.UsedSpace
		n.ObjectCount = c.ObjectCount
		return n
	})
}

func (r *Registry) update(id string, fn func(domain.Node) domain.Node) (domain.Node, bool) {
	s, ok := (*r.current.Load())[id]
	if !ok {
		return domain.Node{}, false
	}
	for {
		old := s.node.Load()
		next := fn(*old)
		if s.node.CompareAndSwap(old, &next) {
			return next, true
		}
	}
}

func (r *Registry) normalize(n domain.Node) domain.Node {
	n.IsHealthy = n.ConsecutiveFailures < r.maxFailures
	return n
}
