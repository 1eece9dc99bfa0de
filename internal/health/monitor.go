// Package health probes storage nodes in the background and feeds the results into the
// node registry and the catalog.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zzenonn/zstore-cluster/internal/config"
	"github.com/zzenonn/zstore-cluster/internal/domain"
	"github.com/zzenonn/zstore-cluster/internal/logging"
	"github.com/zzenonn/zstore-cluster/internal/metrics"
	"github.com/zzenonn/zstore-cluster/internal/repository/objectstore"
)

// Node states as seen by the monitor.
const (
	StateUnknown   = "unknown"
	StateHealthy   = "healthy"
	StateUnhealthy = "unhealthy"
)

// Registry is the node registry the monitor updates.
type Registry interface {
	ListAll() []domain.Node
	HealthyCount() int
	RecordSuccess(id string) (domain.Node, bool)
	RecordFailure(id string) (domain.Node, bool)
	ObserveCapacity(id string, c domain.Capacity) (domain.Node, bool)
}

// AgentProvider resolves a node address to its storage agent.
type AgentProvider interface {
	Agent(address string) (objectstore.NodeAgent, error)
}

// NodeStore persists probe results.
type NodeStore interface {
	UpdateNodeHealth(ctx context.Context, node domain.Node) error
}

// Monitor periodically probes every node known to the registry.
type Monitor struct {
	registry    Registry
	agents      AgentProvider
	store       NodeStore
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	metrics     *metrics.Metrics

	mu     sync.RWMutex
	states map[string]string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. store may be nil when probe results are not persisted.
func NewMonitor(registry Registry, agents AgentProvider, store NodeStore, cfg config.NodeHealthConfig, m *metrics.Metrics) *Monitor {
	concurrency := cfg.ProbeConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Monitor{
		registry:    registry,
		agents:      agents,
		store:       store,
		interval:    cfg.PollInterval(),
		timeout:     cfg.ProbeTimeout(),
		concurrency: concurrency,
		metrics:     m,
		states:      make(map[string]string),
	}
}

// Start runs the probe loop in the background until ctx is cancelled or Stop is called.
// The first round runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

// Stop cancels the probe loop and waits for the current round to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	log.Info("Health monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Infof("Health monitor started with interval %v", m.interval)

	m.CheckAll(ctx)

	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx)
		case <-ctx.Done():
			log.Debug("Health monitor stopping due to context cancellation")
			return
		}
	}
}

// CheckAll probes every node once, at most concurrency at a time, and returns when all
// probes have finished.
func (m *Monitor) CheckAll(ctx context.Context) {
	nodes := m.registry.ListAll()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, node := range nodes {
		g.Go(func() error {
			m.probe(gctx, node)
			return nil
		})
	}
	_ = g.Wait()

	m.forgetRemoved(nodes)
	m.metrics.SetHealthyNodes(m.registry.HealthyCount())
}

func (m *Monitor) probe(ctx context.Context, node domain.Node) {
	fields := logging.NodeFields(node.ID, node.Address)

	health, err := m.check(ctx, node)
	if ctx.Err() != nil {
		return
	}

	var updated domain.Node
	var ok bool
	if err != nil {
		m.metrics.ObserveProbe(false)
		updated, ok = m.registry.RecordFailure(node.ID)
		log.WithFields(fields).WithField("failures", updated.ConsecutiveFailures).Debugf("Health probe failed: %v", err)
	} else {
		m.metrics.ObserveProbe(true)
		m.registry.RecordSuccess(node.ID)
		updated, ok = m.registry.ObserveCapacity(node.ID, domain.Capacity{
			TotalSpace:  health.TotalSpace,
			FreeSpace:   health.FreeSpace,
			UsedSpace:   health.UsedSpace,
			ObjectCount: health.ObjectCount,
		})
	}
	if !ok {
		// Removed from the registry while the probe was in flight.
		return
	}

	m.transition(updated)

	if m.store != nil {
		if err := m.store.UpdateNodeHealth(ctx, updated); err != nil {
			log.WithFields(fields).Errorf("Failed to persist node health: %v", err)
		}
	}
}

func (m *Monitor) check(ctx context.Context, node domain.Node) (objectstore.NodeHealth, error) {
	agent, err := m.agents.Agent(node.Address)
	if err != nil {
		return objectstore.NodeHealth{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	health, err := agent.Health(ctx)
	if err != nil {
		return health, err
	}
	if !health.Healthy {
		return health, fmt.Errorf("node reported unhealthy")
	}
	return health, nil
}

func (m *Monitor) transition(node domain.Node) {
	next := StateUnhealthy
	if node.IsHealthy {
		next = StateHealthy
	}

	m.mu.Lock()
	prev, seen := m.states[node.ID]
	m.states[node.ID] = next
	m.mu.Unlock()

	if !seen {
		prev = StateUnknown
	}
	if prev != next {
		log.WithFields(logging.NodeFields(node.ID, node.Address)).Infof("Node is now %s (was %s)", next, prev)
	}
}

func (m *Monitor) forgetRemoved(nodes []domain.Node) {
	current := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		current[n.ID] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.states {
		if _, ok := current[id]; !ok {
			delete(m.states, id)
		}
	}
}

// State returns the monitor's view of a node: unknown until its first probe completes.
func (m *Monitor) State(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[id]; ok {
		return s
	}
	return StateUnknown
}

// States returns a copy of every probed node's state.
func (m *Monitor) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.states))
	for id, s := range m.states {
		out[id] = s
	}
	return out
}
