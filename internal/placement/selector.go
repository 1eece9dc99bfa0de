package placement

import (
	"math/rand/v2"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zstore-cluster/internal/domain"
	zerrors "github.com/zzenonn/zstore-cluster/internal/errors"
)

const (
	freeSpaceWeight     = 50.0
	unknownSpaceScore   = 25.0
	failurePenalty      = 10.0
	randomSpreadMaximum = 10.0
)

// Selection is the outcome of a multi-node selection.
type Selection struct {
	Nodes     []domain.Node
	Requested int
	Available int
}

// Selector picks nodes for writes from the registry's healthy set.
type Selector struct {
	nodes  NodeSource
	random func() float64
}

// NewSelector creates a selector using a goroutine safe uniform [0,1) source.
func NewSelector(nodes NodeSource) *Selector {
	return NewSelectorWithRand(nodes, rand.Float64)
}

// NewSelectorWithRand creates a selector with an explicit [0,1) random source.
func NewSelectorWithRand(nodes NodeSource, random func() float64) *Selector {
	return &Selector{nodes: nodes, random: random}
}

// Score rates a node for placement; higher is better. r is a uniform [0,1) sample.
func Score(n domain.Node, r float64) float64 {
	score := unknownSpaceScore
	if n.CapacityKnown() {
		score = n.FreeFraction() * freeSpaceWeight
	}
	score -= float64(n.ConsecutiveFailures) * failurePenalty
	score += r * randomSpreadMaximum
	return score
}

type scoredNode struct {
	node  domain.Node
	score float64
}

func (s *Selector) rank(nodes []domain.Node) []domain.Node {
	scored := make([]scoredNode, len(nodes))
	for i, n := range nodes {
		scored[i] = scoredNode{node: n, score: Score(n, s.random())}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	ranked := make([]domain.Node, len(scored))
	for i, sn := range scored {
		ranked[i] = sn.node
	}
	return ranked
}

// SelectForWrite returns the count best healthy nodes, best first. It never returns a
// partial selection: fewer healthy nodes than count fails with InsufficientNodes.
func (s *Selector) SelectForWrite(strategy domain.Strategy, count int) (Selection, error) {
	healthy := s.nodes.ListHealthy()
	sel := Selection{Requested: count, Available: len(healthy)}

	if len(healthy) < count {
		log.WithFields(log.Fields{
			"strategy":  strategy,
			"requested": count,
			"available": len(healthy),
		}).Warn("Not enough healthy nodes for write")
		return sel, zerrors.New(zerrors.CodeInsufficientNodes,
			"Not enough healthy nodes. Required: %d, Available: %d", count, len(healthy))
	}

	sel.Nodes = s.rank(healthy)[:count]
	return sel, nil
}

// SelectSingle returns the best healthy node whose id is not in exclude.
func (s *Selector) SelectSingle(exclude map[string]struct{}) (domain.Node, error) {
	healthy := s.nodes.ListHealthy()
	candidates := healthy[:0:0]
	for _, n := range healthy {
		if _, skip := exclude[n.ID]; !skip {
			candidates = append(candidates, n)
		}
	}

	if len(candidates) == 0 {
		return domain.Node{}, zerrors.New(zerrors.CodeNoHealthyNodes, "No healthy nodes available")
	}
	return s.rank(candidates)[0], nil
}
