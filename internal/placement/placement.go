// Package placement decides which storage nodes receive an object's pieces and drives the writes.
//
// Key Concepts:
//   - Selection: healthy nodes are scored by free space and recent failures, with a small
//     random term so equally good nodes share the load.
//   - Replicated writes: small objects are copied whole to several nodes in parallel.
//   - Erasure coded writes: each chunk is encoded into data+parity shards and every shard is
//     written to its own node, falling back to other nodes when a write fails.
//
// Usage Flow:
//  1. The object service ingests the stream and picks a strategy from its size.
//  2. Orchestrator.Place selects nodes (InsufficientNodes before any network I/O).
//  3. Pieces are uploaded concurrently; every attempt feeds the node registry.
//  4. Successful pieces are recorded in the catalog through the Recorder.
package placement

import (
	"context"

	"github.com/zzenonn/zstore-cluster/internal/domain"
	"github.com/zzenonn/zstore-cluster/internal/repository/objectstore"
)

// NodeSource provides the current set of healthy nodes.
type NodeSource interface {
	ListHealthy() []domain.Node
}

// HealthRecorder receives the outcome of every node call.
type HealthRecorder interface {
	RecordFailure(id string) (domain.Node, bool)
	RecordSuccess(id string) (domain.Node, bool)
}

// AgentProvider resolves a node address to its storage agent.
type AgentProvider interface {
	Agent(address string) (objectstore.NodeAgent, error)
}

// Encoder produces the shards of a chunk.
type Encoder interface {
	Encode(chunk []byte) ([][]byte, error)
	DataShards() int
	TotalShards() int
}

// Recorder persists placement results as they are confirmed.
type Recorder interface {
	CreateChunk(ctx context.Context, chunk domain.Chunk) error
	CreateShards(ctx context.Context, shards []domain.Shard) error
	CreateReplicas(ctx context.Context, replicas []domain.Replica) error
}
