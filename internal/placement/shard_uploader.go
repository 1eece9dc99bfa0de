package placement

import (
	"bytes"
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zstore-cluster/internal/checksum"
	"github.com/zzenonn/zstore-cluster/internal/domain"
	"github.com/zzenonn/zstore-cluster/internal/logging"
	"github.com/zzenonn/zstore-cluster/internal/metrics"
	"github.com/zzenonn/zstore-cluster/internal/repository/objectstore"
)

// PieceResult describes a piece confirmed by a node.
type PieceResult struct {
	NodeID       string
	Checksum     string
	BytesWritten int64
	Attempts     int
}

// singleSelector picks one fallback node.
type singleSelector interface {
	SelectSingle(exclude map[string]struct{}) (domain.Node, error)
}

// ShardUploader writes single pieces to nodes with per-call timeouts and bounded fallback.
type ShardUploader struct {
	agents      AgentProvider
	health      HealthRecorder
	selector    singleSelector
	maxAttempts int
	nodeTimeout time.Duration
	metrics     *metrics.Metrics
}

func NewShardUploader(agents AgentProvider, health HealthRecorder, selector singleSelector, maxAttempts int, nodeTimeout time.Duration, m *metrics.Metrics) *ShardUploader {
	return &ShardUploader{
		agents:      agents,
		health:      health,
		selector:    selector,
		maxAttempts: maxAttempts,
		nodeTimeout: nodeTimeout,
		metrics:     m,
	}
}

// UploadShard writes one shard. The first attempt goes to preferred[ref.ShardIndex]; every
// later attempt goes to a freshly selected healthy node that has not been tried for this
// shard. At most maxAttempts nodes are tried. Node errors are logged and recorded on the
// registry, never returned: the error only says that every attempt failed. A cancelled
// ctx ends the loop with ctx.Err().
func (u *ShardUploader) UploadShard(ctx context.Context, ref objectstore.PieceRef, data []byte, preferred []domain.Node) (PieceResult, error) {
	expected := checksum.Of(data)
	tried := make(map[string]struct{}, u.maxAttempts)

	attempt := 0
	for attempt < u.maxAttempts {
		if err := ctx.Err(); err != nil {
			return PieceResult{Attempts: attempt}, err
		}

		var node domain.Node
		if attempt == 0 && ref.ShardIndex < len(preferred) {
			node = preferred[ref.ShardIndex]
		} else {
			next, err := u.selector.SelectSingle(tried)
			if err != nil {
				log.WithFields(log.Fields{
					"object_id": ref.ObjectID,
					"chunk":     ref.ChunkIndex,
					"shard":     ref.ShardIndex,
					"attempt":   attempt + 1,
				}).Warnf("No fallback node left for shard: %v", err)
				break
			}
			node = next
		}
		tried[node.ID] = struct{}{}
		attempt++

		res, err := u.upload(ctx, ref, data, expected, node)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		if ctx.Err() != nil {
			return PieceResult{Attempts: attempt}, ctx.Err()
		}

		log.WithFields(logging.NodeFields(node.ID, node.Address)).WithFields(log.Fields{
			"object_id": ref.ObjectID,
			"chunk":     ref.ChunkIndex,
			"shard":     ref.ShardIndex,
			"attempt":   attempt,
		}).Warnf("Failed to upload shard to node: %v", err)
	}

	return PieceResult{Attempts: attempt}, fmt.Errorf("all %d upload attempts failed for %s", attempt, ref)
}

// UploadToNode makes exactly one attempt against node and records the outcome. Calls cut
// short by a cancelled ctx are not held against the node.
func (u *ShardUploader) UploadToNode(ctx context.Context, ref objectstore.PieceRef, data []byte, node domain.Node) (PieceResult, error) {
	res, err := u.upload(ctx, ref, data, checksum.Of(data), node)
	if err != nil {
		return PieceResult{Attempts: 1}, err
	}
	res.Attempts = 1
	return res, nil
}

func (u *ShardUploader) upload(ctx context.Context, ref objectstore.PieceRef, data []byte, expected string, node domain.Node) (PieceResult, error) {
	kind := pieceKind(ref)

	res, err := u.put(ctx, ref, data, expected, node)
	if err != nil && ctx.Err() != nil {
		return PieceResult{}, ctx.Err()
	}
	if err != nil {
		u.health.RecordFailure(node.ID)
		u.metrics.ObservePieceUpload(kind, false)
		return PieceResult{}, err
	}

	u.health.RecordSuccess(node.ID)
	u.metrics.ObservePieceUpload(kind, true)
	return res, nil
}

func (u *ShardUploader) put(ctx context.Context, ref objectstore.PieceRef, data []byte, expected string, node domain.Node) (PieceResult, error) {
	agent, err := u.agents.Agent(node.Address)
	if err != nil {
		return PieceResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, u.nodeTimeout)
	defer cancel()

	out, err := agent.Upload(ctx, ref, bytes.NewReader(data))
	if err != nil {
		return PieceResult{}, err
	}
	if out.BytesWritten != int64(len(data)) {
		return PieceResult{}, fmt.Errorf("node stored %d of %d bytes", out.BytesWritten, len(data))
	}
	if out.Checksum != "" && out.Checksum != expected {
		return PieceResult{}, fmt.Errorf("node reported checksum %s, expected %s", out.Checksum, expected)
	}

	return PieceResult{NodeID: node.ID, Checksum: expected, BytesWritten: out.BytesWritten}, nil
}

func pieceKind(ref objectstore.PieceRef) string {
	if ref.Replicated {
		return "replica"
	}
	return "shard"
}
