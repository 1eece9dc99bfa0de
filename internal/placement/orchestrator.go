package placement

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zstore-cluster/internal/domain"
	zerrors "github.com/zzenonn/zstore-cluster/internal/errors"
	"github.com/zzenonn/zstore-cluster/internal/ingest"
	"github.com/zzenonn/zstore-cluster/internal/logging"
	"github.com/zzenonn/zstore-cluster/internal/repository/objectstore"
)

// Placement is what was written for an object.
type Placement struct {
	Strategy domain.Strategy
	Replicas []domain.Replica
	Chunks   []domain.Chunk
	Shards   []domain.Shard
}

// Orchestrator drives replicated and erasure coded writes.
type Orchestrator struct {
	selector     *Selector
	uploader     *ShardUploader
	codec        Encoder
	recorder     Recorder
	replicaCount int
	newID        func() string
}

func NewOrchestrator(selector *Selector, uploader *ShardUploader, codec Encoder, recorder Recorder, replicaCount int) *Orchestrator {
	return &Orchestrator{
		selector:     selector,
		uploader:     uploader,
		codec:        codec,
		recorder:     recorder,
		replicaCount: replicaCount,
		newID:        NewID,
	}
}

// NewID returns a time ordered unique id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Place writes processed with the given strategy.
func (o *Orchestrator) Place(ctx context.Context, objectID string, strategy domain.Strategy, processed *ingest.Processed) (Placement, error) {
	if strategy == domain.StrategyReplicated {
		return o.PlaceReplicated(ctx, objectID, processed)
	}
	return o.PlaceErasureCoded(ctx, objectID, processed.Chunks)
}

// PlaceReplicated copies the whole object to replicaCount nodes in parallel. One
// successful replica is enough; each node's outcome is independent of the others.
func (o *Orchestrator) PlaceReplicated(ctx context.Context, objectID string, processed *ingest.Processed) (Placement, error) {
	sel, err := o.selector.SelectForWrite(domain.StrategyReplicated, o.replicaCount)
	if err != nil {
		return Placement{}, err
	}

	body, err := io.ReadAll(processed.Body())
	if err != nil {
		return Placement{}, err
	}
	ref := objectstore.PieceRef{ObjectID: objectID, Replicated: true}

	results := make([]*domain.Replica, len(sel.Nodes))
	var wg sync.WaitGroup
	for i, node := range sel.Nodes {
		wg.Add(1)
		go func(i int, node domain.Node) {
			defer wg.Done()
			res, err := o.uploader.UploadToNode(ctx, ref, body, node)
			if err != nil {
				log.WithFields(logging.NodeFields(node.ID, node.Address)).WithField("object_id", objectID).
					Warnf("Failed to upload replica: %v", err)
				return
			}
			results[i] = &domain.Replica{
				ID:       o.newID(),
				ObjectID: objectID,
				NodeID:   res.NodeID,
				Checksum: res.Checksum,
				Status:   domain.PieceHealthy,
			}
		}(i, node)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Placement{}, err
	}

	var replicas []domain.Replica
	for _, r := range results {
		if r != nil {
			replicas = append(replicas, *r)
		}
	}

	if len(replicas) < 1 {
		return Placement{}, zerrors.New(zerrors.CodeUploadFailed, "Failed to create any replicas")
	}

	if len(replicas) < o.replicaCount {
		log.WithField("object_id", objectID).
			Warnf("Only %d of %d replicas stored", len(replicas), o.replicaCount)
	}

	if err := o.recorder.CreateReplicas(ctx, replicas); err != nil {
		return Placement{}, zerrors.Wrap(zerrors.CodeUploadFailed, err, "Failed to record replicas")
	}

	log.WithFields(log.Fields{
		"object_id": objectID,
		"replicas":  len(replicas),
		"requested": o.replicaCount,
	}).Info("Replicated object placed")

	return Placement{Strategy: domain.StrategyReplicated, Replicas: replicas}, nil
}

// PlaceErasureCoded encodes and writes chunks one after another. Every chunk needs at
// least DataShards confirmed shards; otherwise the write stops with UploadFailed and the
// pieces already written stay where they are.
func (o *Orchestrator) PlaceErasureCoded(ctx context.Context, objectID string, chunks []ingest.Chunk) (Placement, error) {
	total := o.codec.TotalShards()
	sel, err := o.selector.SelectForWrite(domain.StrategyErasureCoded, total)
	if err != nil {
		return Placement{}, err
	}

	placement := Placement{Strategy: domain.StrategyErasureCoded}
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return placement, err
		}

		started := time.Now()
		record := domain.Chunk{
			ID:       o.newID(),
			ObjectID: objectID,
			Index:    chunk.Index,
			Size:     chunk.Size(),
			Checksum: chunk.Checksum,
		}
		if err := o.recorder.CreateChunk(ctx, record); err != nil {
			return placement, zerrors.Wrap(zerrors.CodeUploadFailed, err, "Failed to record chunk %d", chunk.Index)
		}

		shards, err := o.placeChunk(ctx, objectID, record, chunk, sel.Nodes)
		if err != nil {
			return placement, err
		}

		if err := o.recorder.CreateShards(ctx, shards); err != nil {
			return placement, zerrors.Wrap(zerrors.CodeUploadFailed, err, "Failed to record shards of chunk %d", chunk.Index)
		}

		placement.Chunks = append(placement.Chunks, record)
		placement.Shards = append(placement.Shards, shards...)

		log.WithFields(log.Fields{
			"object_id": objectID,
			"chunk":     chunk.Index,
			"shards":    len(shards),
			"elapsed":   time.Since(started),
		}).Debug("Chunk placed")
	}

	return placement, nil
}

func (o *Orchestrator) placeChunk(ctx context.Context, objectID string, record domain.Chunk, chunk ingest.Chunk, preferred []domain.Node) ([]domain.Shard, error) {
	encoded, err := o.codec.Encode(chunk.Data)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.CodeUploadFailed, err, "Failed to encode chunk %d", chunk.Index)
	}

	results := make([]*domain.Shard, len(encoded))
	var wg sync.WaitGroup
	for i, data := range encoded {
		wg.Add(1)
		go func(index int, data []byte) {
			defer wg.Done()
			ref := objectstore.PieceRef{ObjectID: objectID, ChunkIndex: chunk.Index, ShardIndex: index}
			res, err := o.uploader.UploadShard(ctx, ref, data, preferred)
			if err != nil {
				return
			}
			results[index] = &domain.Shard{
				ID:         o.newID(),
				ObjectID:   objectID,
				ChunkID:    record.ID,
				ChunkIndex: chunk.Index,
				Index:      index,
				NodeID:     res.NodeID,
				Size:       int64(len(data)),
				Checksum:   res.Checksum,
				Status:     domain.PieceHealthy,
			}
		}(i, data)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shards := make([]domain.Shard, 0, len(results))
	for _, s := range results {
		if s != nil {
			shards = append(shards, *s)
		}
	}

	if len(shards) < o.codec.DataShards() {
		return nil, zerrors.New(zerrors.CodeUploadFailed,
			"Only %d shards uploaded, need at least %d", len(shards), o.codec.DataShards())
	}
	return shards, nil
}
