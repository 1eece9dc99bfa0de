// Package objectstore provides the storage agents that hold shards and replicas on a node,
// and the factory that builds them from node addresses.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
)

// ErrPieceNotFound is returned by Download when the node does not hold the requested piece.
var ErrPieceNotFound = errors.New("piece not found on node")

// PieceRef identifies one stored shard, or the single replica of an object when Replicated is set.
type PieceRef struct {
	ObjectID   string
	ChunkIndex int
	ShardIndex int
	Replicated bool
}

func (p PieceRef) String() string {
	if p.Replicated {
		return p.ObjectID + "/replica"
	}
	return fmt.Sprintf("%s/chunk_%d/shard_%d", p.ObjectID, p.ChunkIndex, p.ShardIndex)
}

// UploadResult is what an agent reports after storing a piece.
type UploadResult struct {
	Checksum     string
	BytesWritten int64
}

// NodeHealth is the answer to a health probe. A zero TotalSpace means capacity is unknown.
type NodeHealth struct {
	Healthy     bool
	TotalSpace  int64
	FreeSpace   int64
	UsedSpace   int64
	ObjectCount int64
}

// NodeAgent stores pieces on a single node. Bytes are streamed in both directions.
type NodeAgent interface {
	Upload(ctx context.Context, ref PieceRef, r io.Reader) (UploadResult, error)
	Download(ctx context.Context, ref PieceRef) (io.ReadCloser, error)
	Delete(ctx context.Context, objectID string) (int, error)
	Exists(ctx context.Context, ref PieceRef) (bool, error)
	Health(ctx context.Context) (NodeHealth, error)
	Address() string
}

const (
	dirSymbolCount = 2
	dirLevelCount  = 2
	replicaName    = "data"
)

// ObjectDir is the directory holding every piece of an object, fanned out by the hex
// SHA-256 of its id: "<h0h1>/<h2h3>/<id>".
func ObjectDir(objectID string) string {
	sum := sha256.Sum256([]byte(objectID))
	digest := hex.EncodeToString(sum[:])

	parts := make([]string, 0, dirLevelCount+1)
	for level := 0; level < dirLevelCount; level++ {
		parts = append(parts, digest[level*dirSymbolCount:(level+1)*dirSymbolCount])
	}
	parts = append(parts, objectID)
	return path.Join(parts...)
}

// PiecePath is the slash separated location of a piece relative to the agent's root.
func PiecePath(ref PieceRef) string {
	if ref.Replicated {
		return path.Join(ObjectDir(ref.ObjectID), replicaName)
	}
	return path.Join(ObjectDir(ref.ObjectID), fmt.Sprintf("chunk_%d_shard_%d", ref.ChunkIndex, ref.ShardIndex))
}
