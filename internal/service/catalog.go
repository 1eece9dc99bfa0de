package service

import (
	"context"

	"github.com/zzenonn/zstore-cluster/internal/domain"
)

// BucketRepository stores buckets. Names are unique.
type BucketRepository interface {
	CreateBucket(ctx context.Context, bucket domain.Bucket) error
	GetBucketByName(ctx context.Context, name string) (domain.Bucket, error)
	ListBuckets(ctx context.Context) ([]domain.Bucket, error)
	DeleteBucket(ctx context.Context, bucket domain.Bucket) error
}

// ObjectRepository stores objects and their pieces. Keys are unique per bucket, chunk
// indexes per object, shard indexes per chunk and replica nodes per object.
type ObjectRepository interface {
	CreateObject(ctx context.Context, obj domain.Object) error
	UpdateObject(ctx context.Context, obj domain.Object) error
	GetObject(ctx context.Context, id string) (domain.Object, error)
	GetObjectByKey(ctx context.Context, bucketID, key string) (domain.Object, error)
	ListObjects(ctx context.Context, bucketID string) ([]domain.Object, error)
	// DeleteObject removes the object with its chunks, shards and replicas.
	DeleteObject(ctx context.Context, obj domain.Object) error

	CreateChunk(ctx context.Context, chunk domain.Chunk) error
	CreateShards(ctx context.Context, shards []domain.Shard) error
	CreateReplicas(ctx context.Context, replicas []domain.Replica) error
	ListChunks(ctx context.Context, objectID string) ([]domain.Chunk, error)
	ListShards(ctx context.Context, objectID string) ([]domain.Shard, error)
	ListReplicas(ctx context.Context, objectID string) ([]domain.Replica, error)
	UpdateShardStatus(ctx context.Context, shard domain.Shard) error
	UpdateReplicaStatus(ctx context.Context, replica domain.Replica) error
}

// NodeRepository stores registered storage nodes.
type NodeRepository interface {
	CreateNode(ctx context.Context, node domain.Node) error
	GetNode(ctx context.Context, id string) (domain.Node, error)
	ListNodes(ctx context.Context) ([]domain.Node, error)
	UpdateNodeHealth(ctx context.Context, node domain.Node) error
	DeleteNode(ctx context.Context, id string) error
	// NodeHasPieces reports whether any shard or replica is recorded on the node.
	NodeHasPieces(ctx context.Context, nodeID string) (bool, error)
}

// Catalog is the durable record of buckets, objects, pieces and nodes.
type Catalog interface {
	BucketRepository
	ObjectRepository
	NodeRepository
}
