// Package memory holds an in-process catalog for single-run CLI sessions and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/zzenonn/zstore-cluster/internal/domain"
	zerrors "github.com/zzenonn/zstore-cluster/internal/errors"
)

type objectRecord struct {
	object   domain.Object
	chunks   map[int]domain.Chunk
	shards   map[[2]int]domain.Shard
	replicas map[string]domain.Replica
}

// Catalog is a mutex guarded catalog with the same uniqueness rules as the DynamoDB one.
type Catalog struct {
	mu      sync.RWMutex
	buckets map[string]domain.Bucket
	objects map[string]*objectRecord
	keys    map[[2]string]string
	nodes   map[string]domain.Node
}

func NewCatalog() *Catalog {
	return &Catalog{
		buckets: make(map[string]domain.Bucket),
		objects: make(map[string]*objectRecord),
		keys:    make(map[[2]string]string),
		nodes:   make(map[string]domain.Node),
	}
}

func (c *Catalog) CreateBucket(_ context.Context, bucket domain.Bucket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.buckets[bucket.Name]; ok {
		return zerrors.New(zerrors.CodeBucketAlreadyExists, "Bucket '%s' already exists", bucket.Name)
	}
	c.buckets[bucket.Name] = bucket
	return nil
}

func (c *Catalog) GetBucketByName(_ context.Context, name string) (domain.Bucket, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.buckets[name]
	if !ok {
		return domain.Bucket{}, zerrors.New(zerrors.CodeBucketNotFound, "Bucket '%s' not found", name)
	}
	return b, nil
}

func (c *Catalog) ListBuckets(_ context.Context) ([]domain.Bucket, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Bucket, 0, len(c.buckets))
	for _, b := range c.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Catalog) DeleteBucket(_ context.Context, bucket domain.Bucket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.buckets[bucket.Name]; !ok {
		return zerrors.New(zerrors.CodeBucketNotFound, "Bucket '%s' not found", bucket.Name)
	}
	delete(c.buckets, bucket.Name)
	return nil
}

func (c *Catalog) CreateObject(_ context.Context, obj domain.Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := [2]string{obj.BucketID, obj.Key}
	if _, ok := c.keys[key]; ok {
		return zerrors.ErrDuplicateRecord
	}
	if _, ok := c.objects[obj.ID]; ok {
		return zerrors.ErrDuplicateRecord
	}
	c.keys[key] = obj.ID
	c.objects[obj.ID] = &objectRecord{
		object:   obj,
		chunks:   make(map[int]domain.Chunk),
		shards:   make(map[[2]int]domain.Shard),
		replicas: make(map[string]domain.Replica),
	}
	return nil
}

func (c *Catalog) UpdateObject(_ context.Context, obj domain.Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.objects[obj.ID]
	if !ok {
		return objectNotFound(obj.ID)
	}
	rec.object = obj
	return nil
}

func (c *Catalog) GetObject(_ context.Context, id string) (domain.Object, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.objects[id]
	if !ok {
		return domain.Object{}, objectNotFound(id)
	}
	return rec.object, nil
}

func (c *Catalog) GetObjectByKey(_ context.Context, bucketID, key string) (domain.Object, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.keys[[2]string{bucketID, key}]
	if !ok {
		return domain.Object{}, zerrors.New(zerrors.CodeObjectNotFound, "Object '%s' not found", key)
	}
	return c.objects[id].object, nil
}

func (c *Catalog) ListObjects(_ context.Context, bucketID string) ([]domain.Object, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []domain.Object
	for _, rec := range c.objects {
		if rec.object.BucketID == bucketID {
			out = append(out, rec.object)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (c *Catalog) DeleteObject(_ context.Context, obj domain.Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.objects[obj.ID]
	if !ok {
		return objectNotFound(obj.ID)
	}
	delete(c.keys, [2]string{rec.object.BucketID, rec.object.Key})
	delete(c.objects, obj.ID)
	return nil
}

func (c *Catalog) CreateChunk(_ context.Context, chunk domain.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.objects[chunk.ObjectID]
	if !ok {
		return objectNotFound(chunk.ObjectID)
	}
	if _, dup := rec.chunks[chunk.Index]; dup {
		return zerrors.ErrDuplicateRecord
	}
	rec.chunks[chunk.Index] = chunk
	return nil
}

func (c *Catalog) CreateShards(_ context.Context, shards []domain.Shard) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range shards {
		rec, ok := c.objects[s.ObjectID]
		if !ok {
			return objectNotFound(s.ObjectID)
		}
		if _, dup := rec.shards[[2]int{s.ChunkIndex, s.Index}]; dup {
			return zerrors.ErrDuplicateRecord
		}
	}
	for _, s := range shards {
		c.objects[s.ObjectID].shards[[2]int{s.ChunkIndex, s.Index}] = s
	}
	return nil
}

func (c *Catalog) CreateReplicas(_ context.Context, replicas []domain.Replica) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range replicas {
		rec, ok := c.objects[r.ObjectID]
		if !ok {
			return objectNotFound(r.ObjectID)
		}
		if _, dup := rec.replicas[r.NodeID]; dup {
			return zerrors.ErrDuplicateRecord
		}
	}
	for _, r := range replicas {
		c.objects[r.ObjectID].replicas[r.NodeID] = r
	}
	return nil
}

func (c *Catalog) ListChunks(_ context.Context, objectID string) ([]domain.Chunk, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.objects[objectID]
	if !ok {
		return nil, nil
	}
	out := make([]domain.Chunk, 0, len(rec.chunks))
	for _, ch := range rec.chunks {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (c *Catalog) ListShards(_ context.Context, objectID string) ([]domain.Shard, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.objects[objectID]
	if !ok {
		return nil, nil
	}
	out := make([]domain.Shard, 0, len(rec.shards))
	for _, s := range rec.shards {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChunkIndex != out[j].ChunkIndex {
			return out[i].ChunkIndex < out[j].ChunkIndex
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (c *Catalog) ListReplicas(_ context.Context, objectID string) ([]domain.Replica, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.objects[objectID]
	if !ok {
		return nil, nil
	}
	out := make([]domain.Replica, 0, len(rec.replicas))
	for _, r := range rec.replicas {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Catalog) UpdateShardStatus(_ context.Context, shard domain.Shard) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.objects[shard.ObjectID]
	if !ok {
		return objectNotFound(shard.ObjectID)
	}
	key := [2]int{shard.ChunkIndex, shard.Index}
	stored, ok := rec.shards[key]
	if !ok {
		return zerrors.FetchingResourceError("shard")
	}
	stored.Status = shard.Status
	rec.shards[key] = stored
	return nil
}

func (c *Catalog) UpdateReplicaStatus(_ context.Context, replica domain.Replica) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.objects[replica.ObjectID]
	if !ok {
		return objectNotFound(replica.ObjectID)
	}
	stored, ok := rec.replicas[replica.NodeID]
	if !ok {
		return zerrors.FetchingResourceError("replica")
	}
	stored.Status = replica.Status
	rec.replicas[replica.NodeID] = stored
	return nil
}

func (c *Catalog) CreateNode(_ context.Context, node domain.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[node.ID]; ok {
		return zerrors.ErrDuplicateRecord
	}
	c.nodes[node.ID] = node
	return nil
}

func (c *Catalog) GetNode(_ context.Context, id string) (domain.Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	if !ok {
		return domain.Node{}, zerrors.New(zerrors.CodeNodeNotFound, "Node '%s' not found", id)
	}
	return n, nil
}

func (c *Catalog) ListNodes(_ context.Context) ([]domain.Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Catalog) UpdateNodeHealth(_ context.Context, node domain.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[node.ID]; !ok {
		return zerrors.New(zerrors.CodeNodeNotFound, "Node '%s' not found", node.ID)
	}
	c.nodes[node.ID] = node
	return nil
}

func (c *Catalog) DeleteNode(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[id]; !ok {
		return zerrors.New(zerrors.CodeNodeNotFound, "Node '%s' not found", id)
	}
	delete(c.nodes, id)
	return nil
}

func (c *Catalog) NodeHasPieces(_ context.Context, nodeID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rec := range c.objects {
		if _, ok := rec.replicas[nodeID]; ok {
			return true, nil
		}
		for _, s := range rec.shards {
			if s.NodeID == nodeID {
				return true, nil
			}
		}
	}
	return false, nil
}

func objectNotFound(id string) error {
	return zerrors.New(zerrors.CodeObjectNotFound, "Object '%s' not found", id)
}
