package placement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/afero"

	"github.com/zzenonn/zstore-cluster/internal/domain"
	"github.com/zzenonn/zstore-cluster/internal/registry"
	"github.com/zzenonn/zstore-cluster/internal/repository/objectstore"
)

var errNodeDown = errors.New("node down")

// flakyAgent is an in-memory node that can be switched off.
type flakyAgent struct {
	objectstore.NodeAgent
	failing     atomic.Bool
	stalled     atomic.Bool
	badChecksum atomic.Bool
	uploadCalls atomic.Int32
}

func (a *flakyAgent) Upload(ctx context.Context, ref objectstore.PieceRef, r io.Reader) (objectstore.UploadResult, error) {
	a.uploadCalls.Add(1)
	if a.failing.Load() {
		return objectstore.UploadResult{}, errNodeDown
	}
	if a.stalled.Load() {
		<-ctx.Done()
		return objectstore.UploadResult{}, ctx.Err()
	}
	res, err := a.NodeAgent.Upload(ctx, ref, r)
	if err != nil {
		return res, err
	}
	if a.badChecksum.Load() {
		res.Checksum = "sha256:0000"
	}
	return res, nil
}

type testCluster struct {
	registry *registry.Registry
	factory  *objectstore.AgentFactory
	agents   map[string]*flakyAgent
	nodes    []domain.Node
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	c := &testCluster{
		registry: registry.New(3),
		factory:  objectstore.NewAgentFactory(aws.Config{}),
		agents:   make(map[string]*flakyAgent, n),
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("node-%02d", i)
		root := "/nodes/" + id
		addr := "file://" + root
		agent := &flakyAgent{
			NodeAgent: objectstore.NewLocalAgentFs(afero.NewMemMapFs(), root, func() (int64, int64, error) {
				return 1000, 500, nil
			}),
		}
		c.factory.Register(addr, agent)
		c.agents[id] = agent

		node := domain.Node{ID: id, Name: id, Address: addr, TotalSpace: 1000, FreeSpace: 500}
		c.registry.Upsert(node)
		c.nodes = append(c.nodes, node)
	}
	return c
}

func (c *testCluster) fail(ids ...string) {
	for _, id := range ids {
		c.agents[id].failing.Store(true)
	}
}

func (c *testCluster) totalUploadCalls() int {
	total := 0
	for _, a := range c.agents {
		total += int(a.uploadCalls.Load())
	}
	return total
}

type memRecorder struct {
	mu       sync.Mutex
	chunks   []domain.Chunk
	shards   []domain.Shard
	replicas []domain.Replica
}

func (r *memRecorder) CreateChunk(_ context.Context, chunk domain.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
	return nil
}

func (r *memRecorder) CreateShards(_ context.Context, shards []domain.Shard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shards = append(r.shards, shards...)
	return nil
}

func (r *memRecorder) CreateReplicas(_ context.Context, replicas []domain.Replica) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replicas = append(r.replicas, replicas...)
	return nil
}
