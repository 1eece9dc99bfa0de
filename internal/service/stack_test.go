package service

import (
	"context"
	"fmt"
	"path"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zstore-cluster/internal/classifier"
	"github.com/zzenonn/zstore-cluster/internal/codec"
	"github.com/zzenonn/zstore-cluster/internal/domain"
	"github.com/zzenonn/zstore-cluster/internal/ingest"
	"github.com/zzenonn/zstore-cluster/internal/metrics"
	"github.com/zzenonn/zstore-cluster/internal/placement"
	"github.com/zzenonn/zstore-cluster/internal/registry"
	"github.com/zzenonn/zstore-cluster/internal/repository/memory"
	"github.com/zzenonn/zstore-cluster/internal/repository/objectstore"
	"github.com/zzenonn/zstore-cluster/internal/retrieval"
)

const (
	testThreshold = 64 * 1024
	testChunkSize = 64 * 1024
	testMaxSize   = 1024 * 1024
)

type storageNode struct {
	node domain.Node
	fs   afero.Fs
	root string
}

// testStack wires the full upload and download path over in-memory nodes.
type testStack struct {
	catalog  *memory.Catalog
	registry *registry.Registry
	factory  *objectstore.AgentFactory
	metrics  *metrics.Metrics
	nodes    []storageNode

	buckets *BucketService
	nodeSvc *NodeService
	objects *ObjectService
}

func newTestStack(t *testing.T, nodeCount int) *testStack {
	t.Helper()

	s := &testStack{
		catalog:  memory.NewCatalog(),
		registry: registry.New(3),
		factory:  objectstore.NewAgentFactory(aws.Config{}),
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
	}
	s.buckets = NewBucketService(s.catalog, s.catalog)
	s.nodeSvc = NewNodeService(s.catalog, s.registry, nil, "zstore:node")

	rs, err := codec.New(6, 3)
	require.NoError(t, err)
	selector := placement.NewSelector(s.registry)
	uploader := placement.NewShardUploader(s.factory, s.registry, selector, 3, time.Second, s.metrics)
	orchestrator := placement.NewOrchestrator(selector, uploader, rs, s.catalog, 4)
	retriever := retrieval.NewRetriever(s.registry, s.factory, rs, time.Second, s.metrics)
	pipeline := ingest.NewPipeline(classifier.New(), testChunkSize, testMaxSize)

	s.objects = NewObjectService(s.catalog, pipeline, orchestrator, retriever, s.registry, s.factory,
		ObjectServiceConfig{SmallObjectThreshold: testThreshold, RejectDangerousMismatches: true}, s.metrics)

	for i := 0; i < nodeCount; i++ {
		s.addNode(t, fmt.Sprintf("node-%02d", i))
	}
	return s
}

func (s *testStack) addNode(t *testing.T, name string) storageNode {
	t.Helper()
	root := "/nodes/" + name
	fs := afero.NewMemMapFs()
	address := "file://" + root
	s.factory.Register(address, objectstore.NewLocalAgentFs(fs, root, func() (int64, int64, error) {
		return 1 << 30, 1 << 29, nil
	}))

	node, err := s.nodeSvc.RegisterNode(context.Background(), name, address)
	require.NoError(t, err)
	sn := storageNode{node: node, fs: fs, root: root}
	s.nodes = append(s.nodes, sn)
	return sn
}

func (s *testStack) nodeByID(t *testing.T, id string) storageNode {
	t.Helper()
	for _, n := range s.nodes {
		if n.node.ID == id {
			return n
		}
	}
	t.Fatalf("unknown node %s", id)
	return storageNode{}
}

// wipe deletes everything the node stores.
func (n storageNode) wipe(t *testing.T) {
	t.Helper()
	require.NoError(t, n.fs.RemoveAll(n.root))
}

// overwrite replaces a stored piece with other bytes.
func (n storageNode) overwrite(t *testing.T, ref objectstore.PieceRef, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(n.fs, path.Join(n.root, objectstore.PiecePath(ref)), data, 0o644))
}

func (n storageNode) holds(t *testing.T, ref objectstore.PieceRef) bool {
	t.Helper()
	ok, err := afero.Exists(n.fs, path.Join(n.root, objectstore.PiecePath(ref)))
	require.NoError(t, err)
	return ok
}
