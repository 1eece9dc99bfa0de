package retrieval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zstore-cluster/internal/checksum"
	"github.com/zzenonn/zstore-cluster/internal/codec"
	"github.com/zzenonn/zstore-cluster/internal/domain"
	zerrors "github.com/zzenonn/zstore-cluster/internal/errors"
	"github.com/zzenonn/zstore-cluster/internal/registry"
	"github.com/zzenonn/zstore-cluster/internal/repository/objectstore"
)

const testChunkSize = 16 * 1024

var errUnreachable = errors.New("connection refused")

type downAgent struct {
	objectstore.NodeAgent
	down      atomic.Bool
	stalled   atomic.Bool
	downloads atomic.Int32
}

func (a *downAgent) Download(ctx context.Context, ref objectstore.PieceRef) (io.ReadCloser, error) {
	a.downloads.Add(1)
	if a.down.Load() {
		return nil, errUnreachable
	}
	if a.stalled.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return a.NodeAgent.Download(ctx, ref)
}

type fixture struct {
	registry *registry.Registry
	factory  *objectstore.AgentFactory
	agents   []*downAgent
	nodes    []domain.Node
	codec    *codec.Codec
	r        *Retriever
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	rs, err := codec.New(6, 3)
	require.NoError(t, err)

	f := &fixture{
		registry: registry.New(3),
		factory:  objectstore.NewAgentFactory(aws.Config{}),
		codec:    rs,
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("node-%02d", i)
		addr := "file:///nodes/" + id
		agent := &downAgent{NodeAgent: objectstore.NewLocalAgentFs(afero.NewMemMapFs(), "/nodes/"+id, nil)}
		f.factory.Register(addr, agent)
		f.agents = append(f.agents, agent)
		node := domain.Node{ID: id, Address: addr}
		f.registry.Upsert(node)
		f.nodes = append(f.nodes, node)
	}
	f.r = NewRetriever(f.registry, f.factory, rs, time.Second, nil)
	return f
}

func (f *fixture) put(t *testing.T, node int, ref objectstore.PieceRef, data []byte) {
	t.Helper()
	_, err := f.agents[node].Upload(context.Background(), ref, bytes.NewReader(data))
	require.NoError(t, err)
}

// storeErasureCoded writes data as 6+3 shards, shard i of every chunk on node i.
func (f *fixture) storeErasureCoded(t *testing.T, objectID string, data []byte) ([]domain.Chunk, []domain.Shard) {
	t.Helper()
	var chunks []domain.Chunk
	var shards []domain.Shard
	for index, offset := 0, 0; offset < len(data); index, offset = index+1, offset+testChunkSize {
		end := min(offset+testChunkSize, len(data))
		part := data[offset:end]
		chunk := domain.Chunk{ID: fmt.Sprintf("chunk-%d", index), ObjectID: objectID, Index: index, Size: int64(len(part)), Checksum: checksum.Of(part)}
		chunks = append(chunks, chunk)

		encoded, err := f.codec.Encode(part)
		require.NoError(t, err)
		for s, piece := range encoded {
			f.put(t, s, objectstore.PieceRef{ObjectID: objectID, ChunkIndex: index, ShardIndex: s}, piece)
			shards = append(shards, domain.Shard{
				ID:         fmt.Sprintf("shard-%d-%d", index, s),
				ObjectID:   objectID,
				ChunkID:    chunk.ID,
				ChunkIndex: index,
				Index:      s,
				NodeID:     f.nodes[s].ID,
				Size:       int64(len(piece)),
				Checksum:   checksum.Of(piece),
				Status:     domain.PieceHealthy,
			})
		}
	}
	return chunks, shards
}

// ecObject is the catalog record matching data stored by storeErasureCoded.
func ecObject(data []byte, chunks []domain.Chunk) domain.Object {
	return domain.Object{
		ID:         "0192obj",
		Size:       int64(len(data)),
		Strategy:   domain.StrategyErasureCoded,
		ChunkCount: len(chunks),
		Status:     domain.ObjectHealthy,
	}
}

func payload(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(data)
	return data
}

func TestReadErasureCoded_AllShardsPresent(t *testing.T) {
	f := newFixture(t, 9)
	data := payload(100_000)
	chunks, shards := f.storeErasureCoded(t, "0192obj", data)

	var out bytes.Buffer
	report, err := f.r.ReadErasureCoded(context.Background(), &out, ecObject(data, chunks), chunks, shards)
	require.NoError(t, err)
	assert.False(t, report.Degraded())
	assert.Equal(t, data, out.Bytes())

	// Only data+2 shards are read per chunk.
	total := 0
	for _, a := range f.agents {
		total += int(a.downloads.Load())
	}
	assert.Equal(t, len(chunks)*8, total)
}

func TestReadErasureCoded_Availability(t *testing.T) {
	tests := []struct {
		name      string
		down      []int
		wantError string
	}{
		{"seven retrievable shards", []int{0, 7}, ""},
		{"six retrievable shards", []int{0, 1, 8}, ""},
		{"five retrievable shards", []int{0, 1, 2, 8}, "DownloadFailed: Only 5 shards available, need 6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 9)
			data := payload(64*1024 + 1)
			chunks, shards := f.storeErasureCoded(t, "0192obj", data)
			for _, i := range tt.down {
				f.agents[i].down.Store(true)
			}

			var out bytes.Buffer
			_, err := f.r.ReadErasureCoded(context.Background(), &out, ecObject(data, chunks), chunks, shards)
			if tt.wantError != "" {
				require.Error(t, err)
				assert.True(t, errors.Is(err, zerrors.ErrDownloadFailed))
				assert.Equal(t, tt.wantError, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, data, out.Bytes())
		})
	}
}

func TestReadErasureCoded_PrefersShardsOnHealthyNodes(t *testing.T) {
	f := newFixture(t, 9)
	data := payload(10_000)
	chunks, shards := f.storeErasureCoded(t, "0192obj", data)
	for i := 0; i < 3; i++ {
		f.registry.RecordFailure(f.nodes[0].ID)
	}

	var out bytes.Buffer
	_, err := f.r.ReadErasureCoded(context.Background(), &out, ecObject(data, chunks), chunks, shards)
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
	assert.Zero(t, f.agents[0].downloads.Load())
}

func TestReadErasureCoded_ReportsCorruptedAndMissingShards(t *testing.T) {
	f := newFixture(t, 9)
	data := payload(5_000)
	chunks, shards := f.storeErasureCoded(t, "0192obj", data)

	f.put(t, 2, objectstore.PieceRef{ObjectID: "0192obj", ChunkIndex: 0, ShardIndex: 2}, []byte("garbage"))
	_, err := f.agents[4].NodeAgent.Delete(context.Background(), "0192obj")
	require.NoError(t, err)

	var out bytes.Buffer
	report, err := f.r.ReadErasureCoded(context.Background(), &out, ecObject(data, chunks), chunks, shards)
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())

	require.True(t, report.Degraded())
	assert.ElementsMatch(t, []PieceState{
		{PieceID: "shard-0-2", NodeID: f.nodes[2].ID, Status: domain.PieceCorrupted},
		{PieceID: "shard-0-4", NodeID: f.nodes[4].ID, Status: domain.PieceMissing},
	}, report.Pieces)

	// A node that answers is not penalised.
	n, _ := f.registry.Get(f.nodes[2].ID)
	assert.Zero(t, n.ConsecutiveFailures)
}

func TestReadErasureCoded_UnreachableNodesAreRecorded(t *testing.T) {
	f := newFixture(t, 9)
	data := payload(1_000)
	chunks, shards := f.storeErasureCoded(t, "0192obj", data)
	f.agents[3].down.Store(true)

	var out bytes.Buffer
	report, err := f.r.ReadErasureCoded(context.Background(), &out, ecObject(data, chunks), chunks, shards)
	require.NoError(t, err)
	assert.False(t, report.Degraded(), "an unreachable node says nothing about the piece")

	n, _ := f.registry.Get(f.nodes[3].ID)
	assert.Equal(t, 1, n.ConsecutiveFailures)
}

func TestReadErasureCoded_ChunksAreWrittenInIndexOrder(t *testing.T) {
	f := newFixture(t, 9)
	data := payload(3*testChunkSize + 10)
	chunks, shards := f.storeErasureCoded(t, "0192obj", data)
	chunks[0], chunks[2] = chunks[2], chunks[0]

	var out bytes.Buffer
	_, err := f.r.ReadErasureCoded(context.Background(), &out, ecObject(data, chunks), chunks, shards)
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
}

func TestReadErasureCoded_RejectsIncompleteChunkLayout(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(obj *domain.Object, chunks []domain.Chunk) []domain.Chunk
	}{
		{"last chunk never recorded", func(obj *domain.Object, chunks []domain.Chunk) []domain.Chunk {
			return chunks[:len(chunks)-1]
		}},
		{"gap in chunk indexes", func(obj *domain.Object, chunks []domain.Chunk) []domain.Chunk {
			chunks[1].Index = 5
			return chunks
		}},
		{"duplicate chunk index", func(obj *domain.Object, chunks []domain.Chunk) []domain.Chunk {
			chunks[2].Index = 1
			return chunks
		}},
		{"chunk sizes disagree with object size", func(obj *domain.Object, chunks []domain.Chunk) []domain.Chunk {
			obj.Size++
			return chunks
		}},
		{"no chunks for a non-empty object", func(obj *domain.Object, chunks []domain.Chunk) []domain.Chunk {
			return nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 9)
			data := payload(2*testChunkSize + 100)
			chunks, shards := f.storeErasureCoded(t, "0192obj", data)
			obj := ecObject(data, chunks)
			chunks = tt.mutate(&obj, chunks)

			var out bytes.Buffer
			_, err := f.r.ReadErasureCoded(context.Background(), &out, obj, chunks, shards)
			require.Error(t, err)
			assert.ErrorIs(t, err, zerrors.ErrDownloadFailed)
			assert.Zero(t, out.Len())
		})
	}
}

func TestReadErasureCoded_CancelledRequestLeavesNodesHealthy(t *testing.T) {
	f := newFixture(t, 9)
	data := payload(1_000)
	chunks, shards := f.storeErasureCoded(t, "0192obj", data)
	for _, a := range f.agents {
		a.stalled.Store(true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	var out bytes.Buffer
	report, err := f.r.ReadErasureCoded(ctx, &out, ecObject(data, chunks), chunks, shards)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, report.Degraded())
	for _, node := range f.nodes {
		n, _ := f.registry.Get(node.ID)
		assert.Zero(t, n.ConsecutiveFailures, node.ID)
		assert.True(t, n.IsHealthy, node.ID)
	}
}

func TestReadErasureCoded_NodeTimeoutCountsAsFailure(t *testing.T) {
	f := newFixture(t, 9)
	f.r = NewRetriever(f.registry, f.factory, f.codec, 20*time.Millisecond, nil)
	data := payload(1_000)
	chunks, shards := f.storeErasureCoded(t, "0192obj", data)
	f.agents[0].stalled.Store(true)

	var out bytes.Buffer
	_, err := f.r.ReadErasureCoded(context.Background(), &out, ecObject(data, chunks), chunks, shards)
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())

	n, _ := f.registry.Get(f.nodes[0].ID)
	assert.Equal(t, 1, n.ConsecutiveFailures)
}

func replicaFixture(t *testing.T, data []byte) (*fixture, []domain.Replica) {
	t.Helper()
	f := newFixture(t, 4)
	var replicas []domain.Replica
	for i := range f.nodes {
		f.put(t, i, objectstore.PieceRef{ObjectID: "0192obj", Replicated: true}, data)
		replicas = append(replicas, domain.Replica{
			ID:       fmt.Sprintf("replica-%d", i),
			ObjectID: "0192obj",
			NodeID:   f.nodes[i].ID,
			Checksum: checksum.Of(data),
			Status:   domain.PieceHealthy,
		})
	}
	return f, replicas
}

func TestReadReplicated_FirstReadableReplica(t *testing.T) {
	data := []byte("small object body")
	f, replicas := replicaFixture(t, data)

	var out bytes.Buffer
	report, err := f.r.ReadReplicated(context.Background(), &out, "0192obj", replicas)
	require.NoError(t, err)
	assert.False(t, report.Degraded())
	assert.Equal(t, data, out.Bytes())
	assert.EqualValues(t, 1, f.agents[0].downloads.Load())
	assert.Zero(t, f.agents[1].downloads.Load())
}

func TestReadReplicated_SkipsUnhealthyAndBrokenReplicas(t *testing.T) {
	data := []byte("small object body")
	f, replicas := replicaFixture(t, data)

	for i := 0; i < 3; i++ {
		f.registry.RecordFailure(f.nodes[0].ID)
	}
	f.put(t, 1, objectstore.PieceRef{ObjectID: "0192obj", Replicated: true}, []byte("tampered"))
	f.agents[2].down.Store(true)

	var out bytes.Buffer
	report, err := f.r.ReadReplicated(context.Background(), &out, "0192obj", replicas)
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())

	assert.Zero(t, f.agents[0].downloads.Load(), "unhealthy nodes are skipped")
	assert.Equal(t, []PieceState{{PieceID: "replica-1", NodeID: f.nodes[1].ID, Status: domain.PieceCorrupted}}, report.Pieces)
}

func TestReadReplicated_NoneAvailable(t *testing.T) {
	f, replicas := replicaFixture(t, []byte("x"))
	for _, a := range f.agents {
		a.down.Store(true)
	}

	var out bytes.Buffer
	_, err := f.r.ReadReplicated(context.Background(), &out, "0192obj", replicas)
	require.Error(t, err)
	assert.True(t, errors.Is(err, zerrors.ErrDownloadFailed))
	assert.Equal(t, "DownloadFailed: No healthy replicas available", err.Error())
	assert.Zero(t, out.Len())
}

func TestReadReplicated_CancelledRequestLeavesNodesHealthy(t *testing.T) {
	data := []byte("small object body")
	f, replicas := replicaFixture(t, data)
	for _, a := range f.agents {
		a.stalled.Store(true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	var out bytes.Buffer
	_, err := f.r.ReadReplicated(ctx, &out, "0192obj", replicas)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, zerrors.ErrDownloadFailed))
	for _, node := range f.nodes {
		n, _ := f.registry.Get(node.ID)
		assert.Zero(t, n.ConsecutiveFailures, node.ID)
	}
	// Only the first replica was tried before the request went away.
	assert.Equal(t, int32(1), f.agents[0].downloads.Load())
	assert.Zero(t, f.agents[1].downloads.Load())
}
