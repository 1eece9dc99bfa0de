// Package retrieval reads objects back from storage nodes.
//
// Replicated objects are served from the first replica that can be read in full and
// matches its recorded checksum. Erasure coded objects are rebuilt chunk by chunk: a few
// more shards than the codec needs are fetched in parallel, corrupted or missing ones are
// dropped, and the chunk is decoded from whatever is left.
//
// Every piece that turns out to be missing or corrupted is reported back in a Report so
// the caller can persist the piece status and degrade the object.
package retrieval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zstore-cluster/internal/checksum"
	"github.com/zzenonn/zstore-cluster/internal/domain"
	zerrors "github.com/zzenonn/zstore-cluster/internal/errors"
	"github.com/zzenonn/zstore-cluster/internal/logging"
	"github.com/zzenonn/zstore-cluster/internal/metrics"
	"github.com/zzenonn/zstore-cluster/internal/repository/objectstore"
)

// extraShardReads is how many shards beyond the data shard count are fetched per chunk.
const extraShardReads = 2

// NodeRegistry is the part of the node registry used on reads.
type NodeRegistry interface {
	Get(id string) (domain.Node, bool)
	RecordFailure(id string) (domain.Node, bool)
	RecordSuccess(id string) (domain.Node, bool)
}

// AgentProvider resolves a node address to its storage agent.
type AgentProvider interface {
	Agent(address string) (objectstore.NodeAgent, error)
}

// Decoder rebuilds chunks from shards.
type Decoder interface {
	Decode(shards [][]byte, present []bool, size int) ([]byte, error)
	DataShards() int
	TotalShards() int
}

// PieceState is the observed state of one shard or replica.
type PieceState struct {
	PieceID string
	NodeID  string
	Status  domain.PieceStatus
}

// Report lists the pieces found missing or corrupted during a read.
type Report struct {
	Pieces []PieceState
}

// Degraded reports whether any piece was found missing or corrupted.
func (r *Report) Degraded() bool {
	return len(r.Pieces) > 0
}

func (r *Report) add(id, nodeID string, status domain.PieceStatus) {
	r.Pieces = append(r.Pieces, PieceState{PieceID: id, NodeID: nodeID, Status: status})
}

// Retriever reads pieces from nodes with a per-node timeout.
type Retriever struct {
	nodes       NodeRegistry
	agents      AgentProvider
	codec       Decoder
	nodeTimeout time.Duration
	metrics     *metrics.Metrics
}

func NewRetriever(nodes NodeRegistry, agents AgentProvider, codec Decoder, nodeTimeout time.Duration, m *metrics.Metrics) *Retriever {
	return &Retriever{
		nodes:       nodes,
		agents:      agents,
		codec:       codec,
		nodeTimeout: nodeTimeout,
		metrics:     m,
	}
}

var errChecksumMismatch = errors.New("checksum mismatch")

// ReadReplicated writes the first readable replica to w. Replicas are tried in the given
// order; those whose node is unknown or unhealthy are skipped without a network call.
func (r *Retriever) ReadReplicated(ctx context.Context, w io.Writer, objectID string, replicas []domain.Replica) (Report, error) {
	var report Report
	ref := objectstore.PieceRef{ObjectID: objectID, Replicated: true}

	for _, replica := range replicas {
		if replica.Status != domain.PieceHealthy {
			continue
		}
		node, ok := r.nodes.Get(replica.NodeID)
		if !ok || !node.IsHealthy {
			continue
		}

		data, err := r.fetch(ctx, node, ref, replica.Checksum)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if status, known := pieceStatus(err); known {
				report.add(replica.ID, replica.NodeID, status)
			}
			continue
		}

		if _, err := w.Write(data); err != nil {
			return report, err
		}
		return report, nil
	}

	return report, zerrors.New(zerrors.CodeDownloadFailed, "No healthy replicas available")
}

// ReadErasureCoded decodes chunks in index order and writes each one to w as soon as it
// is rebuilt. shards may hold the shards of every chunk. The recorded chunks must cover
// obj exactly: indexes 0..ChunkCount-1 whose sizes add up to obj.Size.
func (r *Retriever) ReadErasureCoded(ctx context.Context, w io.Writer, obj domain.Object, chunks []domain.Chunk, shards []domain.Shard) (Report, error) {
	var report Report

	byChunk := make(map[string][]domain.Shard, len(chunks))
	for _, s := range shards {
		byChunk[s.ChunkID] = append(byChunk[s.ChunkID], s)
	}

	ordered := append([]domain.Chunk(nil), chunks...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	if err := checkLayout(obj, ordered); err != nil {
		return report, err
	}

	var written int64
	for _, chunk := range ordered {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		data, err := r.readChunk(ctx, obj.ID, chunk, byChunk[chunk.ID], &report)
		if err != nil {
			return report, err
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return report, err
		}
	}

	if written != obj.Size {
		return report, zerrors.New(zerrors.CodeDownloadFailed,
			"Rebuilt %d of %d bytes of object %s", written, obj.Size, obj.ID)
	}
	return report, nil
}

// checkLayout rejects chunk lists with gaps, duplicates or a total size other than obj.Size.
// ordered must be sorted by index.
func checkLayout(obj domain.Object, ordered []domain.Chunk) error {
	if len(ordered) != obj.ChunkCount {
		return zerrors.New(zerrors.CodeDownloadFailed,
			"Object %s has %d of %d chunks recorded", obj.ID, len(ordered), obj.ChunkCount)
	}
	var size int64
	for i, chunk := range ordered {
		if chunk.Index != i {
			return zerrors.New(zerrors.CodeDownloadFailed, "Chunk %d of object %s is not recorded", i, obj.ID)
		}
		size += chunk.Size
	}
	if size != obj.Size {
		return zerrors.New(zerrors.CodeDownloadFailed,
			"Recorded chunks of object %s hold %d of %d bytes", obj.ID, size, obj.Size)
	}
	return nil
}

type fetched struct {
	shard domain.Shard
	data  []byte
	err   error
}

func (r *Retriever) readChunk(ctx context.Context, objectID string, chunk domain.Chunk, shards []domain.Shard, report *Report) ([]byte, error) {
	candidates := r.candidates(shards)
	want := r.codec.DataShards() + extraShardReads
	if len(candidates) > want {
		candidates = candidates[:want]
	}

	results := make([]fetched, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c candidate) {
			defer wg.Done()
			ref := objectstore.PieceRef{ObjectID: objectID, ChunkIndex: chunk.Index, ShardIndex: c.shard.Index}
			data, err := r.fetch(ctx, c.node, ref, c.shard.Checksum)
			results[i] = fetched{shard: c.shard, data: data, err: err}
		}(i, c)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := r.codec.TotalShards()
	pieces := make([][]byte, total)
	present := make([]bool, total)
	available := 0
	for _, res := range results {
		if res.err != nil {
			if status, known := pieceStatus(res.err); known {
				report.add(res.shard.ID, res.shard.NodeID, status)
			}
			continue
		}
		if res.shard.Index < 0 || res.shard.Index >= total || present[res.shard.Index] {
			continue
		}
		pieces[res.shard.Index] = res.data
		present[res.shard.Index] = true
		available++
	}

	if available < r.codec.DataShards() {
		return nil, zerrors.New(zerrors.CodeDownloadFailed,
			"Only %d shards available, need %d", available, r.codec.DataShards())
	}

	data, err := r.codec.Decode(pieces, present, int(chunk.Size))
	if err != nil {
		return nil, zerrors.Wrap(zerrors.CodeDownloadFailed, err, "Failed to decode chunk %d", chunk.Index)
	}
	r.metrics.ObserveReconstruction()

	if chunk.Checksum != "" && checksum.Of(data) != chunk.Checksum {
		return nil, zerrors.New(zerrors.CodeDownloadFailed, "Chunk %d does not match its checksum", chunk.Index)
	}
	return data, nil
}

type candidate struct {
	shard domain.Shard
	node  domain.Node
}

// candidates returns the shards worth reading: recorded healthy, on a known node, with
// shards on healthy nodes first.
func (r *Retriever) candidates(shards []domain.Shard) []candidate {
	var healthy, rest []candidate
	for _, s := range shards {
		if s.Status != domain.PieceHealthy {
			continue
		}
		node, ok := r.nodes.Get(s.NodeID)
		if !ok {
			continue
		}
		if node.IsHealthy {
			healthy = append(healthy, candidate{shard: s, node: node})
		} else {
			rest = append(rest, candidate{shard: s, node: node})
		}
	}
	byIndex := func(c []candidate) {
		sort.SliceStable(c, func(i, j int) bool { return c[i].shard.Index < c[j].shard.Index })
	}
	byIndex(healthy)
	byIndex(rest)
	return append(healthy, rest...)
}

// fetch reads one piece and checks it against want. Transport errors count against the
// node; a node that answers, even with a missing or corrupted piece, is responsive. A
// cancelled request says nothing about the node and is not recorded.
func (r *Retriever) fetch(ctx context.Context, node domain.Node, ref objectstore.PieceRef, want string) ([]byte, error) {
	kind := "shard"
	if ref.Replicated {
		kind = "replica"
	}
	fields := logging.NodeFields(node.ID, node.Address)

	data, err := r.download(ctx, node, ref)
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, objectstore.ErrPieceNotFound):
		r.nodes.RecordSuccess(node.ID)
		r.metrics.ObservePieceDownload(kind, false)
		log.WithFields(fields).WithField("piece", ref.String()).Warn("Piece missing on node")
		return nil, err
	case err != nil:
		r.nodes.RecordFailure(node.ID)
		r.metrics.ObservePieceDownload(kind, false)
		log.WithFields(fields).WithField("piece", ref.String()).Warnf("Failed to download piece: %v", err)
		return nil, err
	}

	r.nodes.RecordSuccess(node.ID)
	if want != "" && checksum.Of(data) != want {
		r.metrics.ObservePieceDownload(kind, false)
		log.WithFields(fields).WithField("piece", ref.String()).Warn("Piece failed checksum verification")
		return nil, fmt.Errorf("%s: %w", ref, errChecksumMismatch)
	}

	r.metrics.ObservePieceDownload(kind, true)
	return data, nil
}

func (r *Retriever) download(ctx context.Context, node domain.Node, ref objectstore.PieceRef) ([]byte, error) {
	agent, err := r.agents.Agent(node.Address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.nodeTimeout)
	defer cancel()

	rc, err := agent.Download(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func pieceStatus(err error) (domain.PieceStatus, bool) {
	switch {
	case errors.Is(err, objectstore.ErrPieceNotFound):
		return domain.PieceMissing, true
	case errors.Is(err, errChecksumMismatch):
		return domain.PieceCorrupted, true
	default:
		return "", false
	}
}
