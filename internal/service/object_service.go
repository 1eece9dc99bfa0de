package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zstore-cluster/internal/domain"
	zerrors "github.com/zzenonn/zstore-cluster/internal/errors"
	"github.com/zzenonn/zstore-cluster/internal/ingest"
	"github.com/zzenonn/zstore-cluster/internal/logging"
	"github.com/zzenonn/zstore-cluster/internal/metrics"
	"github.com/zzenonn/zstore-cluster/internal/placement"
	"github.com/zzenonn/zstore-cluster/internal/repository/objectstore"
	"github.com/zzenonn/zstore-cluster/internal/retrieval"
)

const maxKeyLength = 1024

// Ingester reads an upload stream into checksummed chunks.
type Ingester interface {
	Process(ctx context.Context, r io.Reader, key, claimedContentType, filename string) (*ingest.Processed, error)
}

// Placer writes an ingested object to storage nodes.
type Placer interface {
	Place(ctx context.Context, objectID string, strategy domain.Strategy, processed *ingest.Processed) (placement.Placement, error)
}

// Reader streams a stored object back from its pieces.
type Reader interface {
	ReadReplicated(ctx context.Context, w io.Writer, objectID string, replicas []domain.Replica) (retrieval.Report, error)
	ReadErasureCoded(ctx context.Context, w io.Writer, obj domain.Object, chunks []domain.Chunk, shards []domain.Shard) (retrieval.Report, error)
}

// NodeLookup resolves node ids to their last known record.
type NodeLookup interface {
	Get(id string) (domain.Node, bool)
}

// AgentProvider resolves a node address to its storage agent.
type AgentProvider interface {
	Agent(address string) (objectstore.NodeAgent, error)
}

// ObjectServiceConfig holds the upload policy of the object service.
type ObjectServiceConfig struct {
	SmallObjectThreshold      int64
	RejectDangerousMismatches bool
}

// ObjectSummary is returned after a successful upload.
type ObjectSummary struct {
	ID          string          `json:"id"`
	Bucket      string          `json:"bucket"`
	Key         string          `json:"key"`
	Size        int64           `json:"size"`
	Checksum    string          `json:"checksum"`
	ContentType string          `json:"content_type"`
	Strategy    domain.Strategy `json:"strategy"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PieceDetail is the recorded state of one shard or replica.
type PieceDetail struct {
	ID         string             `json:"id"`
	NodeID     string             `json:"node_id"`
	ChunkIndex int                `json:"chunk_index"`
	Index      int                `json:"index"`
	Status     domain.PieceStatus `json:"status"`
}

// ObjectStatusReport summarises the redundancy of an object.
type ObjectStatusReport struct {
	ObjectID  string              `json:"object_id"`
	Status    domain.ObjectStatus `json:"status"`
	Strategy  domain.Strategy     `json:"strategy"`
	Chunks    int                 `json:"chunks"`
	Total     int                 `json:"total"`
	Healthy   int                 `json:"healthy"`
	Missing   int                 `json:"missing"`
	Corrupted int                 `json:"corrupted"`
	Pieces    []PieceDetail       `json:"pieces"`
}

// ObjectService ties ingestion, placement, retrieval and the catalog together.
type ObjectService struct {
	catalog  Catalog
	ingester Ingester
	placer   Placer
	reader   Reader
	nodes    NodeLookup
	agents   AgentProvider
	cfg      ObjectServiceConfig
	metrics  *metrics.Metrics
}

// NewObjectService creates a new ObjectService instance
func NewObjectService(catalog Catalog, ingester Ingester, placer Placer, reader Reader, nodes NodeLookup, agents AgentProvider, cfg ObjectServiceConfig, m *metrics.Metrics) *ObjectService {
	return &ObjectService{
		catalog:  catalog,
		ingester: ingester,
		placer:   placer,
		reader:   reader,
		nodes:    nodes,
		agents:   agents,
		cfg:      cfg,
		metrics:  m,
	}
}

// ValidateKey rejects blank keys, keys over 1024 bytes and keys containing NUL.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" || len(key) > maxKeyLength || strings.ContainsRune(key, 0) {
		return zerrors.New(zerrors.CodeInvalidKey, "Invalid object key")
	}
	return nil
}

// UploadObject stores r under bucket/key, replacing any previous object with that key.
func (s *ObjectService) UploadObject(ctx context.Context, bucketName, key string, r io.Reader, contentType, filename string) (ObjectSummary, error) {
	started := time.Now()

	bucket, err := s.catalog.GetBucketByName(ctx, bucketName)
	if err != nil {
		return ObjectSummary{}, err
	}
	if err := ValidateKey(key); err != nil {
		return ObjectSummary{}, err
	}

	processed, err := s.ingester.Process(ctx, r, key, contentType, filename)
	if err != nil {
		return ObjectSummary{}, err
	}

	content := processed.Content
	if s.cfg.RejectDangerousMismatches && content.IsDangerousMismatch {
		return ObjectSummary{}, zerrors.New(zerrors.CodeDangerousContentType,
			"Dangerous content type mismatch detected. Claimed: %s, Detected: %s",
			content.ClaimedContentType, content.DetectedContentType)
	}

	existing, err := s.catalog.GetObjectByKey(ctx, bucket.ID, key)
	switch {
	case err == nil:
		log.WithFields(log.Fields{"object_id": existing.ID, "key": key}).Info("Replacing existing object")
		if err := s.deleteObject(ctx, existing); err != nil {
			return ObjectSummary{}, err
		}
	case !errors.Is(err, zerrors.ErrObjectNotFound):
		return ObjectSummary{}, err
	}

	strategy := ingest.ChooseStrategy(processed.Size, s.cfg.SmallObjectThreshold)
	now := time.Now().UTC()
	obj := domain.Object{
		ID:                  placement.NewID(),
		BucketID:            bucket.ID,
		BucketName:          bucket.Name,
		Key:                 key,
		Size:                processed.Size,
		Checksum:            processed.Checksum,
		ContentType:         content.ContentType,
		DetectedContentType: content.DetectedContentType,
		ClaimedContentType:  content.ClaimedContentType,
		DetectedExtension:   content.DetectedExtension,
		OriginalFilename:    filename,
		Strategy:            strategy,
		ChunkCount:          len(processed.Chunks),
		Status:              domain.ObjectUploading,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.catalog.CreateObject(ctx, obj); err != nil {
		return ObjectSummary{}, err
	}

	if _, err := s.placer.Place(ctx, obj.ID, strategy, processed); err != nil {
		log.WithFields(log.Fields{"object_id": obj.ID, "key": key}).Errorf("Upload failed: %v", err)
		s.setStatus(context.WithoutCancel(ctx), obj, domain.ObjectFailed)
		s.metrics.ObserveUpload(string(strategy), false, started)
		return ObjectSummary{}, err
	}

	if err := s.setStatus(ctx, obj, domain.ObjectHealthy); err != nil {
		s.metrics.ObserveUpload(string(strategy), false, started)
		return ObjectSummary{}, err
	}
	s.metrics.ObserveUpload(string(strategy), true, started)

	log.WithFields(log.Fields{
		"object_id": obj.ID,
		"bucket":    bucket.Name,
		"key":       key,
		"size":      obj.Size,
		"strategy":  strategy,
		"elapsed":   time.Since(started),
	}).Info("Object uploaded")

	return ObjectSummary{
		ID:          obj.ID,
		Bucket:      bucket.Name,
		Key:         key,
		Size:        obj.Size,
		Checksum:    obj.Checksum,
		ContentType: obj.ContentType,
		Strategy:    strategy,
		CreatedAt:   obj.CreatedAt,
	}, nil
}

func (s *ObjectService) setStatus(ctx context.Context, obj domain.Object, status domain.ObjectStatus) error {
	obj.Status = status
	obj.UpdatedAt = time.Now().UTC()
	if err := s.catalog.UpdateObject(ctx, obj); err != nil {
		log.WithField("object_id", obj.ID).Errorf("Failed to mark object %s: %v", status, err)
		return err
	}
	return nil
}

func (s *ObjectService) lookup(ctx context.Context, bucketName, key string) (domain.Object, error) {
	bucket, err := s.catalog.GetBucketByName(ctx, bucketName)
	if err != nil {
		return domain.Object{}, err
	}
	obj, err := s.catalog.GetObjectByKey(ctx, bucket.ID, key)
	if errors.Is(err, zerrors.ErrObjectNotFound) {
		return domain.Object{}, zerrors.Wrap(zerrors.CodeObjectNotFound, err,
			"Object '%s' not found in bucket '%s'", key, bucketName)
	}
	return obj, err
}

// DownloadObject streams the object body. Catalog lookups happen before it returns;
// node and decode failures surface as the reader's error.
func (s *ObjectService) DownloadObject(ctx context.Context, bucketName, key string) (io.ReadCloser, domain.Object, error) {
	obj, err := s.lookup(ctx, bucketName, key)
	if err != nil {
		return nil, domain.Object{}, err
	}
	if obj.Status == domain.ObjectUploading || obj.Status == domain.ObjectFailed {
		return nil, domain.Object{}, zerrors.New(zerrors.CodeDownloadFailed,
			"Object '%s' in bucket '%s' is %s", key, bucketName, obj.Status)
	}

	var read func(w io.Writer) (retrieval.Report, error)
	if obj.Strategy == domain.StrategyReplicated {
		replicas, err := s.catalog.ListReplicas(ctx, obj.ID)
		if err != nil {
			return nil, domain.Object{}, err
		}
		read = func(w io.Writer) (retrieval.Report, error) {
			return s.reader.ReadReplicated(ctx, w, obj.ID, replicas)
		}
	} else {
		chunks, err := s.catalog.ListChunks(ctx, obj.ID)
		if err != nil {
			return nil, domain.Object{}, err
		}
		shards, err := s.catalog.ListShards(ctx, obj.ID)
		if err != nil {
			return nil, domain.Object{}, err
		}
		read = func(w io.Writer) (retrieval.Report, error) {
			return s.reader.ReadErasureCoded(ctx, w, obj, chunks, shards)
		}
	}

	pr, pw := io.Pipe()
	go func() {
		report, err := read(pw)
		s.metrics.ObserveDownload(string(obj.Strategy), err == nil)
		if report.Degraded() {
			s.recordDegraded(context.WithoutCancel(ctx), obj, report)
		}
		if err != nil {
			log.WithFields(log.Fields{"object_id": obj.ID, "key": key}).Errorf("Download failed: %v", err)
		}
		pw.CloseWithError(err)
	}()

	return pr, obj, nil
}

// recordDegraded persists the piece states found by a read and marks the object degraded.
func (s *ObjectService) recordDegraded(ctx context.Context, obj domain.Object, report retrieval.Report) {
	fields := log.Fields{"object_id": obj.ID}

	if obj.Strategy == domain.StrategyReplicated {
		for _, p := range report.Pieces {
			replica := domain.Replica{ID: p.PieceID, ObjectID: obj.ID, NodeID: p.NodeID, Status: p.Status}
			if err := s.catalog.UpdateReplicaStatus(ctx, replica); err != nil {
				log.WithFields(fields).Warnf("Failed to record replica %s as %s: %v", p.PieceID, p.Status, err)
			}
		}
	} else {
		shards, err := s.catalog.ListShards(ctx, obj.ID)
		if err != nil {
			log.WithFields(fields).Warnf("Failed to load shards: %v", err)
			return
		}
		byID := make(map[string]domain.Shard, len(shards))
		for _, sh := range shards {
			byID[sh.ID] = sh
		}
		for _, p := range report.Pieces {
			shard, ok := byID[p.PieceID]
			if !ok {
				continue
			}
			shard.Status = p.Status
			if err := s.catalog.UpdateShardStatus(ctx, shard); err != nil {
				log.WithFields(fields).Warnf("Failed to record shard %s as %s: %v", p.PieceID, p.Status, err)
			}
		}
	}

	current, err := s.catalog.GetObject(ctx, obj.ID)
	if err != nil || current.Status != domain.ObjectHealthy {
		return
	}
	if err := s.setStatus(ctx, current, domain.ObjectDegraded); err == nil {
		log.WithFields(fields).Warnf("Object degraded: %d pieces missing or corrupted", len(report.Pieces))
	}
}

// DeleteObject removes the object from every node holding its pieces and then from the catalog.
func (s *ObjectService) DeleteObject(ctx context.Context, bucketName, key string) error {
	obj, err := s.lookup(ctx, bucketName, key)
	if err != nil {
		return err
	}
	return s.deleteObject(ctx, obj)
}

func (s *ObjectService) deleteObject(ctx context.Context, obj domain.Object) error {
	nodeIDs, err := s.pieceNodes(ctx, obj)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, id := range nodeIDs {
		node, ok := s.nodes.Get(id)
		if !ok {
			log.WithFields(log.Fields{"object_id": obj.ID, "node_id": id}).Warn("Node no longer registered, skipping piece deletion")
			continue
		}
		wg.Add(1)
		go func(node domain.Node) {
			defer wg.Done()
			fields := logging.NodeFields(node.ID, node.Address)
			fields["object_id"] = obj.ID

			agent, err := s.agents.Agent(node.Address)
			if err != nil {
				log.WithFields(fields).Warnf("Failed to delete pieces: %v", err)
				return
			}
			deleted, err := agent.Delete(ctx, obj.ID)
			if err != nil {
				log.WithFields(fields).Warnf("Failed to delete pieces: %v", err)
				return
			}
			log.WithFields(fields).Debugf("Deleted %d pieces", deleted)
		}(node)
	}
	wg.Wait()

	if err := s.catalog.DeleteObject(ctx, obj); err != nil {
		return err
	}
	log.WithFields(log.Fields{"object_id": obj.ID, "key": obj.Key}).Info("Object deleted")
	return nil
}

// pieceNodes returns the distinct nodes holding pieces of obj, in first seen order.
func (s *ObjectService) pieceNodes(ctx context.Context, obj domain.Object) ([]string, error) {
	var ids []string
	seen := make(map[string]struct{})
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	if obj.Strategy == domain.StrategyReplicated {
		replicas, err := s.catalog.ListReplicas(ctx, obj.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range replicas {
			add(r.NodeID)
		}
		return ids, nil
	}

	shards, err := s.catalog.ListShards(ctx, obj.ID)
	if err != nil {
		return nil, err
	}
	for _, sh := range shards {
		add(sh.NodeID)
	}
	return ids, nil
}

// GetObjectInfo returns the catalog record of bucket/key.
func (s *ObjectService) GetObjectInfo(ctx context.Context, bucketName, key string) (domain.Object, error) {
	return s.lookup(ctx, bucketName, key)
}

// ListObjects returns the objects of a bucket ordered by key.
func (s *ObjectService) ListObjects(ctx context.Context, bucketName string) ([]domain.Object, error) {
	bucket, err := s.catalog.GetBucketByName(ctx, bucketName)
	if err != nil {
		return nil, err
	}
	return s.catalog.ListObjects(ctx, bucket.ID)
}

// GetObjectStatus counts the object's pieces by recorded status.
func (s *ObjectService) GetObjectStatus(ctx context.Context, id string) (ObjectStatusReport, error) {
	obj, err := s.catalog.GetObject(ctx, id)
	if err != nil {
		return ObjectStatusReport{}, err
	}

	report := ObjectStatusReport{
		ObjectID: obj.ID,
		Status:   obj.Status,
		Strategy: obj.Strategy,
		Chunks:   obj.ChunkCount,
	}

	if obj.Strategy == domain.StrategyReplicated {
		replicas, err := s.catalog.ListReplicas(ctx, id)
		if err != nil {
			return ObjectStatusReport{}, err
		}
		for _, r := range replicas {
			report.add(PieceDetail{ID: r.ID, NodeID: r.NodeID, Status: r.Status})
		}
		return report, nil
	}

	shards, err := s.catalog.ListShards(ctx, id)
	if err != nil {
		return ObjectStatusReport{}, err
	}
	for _, sh := range shards {
		report.add(PieceDetail{ID: sh.ID, NodeID: sh.NodeID, ChunkIndex: sh.ChunkIndex, Index: sh.Index, Status: sh.Status})
	}
	return report, nil
}

func (r *ObjectStatusReport) add(p PieceDetail) {
	r.Total++
	switch p.Status {
	case domain.PieceHealthy:
		r.Healthy++
	case domain.PieceMissing:
		r.Missing++
	case domain.PieceCorrupted:
		r.Corrupted++
	}
	r.Pieces = append(r.Pieces, p)
}
