package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"

	"github.com/zzenonn/zstore-cluster/internal/checksum"
)

// GCSAgent stores pieces as objects in one Google Cloud Storage bucket.
type GCSAgent struct {
	client     *storage.Client
	bucketName string
	prefix     string
	address    string
}

func NewGCSAgent(client *storage.Client, bucketName, prefix string) *GCSAgent {
	return &GCSAgent{
		client:     client,
		bucketName: bucketName,
		prefix:     prefix,
		address:    "gs://" + path.Join(bucketName, prefix),
	}
}

func (a *GCSAgent) Address() string {
	return a.address
}

func (a *GCSAgent) object(rel string) *storage.ObjectHandle {
	name := rel
	if a.prefix != "" {
		name = path.Join(a.prefix, rel)
	}
	return a.client.Bucket(a.bucketName).Object(name)
}

// Upload streams the piece into a GCS object writer.
func (a *GCSAgent) Upload(ctx context.Context, ref PieceRef, r io.Reader) (UploadResult, error) {
	hr := checksum.NewReader(r)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := a.object(PiecePath(ref)).NewWriter(ctx)
	if _, err := io.Copy(writer, hr); err != nil {
		// Cancelling before Close aborts the upload.
		cancel()
		writer.Close()
		return UploadResult{}, fmt.Errorf("failed to upload %s to %s: %w", ref, a.address, err)
	}
	if err := writer.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("failed to finalize %s on %s: %w", ref, a.address, err)
	}

	return UploadResult{Checksum: hr.Sum(), BytesWritten: hr.BytesRead()}, nil
}

func (a *GCSAgent) Download(ctx context.Context, ref PieceRef) (io.ReadCloser, error) {
	reader, err := a.object(PiecePath(ref)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrPieceNotFound
		}
		return nil, fmt.Errorf("failed to download %s from %s: %w", ref, a.address, err)
	}
	return reader, nil
}

// Delete removes every object below the object's directory.
func (a *GCSAgent) Delete(ctx context.Context, objectID string) (int, error) {
	bucket := a.client.Bucket(a.bucketName)
	prefix := ObjectDir(objectID) + "/"
	if a.prefix != "" {
		prefix = path.Join(a.prefix, prefix) + "/"
	}

	it := bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	deleted := 0
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to list pieces of %s on %s: %w", objectID, a.address, err)
		}

		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			log.Warnf("Failed to delete object %s: %v", attrs.Name, err)
			continue
		}
		deleted++
	}

	return deleted, nil
}

func (a *GCSAgent) Exists(ctx context.Context, ref PieceRef) (bool, error) {
	_, err := a.object(PiecePath(ref)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Health reports the bucket reachable. Capacity is unknown for GCS buckets.
func (a *GCSAgent) Health(ctx context.Context) (NodeHealth, error) {
	if _, err := a.client.Bucket(a.bucketName).Attrs(ctx); err != nil {
		return NodeHealth{}, fmt.Errorf("bucket %s is not reachable: %w", a.bucketName, err)
	}
	return NodeHealth{Healthy: true}, nil
}
