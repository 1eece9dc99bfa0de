package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zstore-cluster/internal/checksum"
)

// deleteBatchSize is the DeleteObjects limit.
const deleteBatchSize = 1000

// S3Agent stores pieces as objects in one S3 bucket, optionally below a key prefix.
type S3Agent struct {
	client     *s3.Client
	uploader   *manager.Uploader
	bucketName string
	prefix     string
	address    string
}

// NewS3Agent creates an agent for bucketName. Pieces are written below prefix when it is not empty.
func NewS3Agent(client *s3.Client, bucketName, prefix string) *S3Agent {
	return &S3Agent{
		client:     client,
		uploader:   manager.NewUploader(client),
		bucketName: bucketName,
		prefix:     prefix,
		address:    "s3://" + path.Join(bucketName, prefix),
	}
}

func (a *S3Agent) Address() string {
	return a.address
}

func (a *S3Agent) key(rel string) string {
	if a.prefix == "" {
		return rel
	}
	return path.Join(a.prefix, rel)
}

// Upload streams the piece to S3 through the multipart upload manager.
func (a *S3Agent) Upload(ctx context.Context, ref PieceRef, r io.Reader) (UploadResult, error) {
	hr := checksum.NewReader(r)
	key := a.key(PiecePath(ref))

	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucketName),
		Key:    aws.String(key),
		Body:   hr,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to upload %s to s3://%s/%s: %w", ref, a.bucketName, key, err)
	}

	log.Tracef("Uploaded %d bytes to s3://%s/%s", hr.BytesRead(), a.bucketName, key)
	return UploadResult{Checksum: hr.Sum(), BytesWritten: hr.BytesRead()}, nil
}

// Download opens the stored piece for streaming.
func (a *S3Agent) Download(ctx context.Context, ref PieceRef) (io.ReadCloser, error) {
	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucketName),
		Key:    aws.String(a.key(PiecePath(ref))),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrPieceNotFound
		}
		return nil, fmt.Errorf("failed to download %s from %s: %w", ref, a.address, err)
	}
	return result.Body, nil
}

// Delete removes every piece of the object and returns how many were removed.
func (a *S3Agent) Delete(ctx context.Context, objectID string) (int, error) {
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucketName),
		Prefix: aws.String(a.key(ObjectDir(objectID)) + "/"),
	})

	var keys []types.ObjectIdentifier
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list pieces of %s on %s: %w", objectID, a.address, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, types.ObjectIdentifier{Key: obj.Key})
		}
	}

	deleted := 0
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))
		out, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(a.bucketName),
			Delete: &types.Delete{Objects: keys[start:end], Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete pieces of %s on %s: %w", objectID, a.address, err)
		}
		for _, e := range out.Errors {
			log.Warnf("Failed to delete %s from %s: %s", aws.ToString(e.Key), a.address, aws.ToString(e.Message))
		}
		deleted += end - start - len(out.Errors)
	}

	return deleted, nil
}

func (a *S3Agent) Exists(ctx context.Context, ref PieceRef) (bool, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucketName),
		Key:    aws.String(a.key(PiecePath(ref))),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Health reports the bucket reachable. S3 has no fixed capacity so space stays unknown.
func (a *S3Agent) Health(ctx context.Context) (NodeHealth, error) {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucketName)}); err != nil {
		return NodeHealth{}, fmt.Errorf("bucket %s is not reachable: %w", a.bucketName, err)
	}
	return NodeHealth{Healthy: true}, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
