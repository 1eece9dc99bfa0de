package service

import (
	"context"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zstore-cluster/internal/domain"
	zerrors "github.com/zzenonn/zstore-cluster/internal/errors"
	"github.com/zzenonn/zstore-cluster/internal/placement"
)

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

// BucketService manages bucket namespaces.
type BucketService struct {
	buckets BucketRepository
	objects ObjectRepository
}

// NewBucketService creates a new BucketService instance
func NewBucketService(buckets BucketRepository, objects ObjectRepository) *BucketService {
	return &BucketService{
		buckets: buckets,
		objects: objects,
	}
}

// ValidateBucketName accepts 3-63 lowercase alphanumerics and single hyphens,
// starting and ending with an alphanumeric.
func ValidateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 || !bucketNamePattern.MatchString(name) || strings.Contains(name, "--") {
		return zerrors.New(zerrors.CodeInvalidBucketName,
			"Bucket name must be 3-63 characters, lowercase alphanumeric + hyphens, no consecutive hyphens")
	}
	return nil
}

// CreateBucket registers a new bucket
func (s *BucketService) CreateBucket(ctx context.Context, name string) (domain.Bucket, error) {
	if err := ValidateBucketName(name); err != nil {
		return domain.Bucket{}, err
	}

	now := time.Now().UTC()
	bucket := domain.Bucket{
		ID:        placement.NewID(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.buckets.CreateBucket(ctx, bucket); err != nil {
		return domain.Bucket{}, err
	}

	log.WithField("bucket", name).Info("Bucket created")
	return bucket, nil
}

// GetBucket fetches a bucket by name
func (s *BucketService) GetBucket(ctx context.Context, name string) (domain.Bucket, error) {
	return s.buckets.GetBucketByName(ctx, name)
}

// ListBuckets returns every bucket ordered by name
func (s *BucketService) ListBuckets(ctx context.Context) ([]domain.Bucket, error) {
	return s.buckets.ListBuckets(ctx)
}

// DeleteBucket removes an empty bucket
func (s *BucketService) DeleteBucket(ctx context.Context, name string) error {
	bucket, err := s.buckets.GetBucketByName(ctx, name)
	if err != nil {
		return err
	}

	objects, err := s.objects.ListObjects(ctx, bucket.ID)
	if err != nil {
		return err
	}
	if len(objects) > 0 {
		return zerrors.New(zerrors.CodeBucketNotEmpty, "Bucket '%s' is not empty", name)
	}

	if err := s.buckets.DeleteBucket(ctx, bucket); err != nil {
		return err
	}
	log.WithField("bucket", name).Info("Bucket deleted")
	return nil
}
