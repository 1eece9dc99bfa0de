package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zerrors "github.com/zzenonn/zstore-cluster/internal/errors"
)

func TestValidateBucketName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"abc", true},
		{"my-bucket-01", true},
		{strings.Repeat("a", 63), true},
		{"ab", false},
		{strings.Repeat("a", 64), false},
		{"My-Bucket", false},
		{"-bucket", false},
		{"bucket-", false},
		{"my--bucket", false},
		{"my_bucket", false},
		{"my.bucket", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBucketName(tt.name)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, zerrors.ErrInvalidBucketName)
		})
	}
}

func TestBucketService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t, 4)

	created, err := s.buckets.CreateBucket(ctx, "photos")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	_, err = s.buckets.CreateBucket(ctx, "photos")
	assert.ErrorIs(t, err, zerrors.ErrBucketAlreadyExists)

	_, err = s.buckets.CreateBucket(ctx, "archive")
	require.NoError(t, err)
	buckets, err := s.buckets.ListBuckets(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, "archive", buckets[0].Name)

	got, err := s.buckets.GetBucket(ctx, "photos")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = s.objects.UploadObject(ctx, "photos", "cat.txt", strings.NewReader("meow"), "", "")
	require.NoError(t, err)

	err = s.buckets.DeleteBucket(ctx, "photos")
	assert.ErrorIs(t, err, zerrors.ErrBucketNotEmpty)
	assert.EqualError(t, err, "BucketNotEmpty: Bucket 'photos' is not empty")

	require.NoError(t, s.objects.DeleteObject(ctx, "photos", "cat.txt"))
	require.NoError(t, s.buckets.DeleteBucket(ctx, "photos"))

	_, err = s.buckets.GetBucket(ctx, "photos")
	assert.ErrorIs(t, err, zerrors.ErrBucketNotFound)
	assert.ErrorIs(t, s.buckets.DeleteBucket(ctx, "photos"), zerrors.ErrBucketNotFound)
}
