package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeObjectNotFound, "Object '%s' not found", "a.txt")

	assert.True(t, errors.Is(err, ErrObjectNotFound))
	assert.False(t, errors.Is(err, ErrBucketNotFound))
	assert.True(t, errors.Is(fmt.Errorf("lookup: %w", err), ErrObjectNotFound), "match survives wrapping")
	assert.False(t, errors.Is(errors.New("Object not found"), ErrObjectNotFound))
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(CodeDownloadFailed, context.DeadlineExceeded, "Failed to decode chunk %d", 3)

	assert.Equal(t, "DownloadFailed: Failed to decode chunk 3", err.Error())
	assert.True(t, errors.Is(err, ErrDownloadFailed))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestErrorWithoutMessage(t *testing.T) {
	assert.Equal(t, "NodeHasData", ErrNodeHasData.Error())
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"coded", New(CodeInvalidKey, "bad"), CodeInvalidKey},
		{"wrapped", fmt.Errorf("upload: %w", New(CodeUploadFailed, "no replicas")), CodeUploadFailed},
		{"sentinel", ErrNoHealthyNodes, CodeNoHealthyNodes},
		{"foreign", errors.New("boom"), CodeInternalError},
		{"nil", nil, CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}
