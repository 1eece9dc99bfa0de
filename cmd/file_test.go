package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObjectURL(t *testing.T) {
	tests := []struct {
		raw    string
		bucket string
		key    string
		ok     bool
	}{
		{"zs://docs/report.pdf", "docs", "report.pdf", true},
		{"zs://docs/2024/q1/report.pdf", "docs", "2024/q1/report.pdf", true},
		{"zs://docs", "docs", "", true},
		{"zs://docs/", "docs", "", true},
		{"s3://docs/report.pdf", "", "", false},
		{"zs:///report.pdf", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			bucket, key, err := parseObjectURL(tt.raw)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "-", formatBytes(0))
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 GiB", formatBytes(2<<30))
}
