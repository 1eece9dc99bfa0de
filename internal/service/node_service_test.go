package service

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	taggingtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zstore-cluster/internal/domain"
	zerrors "github.com/zzenonn/zstore-cluster/internal/errors"
	"github.com/zzenonn/zstore-cluster/internal/registry"
	"github.com/zzenonn/zstore-cluster/internal/repository/memory"
)

// fakeTagging serves canned GetResources pages in order.
type fakeTagging struct {
	pages []*resourcegroupstaggingapi.GetResourcesOutput
	calls []*resourcegroupstaggingapi.GetResourcesInput
}

func (f *fakeTagging) GetResources(_ context.Context, in *resourcegroupstaggingapi.GetResourcesInput, _ ...func(*resourcegroupstaggingapi.Options)) (*resourcegroupstaggingapi.GetResourcesOutput, error) {
	f.calls = append(f.calls, in)
	page := f.pages[len(f.calls)-1]
	return page, nil
}

func tagged(bucketARN, tagKey, tagValue string) taggingtypes.ResourceTagMapping {
	return taggingtypes.ResourceTagMapping{
		ResourceARN: aws.String(bucketARN),
		Tags:        []taggingtypes.Tag{{Key: aws.String(tagKey), Value: aws.String(tagValue)}},
	}
}

func TestRegisterNode_Validation(t *testing.T) {
	s := newTestStack(t, 0)
	long := strings.Repeat("n", 256)

	tests := []struct {
		name    string
		node    string
		address string
	}{
		{"blank name", "  ", "s3://bucket"},
		{"long name", long, "s3://bucket"},
		{"blank address", "n1", ""},
		{"long address", "n1", "s3://" + long},
		{"unsupported scheme", "n1", "ftp://host/dir"},
		{"relative file path", "n1", "file://relative/dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.nodeSvc.RegisterNode(context.Background(), tt.node, tt.address)
			assert.ErrorIs(t, err, zerrors.ErrInvalidNode)
		})
	}

	nodes, err := s.nodeSvc.ListNodes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestRegisterNode_NormalizesAddress(t *testing.T) {
	s := newTestStack(t, 0)

	node, err := s.nodeSvc.RegisterNode(context.Background(), "east", "s3:east-bucket")
	require.NoError(t, err)
	assert.Equal(t, "s3://east-bucket", node.Address)
	assert.True(t, node.IsHealthy)

	cached, ok := s.registry.Get(node.ID)
	require.True(t, ok)
	assert.Equal(t, node.Address, cached.Address)

	stored, err := s.nodeSvc.GetNode(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, "east", stored.Name)
}

func TestUnregisterNode_WithDataIsMarkedUnhealthy(t *testing.T) {
	ctx := context.Background()
	s := newStackWithBucket(t, 4)

	_, err := s.objects.UploadObject(ctx, "docs", "k", strings.NewReader("kept on every node"), "", "")
	require.NoError(t, err)

	id := s.nodes[0].node.ID
	err = s.nodeSvc.UnregisterNode(ctx, id)
	assert.ErrorIs(t, err, zerrors.ErrNodeHasData)
	assert.EqualError(t, err, "NodeHasData: Node has data stored on it. Node marked as unhealthy but not deleted.")

	stored, err := s.nodeSvc.GetNode(ctx, id)
	require.NoError(t, err)
	assert.False(t, stored.IsHealthy)

	cached, ok := s.registry.Get(id)
	require.True(t, ok)
	assert.False(t, cached.IsHealthy)
	assert.Len(t, s.registry.ListHealthy(), 3)
}

func TestUnregisterNode_Empty(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t, 2)
	id := s.nodes[1].node.ID

	require.NoError(t, s.nodeSvc.UnregisterNode(ctx, id))

	_, ok := s.registry.Get(id)
	assert.False(t, ok)
	_, err := s.nodeSvc.GetNode(ctx, id)
	assert.ErrorIs(t, err, zerrors.ErrNodeNotFound)
	assert.ErrorIs(t, s.nodeSvc.UnregisterNode(ctx, id), zerrors.ErrNodeNotFound)
}

func TestLoadRegistry(t *testing.T) {
	ctx := context.Background()
	catalog := memory.NewCatalog()
	require.NoError(t, catalog.CreateNode(ctx, domain.Node{ID: "n1", Name: "a", Address: "s3://a"}))
	require.NoError(t, catalog.CreateNode(ctx, domain.Node{ID: "n2", Name: "b", Address: "s3://b", ConsecutiveFailures: 5}))

	reg := registry.New(3)
	reg.Upsert(domain.Node{ID: "stale"})
	svc := NewNodeService(catalog, reg, nil, "")

	nodes, err := svc.LoadRegistry(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	_, ok := reg.Get("stale")
	assert.False(t, ok)
	healthy := reg.ListHealthy()
	require.Len(t, healthy, 1)
	assert.Equal(t, "n1", healthy[0].ID)
}

func TestDiscoverNodes(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t, 0)
	_, err := s.nodeSvc.RegisterNode(ctx, "known", "s3://known-bucket")
	require.NoError(t, err)

	tagging := &fakeTagging{pages: []*resourcegroupstaggingapi.GetResourcesOutput{
		{
			ResourceTagMappingList: []taggingtypes.ResourceTagMapping{
				tagged("arn:aws:s3:::known-bucket", "zstore:node", "known"),
				tagged("arn:aws:s3:::fresh-bucket", "zstore:node", "fresh"),
			},
			PaginationToken: aws.String("next"),
		},
		{
			ResourceTagMappingList: []taggingtypes.ResourceTagMapping{
				tagged("arn:aws:s3:::unnamed-bucket", "zstore:node", ""),
				tagged("arn:aws:ec2:us-east-1:123456789012:instance/i-1", "zstore:node", "vm"),
			},
		},
	}}
	s.nodeSvc.tagging = tagging

	found, err := s.nodeSvc.DiscoverNodes(ctx)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "fresh", found[0].Name)
	assert.Equal(t, "s3://fresh-bucket", found[0].Address)
	assert.Equal(t, "unnamed-bucket", found[1].Name)

	require.Len(t, tagging.calls, 2)
	assert.Equal(t, []string{"s3"}, tagging.calls[0].ResourceTypeFilters)
	assert.Equal(t, "zstore:node", aws.ToString(tagging.calls[0].TagFilters[0].Key))
	assert.Equal(t, "next", aws.ToString(tagging.calls[1].PaginationToken))

	all, err := s.nodeSvc.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDiscoverNodes_NotConfigured(t *testing.T) {
	s := newTestStack(t, 0)
	_, err := s.nodeSvc.DiscoverNodes(context.Background())
	assert.Error(t, err)
}
