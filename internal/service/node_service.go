package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	taggingtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zstore-cluster/internal/domain"
	zerrors "github.com/zzenonn/zstore-cluster/internal/errors"
	"github.com/zzenonn/zstore-cluster/internal/placement"
	"github.com/zzenonn/zstore-cluster/internal/repository/objectstore"
)

const maxNodeFieldLength = 255

// NodeRegistry is the in-memory view of nodes kept in step with the catalog.
type NodeRegistry interface {
	ReplaceAll(nodes []domain.Node)
	Upsert(node domain.Node)
	Remove(id string) bool
	MaxConsecutiveFailures() int
}

// NodeService registers and removes storage nodes.
type NodeService struct {
	repo     NodeRepository
	registry NodeRegistry
	tagging  resourcegroupstaggingapi.GetResourcesAPIClient
	tagKey   string
}

// NewNodeService creates a new NodeService. tagging may be nil when discovery is not used.
func NewNodeService(repo NodeRepository, registry NodeRegistry, tagging resourcegroupstaggingapi.GetResourcesAPIClient, tagKey string) *NodeService {
	return &NodeService{
		repo:     repo,
		registry: registry,
		tagging:  tagging,
		tagKey:   tagKey,
	}
}

func validateNodeField(value, field string) error {
	if strings.TrimSpace(value) == "" || len(value) > maxNodeFieldLength {
		return zerrors.New(zerrors.CodeInvalidNode, "Invalid node %s", field)
	}
	return nil
}

// RegisterNode adds a node. It starts healthy with unknown capacity until the first probe.
func (s *NodeService) RegisterNode(ctx context.Context, name, address string) (domain.Node, error) {
	if err := validateNodeField(name, "name"); err != nil {
		return domain.Node{}, err
	}
	if err := validateNodeField(address, "address"); err != nil {
		return domain.Node{}, err
	}
	parsed, err := objectstore.ParseNodeAddress(address)
	if err != nil {
		return domain.Node{}, zerrors.Wrap(zerrors.CodeInvalidNode, err, "Invalid node address '%s'", address)
	}

	now := time.Now().UTC()
	node := domain.Node{
		ID:        placement.NewID(),
		Name:      strings.TrimSpace(name),
		Address:   parsed.String(),
		IsHealthy: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateNode(ctx, node); err != nil {
		return domain.Node{}, err
	}
	s.registry.Upsert(node)

	log.WithFields(log.Fields{
		"node_id": node.ID,
		"name":    node.Name,
		"address": node.Address,
	}).Info("Node registered")
	return node, nil
}

// GetNode fetches a node by id
func (s *NodeService) GetNode(ctx context.Context, id string) (domain.Node, error) {
	return s.repo.GetNode(ctx, id)
}

// ListNodes returns every registered node ordered by name
func (s *NodeService) ListNodes(ctx context.Context) ([]domain.Node, error) {
	return s.repo.ListNodes(ctx)
}

// UnregisterNode deletes a node that holds no pieces. A node that still holds pieces is
// kept, marked unhealthy so nothing new is placed on it, and NodeHasData is returned.
func (s *NodeService) UnregisterNode(ctx context.Context, id string) error {
	node, err := s.repo.GetNode(ctx, id)
	if err != nil {
		return err
	}

	hasPieces, err := s.repo.NodeHasPieces(ctx, id)
	if err != nil {
		return err
	}

	if hasPieces {
		node.IsHealthy = false
		node.ConsecutiveFailures = max(node.ConsecutiveFailures, s.registry.MaxConsecutiveFailures())
		node.UpdatedAt = time.Now().UTC()
		if err := s.repo.UpdateNodeHealth(ctx, node); err != nil {
			return err
		}
		s.registry.Upsert(node)
		return zerrors.New(zerrors.CodeNodeHasData,
			"Node has data stored on it. Node marked as unhealthy but not deleted.")
	}

	if err := s.repo.DeleteNode(ctx, id); err != nil {
		return err
	}
	s.registry.Remove(id)

	log.WithField("node_id", id).Info("Node unregistered")
	return nil
}

// LoadRegistry replaces the registry contents with the nodes stored in the catalog.
func (s *NodeService) LoadRegistry(ctx context.Context) ([]domain.Node, error) {
	nodes, err := s.repo.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}
	s.registry.ReplaceAll(nodes)
	log.Debugf("Loaded %d nodes into the registry", len(nodes))
	return nodes, nil
}

// DiscoverNodes registers every S3 bucket carrying the discovery tag that is not yet a node.
// The tag value is used as the node name, falling back to the bucket name.
func (s *NodeService) DiscoverNodes(ctx context.Context) ([]domain.Node, error) {
	if s.tagging == nil {
		return nil, fmt.Errorf("node discovery is not configured")
	}

	existing, err := s.repo.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(existing))
	for _, n := range existing {
		known[n.Address] = struct{}{}
	}

	paginator := resourcegroupstaggingapi.NewGetResourcesPaginator(s.tagging, &resourcegroupstaggingapi.GetResourcesInput{
		ResourceTypeFilters: []string{"s3"},
		TagFilters: []taggingtypes.TagFilter{
			{Key: aws.String(s.tagKey)},
		},
	})

	var registered []domain.Node
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return registered, fmt.Errorf("failed to list tagged resources: %w", err)
		}

		for _, mapping := range page.ResourceTagMappingList {
			bucket, err := bucketFromARN(aws.ToString(mapping.ResourceARN))
			if err != nil {
				log.Warnf("Skipping tagged resource: %v", err)
				continue
			}
			address := "s3://" + bucket
			if _, ok := known[address]; ok {
				continue
			}

			name := bucket
			for _, tag := range mapping.Tags {
				if aws.ToString(tag.Key) == s.tagKey && aws.ToString(tag.Value) != "" {
					name = aws.ToString(tag.Value)
				}
			}

			node, err := s.RegisterNode(ctx, name, address)
			if err != nil {
				return registered, err
			}
			known[address] = struct{}{}
			registered = append(registered, node)
		}
	}

	log.Infof("Discovered %d new nodes tagged %s", len(registered), s.tagKey)
	return registered, nil
}

// bucketFromARN extracts the bucket from "arn:aws:s3:::bucket".
func bucketFromARN(raw string) (string, error) {
	parsed, err := arn.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Service != "s3" || parsed.Resource == "" || strings.Contains(parsed.Resource, "/") {
		return "", fmt.Errorf("not an s3 bucket: %s", raw)
	}
	return parsed.Resource, nil
}
