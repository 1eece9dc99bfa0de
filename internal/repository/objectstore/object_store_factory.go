package objectstore

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AgentType represents the kind of storage behind a node address
type AgentType string

const (
	S3Type    AgentType = "s3"
	GCSType   AgentType = "gcs"
	LocalType AgentType = "file"
)

// NodeAddress is a parsed node address
type NodeAddress struct {
	Type     AgentType
	Location string // bucket name or absolute directory
	Prefix   string // key prefix inside the bucket, if any
}

func (a NodeAddress) String() string {
	switch a.Type {
	case S3Type:
		return "s3://" + path.Join(a.Location, a.Prefix)
	case GCSType:
		return "gs://" + path.Join(a.Location, a.Prefix)
	default:
		return "file://" + a.Location
	}
}

// ParseNodeAddress parses a node address.
// Formats: "s3://bucket[/prefix]", "gs://bucket[/prefix]", "file:///abs/dir",
// "s3:bucket", "gcs:bucket" or a bare "bucket-name" (defaults to S3)
func ParseNodeAddress(addr string) (NodeAddress, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return NodeAddress{}, fmt.Errorf("node address cannot be empty")
	}

	// Handle URI format (s3://, gs://, file://)
	if strings.Contains(addr, "://") {
		parts := strings.SplitN(addr, "://", 2)
		scheme := strings.ToLower(strings.TrimSpace(parts[0]))
		rest := strings.TrimSpace(parts[1])

		if scheme == "file" {
			if !strings.HasPrefix(rest, "/") {
				return NodeAddress{}, fmt.Errorf("file address must be absolute: %s", addr)
			}
			return NodeAddress{Type: LocalType, Location: path.Clean(rest)}, nil
		}

		bucketName, prefix, _ := strings.Cut(strings.Trim(rest, "/"), "/")
		if bucketName == "" {
			return NodeAddress{}, fmt.Errorf("bucket name cannot be empty")
		}

		switch scheme {
		case "s3":
			return NodeAddress{Type: S3Type, Location: bucketName, Prefix: prefix}, nil
		case "gs":
			return NodeAddress{Type: GCSType, Location: bucketName, Prefix: prefix}, nil
		default:
			return NodeAddress{}, fmt.Errorf("unsupported scheme: %s", scheme)
		}
	}

	// Handle colon format (s3:bucket-name)
	parts := strings.SplitN(addr, ":", 2)
	if len(parts) != 2 {
		return NodeAddress{Type: S3Type, Location: addr}, nil
	}

	agentType := AgentType(strings.ToLower(strings.TrimSpace(parts[0])))
	bucketName := strings.TrimSpace(parts[1])
	if bucketName == "" {
		return NodeAddress{}, fmt.Errorf("bucket name cannot be empty")
	}
	switch agentType {
	case S3Type, GCSType:
		return NodeAddress{Type: agentType, Location: bucketName}, nil
	default:
		return NodeAddress{}, fmt.Errorf("unsupported agent type: %s", agentType)
	}
}

// AgentFactory builds node agents from addresses and caches one agent per address.
type AgentFactory struct {
	awsConfig aws.Config

	s3Once   sync.Once
	s3Client *s3.Client

	gcsOnce   sync.Once
	gcsClient *storage.Client
	gcsErr    error

	mu     sync.Mutex
	agents map[string]NodeAgent
}

// NewAgentFactory creates a factory. The GCS client is created on first use.
func NewAgentFactory(awsConfig aws.Config) *AgentFactory {
	return &AgentFactory{
		awsConfig: awsConfig,
		agents:    make(map[string]NodeAgent),
	}
}

// Agent returns the agent for address, creating it on first use.
func (f *AgentFactory) Agent(address string) (NodeAgent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if agent, ok := f.agents[address]; ok {
		return agent, nil
	}

	parsed, err := ParseNodeAddress(address)
	if err != nil {
		return nil, err
	}

	agent, err := f.create(parsed)
	if err != nil {
		return nil, err
	}
	f.agents[address] = agent
	return agent, nil
}

// Register installs a prebuilt agent for address.
func (f *AgentFactory) Register(address string, agent NodeAgent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[address] = agent
}

func (f *AgentFactory) create(addr NodeAddress) (NodeAgent, error) {
	switch addr.Type {
	case S3Type:
		f.s3Once.Do(func() {
			f.s3Client = s3.NewFromConfig(f.awsConfig)
		})
		return NewS3Agent(f.s3Client, addr.Location, addr.Prefix), nil
	case GCSType:
		f.gcsOnce.Do(func() {
			f.gcsClient, f.gcsErr = storage.NewClient(context.Background())
		})
		if f.gcsErr != nil {
			return nil, fmt.Errorf("GCS client not configured: %w", f.gcsErr)
		}
		return NewGCSAgent(f.gcsClient, addr.Location, addr.Prefix), nil
	case LocalType:
		return NewLocalAgent(addr.Location), nil
	default:
		return nil, fmt.Errorf("unsupported agent type: %s", addr.Type)
	}
}

// Close releases the GCS client if one was created.
func (f *AgentFactory) Close() error {
	if f.gcsClient != nil {
		return f.gcsClient.Close()
	}
	return nil
}
