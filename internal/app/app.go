// Package app builds the object store from configuration. Both binaries share it.
package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"

	"github.com/zzenonn/zstore-cluster/internal/classifier"
	"github.com/zzenonn/zstore-cluster/internal/codec"
	"github.com/zzenonn/zstore-cluster/internal/config"
	"github.com/zzenonn/zstore-cluster/internal/health"
	"github.com/zzenonn/zstore-cluster/internal/ingest"
	"github.com/zzenonn/zstore-cluster/internal/metrics"
	"github.com/zzenonn/zstore-cluster/internal/placement"
	"github.com/zzenonn/zstore-cluster/internal/registry"
	"github.com/zzenonn/zstore-cluster/internal/repository/db"
	"github.com/zzenonn/zstore-cluster/internal/repository/memory"
	"github.com/zzenonn/zstore-cluster/internal/repository/objectstore"
	"github.com/zzenonn/zstore-cluster/internal/retrieval"
	"github.com/zzenonn/zstore-cluster/internal/service"
)

// App holds the wired services of one process.
type App struct {
	Config   *config.Config
	Database *db.DynamoDb // nil with the memory catalog
	Catalog  service.Catalog
	Registry *registry.Registry
	Agents   *objectstore.AgentFactory
	Metrics  *metrics.Metrics

	Buckets *service.BucketService
	Nodes   *service.NodeService
	Objects *service.ObjectService
	Monitor *health.Monitor
}

// New wires every component. It makes no network calls; m may be nil.
func New(cfg *config.Config, m *metrics.Metrics) (*App, error) {
	a := &App{
		Config:   cfg,
		Registry: registry.New(cfg.NodeHealth.MaxConsecutiveFailures),
		Agents:   objectstore.NewAgentFactory(cfg.AwsConfig),
		Metrics:  m,
	}

	var tagging resourcegroupstaggingapi.GetResourcesAPIClient
	switch cfg.Catalog.Backend {
	case "memory":
		a.Catalog = memory.NewCatalog()
		tagging = resourcegroupstaggingapi.NewFromConfig(cfg.AwsConfig)
	default:
		a.Database = db.NewDatabase(cfg.AwsConfig, cfg.Catalog.Table)
		a.Catalog = db.NewCatalogRepository(a.Database.Client, cfg.Catalog.Table)
		tagging = a.Database.TaggingClient
	}

	ec := cfg.ErasureCoding
	rs, err := codec.New(ec.DataShards, ec.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	selector := placement.NewSelector(a.Registry)
	uploader := placement.NewShardUploader(a.Agents, a.Registry, selector,
		cfg.Upload.MaxNodeAttempts, cfg.Upload.NodeTimeout(), m)
	orchestrator := placement.NewOrchestrator(selector, uploader, rs, a.Catalog, cfg.Upload.ReplicaCount)
	retriever := retrieval.NewRetriever(a.Registry, a.Agents, rs, cfg.Upload.NodeTimeout(), m)
	pipeline := ingest.NewPipeline(classifier.New(), ec.ChunkSizeBytes, ec.MaxFileSizeBytes)

	a.Buckets = service.NewBucketService(a.Catalog, a.Catalog)
	a.Nodes = service.NewNodeService(a.Catalog, a.Registry, tagging, cfg.DiscoveryTagKey)
	a.Objects = service.NewObjectService(a.Catalog, pipeline, orchestrator, retriever, a.Registry, a.Agents,
		service.ObjectServiceConfig{
			SmallObjectThreshold:      ec.SmallObjectThreshold,
			RejectDangerousMismatches: cfg.RejectDangerousMismatches,
		}, m)
	a.Monitor = health.NewMonitor(a.Registry, a.Agents, a.Catalog, cfg.NodeHealth, m)

	return a, nil
}

// LoadNodes fills the registry from the catalog.
func (a *App) LoadNodes(ctx context.Context) error {
	_, err := a.Nodes.LoadRegistry(ctx)
	return err
}

// Close releases storage clients.
func (a *App) Close() error {
	return a.Agents.Close()
}
