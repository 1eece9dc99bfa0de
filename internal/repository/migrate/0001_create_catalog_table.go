package migrate

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	CatalogVersion = "20260112000000_catalog_table"

	// NodeIndexName indexes shard and replica items by the node holding them.
	NodeIndexName = "node_id-index"
)

// CreateCatalogTable creates the single table holding buckets, objects, pieces and nodes.
type CreateCatalogTable struct {
	Table string
}

func (m *CreateCatalogTable) Version() string {
	return CatalogVersion
}

func (m *CreateCatalogTable) TableName() string {
	return m.Table
}

func (m *CreateCatalogTable) Up(ctx context.Context, client *dynamodb.Client) error {
	input := &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("pk"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("sk"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("node_id"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("pk"),
				KeyType:       types.KeyTypeHash, // Partition Key
			},
			{
				AttributeName: aws.String("sk"),
				KeyType:       types.KeyTypeRange, // Sort Key
			},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(NodeIndexName),
				KeySchema: []types.KeySchemaElement{
					{
						AttributeName: aws.String("node_id"),
						KeyType:       types.KeyTypeHash,
					},
				},
				Projection: &types.Projection{
					ProjectionType: types.ProjectionTypeKeysOnly,
				},
			},
		},
		TableName:   aws.String(m.Table),
		BillingMode: types.BillingModePayPerRequest, // On-demand billing for variable workloads
		Tags: []types.Tag{
			{
				Key:   aws.String("Purpose"),
				Value: aws.String("ObjectStoreCatalog"),
			},
		},
	}

	if _, err := client.CreateTable(ctx, input); err != nil {
		return err
	}

	// Wait for table to become active
	waiter := dynamodb.NewTableExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(m.Table),
	}, 5*time.Minute)
}

func (m *CreateCatalogTable) Down(ctx context.Context, client *dynamodb.Client) error {
	input := &dynamodb.DeleteTableInput{
		TableName: aws.String(m.Table),
	}

	if _, err := client.DeleteTable(ctx, input); err != nil {
		return err
	}

	waiter := dynamodb.NewTableNotExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(m.Table),
	}, 5*time.Minute)
}
