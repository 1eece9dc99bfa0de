package db

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"

	"github.com/zzenonn/zstore-cluster/internal/repository/migrate"
)

type DynamoDb struct {
	Client        *dynamodb.Client
	TaggingClient *resourcegroupstaggingapi.Client
	Table         string
}

func NewDatabase(awsConfig aws.Config, table string) *DynamoDb {
	return &DynamoDb{
		Client:        dynamodb.NewFromConfig(awsConfig),
		TaggingClient: resourcegroupstaggingapi.NewFromConfig(awsConfig),
		Table:         table,
	}
}

// MigrateDb creates the catalog table and waits for it to become active.
func (d *DynamoDb) MigrateDb(ctx context.Context) error {
	return migrate.Up(ctx, d.Client, migrate.Migrations(d.Table))
}

// MigrateDown deletes the catalog table.
func (d *DynamoDb) MigrateDown(ctx context.Context) error {
	return migrate.Down(ctx, d.Client, migrate.Migrations(d.Table))
}
