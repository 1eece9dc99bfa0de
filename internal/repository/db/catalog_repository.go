package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zstore-cluster/internal/checksum"
	"github.com/zzenonn/zstore-cluster/internal/domain"
	zerrors "github.com/zzenonn/zstore-cluster/internal/errors"
	"github.com/zzenonn/zstore-cluster/internal/repository/migrate"
)

// Single table layout:
//
//	pk                   sk                        item
//	BUCKETS              BUCKET#<name>             domain.Bucket
//	BUCKET#<bucketID>    KEY#<key>                 domain.Object (listing copy)
//	BUCKET#<bucketID>    LONGKEY#<sha256 of key>   domain.Object (listing copy, key over 1020 bytes)
//	OBJECT#<id>          META                      domain.Object
//	OBJECT#<id>          CHUNK#<index>             domain.Chunk
//	OBJECT#<id>          SHARD#<chunk>#<index>     domain.Shard (node_id indexed)
//	OBJECT#<id>          REPLICA#<nodeID>          domain.Replica (node_id indexed)
//	NODES                NODE#<id>                 domain.Node
const (
	pkAttr = "pk"
	skAttr = "sk"

	bucketsPK = "BUCKETS"
	nodesPK   = "NODES"
	metaSK    = "META"

	bucketPrefix  = "BUCKET#"
	objectPrefix  = "OBJECT#"
	keyPrefix     = "KEY#"
	longKeyPrefix = "LONGKEY#"
	chunkPrefix   = "CHUNK#"
	shardPrefix   = "SHARD#"
	replicaPrefix = "REPLICA#"
	nodePrefix    = "NODE#"

	// DynamoDB limits
	batchWriteLimit  = 25
	transactionLimit = 100
	maxBatchRetries  = 5
	maxSortKeyBytes  = 1024
)

// DynamoAPI is the subset of the DynamoDB client the catalog uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// CatalogRepository manages DynamoDB interactions for the catalog.
type CatalogRepository struct {
	client    DynamoAPI
	tableName string
}

// NewCatalogRepository initializes a new CatalogRepository.
func NewCatalogRepository(client DynamoAPI, tableName string) *CatalogRepository {
	return &CatalogRepository{
		client:    client,
		tableName: tableName,
	}
}

func objectPK(id string) string { return objectPrefix + id }

func bucketSK(name string) string { return bucketPrefix + name }

func bucketKeysPK(id string) string { return bucketPrefix + id }

// objectKeySK keeps the key readable in the sort key. Keys too long for a sort key are
// stored under their SHA-256 with a prefix of their own.
func objectKeySK(key string) string {
	if len(keyPrefix)+len(key) <= maxSortKeyBytes {
		return keyPrefix + key
	}
	return longKeyPrefix + checksum.Of([]byte(key))
}

func chunkSK(index int) string { return fmt.Sprintf("%s%06d", chunkPrefix, index) }

func shardSK(chunk, index int) string { return fmt.Sprintf("%s%06d#%03d", shardPrefix, chunk, index) }

func replicaSK(nodeID string) string { return replicaPrefix + nodeID }

func nodeSK(id string) string { return nodePrefix + id }

func stringValue(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		pkAttr: stringValue(pk),
		skAttr: stringValue(sk),
	}
}

// marshalItem stores v under the given keys.
func marshalItem(pk, sk string, v interface{}) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s/%s: %w", pk, sk, err)
	}
	item[pkAttr] = stringValue(pk)
	item[skAttr] = stringValue(sk)
	return item, nil
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func (repo *CatalogRepository) putNew(ctx context.Context, item map[string]types.AttributeValue) error {
	_, err := repo.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(repo.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	return err
}

func (repo *CatalogRepository) get(ctx context.Context, pk, sk string, out interface{}) (bool, error) {
	result, err := repo.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(repo.tableName),
		Key:       itemKey(pk, sk),
	})
	if err != nil {
		return false, fmt.Errorf("failed to get %s/%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s/%s: %w", pk, sk, err)
	}
	return true, nil
}

// query returns every item of a partition whose sort key starts with prefix.
// An empty prefix returns the whole partition.
func (repo *CatalogRepository) query(ctx context.Context, pk, prefix string) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(repo.tableName),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": pkAttr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": stringValue(pk),
		},
	}
	if prefix != "" {
		input.KeyConditionExpression = aws.String("#pk = :pk AND begins_with(#sk, :prefix)")
		input.ExpressionAttributeNames["#sk"] = skAttr
		input.ExpressionAttributeValues[":prefix"] = stringValue(prefix)
	}
	paginator := dynamodb.NewQueryPaginator(repo.client, input)

	var items []map[string]types.AttributeValue
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", pk, err)
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

func queryAs[T any](ctx context.Context, repo *CatalogRepository, pk, prefix string) ([]T, error) {
	items, err := repo.query(ctx, pk, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	if err := attributevalue.UnmarshalListOfMaps(items, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s items: %w", strings.TrimSuffix(prefix, "#"), err)
	}
	return out, nil
}

// transactPuts writes items atomically in groups of transactionLimit.
func (repo *CatalogRepository) transactPuts(ctx context.Context, items []map[string]types.AttributeValue, condition string) error {
	for start := 0; start < len(items); start += transactionLimit {
		end := min(start+transactionLimit, len(items))
		writes := make([]types.TransactWriteItem, 0, end-start)
		for _, item := range items[start:end] {
			put := &types.Put{TableName: aws.String(repo.tableName), Item: item}
			if condition != "" {
				put.ConditionExpression = aws.String(condition)
			}
			writes = append(writes, types.TransactWriteItem{Put: put})
		}
		if _, err := repo.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes}); err != nil {
			if isConditionFailure(err) {
				return zerrors.ErrDuplicateRecord
			}
			return err
		}
	}
	return nil
}

// batchDelete deletes keys in batches of batchWriteLimit, resubmitting unprocessed items.
func (repo *CatalogRepository) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))
		requests := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
		}

		pending := map[string][]types.WriteRequest{repo.tableName: requests}
		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt == maxBatchRetries {
				return fmt.Errorf("failed to delete %d items after %d attempts", len(pending[repo.tableName]), attempt)
			}
			out, err := repo.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("failed to batch delete: %w", err)
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

// Buckets

func (repo *CatalogRepository) CreateBucket(ctx context.Context, bucket domain.Bucket) error {
	item, err := marshalItem(bucketsPK, bucketSK(bucket.Name), bucket)
	if err != nil {
		return err
	}
	if err := repo.putNew(ctx, item); err != nil {
		if isConditionFailure(err) {
			return zerrors.New(zerrors.CodeBucketAlreadyExists, "Bucket '%s' already exists", bucket.Name)
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func (repo *CatalogRepository) GetBucketByName(ctx context.Context, name string) (domain.Bucket, error) {
	var bucket domain.Bucket
	found, err := repo.get(ctx, bucketsPK, bucketSK(name), &bucket)
	if err != nil {
		return domain.Bucket{}, err
	}
	if !found {
		return domain.Bucket{}, zerrors.New(zerrors.CodeBucketNotFound, "Bucket '%s' not found", name)
	}
	return bucket, nil
}

func (repo *CatalogRepository) ListBuckets(ctx context.Context) ([]domain.Bucket, error) {
	return queryAs[domain.Bucket](ctx, repo, bucketsPK, bucketPrefix)
}

func (repo *CatalogRepository) DeleteBucket(ctx context.Context, bucket domain.Bucket) error {
	_, err := repo.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(repo.tableName),
		Key:                 itemKey(bucketsPK, bucketSK(bucket.Name)),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionFailure(err) {
			return zerrors.New(zerrors.CodeBucketNotFound, "Bucket '%s' not found", bucket.Name)
		}
		return fmt.Errorf("failed to delete bucket: %w", err)
	}
	return nil
}

// Objects

func (repo *CatalogRepository) objectItems(obj domain.Object) ([]map[string]types.AttributeValue, error) {
	meta, err := marshalItem(objectPK(obj.ID), metaSK, obj)
	if err != nil {
		return nil, err
	}
	listing, err := marshalItem(bucketKeysPK(obj.BucketID), objectKeySK(obj.Key), obj)
	if err != nil {
		return nil, err
	}
	return []map[string]types.AttributeValue{meta, listing}, nil
}

func (repo *CatalogRepository) CreateObject(ctx context.Context, obj domain.Object) error {
	items, err := repo.objectItems(obj)
	if err != nil {
		return err
	}
	return repo.transactPuts(ctx, items, "attribute_not_exists(pk)")
}

func (repo *CatalogRepository) UpdateObject(ctx context.Context, obj domain.Object) error {
	items, err := repo.objectItems(obj)
	if err != nil {
		return err
	}
	if err := repo.transactPuts(ctx, items, "attribute_exists(pk)"); err != nil {
		if errors.Is(err, zerrors.ErrDuplicateRecord) {
			return zerrors.New(zerrors.CodeObjectNotFound, "Object '%s' not found", obj.ID)
		}
		return fmt.Errorf("failed to update object: %w", err)
	}
	return nil
}

func (repo *CatalogRepository) GetObject(ctx context.Context, id string) (domain.Object, error) {
	var obj domain.Object
	found, err := repo.get(ctx, objectPK(id), metaSK, &obj)
	if err != nil {
		return domain.Object{}, err
	}
	if !found {
		return domain.Object{}, zerrors.New(zerrors.CodeObjectNotFound, "Object '%s' not found", id)
	}
	return obj, nil
}

func (repo *CatalogRepository) GetObjectByKey(ctx context.Context, bucketID, key string) (domain.Object, error) {
	var obj domain.Object
	found, err := repo.get(ctx, bucketKeysPK(bucketID), objectKeySK(key), &obj)
	if err != nil {
		return domain.Object{}, err
	}
	if !found {
		return domain.Object{}, zerrors.New(zerrors.CodeObjectNotFound, "Object '%s' not found", key)
	}
	return obj, nil
}

func (repo *CatalogRepository) ListObjects(ctx context.Context, bucketID string) ([]domain.Object, error) {
	objects, err := queryAs[domain.Object](ctx, repo, bucketKeysPK(bucketID), keyPrefix)
	if err != nil {
		return nil, err
	}
	long, err := queryAs[domain.Object](ctx, repo, bucketKeysPK(bucketID), longKeyPrefix)
	if err != nil {
		return nil, err
	}
	if len(long) == 0 {
		return objects, nil
	}
	objects = append(objects, long...)
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// DeleteObject removes the listing entry first so the key is free even if the piece
// records are only partially deleted.
func (repo *CatalogRepository) DeleteObject(ctx context.Context, obj domain.Object) error {
	if _, err := repo.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(repo.tableName),
		Key:       itemKey(bucketKeysPK(obj.BucketID), objectKeySK(obj.Key)),
	}); err != nil {
		return fmt.Errorf("failed to delete object key: %w", err)
	}

	items, err := repo.query(ctx, objectPK(obj.ID), "")
	if err != nil {
		return err
	}
	keys := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		keys = append(keys, map[string]types.AttributeValue{pkAttr: item[pkAttr], skAttr: item[skAttr]})
	}

	log.WithFields(log.Fields{"object_id": obj.ID, "items": len(keys)}).Debug("Deleting object records")
	return repo.batchDelete(ctx, keys)
}

// Pieces

func (repo *CatalogRepository) CreateChunk(ctx context.Context, chunk domain.Chunk) error {
	item, err := marshalItem(objectPK(chunk.ObjectID), chunkSK(chunk.Index), chunk)
	if err != nil {
		return err
	}
	if err := repo.putNew(ctx, item); err != nil {
		if isConditionFailure(err) {
			return zerrors.ErrDuplicateRecord
		}
		return fmt.Errorf("failed to create chunk: %w", err)
	}
	return nil
}

func (repo *CatalogRepository) CreateShards(ctx context.Context, shards []domain.Shard) error {
	items := make([]map[string]types.AttributeValue, 0, len(shards))
	for _, s := range shards {
		item, err := marshalItem(objectPK(s.ObjectID), shardSK(s.ChunkIndex, s.Index), s)
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	return repo.transactPuts(ctx, items, "attribute_not_exists(pk)")
}

func (repo *CatalogRepository) CreateReplicas(ctx context.Context, replicas []domain.Replica) error {
	items := make([]map[string]types.AttributeValue, 0, len(replicas))
	for _, r := range replicas {
		item, err := marshalItem(objectPK(r.ObjectID), replicaSK(r.NodeID), r)
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	return repo.transactPuts(ctx, items, "attribute_not_exists(pk)")
}

func (repo *CatalogRepository) ListChunks(ctx context.Context, objectID string) ([]domain.Chunk, error) {
	return queryAs[domain.Chunk](ctx, repo, objectPK(objectID), chunkPrefix)
}

func (repo *CatalogRepository) ListShards(ctx context.Context, objectID string) ([]domain.Shard, error) {
	return queryAs[domain.Shard](ctx, repo, objectPK(objectID), shardPrefix)
}

func (repo *CatalogRepository) ListReplicas(ctx context.Context, objectID string) ([]domain.Replica, error) {
	replicas, err := queryAs[domain.Replica](ctx, repo, objectPK(objectID), replicaPrefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i].ID < replicas[j].ID })
	return replicas, nil
}

func (repo *CatalogRepository) updateStatus(ctx context.Context, resource, pk, sk string, status domain.PieceStatus) error {
	_, err := repo.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(repo.tableName),
		Key:                 itemKey(pk, sk),
		UpdateExpression:    aws.String("SET #status = :status"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": stringValue(string(status)),
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return zerrors.FetchingResourceError(resource)
		}
		return fmt.Errorf("failed to update status of %s/%s: %w", pk, sk, err)
	}
	return nil
}

func (repo *CatalogRepository) UpdateShardStatus(ctx context.Context, shard domain.Shard) error {
	return repo.updateStatus(ctx, "shard", objectPK(shard.ObjectID), shardSK(shard.ChunkIndex, shard.Index), shard.Status)
}

func (repo *CatalogRepository) UpdateReplicaStatus(ctx context.Context, replica domain.Replica) error {
	return repo.updateStatus(ctx, "replica", objectPK(replica.ObjectID), replicaSK(replica.NodeID), replica.Status)
}

// Nodes

func (repo *CatalogRepository) CreateNode(ctx context.Context, node domain.Node) error {
	item, err := marshalItem(nodesPK, nodeSK(node.ID), node)
	if err != nil {
		return err
	}
	if err := repo.putNew(ctx, item); err != nil {
		if isConditionFailure(err) {
			return zerrors.ErrDuplicateRecord
		}
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

func (repo *CatalogRepository) GetNode(ctx context.Context, id string) (domain.Node, error) {
	var node domain.Node
	found, err := repo.get(ctx, nodesPK, nodeSK(id), &node)
	if err != nil {
		return domain.Node{}, err
	}
	if !found {
		return domain.Node{}, zerrors.New(zerrors.CodeNodeNotFound, "Node '%s' not found", id)
	}
	return node, nil
}

func (repo *CatalogRepository) ListNodes(ctx context.Context) ([]domain.Node, error) {
	nodes, err := queryAs[domain.Node](ctx, repo, nodesPK, nodePrefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

// UpdateNodeHealth replaces the stored node; nodes deleted meanwhile are not recreated.
func (repo *CatalogRepository) UpdateNodeHealth(ctx context.Context, node domain.Node) error {
	item, err := marshalItem(nodesPK, nodeSK(node.ID), node)
	if err != nil {
		return err
	}
	_, err = repo.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(repo.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionFailure(err) {
			return zerrors.New(zerrors.CodeNodeNotFound, "Node '%s' not found", node.ID)
		}
		return fmt.Errorf("failed to update node: %w", err)
	}
	return nil
}

func (repo *CatalogRepository) DeleteNode(ctx context.Context, id string) error {
	_, err := repo.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(repo.tableName),
		Key:                 itemKey(nodesPK, nodeSK(id)),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionFailure(err) {
			return zerrors.New(zerrors.CodeNodeNotFound, "Node '%s' not found", id)
		}
		return fmt.Errorf("failed to delete node: %w", err)
	}
	return nil
}

func (repo *CatalogRepository) NodeHasPieces(ctx context.Context, nodeID string) (bool, error) {
	out, err := repo.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(repo.tableName),
		IndexName:              aws.String(migrate.NodeIndexName),
		KeyConditionExpression: aws.String("node_id = :node"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":node": stringValue(nodeID),
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("failed to query pieces on node %s: %w", nodeID, err)
	}
	return len(out.Items) > 0, nil
}
