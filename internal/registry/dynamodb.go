package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zoomstore/zoomstore/internal/config"
)

// dynamoBatchSize is the BatchWriteItem request limit.
const dynamoBatchSize = 25

// DynamoAPI is the subset of the DynamoDB client the registry uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBStore implements Store on a single DynamoDB table keyed by
// pk = "IMAGE#<id>", sk = "#METADATA".
type DynamoDBStore struct {
	client    DynamoAPI
	tableName string
}

// NewDynamoDBStore creates a DynamoDB-backed registry using the default
// AWS credential chain.
func NewDynamoDBStore(ctx context.Context, cfg config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}
	return NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil
}

// NewDynamoDBStoreWithClient creates a DynamoDBStore on an existing client.
func NewDynamoDBStoreWithClient(client DynamoAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: table}
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func (s *DynamoDBStore) Close() error {
	return nil
}

func pkImage(id string) string {
	return "IMAGE#" + id
}

func skMetadata() string {
	return "#METADATA"
}

func imageKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pkImage(id)},
		"sk": &types.AttributeValueMemberS{Value: skMetadata()},
	}
}

func recordToItem(rec *ImageRecord) map[string]types.AttributeValue {
	item := imageKey(rec.ID)
	item["type"] = &types.AttributeValueMemberS{Value: "image"}
	item["id"] = &types.AttributeValueMemberS{Value: rec.ID}
	item["filename"] = &types.AttributeValueMemberS{Value: rec.Filename}
	item["format"] = &types.AttributeValueMemberS{Value: rec.Format}
	item["size"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Size, 10)}
	item["width"] = &types.AttributeValueMemberN{Value: strconv.Itoa(rec.Width)}
	item["height"] = &types.AttributeValueMemberN{Value: strconv.Itoa(rec.Height)}
	item["created_at"] = &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(timeFormat)}
	return item
}

func itemToRecord(item map[string]types.AttributeValue) *ImageRecord {
	createdAt, _ := time.Parse(timeFormat, getString(item, "created_at"))
	return &ImageRecord{
		ID:        getString(item, "id"),
		Filename:  getString(item, "filename"),
		Format:    getString(item, "format"),
		Size:      getNInt(item, "size"),
		Width:     int(getNInt(item, "width")),
		Height:    int(getNInt(item, "height")),
		CreatedAt: createdAt,
	}
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getNInt(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func (s *DynamoDBStore) Put(ctx context.Context, rec *ImageRecord) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      recordToItem(rec),
	})
	if err != nil {
		return fmt.Errorf("putting image %s: %w", rec.ID, err)
	}
	return nil
}

func (s *DynamoDBStore) Get(ctx context.Context, id string) (*ImageRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            imageKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting image: %w", err)
	}
	if len(resp.Item) == 0 {
		return nil, nil
	}
	return itemToRecord(resp.Item), nil
}

func (s *DynamoDBStore) Delete(ctx context.Context, id string) (bool, error) {
	resp, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.tableName),
		Key:          imageKey(id),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, fmt.Errorf("deleting image: %w", err)
	}
	return len(resp.Attributes) > 0, nil
}

// scanImages visits every image item, following LastEvaluatedKey.
func (s *DynamoDBStore) scanImages(ctx context.Context, fn func(map[string]types.AttributeValue)) error {
	input := &dynamodb.ScanInput{
		TableName:                aws.String(s.tableName),
		FilterExpression:         aws.String("#t = :image"),
		ExpressionAttributeNames: map[string]string{"#t": "type"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":image": &types.AttributeValueMemberS{Value: "image"},
		},
		ConsistentRead: aws.Bool(true),
	}
	for {
		resp, err := s.client.Scan(ctx, input)
		if err != nil {
			return fmt.Errorf("scanning images: %w", err)
		}
		for _, item := range resp.Items {
			fn(item)
		}
		if len(resp.LastEvaluatedKey) == 0 {
			return nil
		}
		input.ExclusiveStartKey = resp.LastEvaluatedKey
	}
}

// List returns all image records, newest first.
func (s *DynamoDBStore) List(ctx context.Context) ([]ImageRecord, error) {
	var out []ImageRecord
	err := s.scanImages(ctx, func(item map[string]types.AttributeValue) {
		out = append(out, *itemToRecord(item))
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *DynamoDBStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.scanImages(ctx, func(map[string]types.AttributeValue) { n++ })
	return n, err
}

// PutAll writes recs with BatchWriteItem. DynamoDB has no transaction large
// enough for an import, so a failure can leave part of recs written.
func (s *DynamoDBStore) PutAll(ctx context.Context, recs []ImageRecord, replace bool) (int, error) {
	var reqs []types.WriteRequest
	if replace {
		keep := make(map[string]bool, len(recs))
		for i := range recs {
			keep[recs[i].ID] = true
		}
		err := s.scanImages(ctx, func(item map[string]types.AttributeValue) {
			if id := getString(item, "id"); !keep[id] {
				reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: imageKey(id)}})
			}
		})
		if err != nil {
			return 0, err
		}
	}
	for i := range recs {
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: recordToItem(&recs[i])}})
	}

	for start := 0; start < len(reqs); start += dynamoBatchSize {
		end := min(start+dynamoBatchSize, len(reqs))
		if err := s.batchWrite(ctx, reqs[start:end]); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

// batchWrite sends one batch, resubmitting unprocessed items with backoff.
func (s *DynamoDBStore) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.tableName: reqs}
	for attempt := 0; len(pending[s.tableName]) > 0; attempt++ {
		if attempt == 8 {
			return errors.New("batch write: unprocessed items after retries")
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(25<<attempt) * time.Millisecond):
			}
		}
		resp, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		pending = resp.UnprocessedItems
	}
	return nil
}

func sortNewestFirst(recs []ImageRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
