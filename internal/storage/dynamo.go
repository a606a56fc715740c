// internal/storage/dynamo.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"mcp-nutrition-log/internal/models"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Item layout: PK = collection path, SK = document id, one "f_<field>"
// attribute per top-level field holding its JSON, and a numeric dateKey
// for range filtering. Keeping fields as separate attributes lets
// UpdateItem do the merge-write server side.
const (
	attrPK      = "PK"
	attrSK      = "SK"
	attrDateKey = "dateKey"
	fieldPrefix = "f_"
)

// DynamoStorage is a RemoteStore on a single DynamoDB table. Live queries
// poll; writes made through this instance also trigger an immediate refresh.
type DynamoStorage struct {
	client       DynamoAPI
	table        string
	pollInterval time.Duration
	hub          *hub
}

// NewDynamoClient builds a client from the default AWS credential chain.
// A non-empty endpoint targets DynamoDB Local or another compatible server.
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func NewDynamoStorage(client DynamoAPI, table string, pollInterval time.Duration) *DynamoStorage {
	return &DynamoStorage{
		client:       client,
		table:        table,
		pollInterval: pollInterval,
		hub:          newHub(),
	}
}

func (s *DynamoStorage) Close() error {
	s.hub.closeAll()
	return nil
}

func (s *DynamoStorage) GetDocument(ctx context.Context, path string) (*Document, error) {
	collection, id, err := SplitPath(path)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(collection, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", path, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return itemToDocument(out.Item)
}

func (s *DynamoStorage) SetMerge(ctx context.Context, path string, data map[string]interface{}) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	fields := make([]string, 0, len(data))
	for k := range data {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	names := make(map[string]string, len(fields)+1)
	values := make(map[string]types.AttributeValue, len(fields)+1)
	sets := make([]string, 0, len(fields)+1)
	for i, field := range fields {
		av, err := fieldValue(data[field])
		if err != nil {
			return fmt.Errorf("document %s field %s: %w", path, field, err)
		}
		n, v := fmt.Sprintf("#f%d", i), fmt.Sprintf(":v%d", i)
		names[n] = fieldPrefix + field
		values[v] = av
		sets = append(sets, n+" = "+v)
	}

	ts, ok, err := documentDate(data)
	if err != nil {
		return fmt.Errorf("document %s: %w", path, err)
	}
	if ok {
		names["#dk"] = attrDateKey
		values[":dk"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(dateKey(ts), 10)}
		sets = append(sets, "#dk = :dk")
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       itemKey(collection, id),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("failed to merge document %s: %w", path, err)
	}

	s.hub.notify(collection)
	return nil
}

func (s *DynamoStorage) Insert(ctx context.Context, collection string, data map[string]interface{}) (string, error) {
	id := uuid.NewString()

	item := itemKey(collection, id)
	for field, value := range data {
		av, err := fieldValue(value)
		if err != nil {
			return "", fmt.Errorf("document %s field %s: %w", DocumentPath(collection, id), field, err)
		}
		item[fieldPrefix+field] = av
	}
	ts, ok, err := documentDate(data)
	if err != nil {
		return "", err
	}
	if ok {
		item[attrDateKey] = &types.AttributeValueMemberN{Value: strconv.FormatInt(dateKey(ts), 10)}
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(" + attrSK + ")"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to insert into %s: %w", collection, err)
	}

	s.hub.notify(collection)
	return id, nil
}

func (s *DynamoStorage) Query(collection string, r models.DateRange) Query {
	return &dynamoQuery{storage: s, collection: collection, dateRange: r}
}

type dynamoQuery struct {
	storage    *DynamoStorage
	collection string
	dateRange  models.DateRange
}

func (q *dynamoQuery) Get(ctx context.Context) ([]Document, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(q.storage.table),
		KeyConditionExpression: aws.String("#pk = :pk"),
		FilterExpression:       aws.String("#dk >= :start AND #dk < :end"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPK,
			"#dk": attrDateKey,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: q.collection},
			":start": &types.AttributeValueMemberN{Value: strconv.FormatInt(dateKey(q.dateRange.Start), 10)},
			":end":   &types.AttributeValueMemberN{Value: strconv.FormatInt(dateKey(q.dateRange.End), 10)},
		},
		ConsistentRead: aws.Bool(true),
	}

	docs := []Document{}
	for {
		out, err := q.storage.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", q.collection, err)
		}
		for _, item := range out.Items {
			doc, err := itemToDocument(item)
			if err != nil {
				return nil, err
			}
			docs = append(docs, *doc)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (q *dynamoQuery) Subscribe(onSnapshot func([]Document), onError func(error)) func() {
	sub := newSubscription(q.Get, onSnapshot, onError, q.storage.pollInterval)
	return q.storage.hub.add(q.collection, sub)
}

func itemKey(collection, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: collection},
		attrSK: &types.AttributeValueMemberS{Value: id},
	}
}

func fieldValue(v interface{}) (types.AttributeValue, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberS{Value: string(raw)}, nil
}

func itemToDocument(item map[string]types.AttributeValue) (*Document, error) {
	pk, ok1 := item[attrPK].(*types.AttributeValueMemberS)
	sk, ok2 := item[attrSK].(*types.AttributeValueMemberS)
	if !ok1 || !ok2 {
		return nil, errors.New("item is missing its key attributes")
	}

	doc := &Document{
		ID:   sk.Value,
		Path: DocumentPath(pk.Value, sk.Value),
		Data: make(map[string]interface{}),
	}
	for name, av := range item {
		if !strings.HasPrefix(name, fieldPrefix) {
			continue
		}
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("document %s: attribute %s is not a string", doc.Path, name)
		}
		var value interface{}
		if err := json.Unmarshal([]byte(s.Value), &value); err != nil {
			return nil, fmt.Errorf("document %s: attribute %s: %w", doc.Path, name, err)
		}
		doc.Data[strings.TrimPrefix(name, fieldPrefix)] = value
	}
	return doc, nil
}
