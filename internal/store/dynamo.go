package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoAPI is the subset of the DynamoDB client the backend uses.
type DynamoAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoBackend stores one item per record: PK = "CACHE#<kind>", SK = the
// storage key. Save only writes items whose record changed since the last
// successful load or save, and deletes items whose key disappeared, so a
// kind can grow past the 400 KB item limit; only a single record is bound
// by it.
type DynamoBackend struct {
	client    DynamoAPI
	tableName string

	mu sync.Mutex
	// saved holds the JSON encoding of each record as last persisted.
	saved map[Kind]map[string][]byte
}

var _ Backend = (*DynamoBackend)(nil)

// NewDynamoBackend creates a DynamoBackend for the given table.
func NewDynamoBackend(client DynamoAPI, tableName string) *DynamoBackend {
	return &DynamoBackend{
		client:    client,
		tableName: tableName,
		saved:     make(map[Kind]map[string][]byte),
	}
}

func cachePK(kind Kind) string {
	return "CACHE#" + string(kind)
}

// Record fields carry json tags; the item attributes use the same names.
func useJSONTags(o *attributevalue.EncoderOptions) { o.TagKey = "json" }

func useJSONTagsDecode(o *attributevalue.DecoderOptions) { o.TagKey = "json" }

func (b *DynamoBackend) Load(ctx context.Context, kind Kind) (map[string]Record, error) {
	pk := cachePK(kind)
	start := time.Now()
	input := &dynamodb.QueryInput{
		TableName:              &b.tableName,
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
	}

	var items []map[string]types.AttributeValue
	pages := 0
	for {
		result, err := b.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s: %w", pk, err)
		}
		pages++
		items = append(items, result.Items...)
		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	records := make(map[string]Record, len(items))
	saved := make(map[string][]byte, len(items))
	for _, item := range items {
		sk, ok := item["SK"].(*types.AttributeValueMemberS)
		if !ok || sk.Value == "" {
			log.Warn().Str("pk", pk).Msg("Cache item without SK, skipping")
			continue
		}
		var rec Record
		if err := attributevalue.UnmarshalMapWithOptions(item, &rec, useJSONTagsDecode); err != nil {
			return nil, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk.Value, err)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode PK=%s SK=%s: %w", pk, sk.Value, err)
		}
		records[sk.Value] = rec
		saved[sk.Value] = data
	}

	b.mu.Lock()
	b.saved[kind] = saved
	b.mu.Unlock()

	log.Debug().
		Str("pk", pk).
		Int("records", len(records)).
		Int("pages", pages).
		Dur("duration", time.Since(start)).
		Msg("Cache items loaded from DynamoDB")
	return records, nil
}

// Save writes the changed records of kind and deletes the removed ones. A
// failed write is reported but leaves the item marked unsaved, so the next
// Save retries it.
func (b *DynamoBackend) Save(ctx context.Context, kind Kind, records map[string]Record) error {
	pk := cachePK(kind)
	start := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	saved := b.saved[kind]
	if saved == nil {
		saved = make(map[string][]byte)
		b.saved[kind] = saved
	}

	var errs []error
	puts, deletes := 0, 0
	for key, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode SK=%s: %w", key, err))
			continue
		}
		if prev, ok := saved[key]; ok && bytes.Equal(prev, data) {
			continue
		}
		if err := b.putRecord(ctx, pk, key, rec); err != nil {
			errs = append(errs, err)
			continue
		}
		saved[key] = data
		puts++
	}
	for key := range saved {
		if _, ok := records[key]; ok {
			continue
		}
		if err := b.deleteRecord(ctx, pk, key); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(saved, key)
		deletes++
	}

	log.Debug().
		Str("pk", pk).
		Int("puts", puts).
		Int("deletes", deletes).
		Int("failed", len(errs)).
		Dur("duration", time.Since(start)).
		Msg("Cache items persisted to DynamoDB")
	return errors.Join(errs...)
}

func (b *DynamoBackend) putRecord(ctx context.Context, pk, sk string, rec Record) error {
	item, err := attributevalue.MarshalMapWithOptions(rec, useJSONTags)
	if err != nil {
		return fmt.Errorf("marshal SK=%s: %w", sk, err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["updatedAt"] = &types.AttributeValueMemberN{Value: fmt.Sprint(time.Now().Unix())}

	_, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &b.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

func (b *DynamoBackend) deleteRecord(ctx context.Context, pk, sk string) error {
	_, err := b.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &b.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return fmt.Errorf("DeleteItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

func (b *DynamoBackend) Close() error {
	return nil
}
