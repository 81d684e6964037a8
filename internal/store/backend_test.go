package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/go-cmp/cmp"
)

func TestBoltBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "card-art.db")
	backend, err := NewBoltBackend(path)
	if err != nil {
		t.Fatalf("NewBoltBackend: %v", err)
	}
	ctx := context.Background()

	s, err := Open(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, KindCardDetails, "9", Record{Status: StatusCompleted, URL: "u", Payload: []byte(`{"name":"Nine"}`)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	backend, err = NewBoltBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()
	s, err = Open(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get(KindCardDetails, "9")
	if !ok {
		t.Fatal("record missing after reopen")
	}
	if string(got.Payload) != `{"name":"Nine"}` {
		t.Errorf("Payload = %s", got.Payload)
	}
}

// dynamoItemLimit is DynamoDB's per-item size cap.
const dynamoItemLimit = 400 * 1024

// fakeDynamo keeps items by PK then SK and enforces the item size cap.
// Query returns at most pageSize items per page, ordered by SK.
type fakeDynamo struct {
	items    map[string]map[string]map[string]types.AttributeValue
	pageSize int

	queries int
	puts    int
	deletes int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items:    make(map[string]map[string]map[string]types.AttributeValue),
		pageSize: 5,
	}
}

func attrString(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries++
	pk := attrString(in.ExpressionAttributeValues[":pk"])
	partition := f.items[pk]
	sks := slices.Sorted(maps.Keys(partition))
	if in.ExclusiveStartKey != nil {
		after := attrString(in.ExclusiveStartKey["SK"])
		i, found := slices.BinarySearch(sks, after)
		if found {
			i++
		}
		sks = sks[i:]
	}

	out := &dynamodb.QueryOutput{}
	for _, sk := range sks {
		if len(out.Items) == f.pageSize {
			last := out.Items[len(out.Items)-1]
			out.LastEvaluatedKey = map[string]types.AttributeValue{"PK": last["PK"], "SK": last["SK"]}
			break
		}
		out.Items = append(out.Items, partition[sk])
	}
	return out, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if size := itemSize(in.Item); size > dynamoItemLimit {
		return nil, fmt.Errorf("ValidationException: Item size has exceeded the maximum allowed size (%d bytes)", size)
	}
	pk, sk := attrString(in.Item["PK"]), attrString(in.Item["SK"])
	if f.items[pk] == nil {
		f.items[pk] = make(map[string]map[string]types.AttributeValue)
	}
	f.items[pk][sk] = in.Item
	f.puts++
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.items[attrString(in.Key["PK"])], attrString(in.Key["SK"]))
	f.deletes++
	return &dynamodb.DeleteItemOutput{}, nil
}

// itemSize approximates DynamoDB's item size accounting: attribute names
// plus value lengths.
func itemSize(item map[string]types.AttributeValue) int {
	n := 0
	for name, v := range item {
		n += len(name) + valueSize(v)
	}
	return n
}

func valueSize(v types.AttributeValue) int {
	switch v := v.(type) {
	case *types.AttributeValueMemberS:
		return len(v.Value)
	case *types.AttributeValueMemberN:
		return len(v.Value)
	case *types.AttributeValueMemberB:
		return len(v.Value)
	case *types.AttributeValueMemberL:
		n := 3
		for _, e := range v.Value {
			n += 1 + valueSize(e)
		}
		return n
	case *types.AttributeValueMemberM:
		return 3 + itemSize(v.Value)
	case *types.AttributeValueMemberSS:
		n := 0
		for _, s := range v.Value {
			n += len(s)
		}
		return n
	default:
		return 1
	}
}

// payloadOfSize returns a JSON payload of roughly n bytes.
func payloadOfSize(n int) []byte {
	return []byte(`{"text":"` + strings.Repeat("x", n) + `"}`)
}

func TestDynamoBackendRoundTrip(t *testing.T) {
	fake := newFakeDynamo()
	ctx := context.Background()

	s, err := Open(ctx, NewDynamoBackend(fake, "card-art-cache"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec := completedRecord("https://x/a.png", 1)
	rec.TaskID = "gen-1"
	rec.Payload = []byte(`{"name":"One"}`)
	if err := s.Put(ctx, KindArt, "1", rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	historyKey, err := s.PutVersioned(ctx, KindArt, "1", rec)
	if err != nil {
		t.Fatalf("PutVersioned: %v", err)
	}
	if _, ok := fake.items["CACHE#art"]["1"]; !ok {
		t.Fatalf("expected item CACHE#art/1, have %v", slices.Collect(maps.Keys(fake.items["CACHE#art"])))
	}
	if _, ok := fake.items["CACHE#art"][historyKey]; !ok {
		t.Fatalf("expected item CACHE#art/%s", historyKey)
	}

	s2, err := Open(ctx, NewDynamoBackend(fake, "card-art-cache"))
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"1", historyKey} {
		want, _ := s.Get(KindArt, key)
		got, ok := s2.Get(KindArt, key)
		if !ok {
			t.Fatalf("%s missing after reopen", key)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s after reopen (-want +got):\n%s", key, diff)
		}
	}
}

func TestDynamoBackendKindLargerThanItemLimit(t *testing.T) {
	fake := newFakeDynamo()
	ctx := context.Background()

	s, err := Open(ctx, NewDynamoBackend(fake, "card-art-cache"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const n = 40
	for i := range n {
		rec := Record{Status: StatusCompleted, URL: "u", Payload: payloadOfSize(20 * 1024)}
		if err := s.Put(ctx, KindCardDetails, fmt.Sprint(i), rec); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	total := 0
	for _, item := range fake.items["CACHE#card-details"] {
		total += itemSize(item)
	}
	if total <= dynamoItemLimit {
		t.Fatalf("kind holds %d bytes, want more than one item's limit", total)
	}
	// Each Put writes only the record it changed.
	if fake.puts != n {
		t.Errorf("PutItem calls = %d, want %d", fake.puts, n)
	}

	fake.queries = 0
	s2, err := Open(ctx, NewDynamoBackend(fake, "card-art-cache"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := s2.ListAll(KindCardDetails)
	if len(got) != n {
		t.Fatalf("records after reopen = %d, want %d", len(got), n)
	}
	if string(got["17"].Payload) != string(payloadOfSize(20*1024)) {
		t.Error("payload changed across reopen")
	}
	if fake.queries < n/fake.pageSize {
		t.Errorf("Query calls = %d, want every page read", fake.queries)
	}
}

func TestDynamoBackendOversizedRecordFails(t *testing.T) {
	fake := newFakeDynamo()
	ctx := context.Background()

	s, err := Open(ctx, NewDynamoBackend(fake, "card-art-cache"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = s.Put(ctx, KindCardDetails, "big", Record{Status: StatusCompleted, URL: "u", Payload: payloadOfSize(dynamoItemLimit)})
	var perr *PersistError
	if !errors.As(err, &perr) {
		t.Fatalf("Put oversized record: err = %v, want *PersistError", err)
	}
	if _, ok := s.Get(KindCardDetails, "big"); !ok {
		t.Error("in-memory record should survive a failed write")
	}
	if _, ok := fake.items["CACHE#card-details"]["big"]; ok {
		t.Error("oversized item should not be stored")
	}
}

func TestDynamoBackendSaveDeletesRemovedKeys(t *testing.T) {
	fake := newFakeDynamo()
	ctx := context.Background()
	backend := NewDynamoBackend(fake, "card-art-cache")

	records := map[string]Record{
		"1": completedRecord("https://x/1.png", 1),
		"2": completedRecord("https://x/2.png", 1),
	}
	if err := backend.Save(ctx, KindArt, records); err != nil {
		t.Fatalf("Save: %v", err)
	}
	delete(records, "2")
	if err := backend.Save(ctx, KindArt, records); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if fake.puts != 2 || fake.deletes != 1 {
		t.Errorf("puts=%d deletes=%d, want 2 and 1", fake.puts, fake.deletes)
	}
	loaded, err := NewDynamoBackend(fake, "card-art-cache").Load(ctx, KindArt)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]string{"1"}, slices.Sorted(maps.Keys(loaded))); diff != "" {
		t.Errorf("keys after delete (-want +got):\n%s", diff)
	}
}
