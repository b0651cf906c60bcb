package lockstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jun/doclock/internal/clock"
)

// fakeDynamo evaluates the two condition expressions DynamoStore sends.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	clock clock.Clock
	// failWith, when set, is returned from every call.
	failWith error
}

func newFakeDynamo(c clock.Clock) *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue), clock: c}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func num(av types.AttributeValue) int64 {
	if n, ok := av.(*types.AttributeValueMemberN); ok {
		v, _ := strconv.ParseInt(n.Value, 10, 64)
		return v
	}
	return 0
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	if aws.ToString(in.ConditionExpression) != acquireCondition {
		return nil, fmt.Errorf("unexpected condition %q", aws.ToString(in.ConditionExpression))
	}
	id := str(in.Item["document_id"])
	if cur, ok := f.items[id]; ok {
		now := num(in.ExpressionAttributeValues[":now"])
		user := str(in.ExpressionAttributeValues[":user_id"])
		if !(num(cur["expires_at"]) < now || str(cur["user_id"]) == user) {
			ccf := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
			if in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
				ccf.Item = cur
			}
			return nil, ccf
		}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &dynamodb.GetItemOutput{Item: f.items[str(in.Key["document_id"])]}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	if aws.ToString(in.ConditionExpression) != releaseCondition {
		return nil, fmt.Errorf("unexpected condition %q", aws.ToString(in.ConditionExpression))
	}
	id := str(in.Key["document_id"])
	cur, ok := f.items[id]
	now := num(in.ExpressionAttributeValues[":now"])
	user := str(in.ExpressionAttributeValues[":user_id"])
	if !ok || str(cur["user_id"]) != user || num(cur["expires_at"]) < now {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	delete(f.items, id)
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDynamoStore_WrapsTransportErrors(t *testing.T) {
	fake := newFakeDynamo(clock.NewManual(start))
	fake.failWith = errors.New("throttled")
	s := NewDynamoStore(fake, "checkouts")
	ctx := context.Background()

	if _, err := s.Acquire(ctx, record("doc1", "alice")); err == nil || errors.As(err, new(*LockedError)) {
		t.Errorf("Expected plain wrapped error, got %v", err)
	}
	if err := s.Release(ctx, "doc1", "alice"); err == nil || errors.Is(err, ErrNotHeld) {
		t.Errorf("Expected plain wrapped error, got %v", err)
	}
	if _, err := s.Get(ctx, "doc1"); err == nil {
		t.Error("Expected error from Get")
	}
}

func TestDynamoStore_StoresAttributes(t *testing.T) {
	clk := clock.NewManual(start)
	fake := newFakeDynamo(clk)
	s := NewDynamoStore(fake, "checkouts", WithClock(clk))
	if _, err := s.Acquire(context.Background(), record("doc1", "alice")); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	item := fake.items["doc1"]
	if str(item["user_id"]) != "alice" {
		t.Errorf("Expected user_id attribute, got %v", item["user_id"])
	}
	if num(item["expires_at"]) != start.Add(DefaultTTL).Unix() {
		t.Errorf("Expected numeric expires_at for DynamoDB TTL, got %v", item["expires_at"])
	}
}
