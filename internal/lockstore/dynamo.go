package lockstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jun/doclock/internal/model"
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Condition expressions. expires_at doubles as the table's TTL attribute.
const (
	acquireCondition = "attribute_not_exists(document_id) OR expires_at < :now OR user_id = :user_id"
	releaseCondition = "user_id = :user_id AND expires_at >= :now"
)

// DynamoStore keeps one item per document keyed by document_id.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	opts      options
}

func NewDynamoStore(client DynamoAPI, tableName string, opts ...Option) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName, opts: buildOptions(opts)}
}

func (s *DynamoStore) key(documentID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"document_id": &types.AttributeValueMemberS{Value: documentID},
	}
}

func (s *DynamoStore) Acquire(ctx context.Context, rec model.CheckoutRecord) (*model.CheckoutRecord, error) {
	now := s.opts.clock.Now()
	rec.ExpiresAt = now.Add(s.opts.ttl).Unix()

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkout record: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String(acquireCondition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":     &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			":user_id": &types.AttributeValueMemberS{Value: rec.UserID},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			var holder model.CheckoutRecord
			if len(ccf.Item) > 0 {
				if uerr := attributevalue.UnmarshalMap(ccf.Item, &holder); uerr != nil {
					return nil, fmt.Errorf("failed to unmarshal holder record: %w", uerr)
				}
			}
			if holder.DocumentID == "" {
				holder.DocumentID = rec.DocumentID
			}
			return nil, &LockedError{Record: holder}
		}
		return nil, fmt.Errorf("failed to acquire checkout: %w", err)
	}
	return &rec, nil
}

func (s *DynamoStore) Release(ctx context.Context, documentID, userID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(documentID),
		ConditionExpression: aws.String(releaseCondition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":user_id": &types.AttributeValueMemberS{Value: userID},
			":now":     &types.AttributeValueMemberN{Value: strconv.FormatInt(s.opts.clock.Now().Unix(), 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrNotHeld
		}
		return fmt.Errorf("failed to release checkout: %w", err)
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, documentID string) (*model.CheckoutRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(documentID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get checkout: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var rec model.CheckoutRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout record: %w", err)
	}
	// DynamoDB TTL deletion lags, so expiry is checked here too.
	if rec.ExpiresAt < s.opts.clock.Now().Unix() {
		return nil, nil
	}
	return &rec, nil
}
