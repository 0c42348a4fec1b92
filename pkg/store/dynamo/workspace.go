package dynamo

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/types"
)

type workspaceStore struct {
	client *dynamodb.Client
	table  string
}

func workspaceItemKey(userID, workspaceID string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"user_id":      &ddbtypes.AttributeValueMemberS{Value: userID},
		"workspace_id": &ddbtypes.AttributeValueMemberS{Value: workspaceID},
	}
}

func (s *workspaceStore) Put(ctx context.Context, rec *types.WorkspaceRecord) error {
	item, err := attributevalue.MarshalMap(toWorkspaceItem(rec))
	if err != nil {
		return errdefs.Internal(err, "marshal workspace %s", rec.WorkspaceID)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return errdefs.Internal(err, "put workspace %s", rec.WorkspaceID)
	}
	return nil
}

func (s *workspaceStore) Get(ctx context.Context, userID, workspaceID string) (*types.WorkspaceRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
		Key:            workspaceItemKey(userID, workspaceID),
	})
	if err != nil {
		return nil, errdefs.Internal(err, "get workspace %s", workspaceID)
	}
	if out.Item == nil {
		return nil, errdefs.NotFound("workspace %s does not exist for user %s", workspaceID, userID)
	}

	var item workspaceItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, errdefs.Internal(err, "unmarshal workspace %s", workspaceID)
	}
	return item.toRecord()
}

func (s *workspaceStore) ListByUser(ctx context.Context, userID string) ([]*types.WorkspaceRecord, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("user_id").Equal(expression.Value(userID))).
		Build()
	if err != nil {
		return nil, errdefs.Internal(err, "build workspace list expression")
	}

	var records []*types.WorkspaceRecord
	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ConsistentRead:            aws.Bool(true),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, errdefs.Internal(err, "list workspaces for %s", userID)
		}

		for i := range out.Items {
			var item workspaceItem
			if err := attributevalue.UnmarshalMap(out.Items[i], &item); err != nil {
				return nil, errdefs.Internal(err, "unmarshal workspace listing item")
			}
			rec, err := item.toRecord()
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}

		if out.LastEvaluatedKey == nil {
			return records, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *workspaceStore) Delete(ctx context.Context, userID, workspaceID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       workspaceItemKey(userID, workspaceID),
	})
	if err != nil {
		return errdefs.Internal(err, "delete workspace %s", workspaceID)
	}
	return nil
}

func (s *workspaceStore) TouchAccess(ctx context.Context, userID, workspaceID string, at time.Time, sizeBytes int64) error {
	update := expression.
		Set(expression.Name("last_accessed_at"), expression.Value(formatTS(at))).
		Set(expression.Name("size_bytes"), expression.Value(sizeBytes))
	cond := expression.AttributeExists(expression.Name("workspace_id"))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return errdefs.Internal(err, "build workspace touch expression")
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       workspaceItemKey(userID, workspaceID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if conditionFailed(err) {
			return errdefs.NotFound("workspace %s does not exist for user %s", workspaceID, userID)
		}
		return errdefs.Internal(err, "touch workspace %s", workspaceID)
	}
	return nil
}
