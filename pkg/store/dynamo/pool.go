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

// poolEntryTTL matches the bolt backend: entries left untouched for an
// hour read as absent, and DynamoDB's native TTL reaps the items.
const poolEntryTTL = time.Hour

type poolStore struct {
	client *dynamodb.Client
	table  string
}

func poolItemKey(agent types.AgentKind, taskArn string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"agent_type": &ddbtypes.AttributeValueMemberS{Value: string(agent)},
		"task_arn":   &ddbtypes.AttributeValueMemberS{Value: taskArn},
	}
}

func (s *poolStore) Create(ctx context.Context, e *types.PoolEntry) error {
	item, err := attributevalue.MarshalMap(toPoolItem(e, time.Now().Add(poolEntryTTL)))
	if err != nil {
		return errdefs.Internal(err, "marshal pool entry %s", e.TaskArn)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return errdefs.Internal(err, "put pool entry %s", e.TaskArn)
	}
	return nil
}

// transition updates the entry's status when fromStatus still holds and
// the entry has not expired. A failed condition reads as NotFound so
// racing claimers and stale transitions land on the same path.
func (s *poolStore) transition(ctx context.Context, agent types.AgentKind, taskArn string, fromStatus []types.PoolEntryStatus, toStatus types.PoolEntryStatus, touchLastUsed bool) (*types.PoolEntry, error) {
	now := time.Now()

	var statusCond expression.ConditionBuilder
	for i, fs := range fromStatus {
		c := expression.Equal(expression.Name("status"), expression.Value(string(fs)))
		if i == 0 {
			statusCond = c
		} else {
			statusCond = statusCond.Or(c)
		}
	}
	cond := expression.AttributeExists(expression.Name("task_arn")).
		And(statusCond).
		And(expression.GreaterThan(expression.Name("expires_at"), expression.Value(now.Unix())))

	update := expression.
		Set(expression.Name("status"), expression.Value(string(toStatus))).
		Set(expression.Name("expires_at"), expression.Value(now.Add(poolEntryTTL).Unix()))
	if touchLastUsed {
		update = update.Set(expression.Name("last_used_at"), expression.Value(formatTS(now)))
	}

	expr, err := expression.NewBuilder().WithCondition(cond).WithUpdate(update).Build()
	if err != nil {
		return nil, errdefs.Internal(err, "build pool transition expression")
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       poolItemKey(agent, taskArn),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              ddbtypes.ReturnValueAllNew,
	})
	if err != nil {
		if conditionFailed(err) {
			return nil, errdefs.NotFound("pool entry %s/%s is not available", agent, taskArn)
		}
		return nil, errdefs.Internal(err, "transition pool entry %s", taskArn)
	}

	var item poolItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, errdefs.Internal(err, "unmarshal pool entry %s", taskArn)
	}
	return item.toEntry()
}

func (s *poolStore) MarkInUse(ctx context.Context, agent types.AgentKind, taskArn string) (*types.PoolEntry, error) {
	return s.transition(ctx, agent, taskArn, []types.PoolEntryStatus{types.PoolIdle}, types.PoolInUse, true)
}

func (s *poolStore) MarkIdle(ctx context.Context, agent types.AgentKind, taskArn string) error {
	_, err := s.transition(ctx, agent, taskArn, []types.PoolEntryStatus{types.PoolInUse}, types.PoolIdle, true)
	return err
}

func (s *poolStore) MarkTerminating(ctx context.Context, agent types.AgentKind, taskArn string) error {
	_, err := s.transition(ctx, agent, taskArn, []types.PoolEntryStatus{types.PoolIdle, types.PoolInUse}, types.PoolTerminating, false)
	return err
}

func (s *poolStore) Delete(ctx context.Context, agent types.AgentKind, taskArn string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       poolItemKey(agent, taskArn),
	})
	if err != nil {
		return errdefs.Internal(err, "delete pool entry %s", taskArn)
	}
	return nil
}

func (s *poolStore) GetIdleTasks(ctx context.Context, agent types.AgentKind, n int) ([]*types.PoolEntry, error) {
	entries, err := s.listByAgent(ctx, agent, true)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (s *poolStore) ListByAgent(ctx context.Context, agent types.AgentKind) ([]*types.PoolEntry, error) {
	return s.listByAgent(ctx, agent, false)
}

func (s *poolStore) listByAgent(ctx context.Context, agent types.AgentKind, idleOnly bool) ([]*types.PoolEntry, error) {
	builder := expression.NewBuilder().
		WithKeyCondition(expression.Key("agent_type").Equal(expression.Value(string(agent))))

	// Expired-but-unreaped items must read as absent.
	filter := expression.GreaterThan(expression.Name("expires_at"), expression.Value(time.Now().Unix()))
	if idleOnly {
		filter = filter.And(expression.Equal(expression.Name("status"), expression.Value(string(types.PoolIdle))))
	}
	builder = builder.WithFilter(filter)

	expr, err := builder.Build()
	if err != nil {
		return nil, errdefs.Internal(err, "build pool list expression")
	}

	var entries []*types.PoolEntry
	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ConsistentRead:            aws.Bool(true),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, errdefs.Internal(err, "list pool entries for %s", agent)
		}

		for i := range out.Items {
			var item poolItem
			if err := attributevalue.UnmarshalMap(out.Items[i], &item); err != nil {
				return nil, errdefs.Internal(err, "unmarshal pool listing item")
			}
			entry, err := item.toEntry()
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}

		if out.LastEvaluatedKey == nil {
			return entries, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *poolStore) CountByAgent(ctx context.Context, agent types.AgentKind, status *types.PoolEntryStatus) (int, error) {
	entries, err := s.ListByAgent(ctx, agent)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if status == nil || e.Status == *status {
			count++
		}
	}
	return count, nil
}
