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
	"github.com/zeroechelon/outpost/pkg/log"
	"github.com/zeroechelon/outpost/pkg/store"
	"github.com/zeroechelon/outpost/pkg/types"
)

// idempotencyTTL bounds how long a (tenant, key) mapping replays the
// original dispatch.
const idempotencyTTL = 24 * time.Hour

type dispatchStore struct {
	client *dynamodb.Client
	tables Tables
}

type idemItem struct {
	IdemKey    string `dynamodbav:"idem_key"`
	UserID     string `dynamodbav:"user_id"`
	DispatchID string `dynamodbav:"dispatch_id"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
}

func idemKey(userID, key string) string {
	return userID + "#" + key
}

func (s *dispatchStore) Create(ctx context.Context, rec *types.DispatchRecord) error {
	item, err := attributevalue.MarshalMap(toDispatchItem(rec))
	if err != nil {
		return errdefs.Internal(err, "marshal dispatch %s", rec.DispatchID)
	}

	cond := expression.AttributeNotExists(expression.Name("dispatch_id"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return errdefs.Internal(err, "build dispatch create expression")
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.tables.Dispatches),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if conditionFailed(err) {
			return errdefs.Conflict("dispatch %s already exists", rec.DispatchID)
		}
		return errdefs.Internal(err, "put dispatch %s", rec.DispatchID)
	}

	if rec.IdempotencyKey != "" {
		s.putIdempotencyMapping(ctx, rec)
	}
	return nil
}

// putIdempotencyMapping is best-effort: a mapping write failure must
// never fail the dispatch it maps to.
func (s *dispatchStore) putIdempotencyMapping(ctx context.Context, rec *types.DispatchRecord) {
	item, err := attributevalue.MarshalMap(&idemItem{
		IdemKey:    idemKey(rec.UserID, rec.IdempotencyKey),
		UserID:     rec.UserID,
		DispatchID: rec.DispatchID,
		ExpiresAt:  time.Now().Add(idempotencyTTL).Unix(),
	})
	if err != nil {
		return
	}

	cond := expression.AttributeNotExists(expression.Name("idem_key"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.tables.Idempotency),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil && !conditionFailed(err) {
		log.WithDispatchID(rec.DispatchID).Warn().Err(err).
			Msg("idempotency mapping write failed")
	}
}

func (s *dispatchStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (*types.DispatchRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Idempotency),
		Key: map[string]ddbtypes.AttributeValue{
			"idem_key": &ddbtypes.AttributeValueMemberS{Value: idemKey(userID, key)},
		},
	})
	if err != nil || out.Item == nil {
		// Degraded mapping lookups read as a miss.
		return nil, nil
	}

	var mapping idemItem
	if err := attributevalue.UnmarshalMap(out.Item, &mapping); err != nil {
		return nil, nil
	}
	if mapping.ExpiresAt > 0 && time.Now().Unix() > mapping.ExpiresAt {
		// TTL deletion lags; an expired mapping is already a miss.
		return nil, nil
	}
	if mapping.UserID != userID {
		// A '#' smuggled into either key part can land two tenants on
		// one slot; a foreign mapping reads as a miss.
		return nil, nil
	}

	rec, err := s.GetByID(ctx, mapping.DispatchID)
	if errdefs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, nil
	}
	return rec, nil
}

func (s *dispatchStore) GetByID(ctx context.Context, dispatchID string) (*types.DispatchRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Dispatches),
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"dispatch_id": &ddbtypes.AttributeValueMemberS{Value: dispatchID},
		},
	})
	if err != nil {
		return nil, errdefs.Internal(err, "get dispatch %s", dispatchID)
	}
	if out.Item == nil {
		return nil, errdefs.NotFound("dispatch %s does not exist", dispatchID)
	}

	var item dispatchItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, errdefs.Internal(err, "unmarshal dispatch %s", dispatchID)
	}
	return item.toRecord()
}

func (s *dispatchStore) UpdateStatus(ctx context.Context, dispatchID string, newStatus types.DispatchStatus, expectedVersion int64, extras store.UpdateExtras) (*types.DispatchRecord, error) {
	cur, err := s.GetByID(ctx, dispatchID)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return nil, errdefs.Conflict("dispatch %s is already terminal (%s)", dispatchID, cur.Status)
	}
	if cur.Version != expectedVersion {
		return nil, errdefs.Conflict("dispatch %s version is %d, expected %d", dispatchID, cur.Version, expectedVersion)
	}
	if !types.ValidTransition(cur.Status, newStatus) {
		return nil, errdefs.Conflict("dispatch %s cannot go from %s to %s", dispatchID, cur.Status, newStatus)
	}

	update := expression.
		Set(expression.Name("status"), expression.Value(string(newStatus))).
		Set(expression.Name("version"), expression.Value(expectedVersion+1))
	if extras.TaskArn != "" {
		update = update.Set(expression.Name("task_arn"), expression.Value(extras.TaskArn))
	}
	if extras.ArtifactsURL != "" {
		update = update.Set(expression.Name("artifacts_url"), expression.Value(extras.ArtifactsURL))
	}
	if extras.ErrorMessage != "" {
		update = update.Set(expression.Name("error_message"), expression.Value(extras.ErrorMessage))
	}
	if newStatus.Terminal() {
		update = update.Set(expression.Name("ended_at"), expression.Value(formatTS(time.Now())))
	}

	// The version condition re-checks what the read saw; a racer that
	// committed in between fails the write, not just the read.
	cond := expression.Equal(expression.Name("version"), expression.Value(expectedVersion)).
		And(expression.Equal(expression.Name("status"), expression.Value(string(cur.Status))))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return nil, errdefs.Internal(err, "build dispatch update expression")
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tables.Dispatches),
		Key: map[string]ddbtypes.AttributeValue{
			"dispatch_id": &ddbtypes.AttributeValueMemberS{Value: dispatchID},
		},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              ddbtypes.ReturnValueAllNew,
	})
	if err != nil {
		if conditionFailed(err) {
			return nil, errdefs.Conflict("dispatch %s was modified concurrently", dispatchID)
		}
		return nil, errdefs.Internal(err, "update dispatch %s", dispatchID)
	}

	var item dispatchItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, errdefs.Internal(err, "unmarshal dispatch %s", dispatchID)
	}
	return item.toRecord()
}

func (s *dispatchStore) MarkCompleted(ctx context.Context, dispatchID string, expectedVersion int64, artifactsURL string) (*types.DispatchRecord, error) {
	return s.UpdateStatus(ctx, dispatchID, types.DispatchCompleted, expectedVersion, store.UpdateExtras{ArtifactsURL: artifactsURL})
}

func (s *dispatchStore) MarkFailed(ctx context.Context, dispatchID string, expectedVersion int64, errorMessage string) (*types.DispatchRecord, error) {
	return s.UpdateStatus(ctx, dispatchID, types.DispatchFailed, expectedVersion, store.UpdateExtras{ErrorMessage: errorMessage})
}

type dispatchCursor struct {
	DispatchID string `json:"d"`
	UserID     string `json:"u"`
	StartedAt  string `json:"s"`
}

func (s *dispatchStore) ListByTenant(ctx context.Context, userID string, f store.ListFilter) (*store.DispatchPage, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > store.MaxListLimit {
		limit = store.MaxListLimit
	}

	builder := expression.NewBuilder().
		WithKeyCondition(expression.Key("user_id").Equal(expression.Value(userID)))

	var filters []expression.ConditionBuilder
	if f.Status != nil {
		filters = append(filters, expression.Equal(expression.Name("status"), expression.Value(string(*f.Status))))
	}
	if f.Agent != nil {
		filters = append(filters, expression.Equal(expression.Name("agent_type"), expression.Value(string(*f.Agent))))
	}
	for k, v := range f.Tags {
		filters = append(filters, expression.Equal(expression.Name("tags").AppendName(expression.Name(k)), expression.Value(v)))
	}
	if len(filters) > 0 {
		filter := filters[0]
		for _, fc := range filters[1:] {
			filter = filter.And(fc)
		}
		builder = builder.WithFilter(filter)
	}

	expr, err := builder.Build()
	if err != nil {
		return nil, errdefs.Internal(err, "build dispatch list expression")
	}

	var startKey map[string]ddbtypes.AttributeValue
	if f.Cursor != "" {
		var cur dispatchCursor
		if err := decodeCursor(f.Cursor, &cur); err != nil {
			return nil, err
		}
		startKey = map[string]ddbtypes.AttributeValue{
			"dispatch_id": &ddbtypes.AttributeValueMemberS{Value: cur.DispatchID},
			"user_id":     &ddbtypes.AttributeValueMemberS{Value: cur.UserID},
			"started_at":  &ddbtypes.AttributeValueMemberS{Value: cur.StartedAt},
		}
	}

	page := &store.DispatchPage{}
	var lastItem *dispatchItem
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tables.Dispatches),
			IndexName:                 aws.String(indexUser),
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          aws.Bool(false),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, errdefs.Internal(err, "list dispatches for %s", userID)
		}

		for i := range out.Items {
			var item dispatchItem
			if err := attributevalue.UnmarshalMap(out.Items[i], &item); err != nil {
				return nil, errdefs.Internal(err, "unmarshal dispatch listing item")
			}
			rec, err := item.toRecord()
			if err != nil {
				return nil, err
			}
			page.Items = append(page.Items, rec)
			lastItem = &item
			if len(page.Items) == limit {
				page.NextCursor = encodeCursor(dispatchCursor{
					DispatchID: lastItem.DispatchID,
					UserID:     lastItem.UserID,
					StartedAt:  lastItem.StartedAt,
				})
				return page, nil
			}
		}

		if out.LastEvaluatedKey == nil {
			return page, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *dispatchStore) CountPendingByAgent(ctx context.Context, agent types.AgentKind) (int, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("status").Equal(expression.Value(string(types.DispatchPending)))).
		WithFilter(expression.Equal(expression.Name("agent_type"), expression.Value(string(agent)))).
		Build()
	if err != nil {
		return 0, errdefs.Internal(err, "build pending count expression")
	}

	count := 0
	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tables.Dispatches),
			IndexName:                 aws.String(indexStatus),
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			Select:                    ddbtypes.SelectCount,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return 0, errdefs.Internal(err, "count pending dispatches for %s", agent)
		}
		count += int(out.Count)
		if out.LastEvaluatedKey == nil {
			return count, nil
		}
		startKey = out.LastEvaluatedKey
	}
}
