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
	"github.com/zeroechelon/outpost/pkg/store"
	"github.com/zeroechelon/outpost/pkg/types"
)

type auditStore struct {
	client *dynamodb.Client
	table  string
}

func auditLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > store.MaxAuditLimit {
		return store.MaxAuditLimit
	}
	return limit
}

func (s *auditStore) Put(ctx context.Context, ev *types.AuditEvent) error {
	auditItem, err := toAuditItem(ev)
	if err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(auditItem)
	if err != nil {
		return errdefs.Internal(err, "marshal audit event %s", ev.EventID)
	}

	cond := expression.AttributeNotExists(expression.Name("event_id"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return errdefs.Internal(err, "build audit put expression")
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if conditionFailed(err) {
			return errdefs.Conflict("audit event %s already exists", ev.EventID)
		}
		return errdefs.Internal(err, "put audit event %s", ev.EventID)
	}
	return nil
}

type auditCursor struct {
	EventID string `json:"e"`
	Key     string `json:"k"` // user_id or day, whichever index produced the page
	TS      string `json:"t"`
}

func (s *auditStore) QueryByUser(ctx context.Context, userID string, q store.AuditQuery) (*store.AuditPage, error) {
	limit := auditLimit(q.Limit)

	keyCond := expression.Key("user_id").Equal(expression.Value(userID))
	switch {
	case !q.Start.IsZero() && !q.End.IsZero():
		keyCond = keyCond.And(expression.Key("ts").Between(expression.Value(formatTS(q.Start)), expression.Value(formatTS(q.End))))
	case !q.Start.IsZero():
		keyCond = keyCond.And(expression.Key("ts").GreaterThanEqual(expression.Value(formatTS(q.Start))))
	case !q.End.IsZero():
		keyCond = keyCond.And(expression.Key("ts").LessThanEqual(expression.Value(formatTS(q.End))))
	}

	builder := expression.NewBuilder().WithKeyCondition(keyCond)
	if q.EventType != nil {
		builder = builder.WithFilter(expression.Equal(expression.Name("event_type"), expression.Value(string(*q.EventType))))
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, errdefs.Internal(err, "build audit user query expression")
	}

	var startKey map[string]ddbtypes.AttributeValue
	if q.Cursor != "" {
		var cur auditCursor
		if err := decodeCursor(q.Cursor, &cur); err != nil {
			return nil, err
		}
		startKey = map[string]ddbtypes.AttributeValue{
			"event_id": &ddbtypes.AttributeValueMemberS{Value: cur.EventID},
			"user_id":  &ddbtypes.AttributeValueMemberS{Value: cur.Key},
			"ts":       &ddbtypes.AttributeValueMemberS{Value: cur.TS},
		}
	}

	page := &store.AuditPage{}
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			IndexName:                 aws.String(indexUser),
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          aws.Bool(false),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, errdefs.Internal(err, "query audit events for %s", userID)
		}

		for i := range out.Items {
			var item auditItem
			if err := attributevalue.UnmarshalMap(out.Items[i], &item); err != nil {
				return nil, errdefs.Internal(err, "unmarshal audit listing item")
			}
			ev, err := item.toEvent()
			if err != nil {
				return nil, err
			}
			page.Items = append(page.Items, ev)
			if len(page.Items) == limit {
				page.NextCursor = encodeCursor(auditCursor{
					EventID: item.EventID,
					Key:     item.UserID,
					TS:      item.TS,
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

// QueryByTimeRange walks the day-index one UTC day partition at a time
// so the exporter sees events in chronological order across the range.
func (s *auditStore) QueryByTimeRange(ctx context.Context, start, end time.Time, cursor string, limit int) (*store.AuditPage, error) {
	limit = auditLimit(limit)

	day := start.UTC().Truncate(24 * time.Hour)
	var startKey map[string]ddbtypes.AttributeValue
	if cursor != "" {
		var cur auditCursor
		if err := decodeCursor(cursor, &cur); err != nil {
			return nil, err
		}
		resumeDay, err := time.Parse(dayLayout, cur.Key)
		if err != nil {
			return nil, errdefs.Validation("cursor is not valid", "cursor")
		}
		day = resumeDay
		startKey = map[string]ddbtypes.AttributeValue{
			"event_id": &ddbtypes.AttributeValueMemberS{Value: cur.EventID},
			"day":      &ddbtypes.AttributeValueMemberS{Value: cur.Key},
			"ts":       &ddbtypes.AttributeValueMemberS{Value: cur.TS},
		}
	}

	page := &store.AuditPage{}
	for !day.After(end.UTC()) {
		keyCond := expression.Key("day").Equal(expression.Value(day.Format(dayLayout))).
			And(expression.Key("ts").Between(expression.Value(formatTS(start)), expression.Value(formatTS(end))))
		expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
		if err != nil {
			return nil, errdefs.Internal(err, "build audit range expression")
		}

		for {
			out, err := s.client.Query(ctx, &dynamodb.QueryInput{
				TableName:                 aws.String(s.table),
				IndexName:                 aws.String(indexDay),
				KeyConditionExpression:    expr.KeyCondition(),
				ExpressionAttributeNames:  expr.Names(),
				ExpressionAttributeValues: expr.Values(),
				ExclusiveStartKey:         startKey,
			})
			if err != nil {
				return nil, errdefs.Internal(err, "query audit events for %s", day.Format(dayLayout))
			}

			for i := range out.Items {
				var item auditItem
				if err := attributevalue.UnmarshalMap(out.Items[i], &item); err != nil {
					return nil, errdefs.Internal(err, "unmarshal audit range item")
				}
				ev, err := item.toEvent()
				if err != nil {
					return nil, err
				}
				page.Items = append(page.Items, ev)
				if len(page.Items) == limit {
					page.NextCursor = encodeCursor(auditCursor{
						EventID: item.EventID,
						Key:     item.Day,
						TS:      item.TS,
					})
					return page, nil
				}
			}

			if out.LastEvaluatedKey == nil {
				break
			}
			startKey = out.LastEvaluatedKey
		}

		day = day.Add(24 * time.Hour)
		startKey = nil
	}
	return page, nil
}
