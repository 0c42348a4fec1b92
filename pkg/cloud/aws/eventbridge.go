package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"

	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
)

// EventBridgeBus implements cloud.EventBus on Amazon EventBridge.
type EventBridgeBus struct {
	client *eventbridge.Client
}

// NewEventBridgeBus creates an EventBridge-backed event bus.
func NewEventBridgeBus(cfg aws.Config) *EventBridgeBus {
	return &EventBridgeBus{client: eventbridge.NewFromConfig(cfg)}
}

func (b *EventBridgeBus) PutEvents(ctx context.Context, entries []cloud.BusEvent) error {
	if len(entries) == 0 {
		return nil
	}

	reqs := make([]ebtypes.PutEventsRequestEntry, 0, len(entries))
	for _, e := range entries {
		entry := ebtypes.PutEventsRequestEntry{
			Source:     aws.String(e.Source),
			DetailType: aws.String(e.DetailType),
			Detail:     aws.String(e.Detail),
		}
		if e.EventBus != "" {
			entry.EventBusName = aws.String(e.EventBus)
		}
		if !e.Time.IsZero() {
			t := e.Time
			entry.Time = &t
		}
		reqs = append(reqs, entry)
	}

	out, err := b.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: reqs})
	if err != nil {
		return errdefs.Internal(err, "eventbridge PutEvents")
	}
	if out.FailedEntryCount > 0 {
		for _, e := range out.Entries {
			if e.ErrorCode != nil {
				return errdefs.Internal(nil, "eventbridge rejected entry: %s (%s)",
					aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
			}
		}
	}
	return nil
}
