package aws

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"

	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
)

// CloudWatchLogs implements cloud.LogService on CloudWatch Logs.
type CloudWatchLogs struct {
	client *cloudwatchlogs.Client
}

// NewCloudWatchLogs creates a CloudWatch-backed log service.
func NewCloudWatchLogs(cfg aws.Config) *CloudWatchLogs {
	return &CloudWatchLogs{client: cloudwatchlogs.NewFromConfig(cfg)}
}

// translate maps CloudWatch errors to the shared taxonomy: missing
// groups/streams become NotFound (the streamer turns those into empty
// results), throttling becomes RateLimit.
func translate(err error, op string) error {
	var rnf *cwltypes.ResourceNotFoundException
	if errors.As(err, &rnf) {
		return errdefs.NotFound("%s: log group or stream does not exist", op)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ThrottlingException" {
		return errdefs.RateLimit("%s throttled by CloudWatch Logs", op)
	}
	return errdefs.Internal(err, "%s", op)
}

func toLogEvents(ts []cwltypes.OutputLogEvent) []cloud.LogEvent {
	out := make([]cloud.LogEvent, 0, len(ts))
	for _, e := range ts {
		out = append(out, cloud.LogEvent{
			Timestamp:     time.UnixMilli(aws.ToInt64(e.Timestamp)).UTC(),
			IngestionTime: time.UnixMilli(aws.ToInt64(e.IngestionTime)).UTC(),
			Message:       aws.ToString(e.Message),
		})
	}
	return out
}

func (c *CloudWatchLogs) GetLogEvents(ctx context.Context, group, stream string, limit int, startFromHead bool, token string) (*cloud.GetLogEventsOutput, error) {
	in := &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
		StartFromHead: aws.Bool(startFromHead),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	if token != "" {
		in.NextToken = aws.String(token)
	}

	out, err := c.client.GetLogEvents(ctx, in)
	if err != nil {
		return nil, translate(err, "GetLogEvents")
	}
	return &cloud.GetLogEventsOutput{
		Events:           toLogEvents(out.Events),
		NextForwardToken: aws.ToString(out.NextForwardToken),
	}, nil
}

func (c *CloudWatchLogs) FilterLogEvents(ctx context.Context, group string, streams []string, startTime, endTime time.Time, limit int, token string) (*cloud.FilterLogEventsOutput, error) {
	in := &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String(group),
	}
	if len(streams) > 0 {
		in.LogStreamNames = streams
	}
	if !startTime.IsZero() {
		in.StartTime = aws.Int64(startTime.UnixMilli())
	}
	if !endTime.IsZero() {
		in.EndTime = aws.Int64(endTime.UnixMilli())
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	if token != "" {
		in.NextToken = aws.String(token)
	}

	out, err := c.client.FilterLogEvents(ctx, in)
	if err != nil {
		return nil, translate(err, "FilterLogEvents")
	}

	events := make([]cloud.LogEvent, 0, len(out.Events))
	for _, e := range out.Events {
		events = append(events, cloud.LogEvent{
			Timestamp:     time.UnixMilli(aws.ToInt64(e.Timestamp)).UTC(),
			IngestionTime: time.UnixMilli(aws.ToInt64(e.IngestionTime)).UTC(),
			Message:       aws.ToString(e.Message),
		})
	}
	return &cloud.FilterLogEventsOutput{
		Events:    events,
		NextToken: aws.ToString(out.NextToken),
	}, nil
}

func (c *CloudWatchLogs) DescribeLogStreams(ctx context.Context, group, streamPrefix string, limit int) ([]string, error) {
	in := &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName: aws.String(group),
	}
	if streamPrefix != "" {
		in.LogStreamNamePrefix = aws.String(streamPrefix)
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.client.DescribeLogStreams(ctx, in)
	if err != nil {
		return nil, translate(err, "DescribeLogStreams")
	}
	names := make([]string, 0, len(out.LogStreams))
	for _, s := range out.LogStreams {
		names = append(names, aws.ToString(s.LogStreamName))
	}
	return names, nil
}
