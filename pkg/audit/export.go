package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"time"

	"github.com/zeroechelon/outpost/pkg/errdefs"
)

// ExportResult reports where an export landed and how much it covered.
type ExportResult struct {
	Bucket string
	Key    string
	Events int
}

// ExportToS3 streams every event in [start, end] to newline-delimited
// JSON in the audit bucket. The object key is
// {prefix}/{yyyy}/{MM}/{startDate}_{endDate}_{epochMs}.jsonl.
func (l *Logger) ExportToS3(ctx context.Context, start, end time.Time, prefix string) (*ExportResult, error) {
	if l.objects == nil || l.bucket == "" {
		return nil, errdefs.Internal(nil, "audit export is not configured")
	}
	if prefix == "" {
		prefix = "audit-exports"
	}
	if !end.After(start) {
		return nil, errdefs.Validation("invalid time range",
			fmt.Sprintf("end %s is not after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339)))
	}

	var buf bytes.Buffer
	count := 0
	cursor := ""
	for {
		page, err := l.store.QueryByTimeRange(ctx, start, end, cursor, 1000)
		if err != nil {
			return nil, err
		}
		for _, ev := range page.Items {
			line, err := json.Marshal(ev)
			if err != nil {
				return nil, errdefs.Internal(err, "marshal audit event %s", ev.EventID)
			}
			buf.Write(line)
			buf.WriteByte('\n')
			count++
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	key := fmt.Sprintf("%s/%s/%s_%s_%d.jsonl",
		prefix,
		start.UTC().Format("2006/01"),
		start.UTC().Format("2006-01-02"),
		end.UTC().Format("2006-01-02"),
		l.now().UTC().UnixMilli(),
	)

	err := l.objects.Put(ctx, l.bucket, key, buf.Bytes(), "application/x-ndjson", map[string]string{
		"range-start": start.UTC().Format(time.RFC3339),
		"range-end":   end.UTC().Format(time.RFC3339),
		"event-count": fmt.Sprintf("%d", count),
	})
	if err != nil {
		return nil, err
	}
	return &ExportResult{Bucket: l.bucket, Key: key, Events: count}, nil
}
