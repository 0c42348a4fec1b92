// Package logstream reads worker logs out of the log service: one-shot
// fetches with pagination, and polling subscriptions with exactly-once
// delivery. Every upstream call goes through a sliding-window rate
// limiter.
package logstream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/types"
)

const (
	// MaxFetchLimit bounds one fetch page.
	MaxFetchLimit = 10000
	// DefaultFetchLimit applies when the caller leaves Limit zero.
	DefaultFetchLimit = 100
	// logGroupPrefix is where agent workers write their streams.
	logGroupPrefix = "/outpost/agents/"
)

// Config tunes the streamer.
type Config struct {
	PollingInterval   time.Duration
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Streamer fetches and follows dispatch logs.
type Streamer struct {
	logs    cloud.LogService
	limiter *slidingWindow
	cfg     Config

	mu   sync.RWMutex
	subs map[string]*subscription
}

// New creates a streamer with the documented defaults for any zero
// config field.
func New(logs cloud.LogService, cfg Config) *Streamer {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 1500 * time.Millisecond
	}
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = 10
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Second
	}
	return &Streamer{
		logs:    logs,
		limiter: newSlidingWindow(cfg.RateLimitRequests, cfg.RateLimitWindow),
		cfg:     cfg,
		subs:    make(map[string]*subscription),
	}
}

// LogGroup names the log group for an agent kind.
func LogGroup(agent types.AgentKind) string {
	return logGroupPrefix + string(agent)
}

// FetchRequest asks for one page of a dispatch's logs. The stream name
// is the dispatch ID.
type FetchRequest struct {
	DispatchID string
	Agent      types.AgentKind
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
	NextToken  string
}

// FetchResult is one page of logs.
type FetchResult struct {
	Logs          []types.LogEntry
	NextToken     string
	HasMore       bool
	LastTimestamp *time.Time
}

// FetchLogs reads one page. Time-bounded requests use the filter path;
// unbounded requests walk the stream forward with the provided token.
// A missing group or stream yields an empty result, not an error.
func (s *Streamer) FetchLogs(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	if limit > MaxFetchLimit {
		limit = MaxFetchLimit
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	group := LogGroup(req.Agent)
	res := &FetchResult{}

	if !req.StartTime.IsZero() || !req.EndTime.IsZero() {
		out, err := s.logs.FilterLogEvents(ctx, group, []string{req.DispatchID}, req.StartTime, req.EndTime, limit, req.NextToken)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return res, nil
			}
			return nil, err
		}
		res.Logs = toEntries(out.Events)
		res.NextToken = out.NextToken
		res.HasMore = out.NextToken != ""
	} else {
		out, err := s.logs.GetLogEvents(ctx, group, req.DispatchID, limit, true, req.NextToken)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return res, nil
			}
			return nil, err
		}
		res.Logs = toEntries(out.Events)
		res.NextToken = out.NextForwardToken
		// The sequential call returns the same token at the stream tail,
		// so "more" means we actually got events back.
		res.HasMore = len(out.Events) > 0 && out.NextForwardToken != req.NextToken
	}

	if n := len(res.Logs); n > 0 {
		ts := res.Logs[n-1].Timestamp
		res.LastTimestamp = &ts
	}
	return res, nil
}

func toEntries(events []cloud.LogEvent) []types.LogEntry {
	out := make([]types.LogEntry, 0, len(events))
	for _, e := range events {
		out = append(out, types.LogEntry{
			Timestamp: e.Timestamp,
			Message:   e.Message,
			Level:     ParseLevel(e.Message),
		})
	}
	return out
}

// ParseLevel extracts a log level from the message body. Defaults to
// info.
func ParseLevel(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "[error]"), strings.Contains(lower, "error:"),
		strings.Contains(lower, "exception"), strings.Contains(lower, "fatal"):
		return "error"
	case strings.Contains(lower, "[warn]"), strings.Contains(lower, "warning:"):
		return "warn"
	case strings.Contains(lower, "[debug]"), strings.Contains(lower, "debug:"):
		return "debug"
	}
	return "info"
}
