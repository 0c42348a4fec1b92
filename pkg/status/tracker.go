// Package status merges the persisted dispatch record, the container
// runtime's live view, and recent logs into one status answer, cached
// briefly to absorb polling callers.
package status

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/log"
	"github.com/zeroechelon/outpost/pkg/logstream"
	"github.com/zeroechelon/outpost/pkg/store"
	"github.com/zeroechelon/outpost/pkg/types"
)

const (
	// CacheTTL is how long a status answer stays warm.
	CacheTTL = 5 * time.Second
	// MaxLogLimit bounds logs per status call.
	MaxLogLimit = 1000
	// DefaultLogLimit applies when the caller leaves LogLimit zero.
	DefaultLogLimit = 100
	// progressLogWindow is how many recent lines the progress heuristic
	// scans.
	progressLogWindow = 50
	// defaultTimeoutSeconds backs the elapsed fraction when a record
	// predates timeout tracking.
	defaultTimeoutSeconds = 600
)

// Exposed status strings.
const (
	StatusProvisioning = "provisioning"
	StatusPending      = "pending"
	StatusRunning      = "running"
	StatusCompleting   = "completing"
	StatusSuccess      = "success"
	StatusFailed       = "failed"
	StatusTimeout      = "timeout"
	StatusCancelled    = "cancelled"
)

// Options narrow one status read.
type Options struct {
	// LogOffset skips already-seen lines; a nonzero offset bypasses the
	// cache.
	LogOffset int
	// LogLimit caps returned lines, default 100, max 1000.
	LogLimit int
	// SkipLogs omits log fetching entirely.
	SkipLogs bool
}

// Tracker answers status reads.
type Tracker struct {
	dispatches store.DispatchStore
	runtime    cloud.ContainerRuntime
	streamer   *logstream.Streamer
	cluster    string

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	view *types.DispatchStatusView
	at   time.Time
}

// NewTracker creates a status tracker.
func NewTracker(dispatches store.DispatchStore, runtime cloud.ContainerRuntime, streamer *logstream.Streamer, cluster string) *Tracker {
	return &Tracker{
		dispatches: dispatches,
		runtime:    runtime,
		streamer:   streamer,
		cluster:    cluster,
		cache:      make(map[string]cacheEntry),
		now:        time.Now,
	}
}

// GetStatus returns the merged status view for a dispatch, NotFound when
// it does not exist.
func (t *Tracker) GetStatus(ctx context.Context, dispatchID string, opts Options) (*types.DispatchStatusView, error) {
	cacheable := opts.LogOffset == 0 && !opts.SkipLogs
	if cacheable {
		if view := t.cached(dispatchID); view != nil {
			return view, nil
		}
	}

	rec, err := t.dispatches.GetByID(ctx, dispatchID)
	if err != nil {
		return nil, err
	}

	view := &types.DispatchStatusView{
		DispatchID:   rec.DispatchID,
		Status:       persistedStatus(rec.Status),
		Agent:        rec.Agent,
		ModelID:      rec.ModelID,
		StartedAt:    rec.StartedAt,
		EndedAt:      rec.EndedAt,
		ArtifactsURL: rec.ArtifactsURL,
		ErrorMessage: rec.ErrorMessage,
	}

	if rec.TaskArn != "" && !rec.Status.Terminal() {
		ts, err := t.runtime.DescribeTask(ctx, t.cluster, rec.TaskArn)
		switch {
		case err == nil:
			view.Status = runtimeStatus(ts)
		case errdefs.IsNotFound(err):
			// Runtime forgot the task; the persisted status stands.
		default:
			log.WithComponent("status").Warn().Err(err).
				Str("dispatch_id", dispatchID).
				Msg("runtime describe failed, using persisted status")
		}
	}

	if !opts.SkipLogs {
		view.Logs, view.LogOffset = t.fetchLogs(ctx, rec, opts)
	}

	view.Progress = t.progress(rec, view)

	if cacheable {
		t.mu.Lock()
		t.cache[dispatchID] = cacheEntry{view: view, at: t.now()}
		t.mu.Unlock()
	}
	return view, nil
}

// Invalidate drops a dispatch's cached view. Called after writes.
func (t *Tracker) Invalidate(dispatchID string) {
	t.mu.Lock()
	delete(t.cache, dispatchID)
	t.mu.Unlock()
}

func (t *Tracker) cached(dispatchID string) *types.DispatchStatusView {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.cache[dispatchID]
	if !ok || t.now().Sub(e.at) > CacheTTL {
		return nil
	}
	return e.view
}

func (t *Tracker) fetchLogs(ctx context.Context, rec *types.DispatchRecord, opts Options) ([]types.LogEntry, int) {
	limit := opts.LogLimit
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > MaxLogLimit {
		limit = MaxLogLimit
	}

	fetchLimit := opts.LogOffset + limit
	if fetchLimit > logstream.MaxFetchLimit {
		fetchLimit = logstream.MaxFetchLimit
	}

	res, err := t.streamer.FetchLogs(ctx, logstream.FetchRequest{
		DispatchID: rec.DispatchID,
		Agent:      rec.Agent,
		Limit:      fetchLimit,
	})
	if err != nil {
		log.WithComponent("status").Warn().Err(err).
			Str("dispatch_id", rec.DispatchID).
			Msg("log fetch failed")
		return nil, opts.LogOffset
	}

	logs := res.Logs
	if opts.LogOffset >= len(logs) {
		return nil, opts.LogOffset
	}
	logs = logs[opts.LogOffset:]
	if len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, opts.LogOffset + len(logs)
}

// persistedStatus maps a stored status onto the exposed vocabulary.
func persistedStatus(s types.DispatchStatus) string {
	switch s {
	case types.DispatchPending:
		return StatusPending
	case types.DispatchRunning:
		return StatusRunning
	case types.DispatchCompleted:
		return StatusSuccess
	case types.DispatchFailed:
		return StatusFailed
	case types.DispatchTimeout:
		return StatusTimeout
	case types.DispatchCancelled:
		return StatusCancelled
	}
	return strings.ToLower(string(s))
}

// runtimeStatus maps the runtime's task view onto the exposed
// vocabulary.
func runtimeStatus(ts *cloud.TaskStatus) string {
	switch ts.LastStatus {
	case "PROVISIONING", "ACTIVATING":
		return StatusProvisioning
	case "PENDING":
		return StatusPending
	case "RUNNING":
		return StatusRunning
	case "STOPPING", "DEACTIVATING", "DEPROVISIONING":
		return StatusCompleting
	case "STOPPED":
		return stoppedStatus(ts)
	}
	return StatusRunning
}

func stoppedStatus(ts *cloud.TaskStatus) string {
	reason := strings.ToLower(ts.StoppedReason)
	if strings.Contains(reason, "timeout") || strings.Contains(reason, "essential container") {
		return StatusTimeout
	}
	if strings.Contains(reason, "error") || strings.Contains(reason, "failed") {
		return StatusFailed
	}
	for _, c := range ts.Containers {
		if c.ExitCode != nil && *c.ExitCode != 0 {
			return StatusFailed
		}
	}
	return StatusSuccess
}

func terminalExposed(status string) bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}
