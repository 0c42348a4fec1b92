// Package dispatcher coordinates a task submission end to end:
// validation, idempotency, task selection, secret validation, record
// creation, worker launch, and the best-effort side effects that follow.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeroechelon/outpost/pkg/audit"
	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/events"
	"github.com/zeroechelon/outpost/pkg/ids"
	"github.com/zeroechelon/outpost/pkg/launcher"
	"github.com/zeroechelon/outpost/pkg/log"
	"github.com/zeroechelon/outpost/pkg/metrics"
	"github.com/zeroechelon/outpost/pkg/pool"
	"github.com/zeroechelon/outpost/pkg/registry"
	"github.com/zeroechelon/outpost/pkg/secrets"
	"github.com/zeroechelon/outpost/pkg/selector"
	"github.com/zeroechelon/outpost/pkg/status"
	"github.com/zeroechelon/outpost/pkg/store"
	"github.com/zeroechelon/outpost/pkg/types"
)

// Cost event identity on the external bus.
const (
	costEventSource     = "outpost.dispatcher"
	costEventDetailType = "LedgerCostEvent"
)

// Config carries dispatcher settings.
type Config struct {
	EventBusName string
	Environment  string
}

// Dispatcher is the orchestrator.
type Dispatcher struct {
	dispatches store.DispatchStore
	pool       *pool.Manager
	launcher   *launcher.Launcher
	injector   *secrets.Injector
	audit      *audit.Logger
	bus        cloud.EventBus
	broker     *events.Broker
	tracker    *status.Tracker
	cfg        Config

	now   func() time.Time
	newID func() string
}

// New wires a dispatcher. pool, bus, broker, tracker, and audit may be
// nil; the corresponding behaviors degrade to direct launches and
// silence.
func New(dispatches store.DispatchStore, poolMgr *pool.Manager, l *launcher.Launcher, injector *secrets.Injector, auditLogger *audit.Logger, bus cloud.EventBus, broker *events.Broker, tracker *status.Tracker, cfg Config) *Dispatcher {
	return &Dispatcher{
		dispatches: dispatches,
		pool:       poolMgr,
		launcher:   l,
		injector:   injector,
		audit:      auditLogger,
		bus:        bus,
		broker:     broker,
		tracker:    tracker,
		cfg:        cfg,
		now:        time.Now,
		newID:      ids.New,
	}
}

// Dispatch validates and launches one task submission, returning as
// soon as the worker is handed to the runtime.
func (d *Dispatcher) Dispatch(ctx context.Context, req types.DispatchRequest) (*types.DispatchResult, error) {
	// Idempotent replay short-circuits before any validation cost. A
	// mapping that resolves to another tenant's record reads as a miss;
	// replaying it would leak that tenant's dispatch ID and tags.
	if req.IdempotencyKey != "" {
		if existing, err := d.dispatches.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey); err == nil && existing != nil && existing.UserID == req.UserID {
			metrics.IdempotentReplays.Inc()
			replayStatus := status.StatusProvisioning
			if existing.Status == types.DispatchPending {
				replayStatus = status.StatusPending
			}
			return &types.DispatchResult{
				DispatchID: existing.DispatchID,
				Status:     replayStatus,
				Agent:      existing.Agent,
				ModelID:    existing.ModelID,
				Idempotent: true,
				Tags:       existing.Tags,
			}, nil
		}
	}

	applyDefaults(&req)
	if err := validateRequest(&req); err != nil {
		metrics.DispatchValidationFailures.Inc()
		return nil, err
	}

	dispatchID := d.newID()
	lg := log.WithDispatchID(dispatchID)

	taskDef, err := selector.SelectTaskDefinition(req.Agent, req.ModelID)
	if err != nil {
		return nil, err
	}

	if _, err := d.injector.BuildContainerSecrets(ctx, req.Agent, req.UserID, nil); err != nil {
		d.audit.LogDispatch(ctx, req.UserID, "dispatch", dispatchID, types.OutcomeFailure, nil, err.Error())
		return nil, err
	}

	now := d.now().UTC()
	rec := &types.DispatchRecord{
		DispatchID:     dispatchID,
		UserID:         req.UserID,
		Agent:          req.Agent,
		ModelID:        taskDef.ModelID,
		Task:           req.Task,
		Status:         types.DispatchPending,
		StartedAt:      now,
		TimeoutSeconds: req.TimeoutSeconds,
		Version:        1,
		IdempotencyKey: req.IdempotencyKey,
		Tags:           req.Tags,
	}
	if err := d.dispatches.Create(ctx, rec); err != nil {
		return nil, err
	}
	d.publish(events.EventDispatchCreated, rec, "")

	taskArn, err := d.placeWorker(ctx, rec, req, taskDef)
	if err != nil {
		// Roll the record to FAILED so the dispatch never hangs PENDING.
		if _, mfErr := d.dispatches.MarkFailed(ctx, dispatchID, rec.Version, "worker launch failed: "+err.Error()); mfErr != nil {
			lg.Error().Err(mfErr).Msg("failed to mark dispatch failed after launch error")
		}
		metrics.DispatchesTotal.WithLabelValues(string(req.Agent), "launch_failed").Inc()
		d.publish(events.EventDispatchFailed, rec, err.Error())
		d.audit.LogDispatch(ctx, req.UserID, "dispatch", dispatchID, types.OutcomeFailure, nil, err.Error())
		return nil, err
	}

	// PENDING → RUNNING is best-effort: the worker is already placed and
	// drives its own terminal transition either way.
	if _, err := d.dispatches.UpdateStatus(ctx, dispatchID, types.DispatchRunning, rec.Version, store.UpdateExtras{TaskArn: taskArn}); err != nil {
		lg.Warn().Err(err).Msg("running transition failed")
	}
	d.publish(events.EventDispatchRunning, rec, "")

	d.emitCostEvent(rec, req, taskDef)

	metrics.DispatchesTotal.WithLabelValues(string(req.Agent), "dispatched").Inc()
	d.audit.LogDispatch(ctx, req.UserID, "dispatch", dispatchID, types.OutcomeSuccess, types.MetaMapOf(map[string]*types.MetaValue{
		"agent":    types.MetaStr(string(req.Agent)),
		"model_id": types.MetaStr(taskDef.ModelID),
		"tier":     types.MetaStr(string(taskDef.Tier)),
	}), "")

	return &types.DispatchResult{
		DispatchID:         dispatchID,
		Status:             status.StatusProvisioning,
		Agent:              req.Agent,
		ModelID:            taskDef.ModelID,
		EstimatedStartTime: now.Add(time.Duration(registry.StartOffsetSeconds(taskDef.Tier)) * time.Second),
		Tags:               req.Tags,
	}, nil
}

// placeWorker prefers a warm pool worker and falls back to a cold
// launch.
func (d *Dispatcher) placeWorker(ctx context.Context, rec *types.DispatchRecord, req types.DispatchRequest, taskDef *types.TaskDefinition) (string, error) {
	if d.pool != nil {
		entry, err := d.pool.AcquireTask(ctx, req.Agent)
		if err != nil {
			log.WithDispatchID(rec.DispatchID).Warn().Err(err).Msg("pool acquire failed, launching cold")
		} else if entry != nil {
			return entry.TaskArn, nil
		}
	}

	res, err := d.launcher.LaunchTask(ctx, launcher.Request{
		DispatchID:          rec.DispatchID,
		UserID:              req.UserID,
		Agent:               req.Agent,
		Task:                req.Task,
		WorkspaceMode:       req.WorkspaceMode,
		WorkspaceInitMode:   req.WorkspaceInitMode,
		TimeoutSeconds:      req.TimeoutSeconds,
		ModelID:             req.ModelID,
		RepoURL:             req.RepoURL,
		ResourceConstraints: req.ResourceConstraints,
	})
	if err != nil {
		return "", err
	}
	return res.TaskArn, nil
}

// emitCostEvent pushes the ledger event asynchronously; failures are
// logged, never surfaced.
func (d *Dispatcher) emitCostEvent(rec *types.DispatchRecord, req types.DispatchRequest, taskDef *types.TaskDefinition) {
	if d.bus == nil {
		return
	}

	detail := map[string]interface{}{
		"dispatchId":    rec.DispatchID,
		"userId":        rec.UserID,
		"agent":         rec.Agent,
		"modelId":       taskDef.ModelID,
		"tier":          taskDef.Tier,
		"startedAt":     rec.StartedAt.Format(time.RFC3339),
		"workspaceMode": req.WorkspaceMode,
		"resourceLimits": map[string]int{
			"cpuUnits": taskDef.CPU,
			"memoryMb": taskDef.MemoryMB,
		},
	}
	body, err := json.Marshal(detail)
	if err != nil {
		log.WithDispatchID(rec.DispatchID).Warn().Err(err).Msg("cost event marshal failed")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := d.bus.PutEvents(ctx, []cloud.BusEvent{{
			EventBus:   d.cfg.EventBusName,
			Source:     costEventSource,
			DetailType: costEventDetailType,
			Time:       rec.StartedAt,
			Detail:     string(body),
		}})
		if err != nil {
			log.WithDispatchID(rec.DispatchID).Warn().Err(err).Msg("cost event emission failed")
		}
	}()
}

// CancelDispatch stops a non-terminal dispatch. The runtime stop is
// best-effort; the record transition is not.
func (d *Dispatcher) CancelDispatch(ctx context.Context, userID, dispatchID, reason string) (*types.DispatchRecord, error) {
	rec, err := d.getOwned(ctx, userID, dispatchID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, errdefs.Conflict("dispatch %s is already %s", dispatchID, rec.Status)
	}

	if rec.TaskArn != "" {
		if err := d.launcher.StopTask(ctx, rec.TaskArn, reason); err != nil {
			log.WithDispatchID(dispatchID).Warn().Err(err).Msg("runtime stop failed during cancel")
		}
	}

	updated, err := d.dispatches.UpdateStatus(ctx, dispatchID, types.DispatchCancelled, rec.Version, store.UpdateExtras{ErrorMessage: reason})
	if err != nil {
		return nil, err
	}
	if d.tracker != nil {
		d.tracker.Invalidate(dispatchID)
	}
	metrics.DispatchesTotal.WithLabelValues(string(rec.Agent), "cancelled").Inc()
	d.publish(events.EventDispatchCancelled, updated, reason)
	d.audit.LogDispatch(ctx, userID, "cancel", dispatchID, types.OutcomeSuccess, nil, "")
	return updated, nil
}

// GetDispatchStatus returns the merged status view, enforcing tenant
// ownership: a foreign dispatch reads as NotFound.
func (d *Dispatcher) GetDispatchStatus(ctx context.Context, userID, dispatchID string, opts status.Options) (*types.DispatchStatusView, error) {
	if _, err := d.getOwned(ctx, userID, dispatchID); err != nil {
		d.audit.LogStatusQuery(ctx, userID, dispatchID, types.OutcomeFailure)
		return nil, err
	}
	view, err := d.tracker.GetStatus(ctx, dispatchID, opts)
	if err != nil {
		d.audit.LogStatusQuery(ctx, userID, dispatchID, types.OutcomeFailure)
		return nil, err
	}
	d.audit.LogStatusQuery(ctx, userID, dispatchID, types.OutcomeSuccess)
	return view, nil
}

// ListDispatches pages a tenant's dispatches.
func (d *Dispatcher) ListDispatches(ctx context.Context, userID string, f store.ListFilter) (*store.DispatchPage, error) {
	if f.Limit <= 0 || f.Limit > store.MaxListLimit {
		f.Limit = store.MaxListLimit
	}
	return d.dispatches.ListByTenant(ctx, userID, f)
}

// getOwned loads a dispatch and verifies tenant ownership. Ownership
// failures read as NotFound so tenants cannot probe each other's IDs.
func (d *Dispatcher) getOwned(ctx context.Context, userID, dispatchID string) (*types.DispatchRecord, error) {
	rec, err := d.dispatches.GetByID(ctx, dispatchID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, errdefs.NotFound("dispatch %s does not exist", dispatchID)
	}
	return rec, nil
}

func (d *Dispatcher) publish(typ events.EventType, rec *types.DispatchRecord, msg string) {
	if d.broker == nil {
		return
	}
	d.broker.Publish(&events.Event{
		ID:      rec.DispatchID,
		Type:    typ,
		Message: msg,
		Metadata: map[string]string{
			"agent":   string(rec.Agent),
			"user_id": rec.UserID,
		},
	})
}
