package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zeroechelon/outpost/pkg/dispatcher"
	"github.com/zeroechelon/outpost/pkg/status"
	"github.com/zeroechelon/outpost/pkg/store"
	"github.com/zeroechelon/outpost/pkg/types"
)

var dispatchFlags struct {
	userID            string
	agent             string
	task              string
	taskFile          string
	modelID           string
	repoURL           string
	workspaceMode     string
	workspaceInitMode string
	timeoutSeconds    int
	contextLevel      string
	idempotencyKey    string
	tags              map[string]string
	maxMemoryMB       int
	maxCPUUnits       int
	maxDiskGB         int
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Submit a coding task to an agent worker",
	RunE:  runDispatch,
}

func init() {
	f := dispatchCmd.Flags()
	f.StringVar(&dispatchFlags.userID, "user", "", "tenant user ID (required)")
	f.StringVar(&dispatchFlags.agent, "agent", "", "agent kind: claude, codex, gemini, aider, grok (required)")
	f.StringVar(&dispatchFlags.task, "task", "", "task description")
	f.StringVar(&dispatchFlags.taskFile, "task-file", "", "read the task description from a file")
	f.StringVar(&dispatchFlags.modelID, "model", "", "model ID override")
	f.StringVar(&dispatchFlags.repoURL, "repo", "", "repository URL to check out")
	f.StringVar(&dispatchFlags.workspaceMode, "workspace-mode", "", "ephemeral or persistent")
	f.StringVar(&dispatchFlags.workspaceInitMode, "init-mode", "", "full, minimal, or none")
	f.IntVar(&dispatchFlags.timeoutSeconds, "timeout", 0, "timeout in seconds")
	f.StringVar(&dispatchFlags.contextLevel, "context", "", "minimal, standard, or full")
	f.StringVar(&dispatchFlags.idempotencyKey, "idempotency-key", "", "idempotency key for safe retries")
	f.StringToStringVar(&dispatchFlags.tags, "tag", nil, "tag as key=value, repeatable")
	f.IntVar(&dispatchFlags.maxMemoryMB, "max-memory", 0, "memory cap in MB")
	f.IntVar(&dispatchFlags.maxCPUUnits, "max-cpu", 0, "CPU cap in units")
	f.IntVar(&dispatchFlags.maxDiskGB, "max-disk", 0, "disk cap in GB")
	_ = dispatchCmd.MarkFlagRequired("user")
	_ = dispatchCmd.MarkFlagRequired("agent")
}

func runDispatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	task := dispatchFlags.task
	if dispatchFlags.taskFile != "" {
		data, err := os.ReadFile(dispatchFlags.taskFile)
		if err != nil {
			return fmt.Errorf("read task file: %w", err)
		}
		task = string(data)
	}

	req := types.DispatchRequest{
		UserID:            dispatchFlags.userID,
		Agent:             types.AgentKind(dispatchFlags.agent),
		Task:              task,
		ModelID:           dispatchFlags.modelID,
		RepoURL:           dispatchFlags.repoURL,
		WorkspaceMode:     types.WorkspaceMode(dispatchFlags.workspaceMode),
		WorkspaceInitMode: types.WorkspaceInitMode(dispatchFlags.workspaceInitMode),
		TimeoutSeconds:    dispatchFlags.timeoutSeconds,
		ContextLevel:      types.ContextLevel(dispatchFlags.contextLevel),
		IdempotencyKey:    dispatchFlags.idempotencyKey,
		Tags:              dispatchFlags.tags,
	}
	rc := &types.ResourceConstraints{}
	if dispatchFlags.maxMemoryMB > 0 {
		rc.MaxMemoryMB = &dispatchFlags.maxMemoryMB
	}
	if dispatchFlags.maxCPUUnits > 0 {
		rc.MaxCPUUnits = &dispatchFlags.maxCPUUnits
	}
	if dispatchFlags.maxDiskGB > 0 {
		rc.MaxDiskGB = &dispatchFlags.maxDiskGB
	}
	if rc.MaxMemoryMB != nil || rc.MaxCPUUnits != nil || rc.MaxDiskGB != nil {
		req.ResourceConstraints = rc
	}

	d, err := dispatcher.Default()
	if err != nil {
		return err
	}
	result, err := d.Dispatch(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(result)
}

var statusFlags struct {
	userID    string
	logOffset int
	logLimit  int
	noLogs    bool
}

var statusCmd = &cobra.Command{
	Use:   "status <dispatch-id>",
	Short: "Show merged status, progress, and recent logs for a dispatch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		d, err := dispatcher.Default()
		if err != nil {
			return err
		}
		view, err := d.GetDispatchStatus(ctx, statusFlags.userID, args[0], status.Options{
			LogOffset: statusFlags.logOffset,
			LogLimit:  statusFlags.logLimit,
			SkipLogs:  statusFlags.noLogs,
		})
		if err != nil {
			return err
		}
		return printJSON(view)
	},
}

var cancelFlags struct {
	userID string
	reason string
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <dispatch-id>",
	Short: "Cancel a pending or running dispatch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		d, err := dispatcher.Default()
		if err != nil {
			return err
		}
		rec, err := d.CancelDispatch(ctx, cancelFlags.userID, args[0], cancelFlags.reason)
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var listFlags struct {
	userID string
	status string
	agent  string
	tags   map[string]string
	limit  int
	cursor string
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's dispatches, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		d, err := dispatcher.Default()
		if err != nil {
			return err
		}
		f := store.ListFilter{
			Tags:   listFlags.tags,
			Limit:  listFlags.limit,
			Cursor: listFlags.cursor,
		}
		if listFlags.status != "" {
			st := types.DispatchStatus(listFlags.status)
			f.Status = &st
		}
		if listFlags.agent != "" {
			ag := types.AgentKind(listFlags.agent)
			f.Agent = &ag
		}
		page, err := d.ListDispatches(ctx, listFlags.userID, f)
		if err != nil {
			return err
		}
		return printJSON(page)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFlags.userID, "user", "", "tenant user ID (required)")
	statusCmd.Flags().IntVar(&statusFlags.logOffset, "log-offset", 0, "skip this many log lines")
	statusCmd.Flags().IntVar(&statusFlags.logLimit, "log-limit", 0, "max log lines to return")
	statusCmd.Flags().BoolVar(&statusFlags.noLogs, "no-logs", false, "omit logs from the view")
	_ = statusCmd.MarkFlagRequired("user")

	cancelCmd.Flags().StringVar(&cancelFlags.userID, "user", "", "tenant user ID (required)")
	cancelCmd.Flags().StringVar(&cancelFlags.reason, "reason", "cancelled by user", "cancellation reason")
	_ = cancelCmd.MarkFlagRequired("user")

	listCmd.Flags().StringVar(&listFlags.userID, "user", "", "tenant user ID (required)")
	listCmd.Flags().StringVar(&listFlags.status, "status", "", "filter by status (PENDING, RUNNING, ...)")
	listCmd.Flags().StringVar(&listFlags.agent, "agent", "", "filter by agent kind")
	listCmd.Flags().StringToStringVar(&listFlags.tags, "tag", nil, "filter by tag key=value, repeatable")
	listCmd.Flags().IntVar(&listFlags.limit, "limit", 0, "page size")
	listCmd.Flags().StringVar(&listFlags.cursor, "cursor", "", "pagination cursor")
	_ = listCmd.MarkFlagRequired("user")
}
