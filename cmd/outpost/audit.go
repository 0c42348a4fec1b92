package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeroechelon/outpost/pkg/store"
	"github.com/zeroechelon/outpost/pkg/types"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and export the audit trail",
}

var auditQueryFlags struct {
	userID    string
	eventType string
	start     string
	end       string
	limit     int
	cursor    string
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List a tenant's audit events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		q := store.AuditQuery{
			Limit:  auditQueryFlags.limit,
			Cursor: auditQueryFlags.cursor,
		}
		if auditQueryFlags.eventType != "" {
			et := types.AuditEventType(auditQueryFlags.eventType)
			q.EventType = &et
		}
		if q.Start, err = parseAuditTime(auditQueryFlags.start); err != nil {
			return err
		}
		if q.End, err = parseAuditTime(auditQueryFlags.end); err != nil {
			return err
		}

		page, err := a.auditor.QueryByUser(ctx, auditQueryFlags.userID, q)
		if err != nil {
			return err
		}
		return printJSON(page)
	},
}

var auditExportFlags struct {
	start  string
	end    string
	prefix string
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a time range of audit events to the archive bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		start, err := parseAuditTime(auditExportFlags.start)
		if err != nil {
			return err
		}
		end, err := parseAuditTime(auditExportFlags.end)
		if err != nil {
			return err
		}
		if start.IsZero() || end.IsZero() {
			return fmt.Errorf("--start and --end are required")
		}

		result, err := a.auditor.ExportToS3(ctx, start, end, auditExportFlags.prefix)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

// parseAuditTime accepts RFC 3339 or a bare date.
func parseAuditTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	return t, nil
}

func init() {
	auditQueryCmd.Flags().StringVar(&auditQueryFlags.userID, "user", "", "tenant user ID (required)")
	auditQueryCmd.Flags().StringVar(&auditQueryFlags.eventType, "type", "", "filter by event type")
	auditQueryCmd.Flags().StringVar(&auditQueryFlags.start, "start", "", "range start (RFC 3339 or YYYY-MM-DD)")
	auditQueryCmd.Flags().StringVar(&auditQueryFlags.end, "end", "", "range end (RFC 3339 or YYYY-MM-DD)")
	auditQueryCmd.Flags().IntVar(&auditQueryFlags.limit, "limit", 0, "page size")
	auditQueryCmd.Flags().StringVar(&auditQueryFlags.cursor, "cursor", "", "pagination cursor")
	_ = auditQueryCmd.MarkFlagRequired("user")

	auditExportCmd.Flags().StringVar(&auditExportFlags.start, "start", "", "range start (required)")
	auditExportCmd.Flags().StringVar(&auditExportFlags.end, "end", "", "range end (required)")
	auditExportCmd.Flags().StringVar(&auditExportFlags.prefix, "prefix", "audit-exports", "object key prefix")

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditExportCmd)
}
