package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zeroechelon/outpost/pkg/dispatcher"
	"github.com/zeroechelon/outpost/pkg/logstream"
	"github.com/zeroechelon/outpost/pkg/status"
	"github.com/zeroechelon/outpost/pkg/types"
)

var logsFlags struct {
	userID string
	limit  int
	follow bool
}

var logsCmd = &cobra.Command{
	Use:   "logs <dispatch-id>",
	Short: "Fetch or follow a dispatch's worker logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().StringVar(&logsFlags.userID, "user", "", "tenant user ID (required)")
	logsCmd.Flags().IntVar(&logsFlags.limit, "limit", 0, "max log lines per fetch")
	logsCmd.Flags().BoolVarP(&logsFlags.follow, "follow", "f", false, "poll for new lines until interrupted")
	_ = logsCmd.MarkFlagRequired("user")
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dispatchID := args[0]

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	// Tenant check rides on the status lookup; a foreign dispatch reads
	// as NotFound before any log call happens.
	d, err := dispatcher.Default()
	if err != nil {
		return err
	}
	view, err := d.GetDispatchStatus(ctx, logsFlags.userID, dispatchID, status.Options{SkipLogs: true})
	if err != nil {
		return err
	}

	if !logsFlags.follow {
		res, err := a.streamer.FetchLogs(ctx, logstream.FetchRequest{
			DispatchID: dispatchID,
			Agent:      view.Agent,
			Limit:      logsFlags.limit,
		})
		if err != nil {
			return err
		}
		printEntries(res.Logs)
		return nil
	}

	if err := a.streamer.Subscribe(dispatchID, view.Agent, func(entries []types.LogEntry) {
		printEntries(entries)
	}); err != nil {
		return err
	}
	defer a.streamer.Unsubscribe(dispatchID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}

func printEntries(entries []types.LogEntry) {
	for _, e := range entries {
		fmt.Printf("%s [%s] %s\n", e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"), e.Level, e.Message)
	}
}
