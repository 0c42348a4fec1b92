package main

import (
	"github.com/spf13/cobra"
)

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Manage persistent workspaces",
}

var workspaceUserID string

var workspaceCreateFlags struct {
	repoURL string
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <workspace-id>",
	Short: "Create a persistent workspace backed by an access point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		rec, err := a.workspaces.CreatePersistentWorkspace(ctx, workspaceUserID, args[0], workspaceCreateFlags.repoURL)
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var workspaceGetCmd = &cobra.Command{
	Use:   "get <workspace-id>",
	Short: "Show one workspace record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		rec, err := a.workspaces.GetWorkspace(ctx, workspaceUserID, args[0])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		recs, err := a.workspaces.ListWorkspaces(ctx, workspaceUserID)
		if err != nil {
			return err
		}
		return printJSON(recs)
	},
}

var workspaceDeleteCmd = &cobra.Command{
	Use:   "delete <workspace-id>",
	Short: "Delete a workspace and its access point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		return a.workspaces.DeleteWorkspace(ctx, workspaceUserID, args[0])
	},
}

func init() {
	workspaceCmd.PersistentFlags().StringVar(&workspaceUserID, "user", "", "tenant user ID (required)")
	_ = workspaceCmd.MarkPersistentFlagRequired("user")

	workspaceCreateCmd.Flags().StringVar(&workspaceCreateFlags.repoURL, "repo", "", "repository URL to associate")

	workspaceCmd.AddCommand(workspaceCreateCmd)
	workspaceCmd.AddCommand(workspaceGetCmd)
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceDeleteCmd)
}
