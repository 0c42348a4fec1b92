package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zeroechelon/outpost/pkg/types"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect and operate the warm pool",
}

var poolHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show per-agent pool counts and utilization",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		health, err := a.manager.Health(ctx)
		if err != nil {
			return err
		}
		health.LastScaleAction = a.autoscaler.LastAction()
		return printJSON(health)
	},
}

var poolWarmFlags struct {
	agents []string
}

var poolWarmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Pre-provision idle workers up to each agent's target",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		agents := types.AllAgents
		if len(poolWarmFlags.agents) > 0 {
			agents = agents[:0]
			for _, s := range poolWarmFlags.agents {
				k := types.AgentKind(s)
				if !types.ValidAgent(k) {
					return fmt.Errorf("unknown agent kind %q", s)
				}
				agents = append(agents, k)
			}
		}
		if err := a.manager.WarmPool(ctx, agents); err != nil {
			return err
		}
		health, err := a.manager.Health(ctx)
		if err != nil {
			return err
		}
		return printJSON(health)
	},
}

var poolDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Terminate all idle pool workers and stop refills",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.lifecycle.DrainPool(ctx); err != nil {
			return err
		}
		fmt.Println("pool drained; in-use workers finish their dispatches")
		return nil
	},
}

var poolRecycleCmd = &cobra.Command{
	Use:   "recycle",
	Short: "Terminate idle workers past the idle timeout",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		return a.manager.RecycleIdleTasks(ctx)
	},
}

func init() {
	poolWarmCmd.Flags().StringSliceVar(&poolWarmFlags.agents, "agent", nil, "restrict to these agent kinds, repeatable")
	poolCmd.AddCommand(poolHealthCmd)
	poolCmd.AddCommand(poolWarmCmd)
	poolCmd.AddCommand(poolDrainCmd)
	poolCmd.AddCommand(poolRecycleCmd)
}
