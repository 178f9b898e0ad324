package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/techiepookie/arguxai/internal/config"
	"github.com/techiepookie/arguxai/internal/types"
)

var funnelsCmd = &cobra.Command{
	Use:   "funnels",
	Short: "Manage the stored funnel definitions",
	Long: `Funnels live in the database. The funnels file (or the built-in login and
onboarding funnels) only seeds a database that has none; after that, use
these commands or the HTTP API to change them.`,
}

var funnelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List funnels in creation order",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		svc := openService(ctx)
		defer svc.Close()

		funnels, err := svc.ListFunnels(ctx)
		if err != nil {
			fail("%v", err)
		}
		if jsonOutput {
			printJSON(funnels)
			return
		}

		fmt.Printf("\n%s\n", cyan("=== Funnels ==="))
		if len(funnels) == 0 {
			fmt.Printf("  %s\n\n", gray("No funnels"))
			return
		}
		for _, f := range funnels {
			fmt.Printf("  %s  %s\n", f.Name, gray(formatSteps(f.Steps)))
		}
		fmt.Println()
	},
}

var funnelsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one funnel",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		svc := openService(ctx)
		defer svc.Close()

		f, err := svc.GetFunnel(ctx, args[0])
		if err != nil {
			fail("%v", err)
		}
		if jsonOutput {
			printJSON(f)
			return
		}
		printFunnel(f)
	},
}

var funnelsApplyCmd = &cobra.Command{
	Use:   "apply <funnels.yaml>",
	Short: "Create or replace every funnel defined in a YAML file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		funnels, err := config.LoadFunnels(args[0])
		if err != nil {
			fail("%v", err)
		}

		svc := openService(ctx)
		defer svc.Close()

		applied := make([]*types.Funnel, 0, len(funnels))
		for _, f := range funnels {
			stored, created, err := svc.ApplyFunnel(ctx, f)
			if err != nil {
				fail("funnel %s: %v", f.Name, err)
			}
			applied = append(applied, stored)
			if !jsonOutput {
				verb := "updated"
				if created {
					verb = "created"
				}
				fmt.Printf("%s %s %s\n", green("✓"), verb, stored.Name)
			}
		}
		if jsonOutput {
			printJSON(applied)
		}
	},
}

var funnelsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a funnel (issues already opened for its steps are kept)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		svc := openService(ctx)
		defer svc.Close()

		if err := svc.DeleteFunnel(ctx, args[0]); err != nil {
			fail("%v", err)
		}
		fmt.Printf("%s deleted %s\n", green("✓"), args[0])
	},
}

func formatSteps(steps []string) string {
	return strings.Join(steps, " → ")
}

func printFunnel(f *types.Funnel) {
	fmt.Printf("\n%s\n", cyan("=== Funnel "+f.Name+" ==="))
	if f.Description != "" {
		fmt.Printf("  %s\n", f.Description)
	}
	fmt.Printf("  Steps:      %s\n", formatSteps(f.Steps))
	if c := f.Completion; c != nil {
		if len(c.EventTypes) > 0 {
			fmt.Printf("  Completes on events: %s\n", strings.Join(c.EventTypes, ", "))
		}
		if len(c.FunnelSteps) > 0 {
			fmt.Printf("  Completes on steps:  %s\n", strings.Join(c.FunnelSteps, ", "))
		}
	}
	fmt.Printf("  Updated:    %s\n\n", gray(f.UpdatedAt.Format("2006-01-02 15:04:05")))
}

func init() {
	funnelsCmd.AddCommand(funnelsListCmd)
	funnelsCmd.AddCommand(funnelsShowCmd)
	funnelsCmd.AddCommand(funnelsApplyCmd)
	funnelsCmd.AddCommand(funnelsDeleteCmd)
	rootCmd.AddCommand(funnelsCmd)
}
