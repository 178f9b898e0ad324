package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan [funnel_step...]",
	Short: "Scan funnel steps for significant conversion drops",
	Long: `Compare every funnel step (or only the given steps) against its baseline
and report drops that pass the sample size, magnitude and significance gates.

Examples:
  # Scan every configured step
  arguxai scan

  # Open issues for what is found and diagnose them
  arguxai scan --create --diagnose`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		create, _ := cmd.Flags().GetBool("create")
		diagnose, _ := cmd.Flags().GetBool("diagnose")
		if diagnose && !create {
			fail("--diagnose requires --create")
		}

		svc := openService(ctx)
		defer svc.Close()

		if !create {
			anomalies, err := svc.ScanAllFunnelSteps(ctx, args)
			if err != nil {
				fail("%v", err)
			}
			if jsonOutput {
				printJSON(anomalies)
				return
			}
			fmt.Printf("\n%s\n", cyan("=== Scan Results ==="))
			if len(anomalies) == 0 {
				fmt.Printf("  %s\n\n", green("No significant drops detected"))
				return
			}
			for _, a := range anomalies {
				printAnomaly(a)
			}
			fmt.Println()
			return
		}

		created, err := svc.ScanAndCreate(ctx, args, diagnose)
		if jsonOutput {
			printJSON(created)
		} else {
			fmt.Printf("\n%s\n", cyan("=== Issues ==="))
			if len(created) == 0 && err == nil {
				fmt.Printf("  %s\n", green("No significant drops detected"))
			}
			for _, i := range created {
				printIssueLine(i)
			}
			fmt.Println()
		}
		if err != nil {
			fail("%v", err)
		}
	},
}

func init() {
	scanCmd.Flags().Bool("create", false, "open an issue for every anomaly")
	scanCmd.Flags().Bool("diagnose", false, "diagnose created issues with AI")
	rootCmd.AddCommand(scanCmd)
}
