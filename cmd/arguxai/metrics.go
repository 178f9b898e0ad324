package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/techiepookie/arguxai/internal/types"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics <funnel_step>",
	Short: "Show conversion metrics for a funnel step",
	Long: `Show conversion metrics for a funnel step over a period.

Periods: last_hour, last_24_hours, last_7_days, last_30_days, baseline.
With the data_range window strategy, baseline and last_7_days select the
first half of the stored data and every other period the second half.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		period, _ := cmd.Flags().GetString("period")

		svc := openService(ctx)
		defer svc.Close()

		m, err := svc.CalculateFunnelMetrics(ctx, args[0], period)
		if err != nil {
			fail("%v", err)
		}
		if jsonOutput {
			printJSON(m)
			return
		}
		printMetrics(m)
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare <funnel_step>",
	Short: "Compare the current window against the baseline",
	Long: `Compare the current window against the baseline chosen by the window
strategy, or against explicit windows given as START,END pairs. Bounds are
RFC 3339 timestamps or unix milliseconds.`,
	Example: `  arguxai compare otp_verification \
    --current 2026-03-10T00:00:00Z,2026-03-11T00:00:00Z \
    --baseline 2026-03-03T00:00:00Z,2026-03-10T00:00:00Z`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		currentFlag, _ := cmd.Flags().GetString("current")
		baselineFlag, _ := cmd.Flags().GetString("baseline")
		if (currentFlag == "") != (baselineFlag == "") {
			fail("--current and --baseline must be given together")
		}

		svc := openService(ctx)
		defer svc.Close()

		var (
			c   *types.ComparisonMetrics
			err error
		)
		if currentFlag != "" {
			current, perr := parseWindowFlag(currentFlag)
			if perr != nil {
				fail("--current: %v", perr)
			}
			baseline, perr := parseWindowFlag(baselineFlag)
			if perr != nil {
				fail("--baseline: %v", perr)
			}
			c, err = svc.CompareWindows(ctx, args[0], current, baseline)
		} else {
			c, err = svc.CompareWithBaseline(ctx, args[0])
		}
		if err != nil {
			fail("%v", err)
		}
		if jsonOutput {
			printJSON(c)
			return
		}

		fmt.Printf("%s", yellow("Baseline"))
		printMetrics(c.Baseline)
		fmt.Printf("%s", yellow("Current"))
		printMetrics(c.Current)

		delta := fmt.Sprintf("%+.2f pts", c.ConversionRateDelta)
		if c.DropDetected {
			fmt.Printf("%s conversion changed %s (%+d sessions)\n", red("▼ Drop detected:"), red(delta), c.SessionsDelta)
		} else {
			fmt.Printf("%s conversion changed %s (%+d sessions)\n", green("No significant drop:"), delta, c.SessionsDelta)
		}
	},
}

// parseWindowFlag splits a START,END flag value
func parseWindowFlag(v string) (types.Window, error) {
	start, end, ok := strings.Cut(v, ",")
	if !ok {
		return types.Window{}, fmt.Errorf("%q is not START,END", v)
	}
	return types.ParseWindow(start, end)
}

func init() {
	metricsCmd.Flags().String("period", "last_24_hours", "period to measure")
	compareCmd.Flags().String("current", "", "explicit current window as START,END")
	compareCmd.Flags().String("baseline", "", "explicit baseline window as START,END")
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(compareCmd)
}
