package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/techiepookie/arguxai/internal/types"
)

var (
	cyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail("failed to encode output: %v", err)
	}
}

func severityColor(s types.Severity) func(a ...interface{}) string {
	switch s {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	case types.SeverityHigh:
		return red
	case types.SeverityMedium:
		return yellow
	default:
		return gray
	}
}

func statusIcon(s types.Status) string {
	switch s {
	case types.StatusDetected:
		return red("●")
	case types.StatusDiagnosed:
		return yellow("●")
	case types.StatusFixed:
		return cyan("●")
	case types.StatusVerified:
		return green("✓")
	default:
		return gray("○")
	}
}

func printMetrics(m *types.FunnelMetrics) {
	fmt.Printf("\n%s\n", cyan("=== "+m.FunnelStep+" ==="))
	fmt.Printf("  Window:      %s → %s\n", m.WindowStart.Format("2006-01-02 15:04"), m.WindowEnd.Format("2006-01-02 15:04"))
	fmt.Printf("  Sessions:    %d (%d completed)\n", m.TotalSessions, m.CompletedSessions)
	fmt.Printf("  Conversion:  %s\n", green(fmt.Sprintf("%.2f%%", m.ConversionRate)))
	fmt.Printf("  Drop-off:    %.2f%%\n", m.DropOffRate)
	if m.MeanTimeOnStep != nil && m.MedianTimeOnStep != nil {
		fmt.Printf("  Time on step: mean %.1fs, median %.1fs\n", *m.MeanTimeOnStep, *m.MedianTimeOnStep)
	}
	if len(m.ByDevice) > 0 {
		fmt.Printf("  Devices:     %s\n", formatCounts(m.ByDevice))
	}
	if len(m.ByCountry) > 0 {
		fmt.Printf("  Countries:   %s\n", formatCounts(m.ByCountry))
	}
	fmt.Println()
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, ", ")
}

func printAnomaly(a *types.Anomaly) {
	sev := types.SeverityForDrop(a.DropPercentage)
	fmt.Printf("  %s %s  %.2f%% → %.2f%%  (-%.2f pts, %.2fσ, %d sessions)\n",
		severityColor(sev)(strings.ToUpper(string(sev))),
		a.FunnelStep,
		a.BaselineConversionRate, a.CurrentConversionRate,
		a.DropPercentage, a.SigmaValue, a.CurrentSessions)
}

func printIssueLine(i *types.Issue) {
	fmt.Printf("  %s %s  %s  %s  -%.2f pts  %s\n",
		statusIcon(i.Status),
		i.ID,
		severityColor(i.Severity)(string(i.Severity)),
		i.Anomaly.FunnelStep,
		i.Anomaly.DropPercentage,
		gray(i.CreatedAt.Format("2006-01-02 15:04")))
}

func printIssue(i *types.Issue) {
	fmt.Printf("\n%s\n", cyan("=== Issue "+i.ID+" ==="))
	fmt.Printf("  Status:    %s %s\n", statusIcon(i.Status), i.Status)
	fmt.Printf("  Severity:  %s\n", severityColor(i.Severity)(string(i.Severity)))
	fmt.Printf("  Step:      %s\n", i.Anomaly.FunnelStep)
	fmt.Printf("  Drop:      %.2f%% → %.2f%% (-%.2f pts, %.2fσ)\n",
		i.Anomaly.BaselineConversionRate, i.Anomaly.CurrentConversionRate,
		i.Anomaly.DropPercentage, i.Anomaly.SigmaValue)
	fmt.Printf("  Created:   %s\n", i.CreatedAt.Format("2006-01-02 15:04:05"))

	if ev := i.Evidence; ev != nil {
		fmt.Printf("\n%s\n", yellow("Evidence:"))
		if len(ev.ErrorTypes) > 0 {
			fmt.Printf("  Errors:      %s\n", formatCounts(ev.ErrorTypes))
		}
		for _, m := range ev.TopErrors {
			fmt.Printf("    - %s\n", m)
		}
		if ev.AvgRetryCount != nil {
			fmt.Printf("  Avg retries: %.2f\n", *ev.AvgRetryCount)
		}
		if len(ev.StrugglingSessionIDs) > 0 {
			fmt.Printf("  Struggling:  %d sessions\n", len(ev.StrugglingSessionIDs))
		}
		if len(ev.AffectedDevices) > 0 {
			fmt.Printf("  Devices:     %s\n", strings.Join(ev.AffectedDevices, ", "))
		}
		if len(ev.AffectedCountries) > 0 {
			fmt.Printf("  Countries:   %s\n", strings.Join(ev.AffectedCountries, ", "))
		}
		if len(ev.AffectedVersions) > 0 {
			fmt.Printf("  Versions:    %s\n", strings.Join(ev.AffectedVersions, ", "))
		}
	}

	if d := i.Diagnosis; d != nil {
		fmt.Printf("\n%s\n", yellow("Diagnosis:"))
		fmt.Printf("  Root cause:  %s\n", d.RootCause)
		fmt.Printf("  Confidence:  %.0f%%  %s\n", d.Confidence, gray("("+d.ModelUsed+")"))
		if d.Explanation != "" {
			fmt.Printf("  %s\n", d.Explanation)
		}
		for _, a := range d.RecommendedActions {
			fmt.Printf("    → %s\n", a)
		}
	}

	if i.FixedAt != nil {
		fmt.Printf("\n%s %s\n", yellow("Fixed:"), i.FixedAt.Format("2006-01-02 15:04:05"))
		if i.FixCommitRef != nil {
			fmt.Printf("  Commit: %s\n", *i.FixCommitRef)
		}
		if i.FixPRRef != nil {
			fmt.Printf("  PR:     %s\n", *i.FixPRRef)
		}
	}
	if i.PostFixConversionRate != nil && i.UpliftPercentage != nil {
		fmt.Printf("\n%s %.2f%% (uplift %s)\n", yellow("Post-fix conversion:"),
			*i.PostFixConversionRate, green(fmt.Sprintf("%+.2f%%", *i.UpliftPercentage)))
	}
	if i.TicketRef != nil {
		fmt.Printf("%s %s\n", yellow("Ticket:"), *i.TicketRef)
	}
	fmt.Println()
}
