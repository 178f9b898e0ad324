package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/techiepookie/arguxai/internal/types"
)

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "Inspect and advance conversion issues",
	Long: `Issues move forward through detected → diagnosed → fixed → verified.
A step that would move an issue backward is rejected.`,
}

var issuesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		statusFlag, _ := cmd.Flags().GetString("status")
		severityFlag, _ := cmd.Flags().GetString("severity")
		limit, _ := cmd.Flags().GetInt("limit")

		var filter types.IssueFilter
		if statusFlag != "" {
			st, err := types.ParseStatus(statusFlag)
			if err != nil {
				fail("%v", err)
			}
			filter.Status = st
		}
		if severityFlag != "" {
			sev, err := types.ParseSeverity(severityFlag)
			if err != nil {
				fail("%v", err)
			}
			filter.Severity = sev
		}
		filter.Limit = limit

		svc := openService(ctx)
		defer svc.Close()

		list, err := svc.ListIssues(ctx, filter)
		if err != nil {
			fail("failed to list issues: %v", err)
		}
		if jsonOutput {
			printJSON(list)
			return
		}

		fmt.Printf("\n%s\n", cyan("=== Issues ==="))
		if len(list) == 0 {
			fmt.Printf("  %s\n\n", gray("No issues"))
			return
		}
		for _, i := range list {
			printIssueLine(i)
		}
		fmt.Printf("\n  Total: %d\n\n", len(list))
	},
}

// issueAction runs fn against one issue and prints the result
func issueAction(fn func(ctx context.Context, cmd *cobra.Command, args []string) (*types.Issue, error)) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		issue, err := fn(ctx, cmd, args)
		if err != nil {
			fail("%v", err)
		}
		if jsonOutput {
			printJSON(issue)
			return
		}
		printIssue(issue)
	}
}

var issuesShowCmd = &cobra.Command{
	Use:   "show <issue_id>",
	Short: "Show an issue with its evidence and diagnosis",
	Args:  cobra.ExactArgs(1),
	Run: issueAction(func(ctx context.Context, cmd *cobra.Command, args []string) (*types.Issue, error) {
		svc := openService(ctx)
		defer svc.Close()
		return svc.GetIssue(ctx, args[0])
	}),
}

var issuesDiagnoseCmd = &cobra.Command{
	Use:   "diagnose <issue_id>",
	Short: "Ask the AI provider for a root cause",
	Long: `Diagnose an issue. When the provider fails or times out the issue still
moves to diagnosed with a fallback diagnosis asking for manual investigation.`,
	Args: cobra.ExactArgs(1),
	Run: issueAction(func(ctx context.Context, cmd *cobra.Command, args []string) (*types.Issue, error) {
		svc := openService(ctx)
		defer svc.Close()
		return svc.DiagnoseIssue(ctx, args[0])
	}),
}

var issuesFixCmd = &cobra.Command{
	Use:   "fix <issue_id>",
	Short: "Record that a fix shipped",
	Args:  cobra.ExactArgs(1),
	Run: issueAction(func(ctx context.Context, cmd *cobra.Command, args []string) (*types.Issue, error) {
		var commitRef, prRef *string
		if cmd.Flags().Changed("commit") {
			v, _ := cmd.Flags().GetString("commit")
			commitRef = &v
		}
		if cmd.Flags().Changed("pr") {
			v, _ := cmd.Flags().GetString("pr")
			prRef = &v
		}
		svc := openService(ctx)
		defer svc.Close()
		return svc.MarkFixed(ctx, args[0], commitRef, prRef)
	}),
}

var issuesMeasureCmd = &cobra.Command{
	Use:   "measure <issue_id>",
	Short: "Measure the post-fix conversion rate and uplift",
	Args:  cobra.ExactArgs(1),
	Run: issueAction(func(ctx context.Context, cmd *cobra.Command, args []string) (*types.Issue, error) {
		svc := openService(ctx)
		defer svc.Close()
		return svc.MeasureImpact(ctx, args[0])
	}),
}

var issuesTicketCmd = &cobra.Command{
	Use:   "ticket <issue_id> <ticket_ref>",
	Short: "Link an external ticket to an issue",
	Args:  cobra.ExactArgs(2),
	Run: issueAction(func(ctx context.Context, cmd *cobra.Command, args []string) (*types.Issue, error) {
		svc := openService(ctx)
		defer svc.Close()
		return svc.LinkTicket(ctx, args[0], args[1])
	}),
}

func init() {
	issuesListCmd.Flags().String("status", "", "filter by status (detected, diagnosed, fixed, verified, closed)")
	issuesListCmd.Flags().String("severity", "", "filter by severity (critical, high, medium, low)")
	issuesListCmd.Flags().Int("limit", 0, "maximum number of issues (0 = all)")

	issuesFixCmd.Flags().String("commit", "", "fix commit SHA")
	issuesFixCmd.Flags().String("pr", "", "fix pull request URL")

	issuesCmd.AddCommand(issuesListCmd)
	issuesCmd.AddCommand(issuesShowCmd)
	issuesCmd.AddCommand(issuesDiagnoseCmd)
	issuesCmd.AddCommand(issuesFixCmd)
	issuesCmd.AddCommand(issuesMeasureCmd)
	issuesCmd.AddCommand(issuesTicketCmd)
	rootCmd.AddCommand(issuesCmd)
}
