package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/techiepookie/arguxai/internal/types"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.jsonl>",
	Short: "Ingest events from a JSON Lines file",
	Long: `Read one event per line and store them in batches of up to 1000.
Use "-" to read from stdin. Blank lines are skipped.

Example line:
  {"session_id":"sess_1","event_type":"page_view","funnel_step":"login_page","timestamp":1767225600000}`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		var r io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				fail("%v", err)
			}
			defer f.Close()
			r = f
		}

		events, err := readEvents(r)
		if err != nil {
			fail("%v", err)
		}
		if len(events) == 0 {
			fail("no events in %s", args[0])
		}

		svc := openService(ctx)
		defer svc.Close()

		total := &types.IngestResult{}
		for _, batch := range batches(events, types.MaxEventBatchSize) {
			res, err := svc.IngestEvents(ctx, batch)
			if err != nil {
				fail("%v", err)
			}
			total.Ingested += res.Ingested
			total.Duplicates += res.Duplicates
			total.Rejected += res.Rejected
			total.Errors = append(total.Errors, res.Errors...)
		}

		if jsonOutput {
			printJSON(total)
			return
		}
		fmt.Printf("%s %d ingested, %d duplicates, %d rejected\n",
			green("✓"), total.Ingested, total.Duplicates, total.Rejected)
		for _, e := range total.Errors {
			fmt.Printf("  %s %s\n", red("✗"), e)
		}
	},
}

// readEvents decodes JSON Lines input
func readEvents(r io.Reader) ([]*types.Event, error) {
	var events []*types.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var e types.Event
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	return events, nil
}

func batches(events []*types.Event, size int) [][]*types.Event {
	var out [][]*types.Event
	for len(events) > size {
		out = append(out, events[:size])
		events = events[size:]
	}
	if len(events) > 0 {
		out = append(out, events)
	}
	return out
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
