package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/bomflow/internal/store"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [bom-id]",
	Short: "Show request progress, or overall engine health with no argument",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 0 {
			snap, err := env.Collector.Collect(ctx)
			if err != nil {
				return err
			}
			if statusJSON {
				return json.NewEncoder(os.Stdout).Encode(snap)
			}
			fmt.Printf("queue depth: %d (awaiting approval: %d)\n", snap.QueueDepth, snap.AwaitingApproval)
			fmt.Printf("requests: %d processing, %d completed, %d failed, %d cancelled\n",
				snap.RequestsProcessing, snap.RequestsCompleted, snap.RequestsFailed, snap.RequestsCancelled)
			fmt.Printf("items: %d pending, %d matched, %d enriched, %d no-match, %d error\n",
				snap.ItemsPending, snap.ItemsMatched, snap.ItemsEnriched, snap.ItemsNoMatch, snap.ItemsError)
			return nil
		}

		bomID := args[0]
		req, err := env.Queue.Status(ctx, bomID)
		if err != nil {
			return err
		}
		rollup, err := env.Tracker.Rollup(ctx, bomID)
		if err != nil {
			return err
		}

		if statusJSON {
			return json.NewEncoder(os.Stdout).Encode(map[string]any{
				"request": req,
				"rollup":  rollup,
			})
		}

		fmt.Printf("%s: %s (priority %d, quality %.1f)\n", req.BOMID, req.Status, req.Priority, req.QualityScore)
		if req.RequiresApproval && req.ApprovedAt == nil {
			fmt.Println("  awaiting approval")
		}
		fmt.Printf("  items: %d total, %d matched, %d enriched, %d no-match, %d error\n",
			rollup.Total, rollup.Matched, rollup.Enriched, rollup.NoMatch, rollup.Errors)
		fmt.Printf("  match rate %.0f%%, avg confidence %.1f\n", rollup.MatchRate*100, rollup.AvgConfidence)
		if req.LastError != "" {
			fmt.Printf("  last error: %s\n", req.LastError)
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <bom-id>",
	Short: "Show the audit event trail for a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		evs, err := env.Recorder.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			return store.ErrNotFound
		}

		if statusJSON {
			return json.NewEncoder(os.Stdout).Encode(evs)
		}
		for _, ev := range evs {
			fmt.Printf("%s  %-20s enriched=%d/%d errors=%d\n",
				ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Type,
				ev.State.EnrichedItems, ev.State.TotalItems, ev.State.ErrorItems)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit JSON")
	eventsCmd.Flags().BoolVar(&statusJSON, "json", false, "emit JSON")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
}
