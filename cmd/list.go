package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/bomflow/internal/model"
	"github.com/sells-group/bomflow/internal/store"
)

var (
	listStatus string
	listTenant string
	listLimit  int
	listJSON   bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrichment requests, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		reqs, err := env.Store.ListRequests(ctx, store.RequestFilter{
			Status:   model.RequestStatus(listStatus),
			TenantID: listTenant,
			Limit:    listLimit,
		})
		if err != nil {
			return err
		}

		if listJSON {
			return json.NewEncoder(os.Stdout).Encode(reqs)
		}
		for _, req := range reqs {
			fmt.Printf("%-30s %-10s p%-2d  %d/%d enriched  quality %.1f\n",
				req.BOMID, req.Status, req.Priority,
				req.EnrichedItems, req.TotalItems, req.QualityScore)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (queued, processing, completed, failed, cancelled)")
	listCmd.Flags().StringVar(&listTenant, "tenant", "", "filter by tenant")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum rows")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "emit JSON")
	rootCmd.AddCommand(listCmd)
}
