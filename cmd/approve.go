package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var approveCmd = &cobra.Command{
	Use:   "approve <bom-id>",
	Short: "Release a quality-gated request for processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		req, err := env.Queue.Approve(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("approved %s (quality %.1f)\n", req.BOMID, req.QualityScore)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <bom-id>",
	Short: "Cancel a queued or processing request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		req, err := env.Queue.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("cancelled %s (%d/%d items enriched)\n",
			req.BOMID, req.EnrichedItems, req.TotalItems)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(cancelCmd)
}
