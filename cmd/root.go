package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bomflow/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "bomflow",
	Short: "BOM enrichment orchestration engine",
	Long:  "Admits uploaded bills-of-materials through a quality gate and priority queue, enriches each line item against the component catalog, and routes results to durable or ephemeral storage by confidence.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
