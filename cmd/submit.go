package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bomflow/internal/queue"
	"github.com/sells-group/bomflow/internal/upload"
)

var (
	submitBOMID    string
	submitTenant   string
	submitPriority int
	submitPolicy   string
	submitSheet    string
	submitCharset  string
)

var submitCmd = &cobra.Command{
	Use:   "submit <bom-file>",
	Short: "Parse a BOM file and submit it for enrichment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		path := args[0]
		bomID := submitBOMID
		if bomID == "" {
			bomID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}

		raw, err := upload.ReadFile(path, upload.Options{
			SheetName: submitSheet,
			Charset:   submitCharset,
		})
		if err != nil {
			return err
		}

		items, cm, err := upload.Parse(bomID, raw)
		if err != nil {
			return err
		}

		policy := upload.DefaultPolicy()
		if submitPolicy != "" {
			policy, err = upload.LoadPolicy(submitPolicy)
			if err != nil {
				return err
			}
		}

		req, err := env.Queue.Submit(ctx, queue.Submission{
			BOMID:             bomID,
			TenantID:          submitTenant,
			Priority:          submitPriority,
			Items:             items,
			MappingConfidence: cm.Confidence,
			Policy:            policy,
		})
		if err != nil {
			return err
		}

		zap.L().Info("submitted",
			zap.String("bom_id", req.BOMID),
			zap.Int("items", req.TotalItems),
		)
		fmt.Printf("submitted %s: %d items, quality %.1f, priority %d\n",
			req.BOMID, req.TotalItems, req.QualityScore, req.Priority)
		if req.RequiresApproval {
			fmt.Printf("quality below threshold; run `bomflow approve %s` to release it\n", req.BOMID)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitBOMID, "bom-id", "", "BOM identifier (default: file name)")
	submitCmd.Flags().StringVar(&submitTenant, "tenant", "default", "tenant identifier")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "queue priority 1-10 (default 5)")
	submitCmd.Flags().StringVar(&submitPolicy, "policy", "", "YAML processing policy file")
	submitCmd.Flags().StringVar(&submitSheet, "sheet", "", "XLSX sheet name (default: first sheet)")
	submitCmd.Flags().StringVar(&submitCharset, "charset", "", "CSV charset, e.g. windows-1252 (default UTF-8)")
	rootCmd.AddCommand(submitCmd)
}
