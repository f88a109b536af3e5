package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bomflow/internal/model"
	"github.com/sells-group/bomflow/internal/monitoring"
	"github.com/sells-group/bomflow/internal/queue"
	"github.com/sells-group/bomflow/internal/store"
)

var (
	servePort       int
	serveWithWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for submissions and progress queries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if serveWithWorker {
			env.Orchestrator.Sweep(ctx)
			go func() {
				if err := env.Orchestrator.Run(ctx); err != nil {
					zap.L().Error("embedded worker pool stopped", zap.Error(err))
				}
			}()
		}

		registry := prometheus.NewRegistry()
		if err := registry.Register(monitoring.NewPrometheusCollector(env.Collector)); err != nil {
			return eris.Wrap(err, "register metrics")
		}

		mux := http.NewServeMux()

		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		mux.HandleFunc("POST /requests", func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				BOMID             string                 `json:"bom_id"`
				TenantID          string                 `json:"tenant_id"`
				Priority          int                    `json:"priority"`
				Items             []model.LineItemRecord `json:"items"`
				MappingConfidence float64                `json:"mapping_confidence"`
				Policy            model.ProcessingPolicy `json:"policy"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if body.BOMID == "" || len(body.Items) == 0 {
				writeError(w, http.StatusBadRequest, "bom_id and items are required")
				return
			}

			req, err := env.Queue.Submit(r.Context(), queue.Submission{
				BOMID:             body.BOMID,
				TenantID:          body.TenantID,
				Priority:          body.Priority,
				Items:             body.Items,
				MappingConfidence: body.MappingConfidence,
				Policy:            body.Policy,
			})
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, req)
		})

		mux.HandleFunc("POST /requests/{bomID}/approve", func(w http.ResponseWriter, r *http.Request) {
			req, err := env.Queue.Approve(r.Context(), r.PathValue("bomID"))
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, req)
		})

		mux.HandleFunc("POST /requests/{bomID}/cancel", func(w http.ResponseWriter, r *http.Request) {
			req, err := env.Queue.Cancel(r.Context(), r.PathValue("bomID"))
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, req)
		})

		mux.HandleFunc("GET /requests/{bomID}", func(w http.ResponseWriter, r *http.Request) {
			bomID := r.PathValue("bomID")
			req, err := env.Queue.Status(r.Context(), bomID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			rollup, err := env.Tracker.Rollup(r.Context(), bomID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"request": req, "rollup": rollup})
		})

		mux.HandleFunc("GET /requests/{bomID}/events", func(w http.ResponseWriter, r *http.Request) {
			evs, err := env.Recorder.History(r.Context(), r.PathValue("bomID"))
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, evs)
		})

		mux.HandleFunc("GET /requests/{bomID}/latest", func(w http.ResponseWriter, r *http.Request) {
			ev, err := env.Recorder.Latest(r.Context(), r.PathValue("bomID"))
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, ev)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			// The signal context is already cancelled here; give in-flight
			// requests their own window to drain.
			drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(drainCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps admission sentinel errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case eris.Is(err, store.ErrDuplicateActiveRequest):
		writeError(w, http.StatusConflict, "bom already has an active request")
	case eris.Is(err, store.ErrNotPendingApproval):
		writeError(w, http.StatusConflict, "request is not pending approval")
	case eris.Is(err, store.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "request already reached a terminal state")
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "run the enrichment worker pool in-process")
	rootCmd.AddCommand(serveCmd)
}
