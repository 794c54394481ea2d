// Command forged runs the plan engine: either as a one-shot CLI that
// submits a plan file and polls it to completion, or as a daemon exposing
// an HTTP API plus a Prometheus /metrics endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aomi-labs/forge/internal/config"
	"github.com/aomi-labs/forge/internal/domain"
	"github.com/aomi-labs/forge/internal/logging"
	"github.com/aomi-labs/forge/internal/metrics"
	"github.com/aomi-labs/forge/internal/observability"
	"github.com/aomi-labs/forge/internal/orchestrator"
	"github.com/aomi-labs/forge/internal/registry"
	"github.com/aomi-labs/forge/internal/solc"
	"github.com/aomi-labs/forge/internal/sourcecache"
	"github.com/aomi-labs/forge/internal/sourcefetch"
	"github.com/aomi-labs/forge/internal/synthesizer/fake"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "forged",
		Short: "Forge execution plan engine",
		Long:  "forged schedules and runs DAG-shaped blockchain operation plans against forked EVM chains.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags override)")

	rootCmd.AddCommand(
		daemonCmd(),
		runCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		c, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func buildOrchestrator(cfg *config.Config) *orchestrator.Orchestrator {
	explorers := make(map[domain.ChainID]sourcefetch.ExplorerEndpoint)
	rpcURLs := make(map[domain.ChainID]string)
	for _, cr := range cfg.Backend.ChainRPCs {
		rpcURLs[domain.ChainID(cr.ChainID)] = cr.URL
	}
	fetcher := sourcefetch.New(explorers, rpcURLs)
	cache := sourcecache.New(fetcher, cfg.Cache.FailureExpiry)

	return orchestrator.New(orchestrator.Factory{
		Cache:       cache,
		Synthesizer: &fake.Synthesizer{},
		Compiler:    solc.New(cfg.Solc.BinaryPath, ""),
		Config:      cfg,
	})
}

// runCmd submits a single plan file and blocks until it reaches a terminal
// state, printing the results as JSON. Useful for smoke-testing the engine
// without standing up the daemon.
func runCmd() *cobra.Command {
	var planFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a plan file and wait for it to complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}
			if cfg.Observability.ArtifactCapture.Enabled {
				if err := logging.InitArtifactStore(
					cfg.Observability.ArtifactCapture.StorageDir,
					cfg.Observability.ArtifactCapture.MaxSize,
					cfg.Observability.ArtifactCapture.RetentionS,
				); err != nil {
					logging.Op().Warn("failed to init artifact capture", "error", err)
				}
			}

			data, err := os.ReadFile(planFile)
			if err != nil {
				return fmt.Errorf("read plan file: %w", err)
			}
			var groups []domain.OperationGroup
			if err := json.Unmarshal(data, &groups); err != nil {
				return fmt.Errorf("parse plan file: %w", err)
			}

			orch := buildOrchestrator(cfg)
			reg := registry.New(orch)

			ctx := context.Background()
			executionID := uuid.NewString()
			groupCount, err := reg.CreatePlan(ctx, executionID, groups, nil)
			if err != nil {
				return fmt.Errorf("create plan: %w", err)
			}
			logging.Op().Info("plan created", "execution_id", executionID, "groups", groupCount)

			for {
				complete, err := reg.IsComplete(executionID)
				if err != nil {
					return err
				}
				if complete {
					break
				}
				if _, err := reg.NextGroups(ctx, executionID); err != nil {
					return err
				}
				time.Sleep(200 * time.Millisecond)
			}

			results, err := reg.GetResults(executionID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}

	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "Path to a JSON plan file (array of operation groups)")
	cmd.MarkFlagRequired("plan")
	return cmd
}

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run as a daemon exposing an HTTP API and Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("tracing-enabled") {
				v, _ := cmd.Flags().GetBool("tracing-enabled")
				cfg.Observability.Tracing.Enabled = v
			}
			if cmd.Flags().Changed("tracing-endpoint") {
				v, _ := cmd.Flags().GetString("tracing-endpoint")
				cfg.Observability.Tracing.Endpoint = v
			}

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}
			if cfg.Observability.ArtifactCapture.Enabled {
				if err := logging.InitArtifactStore(
					cfg.Observability.ArtifactCapture.StorageDir,
					cfg.Observability.ArtifactCapture.MaxSize,
					cfg.Observability.ArtifactCapture.RetentionS,
				); err != nil {
					logging.Op().Warn("failed to init artifact capture", "error", err)
				}
			}

			orch := buildOrchestrator(cfg)
			reg := registry.New(orch)

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				httpServer = startHTTPServer(cfg.Daemon.HTTPAddr, reg)
				logging.Op().Info("HTTP API started", "addr", cfg.Daemon.HTTPAddr)
			}

			logging.Op().Info("forged daemon started", "log_level", cfg.Daemon.LogLevel)
			logging.Op().Info("waiting for signals (Ctrl+C to stop)")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			schedulerTicker := time.NewTicker(500 * time.Millisecond)
			defer schedulerTicker.Stop()

			for {
				select {
				case <-sigCh:
					logging.Op().Info("shutdown signal received")
					if httpServer != nil {
						ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						httpServer.Shutdown(ctx)
						cancel()
					}
					return nil
				case <-schedulerTicker.C:
					advancePendingPlans(reg)
				}
			}
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", ":8080", "HTTP API address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().Bool("tracing-enabled", false, "Enable OpenTelemetry tracing")
	cmd.Flags().String("tracing-endpoint", "localhost:4318", "OTLP exporter endpoint")

	return cmd
}

// pendingPlans tracks execution ids created through the HTTP API so the
// daemon's ticker can keep scheduling ready batches for them without a
// caller having to poll NextGroups itself.
var pendingExecutions = newExecutionSet()

type executionSet struct {
	ids map[string]struct{}
}

func newExecutionSet() *executionSet { return &executionSet{ids: make(map[string]struct{})} }

func (s *executionSet) add(id string)    { s.ids[id] = struct{}{} }
func (s *executionSet) remove(id string) { delete(s.ids, id) }

func advancePendingPlans(reg *registry.PlanRegistry) {
	ctx := context.Background()
	for id := range pendingExecutions.ids {
		complete, err := reg.IsComplete(id)
		if err != nil {
			pendingExecutions.remove(id)
			continue
		}
		if complete {
			pendingExecutions.remove(id)
			continue
		}
		if _, err := reg.NextGroups(ctx, id); err != nil {
			logging.Op().Error("scheduling tick failed", "execution_id", id, "error", err)
		}
	}
}

func startHTTPServer(addr string, reg *registry.PlanRegistry) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /metrics", metrics.PrometheusHandler().ServeHTTP)

	mux.HandleFunc("POST /plans", func(w http.ResponseWriter, r *http.Request) {
		var groups []domain.OperationGroup
		if err := json.NewDecoder(r.Body).Decode(&groups); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		executionID := uuid.NewString()
		if _, err := reg.CreatePlan(r.Context(), executionID, groups, nil); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pendingExecutions.add(executionID)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"execution_id": executionID})
	})

	mux.HandleFunc("GET /plans/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		complete, err := reg.IsComplete(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		remaining, _ := reg.RemainingGroups(id)
		results, err := reg.GetResults(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"execution_id": id,
			"complete":     complete,
			"remaining":    remaining,
			"results":      results,
		})
	})

	mux.HandleFunc("GET /plans/{id}/groups/{idx}/artifact", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		idx, err := strconv.Atoi(r.PathValue("idx"))
		if err != nil {
			http.Error(w, "invalid group index", http.StatusBadRequest)
			return
		}
		entry, ok := logging.GetArtifactStore().Get(id, idx)
		if !ok {
			http.Error(w, "artifact not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entry)
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server stopped", "error", err)
		}
	}()
	return server
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the forged version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("forged (dev build)")
		},
	}
}
