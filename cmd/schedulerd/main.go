// Command schedulerd is the thin ambient bootstrap binary wiring
// pkg/statemgr, pkg/reconciler and pkg/metrics into a running process.
// Per the design's Non-goals there is no admin RPC/client surface here
// — schedulerd boots the state manager, serves the metrics/health HTTP
// endpoints, drives the reconciler loop, and seeds any tasks named by
// --manifest, then runs until signalled.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/schedcore/pkg/log"
	"github.com/cuemby/schedcore/pkg/metrics"
	"github.com/cuemby/schedcore/pkg/reconciler"
	"github.com/cuemby/schedcore/pkg/statemgr"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "schedulerd",
	Short:   "schedulerd runs the task scheduling core's state manager and reconciler",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("schedulerd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the state manager, reconciler, and metrics/health endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		manifest, _ := cmd.Flags().GetString("manifest")

		mgr, err := statemgr.NewManager(statemgr.Config{
			NodeID:   nodeID,
			BindAddr: bindAddr,
			DataDir:  dataDir,
		})
		if err != nil {
			return fmt.Errorf("create state manager: %w", err)
		}

		if err := mgr.Prepare(); err != nil {
			return fmt.Errorf("prepare state manager: %w", err)
		}
		if _, err := mgr.Initialize(); err != nil {
			return fmt.Errorf("initialize state manager: %w", err)
		}
		if err := mgr.StartManager(killViaLog); err != nil {
			return fmt.Errorf("start state manager: %w", err)
		}
		metrics.RegisterComponent("raft", true, "bootstrapped")
		fmt.Println("state manager started")

		if manifest != "" {
			configs, err := loadManifest(manifest)
			if err != nil {
				return fmt.Errorf("load manifest: %w", err)
			}
			ids, err := mgr.InsertTasks(configs)
			if err != nil {
				return fmt.Errorf("seed manifest tasks: %w", err)
			}
			fmt.Printf("seeded %d tasks from %s\n", len(ids), manifest)
		}

		recon := reconciler.NewReconciler(mgr)
		recon.Start()
		metrics.RegisterComponent("reconciler", true, "running")
		fmt.Println("reconciler started")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("metrics endpoint: http://%s/metrics\n", metricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nshutting down...")

		recon.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		if err := mgr.Stop(); err != nil {
			return fmt.Errorf("stop state manager: %w", err)
		}

		fmt.Println("shutdown complete")
		return nil
	},
}

// killViaLog is the default kill callback: in the absence of an
// executor integration (out of this module's scope), a KILLING
// transition's Kill work command is just logged.
func killViaLog(taskID string) error {
	log.Logger.Info().Str("task_id", taskID).Msg("schedulerd: kill requested")
	return nil
}

func init() {
	runCmd.Flags().String("node-id", "scheduler-1", "Unique node ID")
	runCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for Raft communication")
	runCmd.Flags().String("data-dir", "./schedcore-data", "Data directory for scheduler state")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")
	runCmd.Flags().String("manifest", "", "Optional YAML file of task configs to seed at startup")
}
