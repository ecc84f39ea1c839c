package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pyneda/minion/db"
	"github.com/pyneda/minion/pkg/scan/bus"
	"github.com/pyneda/minion/pkg/scan/manager"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	workerRoles         []string
	workerScanWorkers   int
	workerPluginWorkers int
)

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker node",
	Long: `Run a worker node that consumes tasks from the bus.

A node can serve any combination of queue roles:
  scan    drive scan workflows (session fan-out, plugin dispatch)
  plugin  run plugin sessions against targets
  state   apply serialized state updates for a share of the scans

Nodes with the scan role also sweep stale QUEUED scans back onto the
queue. Multiple nodes can run simultaneously, competing for tasks.

Examples:
  # Serve every role with default concurrency
  minion worker

  # Dedicated plugin node with 8 concurrent sessions
  minion worker --roles plugin --plugin-workers 8`,
	Run: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringSliceVar(&workerRoles, "roles", nil, "Queue roles to serve (scan, plugin, state)")
	workerCmd.Flags().IntVar(&workerScanWorkers, "scan-workers", 0, "Number of concurrent scan workflows")
	workerCmd.Flags().IntVar(&workerPluginWorkers, "plugin-workers", 0, "Number of concurrent plugin sessions per queue")
}

func runWorker(cmd *cobra.Command, args []string) {
	logger := log.With().Str("component", "worker-cli").Logger()

	conn := db.Connection()
	logger.Info().Msg("Database connected")

	b, err := bus.FromConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the task bus")
	}
	defer b.Close()

	cfg := manager.FromConfig()
	if len(workerRoles) > 0 {
		cfg.Roles = workerRoles
	}
	if workerScanWorkers > 0 {
		cfg.ScanWorkers = workerScanWorkers
	}
	if workerPluginWorkers > 0 {
		cfg.PluginWorkers = workerPluginWorkers
	}

	m := manager.New(cfg, conn, b, bus.QueuesFromConfig())
	m.Start()

	logger.Info().
		Strs("roles", cfg.Roles).
		Int("scan_workers", cfg.ScanWorkers).
		Int("plugin_workers", cfg.PluginWorkers).
		Msg("Worker node started")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	m.Stop()
	logger.Info().Msg("Worker node stopped")
}
