package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/log"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "safekeeper",
	Short:   "strata safekeeper — replicated WAL consensus node",
	Version: Version,
	RunE:    runSafekeeper,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("safekeeper version %s (%s)\n", Version, Commit))

	rootCmd.Flags().String("workdir", "./safekeeper-data", "Data directory for timelines and config")
	rootCmd.Flags().Bool("init", false, "Write a default config to workdir/safekeeper.yaml and exit")
	rootCmd.Flags().Bool("update-config", false, "Apply --set overrides to the existing config and exit")
	rootCmd.Flags().StringArrayP("set", "c", nil, "Override a config key, e.g. -c wal_seg_size_mb=32")
	rootCmd.Flags().Uint64("node-id", 0, "This safekeeper's node id, required on first --init")
	rootCmd.Flags().StringSlice("enabled-features", nil, "Accepted for compatibility; strata has no feature-flagged behavior")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func configPath(workDir string) string {
	return filepath.Join(workDir, "safekeeper.yaml")
}

func runSafekeeper(cmd *cobra.Command, args []string) error {
	workDir, _ := cmd.Flags().GetString("workdir")
	doInit, _ := cmd.Flags().GetBool("init")
	doUpdate, _ := cmd.Flags().GetBool("update-config")
	overrides, _ := cmd.Flags().GetStringArray("set")
	nodeId, _ := cmd.Flags().GetUint64("node-id")

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("safekeeper: creating workdir: %w", err)
	}
	path := configPath(workDir)

	if doInit {
		cfg := config.DefaultSafekeeper()
		cfg.WorkDir = workDir
		if nodeId != 0 {
			cfg.NodeID = nodeId
		}
		if err := config.Load("", &cfg, overrides); err != nil {
			return err
		}
		if cfg.NodeID == 0 {
			return fmt.Errorf("safekeeper: --node-id is required on --init")
		}
		if err := writeSafekeeperConfig(path, cfg); err != nil {
			return err
		}
		fmt.Printf("✓ Wrote safekeeper config: %s\n", path)
		return nil
	}

	cfg := config.DefaultSafekeeper()
	cfg.WorkDir = workDir
	loadPath := path
	if _, err := os.Stat(path); os.IsNotExist(err) {
		loadPath = ""
	}
	if err := config.Load(loadPath, &cfg, overrides); err != nil {
		return err
	}
	cfg.WorkDir = workDir
	if nodeId != 0 {
		cfg.NodeID = nodeId
	}

	if doUpdate {
		if err := writeSafekeeperConfig(path, cfg); err != nil {
			return err
		}
		fmt.Printf("✓ Updated safekeeper config: %s\n", path)
		return nil
	}
	if cfg.NodeID == 0 {
		return fmt.Errorf("safekeeper: node_id is not configured; pass --node-id or set it via --init")
	}

	return startSafekeeper(cfg)
}

func startSafekeeper(cfg config.Safekeeper) error {
	pid := os.Getpid()
	if err := os.WriteFile(filepath.Join(cfg.WorkDir, "safekeeper.pid"), []byte(fmt.Sprintf("%d\n", pid)), 0o644); err != nil {
		return fmt.Errorf("safekeeper: writing pid file: %w", err)
	}

	daemon, err := NewDaemon(cfg)
	if err != nil {
		return err
	}
	daemon.Start()

	skLis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("safekeeper: listening on %s: %w", cfg.ListenAddr, err)
	}
	adminLis, err := net.Listen("tcp", cfg.BrokerAddr)
	if err != nil {
		return fmt.Errorf("safekeeper: listening on %s: %w", cfg.BrokerAddr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := daemon.skSrv.Serve(skLis); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := daemon.admin.Serve(adminLis); err != nil {
			errCh <- err
		}
	}()

	fmt.Printf("✓ Safekeeper started\n")
	fmt.Printf("  Node id: %d\n", cfg.NodeID)
	fmt.Printf("  Work directory: %s\n", cfg.WorkDir)
	fmt.Printf("  Compute address: %s\n", cfg.ListenAddr)
	fmt.Printf("  Management address: %s\n", cfg.BrokerAddr)
	fmt.Println("Press Ctrl+C to stop.")

	return waitForShutdown(func() {
		daemon.Stop()
	}, errCh)
}

// waitForShutdown blocks until SIGINT/SIGTERM trigger a graceful stop via
// shutdown, an immediate SIGQUIT exits the process with status 111 per
// spec.md §6, or srvErr reports a listener failure.
func waitForShutdown(shutdown func(), srvErr <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGQUIT {
				fmt.Println("\nReceived SIGQUIT, exiting immediately.")
				os.Exit(111)
			}
			fmt.Println("\nShutting down...")
			shutdown()
			fmt.Println("✓ Shutdown complete")
			return nil
		case err := <-srvErr:
			return err
		}
	}
}

func writeSafekeeperConfig(path string, cfg config.Safekeeper) error {
	return config.WriteYAML(path, cfg)
}
