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
	Use:     "pageserver",
	Short:   "strata pageserver — LSN-indexed layered page storage",
	Version: Version,
	RunE:    runPageserver,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("pageserver version %s (%s)\n", Version, Commit))

	rootCmd.Flags().String("workdir", "./pageserver-data", "Data directory for tenants, layers, and config")
	rootCmd.Flags().Bool("init", false, "Write a default config to workdir/pageserver.yaml and exit")
	rootCmd.Flags().Bool("update-config", false, "Apply --set overrides to the existing config and exit")
	rootCmd.Flags().StringArrayP("set", "c", nil, "Override a config key, e.g. -c eviction_period_sec=30")
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
	return filepath.Join(workDir, "pageserver.yaml")
}

func runPageserver(cmd *cobra.Command, args []string) error {
	workDir, _ := cmd.Flags().GetString("workdir")
	doInit, _ := cmd.Flags().GetBool("init")
	doUpdate, _ := cmd.Flags().GetBool("update-config")
	overrides, _ := cmd.Flags().GetStringArray("set")

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("pageserver: creating workdir: %w", err)
	}
	path := configPath(workDir)

	if doInit {
		cfg := config.DefaultPageserver()
		cfg.WorkDir = workDir
		if err := config.Load("", &cfg, overrides); err != nil {
			return err
		}
		if err := writePageserverConfig(path, cfg); err != nil {
			return err
		}
		fmt.Printf("✓ Wrote pageserver config: %s\n", path)
		return nil
	}

	cfg := config.DefaultPageserver()
	cfg.WorkDir = workDir
	loadPath := path
	if _, err := os.Stat(path); os.IsNotExist(err) {
		loadPath = ""
	}
	if err := config.Load(loadPath, &cfg, overrides); err != nil {
		return err
	}
	cfg.WorkDir = workDir

	if doUpdate {
		if err := writePageserverConfig(path, cfg); err != nil {
			return err
		}
		fmt.Printf("✓ Updated pageserver config: %s\n", path)
		return nil
	}

	return startPageserver(cfg)
}

func startPageserver(cfg config.Pageserver) error {
	pid := os.Getpid()
	if err := os.WriteFile(filepath.Join(cfg.WorkDir, "pageserver.pid"), []byte(fmt.Sprintf("%d\n", pid)), 0o644); err != nil {
		return fmt.Errorf("pageserver: writing pid file: %w", err)
	}

	daemon, err := NewDaemon(cfg)
	if err != nil {
		return err
	}
	if err := daemon.Scan(); err != nil {
		return fmt.Errorf("pageserver: scanning workdir: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("pageserver: listening on %s: %w", cfg.ListenAddr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		if err := daemon.admin.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	fmt.Printf("✓ Pageserver started\n")
	fmt.Printf("  Work directory: %s\n", cfg.WorkDir)
	fmt.Printf("  Management address: %s\n", cfg.ListenAddr)
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

func writePageserverConfig(path string, cfg config.Pageserver) error {
	return config.WriteYAML(path, cfg)
}
