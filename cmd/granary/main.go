package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/granary-io/granary/pkg/client"
	"github.com/granary-io/granary/pkg/config"
	"github.com/granary-io/granary/pkg/log"
	"github.com/granary-io/granary/pkg/metrics"
	"github.com/granary-io/granary/pkg/silo"
	"github.com/granary-io/granary/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "granary",
	Short: "Granary - distributed virtual actor runtime",
	Long: `Granary hosts virtual actors (grains) across a cluster of silos:
single-threaded, location-transparent objects with durable state,
timers, reminders, and transactional coordination, delivered as a
single binary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Granary version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(siloCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(invokeCmd)
}

// Silo commands
var siloCmd = &cobra.Command{
	Use:   "silo",
	Short: "Manage silos",
}

var siloStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a silo on this node",
	Long: `Start a silo: join the cluster, serve a share of the grain
directory and reminder table, and begin hosting activations.

The first silo of a cluster starts the same way; a cluster is just
the set of silos sharing one membership table.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		cfg := config.Default()
		if cfgPath != "" {
			var err error
			if cfg, err = config.Load(cfgPath); err != nil {
				return err
			}
		}
		if endpoint, _ := cmd.Flags().GetString("endpoint"); endpoint != "" {
			cfg.Endpoint = endpoint
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}
		if clusterID, _ := cmd.Flags().GetString("cluster-id"); clusterID != "" {
			cfg.ClusterID = clusterID
		}
		if metricsAddr, _ := cmd.Flags().GetString("metrics-addr"); metricsAddr != "" {
			cfg.MetricsAddr = metricsAddr
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
			Output:     os.Stderr,
		})
		metrics.Init()

		s, err := silo.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create silo: %w", err)
		}
		if err := s.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start silo: %w", err)
		}

		fmt.Printf("Silo %s running on %s (cluster %s). Press Ctrl+C to stop.\n",
			s.Self(), cfg.Endpoint, cfg.ClusterID)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop silo: %w", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	siloCmd.AddCommand(siloStartCmd)

	siloStartCmd.Flags().String("config", "", "Path to YAML configuration")
	siloStartCmd.Flags().String("endpoint", "", "host:port to listen on (overrides config)")
	siloStartCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	siloStartCmd.Flags().String("cluster-id", "", "Cluster id (overrides config)")
	siloStartCmd.Flags().String("metrics-addr", "", "Prometheus /metrics address (overrides config)")
}

// Status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster membership as one silo sees it",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialGateway(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		out, err := c.Invoke(ctx, types.GrainString("sys.status", "cluster"), "status", nil)
		if err != nil {
			return fmt.Errorf("status query failed: %w", err)
		}

		var status silo.ClusterStatus
		if err := json.Unmarshal(out, &status); err != nil {
			return fmt.Errorf("failed to decode status: %w", err)
		}

		fmt.Printf("Cluster:       %s\n", status.ClusterID)
		fmt.Printf("Answering silo: %s (%d activations)\n", status.Silo, status.Activations)
		fmt.Printf("Table version: %d\n", status.TableVersion)
		fmt.Println("Members:")
		for _, m := range status.Members {
			host := m.HostName
			if host == "" {
				host = "-"
			}
			fmt.Printf("  %-32s %-10s %s\n", m.Silo, m.Status, host)
		}
		return nil
	},
}

// Invoke command
var invokeCmd = &cobra.Command{
	Use:   "invoke TYPE/KEY METHOD [ARGS]",
	Short: "Call a grain method and print the response payload",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		grain, err := parseGrain(args[0])
		if err != nil {
			return err
		}
		method := args[1]
		var payload []byte
		if len(args) == 3 {
			payload = []byte(args[2])
		}

		c, err := dialGateway(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		out, err := c.Invoke(ctx, grain, method, payload)
		if err != nil {
			return err
		}
		if len(out) > 0 {
			fmt.Println(string(out))
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, invokeCmd} {
		cmd.Flags().String("gateway", "127.0.0.1:11711", "Silo gateway endpoint")
		cmd.Flags().String("cluster-id", "granary", "Cluster id")
	}
}

func dialGateway(cmd *cobra.Command) (*client.Client, error) {
	gateway, _ := cmd.Flags().GetString("gateway")
	clusterID, _ := cmd.Flags().GetString("cluster-id")

	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})

	cfg := client.DefaultConfig()
	cfg.ClusterID = clusterID
	cfg.Gateways = []string{gateway}
	c := client.New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", gateway, err)
	}
	return c, nil
}

func parseGrain(s string) (types.GrainID, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			if i == 0 || i == len(s)-1 {
				break
			}
			return types.GrainString(s[:i], s[i+1:]), nil
		}
	}
	return types.GrainID{}, fmt.Errorf("grain must be TYPE/KEY, got %q", s)
}
