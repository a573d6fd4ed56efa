// Command example-failover shows the smallest possible handler: a fake
// application whose health is the presence of a flag file and whose role
// changes are just remembered.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/gumtree/consul-failover/internal/agent"
	"github.com/gumtree/consul-failover/internal/app"
	"github.com/gumtree/consul-failover/internal/config"
)

var (
	configFile      string
	apiPort         int
	clusterName     string
	applicationPort int
	serviceFlag     string
	logLevel        string
	consulAddress   string
)

// exampleHandler manages a fake application.
type exampleHandler struct {
	serviceFlag string

	mu         sync.Mutex
	masterHost string
}

var _ app.Handler = (*exampleHandler)(nil)

func (e *exampleHandler) Health(ctx context.Context) app.Health {
	if _, err := os.Stat(e.serviceFlag); err == nil {
		return app.Health{OK: true, Message: fmt.Sprintf("Service flag %s exists", e.serviceFlag)}
	}
	return app.Health{OK: false, Message: fmt.Sprintf("Service flag %s does not exist", e.serviceFlag)}
}

func (e *exampleHandler) EnsureMaster(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.masterHost != "" {
		slog.Info("fake application promoted")
		e.masterHost = ""
	}
	return nil
}

func (e *exampleHandler) EnsureSlave(ctx context.Context, masterNode string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.masterHost != masterNode {
		slog.Info("fake application now following", "master", masterNode)
		e.masterHost = masterNode
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "example-failover",
	Short: "Failover handler example for a fake application",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.Flags().IntVarP(&apiPort, "api-port", "a", 8000, "HTTP port for the health API server")
	rootCmd.Flags().StringVarP(&clusterName, "cluster-name", "c", config.DefaultClusterName(), "Name of this cluster")
	rootCmd.Flags().IntVarP(&applicationPort, "port", "p", 8080, "Fake application port")
	rootCmd.Flags().StringVar(&serviceFlag, "service-flag", "/var/tmp/in_service", "Health check passes while this file exists")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&consulAddress, "consul-address", "", "Address of the local Consul agent")

	config.BindFlags(rootCmd.Flags())
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithConfigFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	tuning, err := config.LoadTuning()
	if err != nil {
		return fmt.Errorf("failed to load tuning configuration: %w", err)
	}

	return agent.Run(&exampleHandler{serviceFlag: serviceFlag}, agent.Options{
		ApplicationPort: applicationPort,
		Config:          cfg,
		Tuning:          tuning,
	})
}
