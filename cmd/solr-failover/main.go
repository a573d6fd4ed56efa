package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gumtree/consul-failover/internal/agent"
	"github.com/gumtree/consul-failover/internal/config"
	"github.com/gumtree/consul-failover/internal/solr"
)

var (
	// Version information (set via ldflags at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	configFile     string
	apiPort        int
	clusterName    string
	solrPort       int
	baseURI        string
	baseDir        string
	initScript     string
	restartTimeout time.Duration
	logLevel       string
	consulAddress  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "solr-failover",
	Short: "Solr master/slave failover via Consul leader election",
	Long:  "Registers Solr in Consul, reports core health, and toggles master/slave core configuration as leadership moves between nodes",
	RunE:  run,
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.Flags().StringVar(&configFile, "config", "", "Path to config file (default: searches for config.yaml in ., ./configs, /etc/consul-failover)")

	rootCmd.Flags().IntVarP(&apiPort, "api-port", "a", 8000, "HTTP port for the health API server")
	rootCmd.Flags().StringVarP(&clusterName, "cluster-name", "c", config.DefaultClusterName(), "Name of this cluster")
	rootCmd.Flags().IntVarP(&solrPort, "port", "p", 8080, "Solr API port")
	rootCmd.Flags().StringVarP(&baseURI, "base-uri", "u", "/solr", "Solr API path prefix")
	rootCmd.Flags().StringVarP(&baseDir, "base-dir", "b", "/var/lib/tomcat7multi/solr/solr", "Base directory for Solr cores")
	rootCmd.Flags().StringVar(&initScript, "init-script", "/etc/init.d/tomcat7-solr", "Init script that controls the servlet container")
	rootCmd.Flags().DurationVar(&restartTimeout, "restart-timeout", 5*time.Minute, "How long a restart may take before it counts as failed")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&consulAddress, "consul-address", "", "Address of the local Consul agent")

	config.BindFlags(rootCmd.Flags())
}

func run(cmd *cobra.Command, args []string) error {
	if versionFlag, _ := cmd.Flags().GetBool("version"); versionFlag {
		fmt.Printf("solr-failover version %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		return nil
	}

	cfg, err := config.LoadWithConfigFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	tuning, err := config.LoadTuning()
	if err != nil {
		return fmt.Errorf("failed to load tuning configuration: %w", err)
	}

	handler := solr.New(solr.Config{
		Port:           solrPort,
		BaseURI:        baseURI,
		BaseDir:        baseDir,
		InitScript:     initScript,
		RestartTimeout: restartTimeout,
	})

	return agent.Run(handler, agent.Options{
		ApplicationPort: solrPort,
		Config:          cfg,
		Tuning:          tuning,
	})
}
