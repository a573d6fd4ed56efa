package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gumtree/consul-failover/internal/agent"
	"github.com/gumtree/consul-failover/internal/config"
	"github.com/gumtree/consul-failover/internal/mysql"
)

var (
	// Version information (set via ldflags at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	configFile          string
	apiPort             int
	clusterName         string
	mysqlPort           int
	mysqlUser           string
	mysqlPassword       string
	requireDatabases    []string
	replicationUser     string
	replicationPassword string
	logLevel            string
	consulAddress       string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mysql-failover",
	Short: "MySQL master/slave failover via Consul leader election",
	Long:  "Registers MySQL in Consul, reports its health, and reconfigures replication as leadership moves between nodes",
	RunE:  run,
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.Flags().StringVar(&configFile, "config", "", "Path to config file (default: searches for config.yaml in ., ./configs, /etc/consul-failover)")

	rootCmd.Flags().IntVarP(&apiPort, "api-port", "a", 8000, "HTTP port for the health API server")
	rootCmd.Flags().StringVarP(&clusterName, "cluster-name", "c", config.DefaultClusterName(), "Name of this cluster")
	rootCmd.Flags().IntVarP(&mysqlPort, "port", "P", 3306, "MySQL port")
	rootCmd.Flags().StringVarP(&mysqlUser, "user", "u", "consul", "Username for the handler's MySQL connection")
	rootCmd.Flags().StringVarP(&mysqlPassword, "password", "p", "", "Password for the handler's MySQL connection")
	rootCmd.Flags().StringSliceVarP(&requireDatabases, "require-databases", "d", []string{"mysql"}, "Health check requires these databases to be available")
	rootCmd.Flags().StringVarP(&replicationUser, "replication-user", "e", "replication", "Username for replication")
	rootCmd.Flags().StringVarP(&replicationPassword, "replication-password", "r", "", "Password for replication")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&consulAddress, "consul-address", "", "Address of the local Consul agent")

	_ = rootCmd.MarkFlagRequired("replication-password")

	config.BindFlags(rootCmd.Flags())
}

func run(cmd *cobra.Command, args []string) error {
	if versionFlag, _ := cmd.Flags().GetBool("version"); versionFlag {
		fmt.Printf("mysql-failover version %s\n", Version)
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

	handler, err := mysql.New(mysql.Config{
		Port:                mysqlPort,
		User:                mysqlUser,
		Password:            mysqlPassword,
		ReplicationUser:     replicationUser,
		ReplicationPassword: replicationPassword,
		RequireDatabases:    requireDatabases,
	})
	if err != nil {
		return fmt.Errorf("failed to create mysql handler: %w", err)
	}

	return agent.Run(handler, agent.Options{
		ApplicationPort: mysqlPort,
		Config:          cfg,
		Tuning:          tuning,
	})
}
