// Package agent wires a handler into the failover machinery: logging,
// service registration, the probe server, the control loop and graceful
// shutdown.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gumtree/consul-failover/internal/api"
	"github.com/gumtree/consul-failover/internal/app"
	"github.com/gumtree/consul-failover/internal/config"
	"github.com/gumtree/consul-failover/internal/consul"
	"github.com/gumtree/consul-failover/internal/failover"
	"github.com/gumtree/consul-failover/internal/journal"
	"github.com/gumtree/consul-failover/internal/reporting"
	"github.com/gumtree/consul-failover/internal/storage"
)

// Options bundle everything Run needs beyond the handler itself.
type Options struct {
	// ApplicationPort is the managed service's port, advertised in the
	// service registration.
	ApplicationPort int

	Config *config.Config
	Tuning *config.TuningConfig
}

// Run blocks until a termination signal or a fatal error. SIGINT and
// SIGTERM trigger a best-effort deregister and session destroy; Run then
// returns nil so the process exits 0.
func Run(handler app.Handler, opts Options) error {
	cfg := opts.Config
	tuning := opts.Tuning

	setupLogging(cfg.LogLevel, cfg.ClusterName)

	coord, err := consul.NewClient(consul.Config{
		Address:             cfg.ConsulAddress,
		Cluster:             cfg.ClusterName,
		Node:                cfg.NodeName,
		APIPort:             cfg.APIPort,
		ApplicationPort:     opts.ApplicationPort,
		CheckInterval:       cfg.CheckInterval,
		CallTimeout:         tuning.Controller.CallTimeout(),
		LockDelay:           tuning.Controller.LockDelay(),
		SessionRetryBackoff: tuning.Controller.SessionRetryBackoff(),
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator client: %w", err)
	}

	observers, cleanup, err := buildObservers(cfg, tuning)
	defer cleanup()
	if err != nil {
		return err
	}

	controller := failover.NewController(coord, handler, failover.ControllerConfig{
		Cluster:         cfg.ClusterName,
		Node:            cfg.NodeName,
		DisableFlagFile: cfg.DisableFlagFile,
		TickInterval:    tuning.Controller.TickInterval(),
		Observers:       observers,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registered, err := coord.Register(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}
	if registered {
		// Give the local agent a moment to notice the registration before
		// the first health read.
		time.Sleep(tuning.Controller.RegistrationSettle())
	}

	apiServer := api.NewServer(handler, cfg.APIPort, tuning.HTTP.ProbeTimeout())
	go func() {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "error", err)
		}
	}()

	slog.Info("monitoring service",
		"node", cfg.NodeName,
		"api_port", cfg.APIPort,
		"application_port", opts.ApplicationPort)

	loopErr := controller.Loop(ctx)

	// The loop has ended, either on a signal or a fatal error. Tear down
	// with a fresh context; the signal context is already done.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api server shutdown failed", "error", err)
	}
	if err := coord.Deregister(shutdownCtx); err != nil {
		slog.Warn("unable to deregister service", "error", err)
	}

	if loopErr != nil {
		return loopErr
	}

	slog.Info("shut down cleanly")
	return nil
}

// buildObservers assembles the optional transition sinks from
// configuration: journal, Slack notifications and the report archive.
func buildObservers(cfg *config.Config, tuning *config.TuningConfig) ([]failover.Observer, func(), error) {
	var (
		observers []failover.Observer
		closers   []func()
	)
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.IsJournalEnabled() {
		store, err := journal.Open(journal.Config{
			Driver: cfg.JournalDriver,
			Path:   cfg.JournalPath,
			URL:    cfg.JournalURL,
		})
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to open transition journal: %w", err)
		}
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				slog.Warn("unable to close journal", "error", err)
			}
		})
		observers = append(observers, &journalObserver{recorder: store})
		slog.Info("transition journal enabled", "driver", cfg.JournalDriver)
	}

	if cfg.SlackWebhookURL != "" {
		observers = append(observers, &slackObserver{
			notifier: reporting.NewSlackNotifier(cfg.SlackWebhookURL, tuning.HTTP.SlackTimeout()),
			breaker: reporting.NewCircuitBreaker(
				tuning.Reporting.FlapThreshold,
				tuning.Reporting.FlapWindow(),
				tuning.Reporting.QuietPeriod(),
				tuning.Reporting.MaxReasonsTracked,
			),
		})
		slog.Info("slack notifications enabled")
	}

	if cfg.IsArchiveEnabled() {
		archive, err := storage.NewArchive(archiveConfig{cfg})
		if err != nil {
			return nil, cleanup, err
		}
		observers = append(observers, &archiveObserver{archive: archive})
		mode := "filesystem"
		if cfg.IsAzureArchiveEnabled() {
			mode = "azure"
		}
		slog.Info("transition report archive enabled", "mode", mode)
	}

	return observers, cleanup, nil
}

// archiveConfig adapts config.Config to the storage package's
// configuration interface.
type archiveConfig struct {
	cfg *config.Config
}

func (a archiveConfig) IsAzureArchiveEnabled() bool      { return a.cfg.IsAzureArchiveEnabled() }
func (a archiveConfig) GetReportRoot() string            { return a.cfg.ReportRoot }
func (a archiveConfig) GetAzureConnectionString() string { return a.cfg.AzureConnectionString }
func (a archiveConfig) GetAzureAccount() string          { return a.cfg.AzureAccount }
func (a archiveConfig) GetAzureKey() string              { return a.cfg.AzureKey }
func (a archiveConfig) GetAzureContainer() string        { return a.cfg.AzureContainer }

// setupLogging configures the default logger; every line carries the
// cluster name so co-located agents stay distinguishable.
func setupLogging(level, cluster string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler).With("cluster", cluster))
}
