package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gumtree/consul-failover/internal/config"
	"github.com/gumtree/consul-failover/internal/failover"
)

func defaultTestTuning() *config.TuningConfig {
	return &config.TuningConfig{
		Controller: config.ControllerTuning{
			TickIntervalSeconds:        2,
			LockDelaySeconds:           1,
			CallTimeoutSeconds:         5,
			SessionRetryBackoffSeconds: 2,
			RegistrationSettleSeconds:  1,
		},
		HTTP: config.HTTPTuning{
			ProbeTimeoutSeconds: 5,
			SlackTimeoutSeconds: 10,
		},
		Reporting: config.ReportingTuning{
			FlapThreshold:      3,
			FlapWindowSeconds:  300,
			QuietPeriodSeconds: 600,
			MaxReasonsTracked:  5,
		},
	}
}

func TestBuildObserversNoneConfigured(t *testing.T) {
	cfg := &config.Config{ClusterName: "db", NodeName: "db01"}

	observers, cleanup, err := buildObservers(cfg, defaultTestTuning())
	if err != nil {
		t.Fatalf("buildObservers() error = %v", err)
	}
	defer cleanup()

	if len(observers) != 0 {
		t.Errorf("observers = %d, want 0 with nothing configured", len(observers))
	}
}

func TestBuildObserversFull(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		ClusterName:     "db",
		NodeName:        "db01",
		JournalDriver:   "sqlite",
		JournalPath:     filepath.Join(dir, "journal.db"),
		SlackWebhookURL: "https://hooks.slack.com/services/T/B/X",
		ReportRoot:      filepath.Join(dir, "reports"),
	}

	observers, cleanup, err := buildObservers(cfg, defaultTestTuning())
	if err != nil {
		t.Fatalf("buildObservers() error = %v", err)
	}
	defer cleanup()

	if len(observers) != 3 {
		t.Fatalf("observers = %d, want journal + slack + archive", len(observers))
	}

	// The journal and archive observers should work end to end; the
	// slack observer only posts over HTTP and is covered elsewhere.
	change := failover.RoleChange{
		Cluster: "db",
		Node:    "db01",
		From:    failover.RoleUnknown,
		To:      failover.RoleMaster,
		Reason:  "leader lock acquired",
		At:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	observers[0].RoleChanged(context.Background(), change)
	observers[2].RoleChanged(context.Background(), change)
}

func TestBuildObserversBadJournal(t *testing.T) {
	cfg := &config.Config{
		ClusterName:   "db",
		NodeName:      "db01",
		JournalDriver: "oracle",
	}

	if _, _, err := buildObservers(cfg, defaultTestTuning()); err == nil {
		t.Fatal("buildObservers() with an unknown journal driver should fail")
	}
}
