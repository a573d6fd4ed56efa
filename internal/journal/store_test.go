package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "journal.db"),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "oracle"}); err == nil {
		t.Fatal("Open() with unknown driver should fail")
	}
}

func TestOpenRequiresPostgresURL(t *testing.T) {
	if _, err := Open(Config{Driver: DriverPostgres}); err == nil {
		t.Fatal("Open() without a postgres url should fail")
	}
}

func TestRecordAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	transitions := []Transition{
		{ID: uuid.New().String(), Cluster: "db", Node: "db01", From: "unknown", To: "master", Reason: "leader lock acquired", At: base},
		{ID: uuid.New().String(), Cluster: "db", Node: "db01", From: "master", To: "unhealthy", Reason: "coordinator health check not passing", At: base.Add(time.Minute)},
		{ID: uuid.New().String(), Cluster: "search", Node: "solr01", From: "unknown", To: "slave", Reason: "following leader solr02", At: base.Add(2 * time.Minute)},
	}
	for _, tr := range transitions {
		if err := store.Record(ctx, tr); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	recent, err := store.Recent(ctx, "db", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent() returned %d transitions, want 2", len(recent))
	}
	if recent[0].To != "unhealthy" {
		t.Errorf("newest transition To = %q, want unhealthy", recent[0].To)
	}
	if recent[1].To != "master" {
		t.Errorf("older transition To = %q, want master", recent[1].To)
	}
	if recent[0].Reason != "coordinator health check not passing" {
		t.Errorf("reason = %q", recent[0].Reason)
	}
}

func TestRecentHonorsLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tr := Transition{
			ID:      uuid.New().String(),
			Cluster: "db",
			Node:    "db01",
			From:    "master",
			To:      "slave",
			At:      base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Record(ctx, tr); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	recent, err := store.Recent(ctx, "db", 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("Recent() returned %d transitions, want 2", len(recent))
	}
}
