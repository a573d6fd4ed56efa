package mysql

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeRunner scripts server responses and records executed statements.
type fakeRunner struct {
	databases []string
	columnErr error
	status    map[string]string
	statusErr error
	vars      map[string]string
	execs     []string
	execErr   error
}

func (f *fakeRunner) exec(ctx context.Context, stmt string) error {
	f.execs = append(f.execs, stmt)
	return f.execErr
}

func (f *fakeRunner) rowMap(ctx context.Context, query string) (map[string]string, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if f.status == nil {
		return map[string]string{}, nil
	}
	return f.status, nil
}

func (f *fakeRunner) column(ctx context.Context, query string) ([]string, error) {
	return f.databases, f.columnErr
}

func (f *fakeRunner) variable(ctx context.Context, name string) (string, error) {
	return f.vars[name], nil
}

func newTestHandler(run *fakeRunner) *Handler {
	return &Handler{
		cfg: Config{
			Port:                3306,
			ReplicationUser:     "replication",
			ReplicationPassword: "secret",
			RequireDatabases:    []string{"mysql"},
		},
		run: run,
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name        string
		run         *fakeRunner
		wantOK      bool
		wantMessage string
	}{
		{
			name:        "serving required databases",
			run:         &fakeRunner{databases: []string{"information_schema", "mysql", "app"}},
			wantOK:      true,
			wantMessage: "MySQL serving required databases: mysql",
		},
		{
			name:        "missing database",
			run:         &fakeRunner{databases: []string{"information_schema"}},
			wantOK:      false,
			wantMessage: "The following databases are missing on this server: mysql",
		},
		{
			name:        "query error",
			run:         &fakeRunner{columnErr: errors.New("connection refused")},
			wantOK:      false,
			wantMessage: "Error running SHOW DATABASES: connection refused",
		},
		{
			name:        "empty result",
			run:         &fakeRunner{},
			wantOK:      false,
			wantMessage: "SHOW DATABASES query failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(tt.run)
			got := h.Health(context.Background())
			if got.OK != tt.wantOK {
				t.Errorf("OK = %v, want %v", got.OK, tt.wantOK)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", got.Message, tt.wantMessage)
			}
		})
	}
}

func TestEnsureMasterAlreadyMaster(t *testing.T) {
	run := &fakeRunner{vars: map[string]string{"read_only": "0"}}
	h := newTestHandler(run)

	if err := h.EnsureMaster(context.Background()); err != nil {
		t.Fatalf("EnsureMaster() error = %v", err)
	}
	if len(run.execs) != 0 {
		t.Errorf("execs = %v, want none for a settled master", run.execs)
	}
}

func TestEnsureMasterReopensWrites(t *testing.T) {
	run := &fakeRunner{vars: map[string]string{"read_only": "1"}}
	h := newTestHandler(run)

	if err := h.EnsureMaster(context.Background()); err != nil {
		t.Fatalf("EnsureMaster() error = %v", err)
	}
	want := []string{"SET GLOBAL read_only = 0"}
	assertExecs(t, run.execs, want)
}

func TestEnsureMasterStopsIOThreadFirst(t *testing.T) {
	run := &fakeRunner{status: map[string]string{
		"Replica_IO_Running":  "Yes",
		"Replica_SQL_Running": "Yes",
		"Source_Host":         "db02",
	}}
	h := newTestHandler(run)

	if err := h.EnsureMaster(context.Background()); err != nil {
		t.Fatalf("EnsureMaster() error = %v", err)
	}
	assertExecs(t, run.execs, []string{"STOP REPLICA IO_THREAD"})
}

func TestEnsureMasterWaitsForRelayLog(t *testing.T) {
	run := &fakeRunner{status: map[string]string{
		"Replica_IO_Running":        "No",
		"Replica_SQL_Running":       "Yes",
		"Source_Host":               "db02",
		"Replica_SQL_Running_State": "Applying batch of row changes",
		"Exec_Source_Log_Pos":       "100",
		"Read_Source_Log_Pos":       "250",
	}}
	h := newTestHandler(run)

	if err := h.EnsureMaster(context.Background()); err != nil {
		t.Fatalf("EnsureMaster() error = %v", err)
	}
	if len(run.execs) != 0 {
		t.Errorf("execs = %v, want none while the relay log is still applying", run.execs)
	}
}

func TestEnsureMasterPromotesOnceCaughtUp(t *testing.T) {
	run := &fakeRunner{status: map[string]string{
		"Replica_IO_Running":        "No",
		"Replica_SQL_Running":       "Yes",
		"Source_Host":               "db02",
		"Replica_SQL_Running_State": "Replica has read all relay log; waiting for more updates",
	}}
	h := newTestHandler(run)

	if err := h.EnsureMaster(context.Background()); err != nil {
		t.Fatalf("EnsureMaster() error = %v", err)
	}
	assertExecs(t, run.execs, []string{
		"STOP REPLICA",
		"RESET REPLICA ALL",
		"SET GLOBAL read_only = 0",
	})
}

func TestEnsureSlaveRepoints(t *testing.T) {
	run := &fakeRunner{status: map[string]string{
		"Source_Host":         "db02",
		"Replica_IO_Running":  "Yes",
		"Replica_SQL_Running": "Yes",
	}}
	h := newTestHandler(run)

	if err := h.EnsureSlave(context.Background(), "db03"); err != nil {
		t.Fatalf("EnsureSlave() error = %v", err)
	}

	if len(run.execs) != 7 {
		t.Fatalf("executed %d statements, want 7: %v", len(run.execs), run.execs)
	}
	if run.execs[0] != "FLUSH LOCAL TABLES WITH READ LOCK" {
		t.Errorf("first statement = %q", run.execs[0])
	}
	change := run.execs[5]
	if !strings.Contains(change, "SOURCE_HOST='db03'") {
		t.Errorf("change statement does not point at db03: %q", change)
	}
	if !strings.Contains(change, "SOURCE_AUTO_POSITION=1") {
		t.Errorf("change statement does not use auto positioning: %q", change)
	}
	if run.execs[6] != "START REPLICA" {
		t.Errorf("last statement = %q", run.execs[6])
	}
}

func TestEnsureSlaveRestartsStoppedThreads(t *testing.T) {
	run := &fakeRunner{
		status: map[string]string{
			"Source_Host":         "db02",
			"Replica_IO_Running":  "No",
			"Replica_SQL_Running": "Yes",
		},
		vars: map[string]string{"read_only": "1"},
	}
	h := newTestHandler(run)

	if err := h.EnsureSlave(context.Background(), "db02"); err != nil {
		t.Fatalf("EnsureSlave() error = %v", err)
	}
	assertExecs(t, run.execs, []string{"STOP REPLICA", "START REPLICA"})
}

func TestEnsureSlaveEnforcesReadOnly(t *testing.T) {
	run := &fakeRunner{
		status: map[string]string{
			"Source_Host":         "db02",
			"Replica_IO_Running":  "Yes",
			"Replica_SQL_Running": "Yes",
		},
		vars: map[string]string{"read_only": "0"},
	}
	h := newTestHandler(run)

	if err := h.EnsureSlave(context.Background(), "db02"); err != nil {
		t.Fatalf("EnsureSlave() error = %v", err)
	}
	assertExecs(t, run.execs, []string{"SET GLOBAL read_only = 1"})
}

func TestEnsureSlaveSteadyState(t *testing.T) {
	run := &fakeRunner{
		status: map[string]string{
			"Source_Host":         "db02",
			"Replica_IO_Running":  "Yes",
			"Replica_SQL_Running": "Yes",
		},
		vars: map[string]string{"read_only": "1"},
	}
	h := newTestHandler(run)

	if err := h.EnsureSlave(context.Background(), "db02"); err != nil {
		t.Fatalf("EnsureSlave() error = %v", err)
	}
	if len(run.execs) != 0 {
		t.Errorf("execs = %v, want none in steady state", run.execs)
	}
}

func TestChangeSourceStatementEscapes(t *testing.T) {
	stmt := changeSourceStatement("db02", 3306, "repl", `pa'ss\word`)
	if !strings.Contains(stmt, `SOURCE_PASSWORD='pa\'ss\\word'`) {
		t.Errorf("password not escaped: %q", stmt)
	}
}

func assertExecs(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("executed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("statement %d = %q, want %q", i, got[i], want[i])
		}
	}
}
