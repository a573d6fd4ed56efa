// Package mysql manages a MySQL server as a replicated failover
// application: health is served from SHOW DATABASES, and master/slave
// reconfiguration drives the replication topology.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql" // mysql driver

	"github.com/gumtree/consul-failover/internal/app"
)

// Config connects and configures the handler.
type Config struct {
	// Address is the local MySQL address, host:port.
	Address string

	// Port is the replication port announced in CHANGE REPLICATION SOURCE.
	Port int

	// User and Password authenticate the handler's own connection. The
	// account needs REPLICATION_SLAVE_ADMIN and the ability to toggle
	// read_only.
	User     string
	Password string

	// ReplicationUser and ReplicationPassword are handed to replicas via
	// CHANGE REPLICATION SOURCE.
	ReplicationUser     string
	ReplicationPassword string

	// RequireDatabases must all be present for the health check to pass.
	RequireDatabases []string
}

// Handler implements app.Handler for MySQL.
type Handler struct {
	cfg Config
	run runner
}

var _ app.Handler = (*Handler)(nil)

// runner executes statements against the server. All methods serialize on
// one underlying connection so session-scoped state (FLUSH TABLES WITH
// READ LOCK) behaves.
type runner interface {
	exec(ctx context.Context, stmt string) error
	rowMap(ctx context.Context, query string) (map[string]string, error)
	column(ctx context.Context, query string) ([]string, error)
	variable(ctx context.Context, name string) (string, error)
}

// New creates a MySQL handler. The connection is established lazily; a
// server that is down at startup simply reports unhealthy until it comes
// back.
func New(cfg Config) (*Handler, error) {
	if cfg.Address == "" {
		cfg.Address = fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s)/", cfg.User, cfg.Password, cfg.Address)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}

	return &Handler{cfg: cfg, run: newSQLRunner(db)}, nil
}

// Health checks that the server answers SHOW DATABASES and serves every
// required database.
func (h *Handler) Health(ctx context.Context) app.Health {
	databases, err := h.run.column(ctx, "SHOW DATABASES")
	if err != nil {
		return app.Health{OK: false, Message: fmt.Sprintf("Error running SHOW DATABASES: %v", err)}
	}
	if len(databases) == 0 {
		return app.Health{OK: false, Message: "SHOW DATABASES query failed"}
	}

	present := make(map[string]bool, len(databases))
	for _, db := range databases {
		present[db] = true
	}

	var missing []string
	for _, required := range h.cfg.RequireDatabases {
		if !present[required] {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return app.Health{
			OK:      false,
			Message: "The following databases are missing on this server: " + strings.Join(missing, ", "),
		}
	}

	return app.Health{
		OK:      true,
		Message: "MySQL serving required databases: " + strings.Join(h.cfg.RequireDatabases, ", "),
	}
}

// EnsureMaster promotes this server, but only once the relay log from the
// previous master is fully applied: promoting with unapplied events would
// drop them. Until then it stops the IO thread and returns; the controller
// retries every tick.
func (h *Handler) EnsureMaster(ctx context.Context) error {
	status, err := h.run.rowMap(ctx, "SHOW REPLICA STATUS")
	if err != nil {
		return fmt.Errorf("failed to read replica status: %w", err)
	}

	if len(status) == 0 {
		// Already a master. Make sure it is writable.
		return h.ensureReadOnly(ctx, false)
	}

	if status["Replica_IO_Running"] == "Yes" {
		slog.Info("stopping replication io thread before promotion")
		if err := h.run.exec(ctx, "STOP REPLICA IO_THREAD"); err != nil {
			return fmt.Errorf("failed to stop replication io thread: %w", err)
		}
		return nil
	}

	if !relayLogApplied(status) {
		slog.Info("waiting for relay log to apply before promotion")
		return nil
	}

	slog.Info("becoming master")
	for _, stmt := range []string{
		"STOP REPLICA",
		"RESET REPLICA ALL",
		"SET GLOBAL read_only = 0",
	} {
		if err := h.run.exec(ctx, stmt); err != nil {
			return fmt.Errorf("promotion failed at %q: %w", stmt, err)
		}
	}
	return nil
}

// EnsureSlave points this server at masterNode, re-pointing when the
// current source differs and otherwise repairing stopped replica threads
// and the read_only flag.
func (h *Handler) EnsureSlave(ctx context.Context, masterNode string) error {
	status, err := h.run.rowMap(ctx, "SHOW REPLICA STATUS")
	if err != nil {
		return fmt.Errorf("failed to read replica status: %w", err)
	}

	if len(status) == 0 || status["Source_Host"] != masterNode {
		slog.Info("becoming a slave", "master", masterNode)
		for _, stmt := range []string{
			"FLUSH LOCAL TABLES WITH READ LOCK",
			"SET GLOBAL read_only = 1",
			"UNLOCK TABLES",
			"STOP REPLICA",
			"RESET REPLICA ALL",
			changeSourceStatement(masterNode, h.cfg.Port, h.cfg.ReplicationUser, h.cfg.ReplicationPassword),
			"START REPLICA",
		} {
			if err := h.run.exec(ctx, stmt); err != nil {
				return fmt.Errorf("demotion failed: %w", err)
			}
		}
		return nil
	}

	if status["Replica_IO_Running"] != "Yes" || status["Replica_SQL_Running"] != "Yes" {
		slog.Info("replica threads are not running, trying to restart them")
		if err := h.run.exec(ctx, "STOP REPLICA"); err != nil {
			return fmt.Errorf("failed to stop replica: %w", err)
		}
		if err := h.run.exec(ctx, "START REPLICA"); err != nil {
			return fmt.Errorf("failed to start replica: %w", err)
		}
	}

	return h.ensureReadOnly(ctx, true)
}

func (h *Handler) ensureReadOnly(ctx context.Context, want bool) error {
	value, err := h.run.variable(ctx, "read_only")
	if err != nil {
		return fmt.Errorf("failed to read read_only: %w", err)
	}

	wantValue := "0"
	if want {
		wantValue = "1"
	}
	if value == wantValue {
		return nil
	}

	if want {
		slog.Info("setting host read-only")
	} else {
		slog.Info("setting read_only to off")
	}
	if err := h.run.exec(ctx, "SET GLOBAL read_only = "+wantValue); err != nil {
		return fmt.Errorf("failed to set read_only: %w", err)
	}
	return nil
}

// relayLogApplied reports whether the SQL thread has consumed everything
// the IO thread fetched.
func relayLogApplied(status map[string]string) bool {
	if strings.Contains(status["Replica_SQL_Running_State"], "read all relay log") {
		return true
	}
	// With the SQL thread also stopped the state string is empty; fall
	// back to comparing source log positions.
	return status["Exec_Source_Log_Pos"] != "" &&
		status["Exec_Source_Log_Pos"] == status["Read_Source_Log_Pos"]
}

// changeSourceStatement builds the CHANGE REPLICATION SOURCE statement.
// The server does not allow placeholders here, so the identifier-free
// values are escaped inline.
func changeSourceStatement(host string, port int, user, password string) string {
	return fmt.Sprintf(
		`CHANGE REPLICATION SOURCE TO SOURCE_HOST='%s', SOURCE_PORT=%d, SOURCE_USER='%s', SOURCE_PASSWORD='%s', SOURCE_AUTO_POSITION=1`,
		escape(host), port, escape(user), escape(password),
	)
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
