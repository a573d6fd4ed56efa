package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq"       // postgres driver
	_ "modernc.org/sqlite"      // sqlite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timestampLayout is fixed-width so lexical order in the database matches
// chronological order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and connects a journal backend.
type Config struct {
	// Driver is DriverSQLite or DriverPostgres.
	Driver string

	// Path is the sqlite database file. ":memory:" works for tests.
	Path string

	// URL is the postgres connection string.
	URL string

	// BusyTimeout is the maximum wait for a locked sqlite database.
	BusyTimeout time.Duration
}

// Store records transitions into a SQL database.
type Store struct {
	db     *sql.DB
	driver string
}

var _ Recorder = (*Store)(nil)

// Open connects the configured backend and applies pending schema
// migrations.
func Open(cfg Config) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)

	switch cfg.Driver {
	case DriverSQLite:
		path := cfg.Path
		if path == "" {
			path = "./consul-failover.db"
		}
		busy := cfg.BusyTimeout
		if busy <= 0 {
			busy = 5 * time.Second
		}
		dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busy.Milliseconds())
		if path == ":memory:" {
			dsn = path
		}
		db, err = sql.Open("sqlite", dsn)
	case DriverPostgres:
		if cfg.URL == "" {
			return nil, fmt.Errorf("journal url is required for the postgres driver")
		}
		db, err = sql.Open("postgres", cfg.URL)
	default:
		return nil, fmt.Errorf("unknown journal driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	if err := runMigrations(db, cfg.Driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate journal schema: %w", err)
	}

	return &Store{db: db, driver: cfg.Driver}, nil
}

// runMigrations applies the embedded migrations against the already-open
// database.
func runMigrations(db *sql.DB, driver string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	var dbDriver database.Driver
	switch driver {
	case DriverSQLite:
		dbDriver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case DriverPostgres:
		dbDriver, err = migratepg.WithInstance(db, &migratepg.Config{})
	default:
		return fmt.Errorf("unknown journal driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driver, dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Record appends one transition.
func (s *Store) Record(ctx context.Context, t Transition) error {
	query := `INSERT INTO role_transitions (id, cluster, node, from_role, to_role, reason, occurred_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	if s.driver == DriverPostgres {
		query = `INSERT INTO role_transitions (id, cluster, node, from_role, to_role, reason, occurred_at)
		         VALUES ($1, $2, $3, $4, $5, $6, $7)`
	}

	occurredAt := t.At.UTC().Format(timestampLayout)
	if _, err := s.db.ExecContext(ctx, query, t.ID, t.Cluster, t.Node, t.From, t.To, t.Reason, occurredAt); err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// Recent returns the newest n transitions for a cluster, newest first.
func (s *Store) Recent(ctx context.Context, cluster string, n int) ([]Transition, error) {
	query := `SELECT id, cluster, node, from_role, to_role, reason, occurred_at
	          FROM role_transitions WHERE cluster = ?
	          ORDER BY occurred_at DESC LIMIT ?`
	if s.driver == DriverPostgres {
		query = `SELECT id, cluster, node, from_role, to_role, reason, occurred_at
		         FROM role_transitions WHERE cluster = $1
		         ORDER BY occurred_at DESC LIMIT $2`
	}

	rows, err := s.db.QueryContext(ctx, query, cluster, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t          Transition
			occurredAt string
		)
		if err := rows.Scan(&t.ID, &t.Cluster, &t.Node, &t.From, &t.To, &t.Reason, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.At, err = time.Parse(timestampLayout, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse transition timestamp: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
