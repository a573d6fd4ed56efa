package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// sqlRunner executes statements on one shared connection, serialized by a
// mutex, so session-scoped statements (FLUSH TABLES WITH READ LOCK,
// UNLOCK TABLES) land on the same session. A failed statement drops the
// connection; the next call dials a fresh one.
type sqlRunner struct {
	db *sql.DB

	mu   sync.Mutex
	conn *sql.Conn
}

func newSQLRunner(db *sql.DB) *sqlRunner {
	return &sqlRunner{db: db}
}

func (r *sqlRunner) acquire(ctx context.Context) (*sql.Conn, error) {
	if r.conn != nil {
		return r.conn, nil
	}
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	r.conn = conn
	return conn, nil
}

func (r *sqlRunner) drop() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

func (r *sqlRunner) exec(ctx context.Context, stmt string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		r.drop()
		return err
	}
	return nil
}

func (r *sqlRunner) rowMap(ctx context.Context, query string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		r.drop()
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	if !rows.Next() {
		return map[string]string{}, rows.Err()
	}

	values := make([]sql.NullString, len(columns))
	scan := make([]any, len(columns))
	for i := range values {
		scan[i] = &values[i]
	}
	if err := rows.Scan(scan...); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(columns))
	for i, col := range columns {
		if values[i].Valid {
			out[col] = values[i].String
		}
	}
	return out, rows.Err()
}

func (r *sqlRunner) column(ctx context.Context, query string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		r.drop()
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

func (r *sqlRunner) variable(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.acquire(ctx)
	if err != nil {
		return "", err
	}

	var value sql.NullString
	if err := conn.QueryRowContext(ctx, "SELECT @@"+name).Scan(&value); err != nil {
		r.drop()
		return "", err
	}
	return value.String, nil
}
