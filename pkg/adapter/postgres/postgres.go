// Package postgres implements the sql_query/execute_sql/get_schema
// vocabulary (spec.md §4.2) over a plain database/sql connection opened
// with github.com/lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
)

// Driver adapts a *sql.DB to the adapter.Driver interface.
type Driver struct {
	db *sql.DB
}

// Open dials dsn with the pq driver and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Driver, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres adapter: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres adapter: ping: %w", err)
	}
	return &Driver{db: db}, nil
}

// New wraps an already-open *sql.DB.
func New(db *sql.DB) *Driver {
	return &Driver{db: db}
}

// Close releases the underlying connection pool.
func (d *Driver) Close() error {
	return d.db.Close()
}

// Ping satisfies health.KBPinger.
func (d *Driver) Ping(ctx context.Context, kb meshrpc.KB) error {
	return d.db.PingContext(ctx)
}

// Execute dispatches operation against the backend. Supported
// operations: sql_query, execute_sql, get_schema (spec.md §4.2
// "postgres" vocabulary).
func (d *Driver) Execute(ctx context.Context, operation string, params map[string]any) (any, error) {
	switch operation {
	case "sql_query":
		return d.sqlQuery(ctx, params)
	case "execute_sql":
		return d.executeSQL(ctx, params)
	case "get_schema":
		return d.getSchema(ctx, params)
	default:
		return nil, fmt.Errorf("postgres adapter: unsupported operation %q", operation)
	}
}

func (d *Driver) sqlQuery(ctx context.Context, params map[string]any) (any, error) {
	query, args, err := queryAndArgs(params)
	if err != nil {
		return nil, err
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres adapter: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("postgres adapter: columns: %w", err)
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("postgres adapter: scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres adapter: rows: %w", err)
	}
	return results, nil
}

func (d *Driver) executeSQL(ctx context.Context, params map[string]any) (any, error) {
	query, args, err := queryAndArgs(params)
	if err != nil {
		return nil, err
	}

	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres adapter: exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("postgres adapter: rows affected: %w", err)
	}
	return map[string]any{"rows_affected": n}, nil
}

func (d *Driver) getSchema(ctx context.Context, params map[string]any) (any, error) {
	table, _ := params["table"].(string)
	if table == "" {
		return nil, fmt.Errorf("postgres adapter: get_schema requires a non-empty \"table\" param")
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return nil, fmt.Errorf("postgres adapter: introspect: %w", err)
	}
	defer rows.Close()

	var columns []map[string]any
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("postgres adapter: scan schema row: %w", err)
		}
		columns = append(columns, map[string]any{
			"column_name": name, "data_type": dataType, "nullable": nullable == "YES",
		})
	}
	return map[string]any{"table": table, "columns": columns}, nil
}

func queryAndArgs(params map[string]any) (string, []any, error) {
	query, ok := params["query"].(string)
	if !ok || query == "" {
		return "", nil, fmt.Errorf("postgres adapter: params requires a non-empty \"query\" string")
	}
	var args []any
	if raw, ok := params["args"].([]any); ok {
		args = raw
	}
	return query, args, nil
}
