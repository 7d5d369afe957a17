package segment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresSource runs segment queries against a Postgres connector.
// The DSN should carry read-only credentials; the guard is enforced here
// regardless.
type PostgresSource struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresSource opens a connection pool for a segment connector
func NewPostgresSource(dsn string, timeout time.Duration) (*PostgresSource, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(time.Minute)

	return &PostgresSource{db: db, timeout: timeout}, nil
}

// Query executes a validated read-only segment query and maps its rows
func (s *PostgresSource) Query(ctx context.Context, query string) ([]Row, error) {
	if err := ValidateReadOnly(query); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("segment query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var values [][]any
	for rows.Next() {
		scan := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range scan {
			ptrs[i] = &scan[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		values = append(values, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return MapRows(columns, values), nil
}

// Close closes the connection pool
func (s *PostgresSource) Close() error {
	return s.db.Close()
}
