// Package sqlite implements store.Store against an embedded SQLite
// database (modernc.org/sqlite, CGO-free), the default fault-attribution
// ledger backend when no external sink is configured.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/dataprovider/slaved/internal/store"
)

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path. Use ":memory:" for an in-memory
// ledger.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fault_attributions(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slave_name TEXT NOT NULL,
			package TEXT,
			file TEXT,
			function TEXT,
			method TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fault_attributions_slave ON fault_attributions(slave_name);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Insert(ctx context.Context, rec store.FaultRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fault_attributions(slave_name, package, file, function, method, occurred_at)
		VALUES(?, ?, ?, ?, ?, ?);`,
		rec.SlaveName, rec.Package, rec.File, rec.Function, rec.Method, rec.OccurredAt.UTC())
	return err
}

func (s *DB) ListBySlave(ctx context.Context, slaveName string, limit int) ([]store.FaultRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT slave_name, package, file, function, method, occurred_at
		FROM fault_attributions
		WHERE slave_name=?
		ORDER BY occurred_at DESC
		LIMIT ?;`, slaveName, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]store.FaultRecord, error) {
	out := make([]store.FaultRecord, 0)
	for rows.Next() {
		var r store.FaultRecord
		var pkg, file, fn sql.NullString
		if err := rows.Scan(&r.SlaveName, &pkg, &file, &fn, &r.Method, &r.OccurredAt); err != nil {
			return nil, err
		}
		r.Package, r.File, r.Function = pkg.String, file.String, fn.String
		out = append(out, r)
	}
	return out, rows.Err()
}
