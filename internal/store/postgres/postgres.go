// Package postgres implements store.Store against PostgreSQL for
// deployments that want the fault-attribution ledger outside the
// daemon's filesystem.
package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dataprovider/slaved/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fault_attributions(
			id BIGSERIAL PRIMARY KEY,
			slave_name TEXT NOT NULL,
			package TEXT,
			file TEXT,
			function TEXT,
			method TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fault_attributions_slave ON fault_attributions(slave_name);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Insert(ctx context.Context, rec store.FaultRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fault_attributions(slave_name, package, file, function, method, occurred_at)
		VALUES($1,$2,$3,$4,$5,$6);`,
		rec.SlaveName, rec.Package, rec.File, rec.Function, rec.Method, rec.OccurredAt.UTC())
	return err
}

func (p *DB) ListBySlave(ctx context.Context, slaveName string, limit int) ([]store.FaultRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT slave_name, package, file, function, method, occurred_at
		FROM fault_attributions
		WHERE slave_name=$1
		ORDER BY occurred_at DESC
		LIMIT $2;`, slaveName, limit)
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
