// Package auth gates the admin HTTP surface (internal/api) behind a
// single table of operator accounts. There is no multi-tenant role model
// here: the daemon has operators, not customers, so the generic
// user/client/repository machinery the teacher's store package offered
// has no component to flow through — this keeps only what an operator
// login actually needs.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// StoreConfig points at the embedded admin-user table. It is always
// sqlite: a handful of operator accounts never warrant a Postgres
// backend the way the fault ledger's write volume does.
type StoreConfig struct {
	Path string `toml:"path" mapstructure:"path"`
}

// adminStore is the operator-credential table backing AuthService.
type adminStore struct {
	db *sql.DB
}

func newAdminStore(cfg StoreConfig) (*adminStore, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auth: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS admin_users (
		username      TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auth: schema: %w", err)
	}
	return &adminStore{db: db}, nil
}

func (s *adminStore) createUser(ctx context.Context, username, passwordHash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_users (username, password_hash) VALUES (?, ?)`, username, passwordHash)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrUserAlreadyExists
	}
	return err
}

func (s *adminStore) passwordHash(ctx context.Context, username string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM admin_users WHERE username = ?`, username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	return hash, err
}

func (s *adminStore) count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_users`).Scan(&n)
	return n, err
}

func (s *adminStore) close() error { return s.db.Close() }
