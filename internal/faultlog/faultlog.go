// Package faultlog is the embedded fault-attribution ledger: a
// history.Sink backed by internal/store, used as the default audit trail
// when no external sink (Postgres, ClickHouse) is configured
// (SPEC_FULL.md §11). It persists only EventFault occurrences; lifecycle
// events without a fault carry no attribution worth keeping here.
package faultlog

import (
	"context"

	"github.com/dataprovider/slaved/internal/history"
	"github.com/dataprovider/slaved/internal/store"
	"github.com/dataprovider/slaved/internal/store/factory"
)

// Sink adapts a store.Store into a history.Sink.
type Sink struct {
	db store.Store
}

// New opens the ledger at dsn (sqlite path, "sqlite://...", or a
// "postgres://"/"postgresql://" DSN) and ensures its schema exists.
func New(dsn string) (*Sink, error) {
	db, err := factory.NewFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Sink{db: db}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if e.Type != history.EventFault {
		return nil
	}
	return s.db.Insert(ctx, store.FaultRecord{
		SlaveName:  e.SlaveName,
		Package:    e.Package,
		File:       e.File,
		Function:   e.Function,
		Method:     e.Method,
		OccurredAt: e.OccurredAt,
	})
}

// Recent returns the most recent attributed faults for a slave, newest
// first, for the admin API's introspection endpoints.
func (s *Sink) Recent(ctx context.Context, slaveName string, limit int) ([]store.FaultRecord, error) {
	return s.db.ListBySlave(ctx, slaveName, limit)
}

func (s *Sink) Close() error { return s.db.Close() }
