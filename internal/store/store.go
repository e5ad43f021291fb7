package store

import (
	"context"
	"fmt"
	"time"

	"casegraph/internal/config"
	"casegraph/internal/database"
)

// Store provides typed access to the durable records.
type Store struct {
	db  *database.DB
	now func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps an open database.
func New(db *database.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the configured database, migrates it and returns a Store.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(db, opts...), nil
}

// DB exposes the shared connection for the SQL queue backend and graph sink.
func (s *Store) DB() *database.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) timestamp() string {
	return database.FormatTime(s.now())
}
