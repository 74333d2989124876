package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/nomad-sync/pkg/ids"
)

const sqliteFile = "nomads.sqlite3"

type SQLite struct {
	database *sql.DB
	// lock is held shared by every operation and exclusively by Close.
	// database/sql reports its own unexported error once closed, so the
	// flag is what turns that into ErrClosed.
	lock   sync.RWMutex
	closed bool
}

// OpenSQLite opens the nomads database inside dir, creating both as
// needed.
func OpenSQLite(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, sqliteFile)
	slog.Info("Opening database", "path", path)
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// A single connection keeps writers from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &SQLite{database: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS nomads (
		id blob not null primary key,
		data blob not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create nomads table: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key ids.ID) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var data []byte
	if err := s.database.QueryRowContext(
		ctx, `SELECT data FROM nomads WHERE id = ?`, key.Bytes(),
	).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query %s: %w", key, err)
	}
	return data, nil
}

func (s *SQLite) Set(ctx context.Context, key ids.ID, value []byte) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if res, err := s.database.ExecContext(
		ctx,
		`INSERT INTO nomads (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		key.Bytes(), value,
	); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	} else if r, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to count rows affected by upsert: %w", err)
	} else if r == 0 {
		return fmt.Errorf("no rows written for %s", key)
	}
	return nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.database.ExecContext(ctx, `DELETE FROM nomads`); err != nil {
		return fmt.Errorf("failed to clear nomads: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.database.Close()
}
