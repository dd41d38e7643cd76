// Package sqlite stores the audit log in an embedded SQLite database.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/steveyegge/meditator/internal/events"
	"go.uber.org/zap"
)

// Storage implements events.EventStore on SQLite
type Storage struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
	now    func() time.Time
}

var _ events.EventStore = (*Storage)(nil)

// New opens (creating if needed) the database at path. ":memory:" opens a
// private in-memory database.
func New(path string, logger *zap.Logger) (*Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		// WAL lets the CLI read events while a runner writes them.
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Storage{db: db, path: path, logger: logger.Named("sqlite"), now: time.Now}, nil
}

// Path returns the database path.
func (s *Storage) Path() string { return s.path }

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}
