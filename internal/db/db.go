package db

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kiracore/devpulse/internal/paths"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// goose keeps its dialect and filesystem in package globals.
var gooseMu sync.Mutex

// DB represents the devpulse database
type DB struct {
	*sql.DB
	path string
}

// DefaultDBPath returns the default database path.
// Uses XDG_DATA_HOME/devpulse/devpulse.db or ~/.local/share/devpulse/devpulse.db
func DefaultDBPath() string {
	return paths.DatabasePath()
}

// Open opens or creates the database
func Open(path string) (*DB, error) {
	if path == "" {
		path = DefaultDBPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// _time_format=sqlite stores times as "YYYY-MM-DD HH:MM:SS.fff+00:00" so
	// they compare lexically and work with SQLite date functions.
	connStr := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite works best with single connection
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DB{DB: db, path: path}, nil
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Init applies all pending migrations.
func (db *DB) Init() error {
	return db.withGoose(func() error {
		if err := goose.Up(db.DB, migrationsDir); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	})
}

// Reset rolls back every migration and re-applies them, dropping all data.
func (db *DB) Reset() error {
	return db.withGoose(func() error {
		if err := goose.DownTo(db.DB, migrationsDir, 0); err != nil {
			return fmt.Errorf("failed to roll back migrations: %w", err)
		}
		if err := goose.Up(db.DB, migrationsDir); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	})
}

// Version returns the currently applied migration version.
func (db *DB) Version() (int64, error) {
	var version int64
	err := db.withGoose(func() error {
		v, err := goose.GetDBVersion(db.DB)
		version = v
		return err
	})
	return version, err
}

func (db *DB) withGoose(fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(log.New(io.Discard, "", 0))
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	return fn()
}

// Backup writes a consistent copy of the database to destPath.
func (db *DB) Backup(destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination %s already exists", destPath)
	}
	if _, err := db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}

// Optimize runs ANALYZE and VACUUM.
func (db *DB) Optimize() error {
	if _, err := db.Exec("ANALYZE"); err != nil {
		return err
	}
	_, err := db.Exec("VACUUM")
	return err
}

// Stats returns database statistics
type Stats struct {
	Path          string     `json:"path"`
	Size          int64      `json:"size_bytes"`
	Repositories  int        `json:"repositories"`
	Commits       int        `json:"commits"`
	PullRequests  int        `json:"pull_requests"`
	Reviews       int        `json:"reviews"`
	CacheEntries  int        `json:"cache_entries"`
	Instances     int        `json:"workflow_instances"`
	LastSync      *time.Time `json:"last_sync,omitempty"`
	SchemaVersion int64      `json:"schema_version"`
}

// GetStats returns database statistics
func (db *DB) GetStats() (*Stats, error) {
	stats := &Stats{Path: db.path}

	if info, err := os.Stat(db.path); err == nil {
		stats.Size = info.Size()
	}

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM repositories", &stats.Repositories},
		{"SELECT COUNT(*) FROM commits", &stats.Commits},
		{"SELECT COUNT(*) FROM pull_requests", &stats.PullRequests},
		{"SELECT COUNT(*) FROM reviews", &stats.Reviews},
		{"SELECT COUNT(*) FROM cache_entries", &stats.CacheEntries},
		{"SELECT COUNT(*) FROM workflow_instances", &stats.Instances},
	}
	for _, c := range counts {
		if err := db.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count rows: %w", err)
		}
	}

	version, err := db.Version()
	if err == nil {
		stats.SchemaVersion = version
	}

	// MAX() loses the column type, so the driver hands back TEXT
	var lastSync sql.NullString
	if err := db.QueryRow("SELECT MAX(completed_at) FROM sync_history WHERE status = 'completed'").Scan(&lastSync); err != nil {
		return nil, err
	}
	if lastSync.Valid {
		if t, ok := parseTime(lastSync.String); ok {
			stats.LastSync = &t
		}
	}

	return stats, nil
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// parseTime parses the formats SQLite and the driver write for DATETIME values.
func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
