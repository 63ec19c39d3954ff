package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/vthunder/mend/internal/faults"
	"github.com/vthunder/mend/internal/logging"
)

// Supported database/sql driver names.
const (
	DriverCgo    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// DB wraps the SQLite database connection for the knowledge graph
type DB struct {
	db     *sql.DB
	path   string
	driver string
	now    func() time.Time
}

// Option configures Open.
type Option func(*DB)

// WithDriver selects the SQL driver (DriverCgo or DriverPureGo).
func WithDriver(driver string) Option {
	return func(g *DB) {
		if driver != "" {
			g.driver = driver
		}
	}
}

// WithClock overrides the clock used for edge timestamps and recency windows.
func WithClock(now func() time.Time) Option {
	return func(g *DB) {
		if now != nil {
			g.now = now
		}
	}
}

// Open opens or creates the graph database under statePath/system/graph.db
func Open(statePath string, opts ...Option) (*DB, error) {
	return OpenFile(filepath.Join(statePath, "system", "graph.db"), opts...)
}

// OpenFile opens or creates the graph database at an explicit path
func OpenFile(dbPath string, opts ...Option) (*DB, error) {
	g := &DB{path: dbPath, driver: DriverCgo, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn, err := dataSourceName(g.driver, dbPath)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(g.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", classify("ping", err))
	}
	g.db = db

	if err := g.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	logging.Debug("graph", "opened %s (driver %s)", dbPath, g.driver)
	return g, nil
}

// dataSourceName builds a DSN with WAL, a busy timeout, foreign keys and
// immediate write transactions. The two drivers spell pragmas differently.
func dataSourceName(driver, path string) (string, error) {
	switch driver {
	case DriverCgo:
		return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", nil
	case DriverPureGo:
		return "file:" + path +
			"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// Close closes the database connection
func (g *DB) Close() error {
	return g.db.Close()
}

// Path returns the database file path
func (g *DB) Path() string {
	return g.path
}

// migrate runs database migrations
func (g *DB) migrate() error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		properties TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		archived_at INTEGER,
		archive_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type);
	CREATE INDEX IF NOT EXISTS idx_nodes_created ON nodes(created_at);

	CREATE TABLE IF NOT EXISTS edges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		to_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		relation_type TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 1.0,
		properties TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		UNIQUE(from_id, to_id, relation_type)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id);
	CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id);
	CREATE INDEX IF NOT EXISTS idx_edges_created ON edges(created_at);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	if _, err := g.db.Exec(schema); err != nil {
		return classify("create schema", err)
	}
	return g.runMigrations()
}

// runMigrations applies incremental migrations after the base schema
func (g *DB) runMigrations() error {
	var version int
	if err := g.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return classify("schema version", err)
	}

	// Migration v2: partial index for the archived filter used by every orphan scan
	if version < 2 {
		logging.Debug("graph", "migrating to v2: archived index")
		if _, err := g.db.Exec(`CREATE INDEX IF NOT EXISTS idx_nodes_live ON nodes(archived_at) WHERE archived_at IS NULL`); err != nil {
			return classify("migrate v2", err)
		}
		if _, err := g.db.Exec("INSERT INTO schema_version (version) VALUES (2)"); err != nil {
			return classify("migrate v2", err)
		}
	}

	return nil
}

// Stats returns database statistics
func (g *DB) Stats(ctx context.Context) (map[string]int, error) {
	queries := map[string]string{
		"nodes":    `SELECT COUNT(*) FROM nodes WHERE archived_at IS NULL`,
		"archived": `SELECT COUNT(*) FROM nodes WHERE archived_at IS NOT NULL`,
		"edges":    `SELECT COUNT(*) FROM edges`,
		"crystals": `SELECT COUNT(*) FROM nodes WHERE type = 'CrystalConcept' AND archived_at IS NULL`,
	}
	stats := make(map[string]int, len(queries)+1)
	for name, q := range queries {
		var count int
		if err := g.db.QueryRowContext(ctx, q).Scan(&count); err != nil {
			return nil, classify("stats "+name, err)
		}
		stats[name] = count
	}
	orphans, err := g.CountOrphans(ctx)
	if err != nil {
		return nil, err
	}
	stats["orphans"] = orphans
	return stats, nil
}

// classify maps driver errors onto the fault taxonomy so callers can decide
// between retrying, skipping and aborting without knowing about SQLite.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, faults.ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, faults.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	case isBusy(err):
		return fmt.Errorf("%s: %w: %w", op, faults.ErrBusy, err)
	case isClosed(err):
		return fmt.Errorf("%s: %w: %w", op, faults.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isBusy(err error) bool {
	if busy, ok := isCgoBusy(err); ok {
		return busy
	}
	// modernc.org/sqlite exposes the result code through Code()
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		primary := coded.Code() & 0xff
		return primary == 5 || primary == 6 // SQLITE_BUSY, SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func isClosed(err error) bool {
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "unable to open database") ||
		strings.Contains(msg, "disk I/O error")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
