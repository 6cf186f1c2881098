package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data directory.
	DefaultDBFileName = "archive.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultEventRetention controls automatic session event pruning.
	DefaultEventRetention = 30 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS peers (
  peer_id             TEXT PRIMARY KEY,
  display_name        TEXT NOT NULL DEFAULT '',
  namespace           TEXT NOT NULL,
  last_addresses      TEXT NOT NULL DEFAULT '',
  first_seen          INTEGER NOT NULL,
  last_seen           INTEGER NOT NULL,
  sightings           INTEGER NOT NULL DEFAULT 1
);
`,
	`
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id        TEXT NOT NULL,
  direction          TEXT NOT NULL CHECK(direction IN ('send','receive')),
  peer_id            TEXT NOT NULL,
  peer_name          TEXT NOT NULL DEFAULT '',
  resource_name      TEXT NOT NULL,
  total_bytes        INTEGER NOT NULL,
  transferred_bytes  INTEGER NOT NULL,
  status             TEXT NOT NULL CHECK(status IN ('completed','failed')),
  local_path         TEXT NOT NULL DEFAULT '',
  error              TEXT NOT NULL DEFAULT '',
  started_at         INTEGER NOT NULL,
  finished_at        INTEGER NOT NULL,
  PRIMARY KEY (transfer_id, direction)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_peer_time
ON transfers (peer_id, finished_at DESC);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id     TEXT PRIMARY KEY,
  namespace      TEXT NOT NULL,
  peer_id        TEXT NOT NULL,
  peer_name      TEXT NOT NULL DEFAULT '',
  direction      TEXT NOT NULL CHECK(direction IN ('send','receive')),
  content        TEXT NOT NULL,
  mode           TEXT NOT NULL CHECK(mode IN ('reliable','unreliable')) DEFAULT 'reliable',
  timestamp      INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_namespace_time
ON messages (namespace, timestamp);
`,
	`
CREATE TABLE IF NOT EXISTS session_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type  TEXT NOT NULL,
  peer_id     TEXT,
  details     TEXT NOT NULL,
  severity    TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_session_events_time
ON session_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_session_events_type
ON session_events (event_type, timestamp DESC, id DESC);
`,
}

// Store archives transfers, peer sightings, chat lines and session events in
// SQLite. It is safe for concurrent use and satisfies nearby.Archive.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	eventRetention        time.Duration
	closeOnce             sync.Once
}

// Open opens (or creates) the archive under dataDir and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
		eventRetention:        DefaultEventRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
