package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
    id           TEXT PRIMARY KEY,
    source_path  TEXT NOT NULL,
    page_count   INTEGER NOT NULL DEFAULT 0,
    company_name TEXT NOT NULL DEFAULT '',
    stock_code   TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    ingested_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
    doc_id     TEXT NOT NULL,
    stage      TEXT NOT NULL,
    status     TEXT NOT NULL,
    input_hash TEXT NOT NULL,
    payload    BLOB,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (doc_id, stage)
);

CREATE TABLE IF NOT EXISTS facts (
    doc_id            TEXT NOT NULL,
    field             TEXT NOT NULL,
    version           INTEGER NOT NULL,
    status            TEXT NOT NULL,
    value             TEXT,
    confidence        REAL NOT NULL DEFAULT 0,
    supporting_chunks TEXT NOT NULL DEFAULT '[]',
    attempts          INTEGER NOT NULL DEFAULT 0,
    error             TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMP NOT NULL,
    PRIMARY KEY (doc_id, field, version)
);

CREATE TABLE IF NOT EXISTS reviews (
    id          TEXT PRIMARY KEY,
    doc_id      TEXT NOT NULL,
    kind        TEXT NOT NULL,
    payload     TEXT NOT NULL DEFAULT '{}',
    status      TEXT NOT NULL,
    note        TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_reviews_doc_status ON reviews(doc_id, status);
`

// Store is the SQLite persistence layer: documents, stage checkpoints,
// append-only facts and the manual-review queue.
type Store struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// Open opens (or creates) the database at path. ":memory:" is accepted
// for tests. WAL mode keeps concurrent readers out of the writer's way.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "facts.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// modernc/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between the claim CAS and the completing write.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logger.Info("store.opened", "path", path)
	return &Store{db: db, path: path, log: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}
