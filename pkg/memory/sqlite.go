package memory

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/scottdavis/nnflow/pkg/errors"
)

// SQLiteStore implements Memory on an SQLite database. It keeps deployment
// records across restarts of a single host.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string

	initialized sync.Once
	initErr     error
}

// Ensure SQLiteStore implements Memory interface
var _ Memory = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path. ":memory:" creates an
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	connStr := path + "?cache=shared"
	if path == ":memory:" {
		connStr = path
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to open SQLite database"),
			errors.Fields{"path": path},
		)
	}
	if path == ":memory:" {
		// an in-memory database lives and dies with its connection
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.ensureInitialized(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) ensureInitialized() error {
	s.initialized.Do(func() {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			s.initErr = errors.Wrap(err, errors.Unknown, "failed to enable WAL mode")
			return
		}

		query := `
        CREATE TABLE IF NOT EXISTS memory_store (
            key TEXT PRIMARY KEY,
            value BLOB NOT NULL,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            expires_at INTEGER
        );
        `
		if _, err := s.db.Exec(query); err != nil {
			s.initErr = errors.Wrap(err, errors.Unknown, "failed to initialize database")
		}
	})
	return s.initErr
}

func (s *SQLiteStore) Store(ctx context.Context, key string, value []byte, opts ...StoreOption) error {
	options := applyOptions(opts)

	var expires sql.NullInt64
	if options.TTL > 0 {
		expires = sql.NullInt64{Int64: time.Now().Add(options.TTL).UnixNano(), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO memory_store (key, value, updated_at, expires_at)
        VALUES (?, ?, CURRENT_TIMESTAMP, ?)
        ON CONFLICT(key) DO UPDATE SET
            value = excluded.value,
            updated_at = excluded.updated_at,
            expires_at = excluded.expires_at`,
		key, value, expires)
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to store value in SQLite"),
			errors.Fields{"key": key},
		)
	}
	return nil
}

func (s *SQLiteStore) Retrieve(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM memory_store WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, time.Now().UnixNano(),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to retrieve value"),
			errors.Fields{"key": key},
		)
	}
	return value, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM memory_store WHERE key = ?", key); err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to delete key"),
			errors.Fields{"key": key},
		)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
        SELECT key FROM memory_store
        WHERE substr(key, 1, length(?)) = ?
        AND (expires_at IS NULL OR expires_at > ?)
        ORDER BY key`,
		prefix, prefix, time.Now().UnixNano())
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to list keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, errors.Unknown, "failed to scan key")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "error iterating rows")
	}
	return keys, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM memory_store"); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to clear memory store")
	}
	return nil
}

// CleanExpired removes all expired entries from the store.
func (s *SQLiteStore) CleanExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_store WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, errors.Unknown, "failed to clean expired entries")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, errors.Unknown, "failed to get affected rows count")
	}
	return affected, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to close database connection")
	}
	return nil
}
