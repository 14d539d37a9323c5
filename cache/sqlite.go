package cache

import (
	"context"
	"database/sql"
	"fmt"
	"github.com/hauke96/sigolo/v2"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
	"time"
)

// SQLiteStore persists the entries in one table of a SQLite database file. The table name contains the namespace and
// schema version, tables of other schema versions are left untouched.
type SQLiteStore struct {
	db    *sql.DB
	table string
}

func OpenSQLiteStore(ctx context.Context, path string, namespace string, schemaVersion int) (*SQLiteStore, error) {
	table, err := TableName(namespace, schemaVersion)
	if err != nil {
		return nil, err
	}

	sigolo.Debugf("Open SQLite cache %s (table %s)", path, table)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "Unable to open SQLite cache %s", path)
	}

	// SQLite allows only one writer, a single connection avoids "database is locked" errors between our own statements.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = db.PingContext(setupCtx)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "Unable to connect to SQLite cache %s", path)
	}

	var journalMode string
	err = db.QueryRowContext(setupCtx, "PRAGMA journal_mode=WAL;").Scan(&journalMode)
	if err != nil {
		sigolo.Warnf("Unable to enable WAL mode for SQLite cache %s: %s", path, err)
	} else {
		sigolo.Tracef("SQLite journal mode: %s", journalMode)
	}
	_, err = db.ExecContext(setupCtx, "PRAGMA busy_timeout=5000;")
	if err != nil {
		sigolo.Warnf("Unable to set busy timeout for SQLite cache %s: %s", path, err)
	}

	_, err = db.ExecContext(setupCtx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
		key       TEXT PRIMARY KEY,
		data      BLOB NOT NULL,
		timestamp INTEGER NOT NULL,
		version   TEXT NULL
	)`, table))
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "Unable to create cache table %s", table)
	}

	return &SQLiteStore{
		db:    db,
		table: table,
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	entry := &Entry{Key: key}
	var version sql.NullString

	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT data, timestamp, version FROM "%s" WHERE key = ?`, s.table), key).
		Scan(&entry.Data, &entry.Timestamp, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "Unable to read cache entry %s", key)
	}

	entry.Version = version.String
	return entry, nil
}

func (s *SQLiteStore) Put(ctx context.Context, entry Entry) error {
	version := sql.NullString{String: entry.Version, Valid: entry.Version != ""}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO "%[1]s" (key, data, timestamp, version) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, timestamp = excluded.timestamp, version = excluded.version
		WHERE excluded.timestamp >= "%[1]s".timestamp`, s.table), entry.Key, entry.Data, entry.Timestamp, version)
	if err != nil {
		return errors.Wrapf(err, "Unable to write cache entry %s", entry.Key)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE key = ?`, s.table), key)
	if err != nil {
		return errors.Wrapf(err, "Unable to delete cache entry %s", key)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, s.table)).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "Unable to count cache entries")
	}
	return count, nil
}

// Evict counts and deletes within one transaction, so concurrent writes can't cause too many entries to be removed.
func (s *SQLiteStore) Evict(ctx context.Context, maxEntries int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "Unable to start eviction transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var count int
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, s.table)).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "Unable to count cache entries")
	}
	if count <= maxEntries {
		return 0, nil
	}

	result, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%[1]s" WHERE rowid IN (
		SELECT rowid FROM "%[1]s" ORDER BY timestamp, rowid LIMIT ?
	)`, s.table), count-maxEntries)
	if err != nil {
		return 0, errors.Wrap(err, "Unable to evict cache entries")
	}

	err = tx.Commit()
	if err != nil {
		return 0, errors.Wrap(err, "Unable to commit eviction")
	}

	evicted, _ := result.RowsAffected()
	return int(evicted), nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, data, timestamp, version FROM "%s" ORDER BY timestamp, rowid`, s.table))
	if err != nil {
		return nil, errors.Wrap(err, "Unable to list cache entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var version sql.NullString
		err = rows.Scan(&entry.Key, &entry.Data, &entry.Timestamp, &version)
		if err != nil {
			return nil, errors.Wrap(err, "Unable to read cache entry")
		}
		entry.Version = version.String
		entries = append(entries, entry)
	}

	return entries, errors.Wrap(rows.Err(), "Unable to list cache entries")
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, s.table))
	if err != nil {
		return errors.Wrap(err, "Unable to clear cache")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
