package rawdb

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	k BLOB PRIMARY KEY,
	v BLOB NOT NULL
) WITHOUT ROWID`

// SQLiteDB is a Database persisted in a single SQLite file.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the SQLite database at path.
func OpenSQLite(path string) (*SQLiteDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("rawdb: sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("rawdb: open sqlite db: %w", err)
	}
	// One writer keeps batches serialised without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rawdb: ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rawdb: create schema: %w", err)
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	}
	return false, err
}

func (s *SQLiteDB) Get(key []byte) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rawdb: get: %w", err)
	}
	return v, nil
}

func (s *SQLiteDB) Put(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.Exec(`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, value)
	if err != nil {
		return fmt.Errorf("rawdb: put: %w", err)
	}
	return nil
}

func (s *SQLiteDB) Delete(key []byte) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE k = ?`, key); err != nil {
		return fmt.Errorf("rawdb: delete: %w", err)
	}
	return nil
}

// NewIterator loads every pair under prefix. Results are small (one row per
// nonce channel) so they are materialised up front.
func (s *SQLiteDB) NewIterator(prefix []byte) Iterator {
	it := &sliceIterator{pos: -1}
	rows, err := s.db.Query(`SELECT k, v FROM kv WHERE k >= ? ORDER BY k`, prefix)
	if err != nil {
		it.err = fmt.Errorf("rawdb: iterate: %w", err)
		return it
	}
	defer rows.Close()
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			it.err = fmt.Errorf("rawdb: iterate: %w", err)
			return it
		}
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		it.items = append(it.items, kv{key: k, value: v})
	}
	if err := rows.Err(); err != nil {
		it.err = fmt.Errorf("rawdb: iterate: %w", err)
	}
	return it
}

func (s *SQLiteDB) NewBatch() Batch { return &sqliteBatch{s: s} }

func (s *SQLiteDB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteBatch struct {
	s    *SQLiteDB
	ops  []batchOp
	size int
}

func (b *sqliteBatch) Put(key, value []byte) error {
	b.ops = append(b.ops, batchOp{key: bytes.Clone(key), value: bytes.Clone(value)})
	b.size += len(key) + len(value)
	return nil
}

func (b *sqliteBatch) Delete(key []byte) error {
	b.ops = append(b.ops, batchOp{key: bytes.Clone(key), delete: true})
	b.size += len(key)
	return nil
}

func (b *sqliteBatch) ValueSize() int { return b.size }

// Write applies the batch inside one transaction.
func (b *sqliteBatch) Write() error {
	tx, err := b.s.db.Begin()
	if err != nil {
		return fmt.Errorf("rawdb: begin batch: %w", err)
	}
	for _, op := range b.ops {
		if op.delete {
			_, err = tx.Exec(`DELETE FROM kv WHERE k = ?`, op.key)
		} else {
			v := op.value
			if v == nil {
				v = []byte{}
			}
			_, err = tx.Exec(`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`, op.key, v)
		}
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("rawdb: write batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rawdb: commit batch: %w", err)
	}
	return nil
}

func (b *sqliteBatch) Reset() {
	b.ops = b.ops[:0]
	b.size = 0
}
