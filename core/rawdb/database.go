// Package rawdb provides the low-level key/value stores the key manager
// persists its own bookkeeping in, such as relay nonces.
//
// Keys are namespaced by a single-byte prefix per data type, see schema.go.
package rawdb

import "errors"

var (
	ErrNotFound = errors.New("rawdb: not found")
	ErrClosed   = errors.New("rawdb: database closed")
)

// KeyValueReader wraps the Has and Get methods of a backing data store.
type KeyValueReader interface {
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
}

// KeyValueWriter wraps the Put and Delete methods of a backing data store.
type KeyValueWriter interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Iterator walks key/value pairs in ascending key order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// KeyValueStore combines read, write and prefix iteration.
type KeyValueStore interface {
	KeyValueReader
	KeyValueWriter
	NewIterator(prefix []byte) Iterator
	Close() error
}

// Batch is a write-only set of changes committed atomically by Write.
type Batch interface {
	KeyValueWriter
	ValueSize() int
	Write() error
	Reset()
}

// Database is a KeyValueStore that can also produce batches.
type Database interface {
	KeyValueStore
	NewBatch() Batch
}
