package rawdb

import (
	"bytes"
	"slices"
	"strings"
	"sync"
)

// MemoryDB is a Database held entirely in memory. It is safe for
// concurrent use.
type MemoryDB struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{data: make(map[string][]byte)}
}

func (db *MemoryDB) Has(key []byte) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return false, ErrClosed
	}
	_, ok := db.data[string(key)]
	return ok, nil
}

func (db *MemoryDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	val, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(val), nil
}

func (db *MemoryDB) Put(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	db.data[string(key)] = bytes.Clone(value)
	return nil
}

func (db *MemoryDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	delete(db.data, string(key))
	return nil
}

func (db *MemoryDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}

// Len returns the number of stored entries.
func (db *MemoryDB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.data)
}

// NewIterator snapshots every pair whose key starts with prefix.
func (db *MemoryDB) NewIterator(prefix []byte) Iterator {
	db.mu.RLock()
	defer db.mu.RUnlock()
	keys := make([]string, 0)
	for k := range db.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	it := &sliceIterator{pos: -1}
	for _, k := range keys {
		it.items = append(it.items, kv{key: []byte(k), value: bytes.Clone(db.data[k])})
	}
	return it
}

func (db *MemoryDB) NewBatch() Batch { return &memBatch{db: db} }

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

type memBatch struct {
	db   *MemoryDB
	ops  []batchOp
	size int
}

func (b *memBatch) Put(key, value []byte) error {
	b.ops = append(b.ops, batchOp{key: bytes.Clone(key), value: bytes.Clone(value)})
	b.size += len(key) + len(value)
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	b.ops = append(b.ops, batchOp{key: bytes.Clone(key), delete: true})
	b.size += len(key)
	return nil
}

func (b *memBatch) ValueSize() int { return b.size }

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if b.db.closed {
		return ErrClosed
	}
	for _, op := range b.ops {
		if op.delete {
			delete(b.db.data, string(op.key))
			continue
		}
		b.db.data[string(op.key)] = op.value
	}
	return nil
}

func (b *memBatch) Reset() {
	b.ops = b.ops[:0]
	b.size = 0
}

type kv struct {
	key, value []byte
}

// sliceIterator iterates a pre-materialised, sorted result set.
type sliceIterator struct {
	items []kv
	pos   int
	err   error
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.items) {
		it.pos = len(it.items)
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) current() *kv {
	if it.pos < 0 || it.pos >= len(it.items) {
		return nil
	}
	return &it.items[it.pos]
}

func (it *sliceIterator) Key() []byte {
	if c := it.current(); c != nil {
		return c.key
	}
	return nil
}

func (it *sliceIterator) Value() []byte {
	if c := it.current(); c != nil {
		return c.value
	}
	return nil
}

func (it *sliceIterator) Error() error { return it.err }

func (it *sliceIterator) Release() { it.items = nil }
