package db

import (
	"bytes"
	"sort"
	"sync"

	"github.com/smallstep/nosql/database"
)

// MemoryDB is an in-process implementation of the nosql database interface.
// It backs tests and the "memory" driver; data does not survive a restart.
type MemoryDB struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemoryDB returns an empty in-memory database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{buckets: make(map[string]map[string][]byte)}
}

// Open is a no-op; the database is ready on construction.
func (m *MemoryDB) Open(dataSourceName string, opt ...database.Option) error {
	return nil
}

// Close is a no-op.
func (m *MemoryDB) Close() error {
	return nil
}

// CreateTable creates the named bucket if it does not exist.
func (m *MemoryDB) CreateTable(bucket []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[string(bucket)]; !ok {
		m.buckets[string(bucket)] = make(map[string][]byte)
	}
	return nil
}

// DeleteTable removes the named bucket.
func (m *MemoryDB) DeleteTable(bucket []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[string(bucket)]; !ok {
		return database.ErrNotFound
	}
	delete(m.buckets, string(bucket))
	return nil
}

// Get returns the value stored under bucket/key.
func (m *MemoryDB) Get(bucket, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(bucket, key)
}

func (m *MemoryDB) get(bucket, key []byte) ([]byte, error) {
	b, ok := m.buckets[string(bucket)]
	if !ok {
		return nil, database.ErrNotFound
	}
	value, ok := b[string(key)]
	if !ok {
		return nil, database.ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set stores value under bucket/key.
func (m *MemoryDB) Set(bucket, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set(bucket, key, value)
}

func (m *MemoryDB) set(bucket, key, value []byte) error {
	b, ok := m.buckets[string(bucket)]
	if !ok {
		return database.ErrNotFound
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	b[string(key)] = stored
	return nil
}

// Del removes bucket/key.
func (m *MemoryDB) Del(bucket, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[string(bucket)]
	if !ok {
		return database.ErrNotFound
	}
	delete(b, string(key))
	return nil
}

// CmpAndSwap sets bucket/key to newValue iff the current value equals
// oldValue.
func (m *MemoryDB) CmpAndSwap(bucket, key, oldValue, newValue []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, err := m.get(bucket, key)
	if err != nil && err != database.ErrNotFound {
		return nil, false, err
	}
	if !bytes.Equal(current, oldValue) {
		return current, false, nil
	}
	if err := m.set(bucket, key, newValue); err != nil {
		return nil, false, err
	}
	return newValue, true, nil
}

// List returns every entry in the bucket in key order.
func (m *MemoryDB) List(bucket []byte) ([]*database.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[string(bucket)]
	if !ok {
		return nil, database.ErrNotFound
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]*database.Entry, 0, len(keys))
	for _, k := range keys {
		value := make([]byte, len(b[k]))
		copy(value, b[k])
		entries = append(entries, &database.Entry{
			Bucket: bucket,
			Key:    []byte(k),
			Value:  value,
		})
	}
	return entries, nil
}

// Update applies the transaction's operations atomically.
func (m *MemoryDB) Update(tx *database.Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// apply to a scratch copy so a failed op leaves the store untouched
	scratch := make(map[string]map[string][]byte, len(m.buckets))
	for name, b := range m.buckets {
		copied := make(map[string][]byte, len(b))
		for k, v := range b {
			copied[k] = v
		}
		scratch[name] = copied
	}

	apply := &MemoryDB{buckets: scratch}
	for _, op := range tx.Operations {
		var err error
		switch op.Cmd {
		case database.CreateTable:
			err = apply.unsafeCreateTable(op.Bucket)
		case database.DeleteTable:
			if _, ok := scratch[string(op.Bucket)]; !ok {
				err = database.ErrNotFound
			} else {
				delete(scratch, string(op.Bucket))
			}
		case database.Get:
			op.Result, err = apply.get(op.Bucket, op.Key)
		case database.Set:
			err = apply.set(op.Bucket, op.Key, op.Value)
		case database.Delete:
			if b, ok := scratch[string(op.Bucket)]; ok {
				delete(b, string(op.Key))
			} else {
				err = database.ErrNotFound
			}
		default:
			err = database.ErrOpNotSupported
		}
		if err != nil {
			return err
		}
	}

	m.buckets = scratch
	return nil
}

func (m *MemoryDB) unsafeCreateTable(bucket []byte) error {
	if _, ok := m.buckets[string(bucket)]; !ok {
		m.buckets[string(bucket)] = make(map[string][]byte)
	}
	return nil
}
