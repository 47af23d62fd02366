package feed

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrOutOfOrder is returned when a storage is asked to write anywhere but its end
var ErrOutOfOrder = errors.New("entry out of order")

// Entry is one signed record of a feed
type Entry struct {
	Data      []byte
	Signature []byte
}

// Storage keeps the entries of a single feed.
//
// Storages are append-only: Put must be called with index == Len().
type Storage interface {
	Put(index uint64, entry Entry) error
	Get(index uint64) (Entry, error)
	Len() (uint64, error)
	Close() error
}

// StorageFunc creates the storage of a feed once its key is known
type StorageFunc func(publicKey []byte) (Storage, error)

// MemoryStorage is a StorageFunc keeping everything in memory.
//
// Nothing survives the feed being closed.
func MemoryStorage(publicKey []byte) (Storage, error) {
	return &memoryStorage{}, nil
}

type memoryStorage struct {
	mu      sync.RWMutex
	entries []Entry
}

func (m *memoryStorage) Put(index uint64, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index != uint64(len(m.entries)) {
		return errors.Wrapf(ErrOutOfOrder, "put %d with length %d", index, len(m.entries))
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryStorage) Get(index uint64) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index >= uint64(len(m.entries)) {
		return Entry{}, errors.Wrapf(ErrNotFound, "index %d", index)
	}
	return m.entries[index], nil
}

func (m *memoryStorage) Len() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.entries)), nil
}

func (m *memoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	return nil
}
