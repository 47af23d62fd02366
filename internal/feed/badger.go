package feed

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// BadgerStore keeps the entries of many feeds in one badger database.
//
// Keys are prefixed by the feed's public key:
//
//	feed/<hex key>/len        -> big endian length
//	feed/<hex key>/e/<index>  -> signature || data
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a database in dir
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %s", dir)
	}
	return &BadgerStore{db: db}, nil
}

// Storage is a StorageFunc handing out one prefix of the database per feed
func (s *BadgerStore) Storage(publicKey []byte) (Storage, error) {
	prefix := []byte("feed/" + hex.EncodeToString(publicKey) + "/")
	return &badgerStorage{db: s.db, prefix: prefix}, nil
}

// Close closes the database; storages handed out stop working
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

type badgerStorage struct {
	db     *badger.DB
	prefix []byte
}

func (b *badgerStorage) lenKey() []byte {
	return append(append([]byte(nil), b.prefix...), "len"...)
}

func (b *badgerStorage) entryKey(index uint64) []byte {
	key := append(append([]byte(nil), b.prefix...), "e/"...)
	return binary.BigEndian.AppendUint64(key, index)
}

func readLen(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (b *badgerStorage) Put(index uint64, entry Entry) error {
	return b.db.Update(func(txn *badger.Txn) error {
		length, err := readLen(txn, b.lenKey())
		if err != nil {
			return err
		}
		if index != length {
			return errors.Wrapf(ErrOutOfOrder, "put %d with length %d", index, length)
		}
		value := make([]byte, 0, len(entry.Signature)+len(entry.Data))
		value = append(value, entry.Signature...)
		value = append(value, entry.Data...)
		if err := txn.Set(b.entryKey(index), value); err != nil {
			return err
		}
		return txn.Set(b.lenKey(), binary.BigEndian.AppendUint64(nil, length+1))
	})
}

func (b *badgerStorage) Get(index uint64) (Entry, error) {
	var entry Entry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.entryKey(index))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errors.Wrapf(ErrNotFound, "index %d", index)
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(raw) < ed25519.SignatureSize {
			return errors.Errorf("entry %d is truncated", index)
		}
		entry.Signature = raw[:ed25519.SignatureSize]
		entry.Data = raw[ed25519.SignatureSize:]
		return nil
	})
	return entry, err
}

func (b *badgerStorage) Len() (uint64, error) {
	var length uint64
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		length, err = readLen(txn, b.lenKey())
		return err
	})
	return length, err
}

// Close does nothing: the database belongs to the BadgerStore
func (b *badgerStorage) Close() error {
	return nil
}
