// Package storage provides the persistence layer for the recovery protocol.
//
// Two tiers:
//
// • BadgerStore: low-level key-value store on BadgerDB v3 with transaction
//   support and prefix iteration
// • StateStorage: typed persistence for guardians, recovery requests,
//   account configs, trust edges and reputation events
//
// The invariants of the in-memory state (one pending request per account,
// monotonic version counters) are preserved across restarts by reloading
// every record at startup; see core/state.
package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

// ErrKeyNotFound is returned when a key is absent from the store
var ErrKeyNotFound = fmt.Errorf("key not found")

// Store is the low-level key-value interface used by StateStorage
type Store interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	Update(fn func(txn Transaction) error) error
	View(fn func(txn Transaction) error) error
	Iterator(prefix []byte) Iterator
	Close() error
}

// Transaction groups reads and writes atomically
type Transaction interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
}

// Iterator walks keys sharing a prefix
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Close()
}

// BadgerStore implements Store using BadgerDB v3
type BadgerStore struct {
	db *badger.DB
	mu sync.RWMutex
}

// NewBadgerStore opens (or creates) a BadgerDB store at dataDir
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %v", err)
	}

	return &BadgerStore{db: db}, nil
}

func (bs *BadgerStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.db == nil {
		return nil
	}
	err := bs.db.Close()
	bs.db = nil
	return err
}

// Get retrieves a value by key
func (bs *BadgerStore) Get(key []byte) ([]byte, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	var value []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	}
	return value, err
}

// Set stores a key-value pair
func (bs *BadgerStore) Set(key, value []byte) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes a key
func (bs *BadgerStore) Delete(key []byte) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Has checks if a key exists
func (bs *BadgerStore) Has(key []byte) (bool, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	err := bs.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Update executes a function within a write transaction
func (bs *BadgerStore) Update(fn func(txn Transaction) error) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return bs.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

// View executes a function within a read transaction
func (bs *BadgerStore) View(fn func(txn Transaction) error) error {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	return bs.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

// Iterator returns an iterator over keys with the given prefix
func (bs *BadgerStore) Iterator(prefix []byte) Iterator {
	return &badgerIterator{db: bs.db, prefix: prefix}
}

type badgerTxn struct {
	txn *badger.Txn
}

func (bt *badgerTxn) Get(key []byte) ([]byte, error) {
	item, err := bt.txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (bt *badgerTxn) Set(key, value []byte) error {
	return bt.txn.Set(key, value)
}

func (bt *badgerTxn) Delete(key []byte) error {
	return bt.txn.Delete(key)
}

type badgerIterator struct {
	db     *badger.DB
	prefix []byte
	txn    *badger.Txn
	iter   *badger.Iterator
	closed bool
}

func (bi *badgerIterator) Next() bool {
	if bi.closed {
		return false
	}

	if bi.txn == nil {
		bi.txn = bi.db.NewTransaction(false)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		bi.iter = bi.txn.NewIterator(opts)
		bi.iter.Seek(bi.prefix)
	} else {
		bi.iter.Next()
	}

	return bi.iter.ValidForPrefix(bi.prefix)
}

func (bi *badgerIterator) Key() []byte {
	if bi.iter != nil {
		return bi.iter.Item().KeyCopy(nil)
	}
	return nil
}

func (bi *badgerIterator) Value() []byte {
	if bi.iter != nil {
		val, _ := bi.iter.Item().ValueCopy(nil)
		return val
	}
	return nil
}

func (bi *badgerIterator) Close() {
	if !bi.closed {
		if bi.iter != nil {
			bi.iter.Close()
		}
		if bi.txn != nil {
			bi.txn.Discard()
		}
		bi.closed = true
	}
}

// Key prefixes for the record types persisted by the protocol
const (
	GuardianPrefix        = "grd:"
	RequestPrefix         = "req:"
	AccountConfigPrefix   = "cfg:"
	TrustEdgePrefix       = "tru:"
	ReputationEventPrefix = "rev:"
	StateRootPrefix       = "srt:"
)

func GuardianKey(address string) []byte {
	return []byte(GuardianPrefix + address)
}

func RequestKey(id string) []byte {
	return []byte(RequestPrefix + id)
}

func AccountConfigKey(address string) []byte {
	return []byte(AccountConfigPrefix + address)
}

func TrustEdgeKey(truster, trustee string) []byte {
	return []byte(TrustEdgePrefix + truster + "|" + trustee)
}

func ReputationEventKey(guardian string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016d", ReputationEventPrefix, guardian, seq))
}

func StateRootKey() []byte {
	return []byte(StateRootPrefix + "current")
}
