package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const defaultTTL = 24 * time.Hour

// Store persists session state with a TTL. Load returns nil, nil when the
// session does not exist or has expired.
type Store interface {
	Save(ctx context.Context, st *State) error
	Load(ctx context.Context, id string) (*State, error)
	Close() error
}

func encode(st *State) ([]byte, error) {
	if st == nil || st.SessionID == "" {
		return nil, errors.New("session state has no id")
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", st.SessionID, err)
	}
	return data, nil
}

func decode(id string, data []byte) (*State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &st, nil
}

type memoryRecord struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore keeps sessions in process memory. Saved states are copied,
// so later mutation of the caller's state does not change the stored one.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore. A ttl <= 0 means 24h.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryStore{records: make(map[string]memoryRecord), ttl: ttl, now: time.Now}
}

func (m *MemoryStore) Save(_ context.Context, st *State) error {
	data, err := encode(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[st.SessionID] = memoryRecord{data: data, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*State, error) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if ok && !m.now().Before(rec.expiresAt) {
		delete(m.records, id)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decode(id, rec.data)
}

func (m *MemoryStore) Close() error { return nil }

// BadgerStore keeps sessions in BadgerDB using native entry TTLs.
type BadgerStore struct {
	db    *badger.DB
	ttl   time.Duration
	owned bool
}

// NewBadgerStore wraps an opened database shared with other components.
// The caller closes db.
func NewBadgerStore(db *badger.DB, ttl time.Duration) *BadgerStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &BadgerStore{db: db, ttl: ttl}
}

// OpenBadgerStore opens a dedicated database at path (in memory when path
// is empty) that the store closes itself.
func OpenBadgerStore(path string, ttl time.Duration) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	s := NewBadgerStore(db, ttl)
	s.owned = true
	return s, nil
}

func badgerKey(id string) []byte {
	return []byte("session:" + id)
}

func (b *BadgerStore) Save(_ context.Context, st *State) error {
	data, err := encode(st)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(badgerKey(st.SessionID), data).WithTTL(b.ttl))
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", st.SessionID, err)
	}
	return nil
}

func (b *BadgerStore) Load(_ context.Context, id string) (*State, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return decode(id, data)
}

func (b *BadgerStore) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}

// Open creates the store for a configured backend: "memory", "badger" or
// "sqlite". path is a directory for badger and a file for sqlite.
func Open(backend, path string, ttl time.Duration) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(ttl), nil
	case "badger":
		return OpenBadgerStore(path, ttl)
	case "sqlite":
		if path == "" {
			return nil, errors.New("sqlite session store needs a path")
		}
		return NewSQLiteStore(path, ttl)
	default:
		return nil, fmt.Errorf("unknown session backend %q", backend)
	}
}
