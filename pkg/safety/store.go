package safety

import (
	"encoding/binary"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/certen/instant-finality/pkg/digest"
)

// Store persists and loads a single finalizer's safety State, keyed by
// an opaque caller-chosen key (typically the finalizer's public key
// bytes concatenated with its policy generation).
type Store interface {
	// Load returns the persisted state for key, or (nil, nil) if none
	// has been saved yet.
	Load(key []byte) (*State, error)
	// Save durably persists state for key. Implementations must make
	// the write visible on disk (fsync or equivalent) before returning,
	// since callers release a signed vote immediately afterward.
	Save(key []byte, state State) error
}

// LevelDBStore persists safety state in a cometbft-db-backed key-value
// store, using SetSync for every write so the on-disk state is durable
// before the caller's vote is released — grounded directly on the
// teacher's pkg/kvdb.KVAdapter, which wraps the identical dbm.DB
// interface and calls SetSync for the same reason.
type LevelDBStore struct {
	db dbm.DB
}

// NewLevelDBStore opens (or creates) a GoLevelDB-backed safety store at
// dir/name.
func NewLevelDBStore(name, dir string) (*LevelDBStore, error) {
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, fmt.Errorf("safety: open leveldb: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

// NewLevelDBStoreWithDB wraps an already-open dbm.DB, for callers that
// share one database across multiple stores (e.g. in tests, an
// in-memory dbm.DB).
func NewLevelDBStoreWithDB(db dbm.DB) *LevelDBStore {
	return &LevelDBStore{db: db}
}

// Close releases the underlying database handle.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func (s *LevelDBStore) Load(key []byte) (*State, error) {
	raw, err := s.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	state, err := decodeState(raw)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &state, nil
}

func (s *LevelDBStore) Save(key []byte, state State) error {
	if err := s.db.SetSync(key, encodeState(state)); err != nil {
		return fmt.Errorf("set_sync: %w", err)
	}
	return nil
}

// FinalizerKey builds the (finalizer public key, policy generation)
// composite key §3's Safety state is indexed by.
func FinalizerKey(publicKey []byte, generation uint32) []byte {
	key := make([]byte, len(publicKey)+4)
	copy(key, publicKey)
	binary.BigEndian.PutUint32(key[len(publicKey):], generation)
	return key
}

const encodedStateSize = 8 + digest.Size + 8

func encodeState(s State) []byte {
	out := make([]byte, encodedStateSize)
	binary.BigEndian.PutUint64(out[0:8], s.VHeight)
	copy(out[8:8+digest.Size], s.BLock[:])
	binary.BigEndian.PutUint64(out[8+digest.Size:], s.BLockHeight)
	return out
}

func decodeState(raw []byte) (State, error) {
	if len(raw) != encodedStateSize {
		return State{}, fmt.Errorf("state record must be %d bytes, got %d", encodedStateSize, len(raw))
	}
	var s State
	s.VHeight = binary.BigEndian.Uint64(raw[0:8])
	copy(s.BLock[:], raw[8:8+digest.Size])
	s.BLockHeight = binary.BigEndian.Uint64(raw[8+digest.Size:])
	return s, nil
}
