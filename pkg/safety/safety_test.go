package safety

import (
	"errors"
	"testing"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/certen/instant-finality/pkg/digest"
)

func newMemStore(t *testing.T) *LevelDBStore {
	t.Helper()
	return NewLevelDBStoreWithDB(dbm.NewMemDB())
}

func TestCanVoteSafetyRule(t *testing.T) {
	store := newMemStore(t)
	key := FinalizerKey([]byte("finalizer-a"), 1)
	tr, err := NewTracker(store, key)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	if !tr.CanVote(5, 0, false) {
		t.Fatalf("expected vote at height 5 to be allowed from zero state")
	}
	if err := tr.RecordVote(5); err != nil {
		t.Fatalf("RecordVote: %v", err)
	}

	if tr.CanVote(5, 0, false) {
		t.Fatalf("expected vote at height 5 to be rejected: not monotonic")
	}
	if !tr.CanVote(5, 0, true) {
		t.Fatalf("expected vote at height 5 to be allowed when it extends the lock")
	}
	if !tr.CanVote(6, 0, false) {
		t.Fatalf("expected vote at height 6 to be allowed")
	}
}

func TestCanVoteLivenessRule(t *testing.T) {
	store := newMemStore(t)
	key := FinalizerKey([]byte("finalizer-b"), 1)
	tr, err := NewTracker(store, key)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	lockTarget := digest.Hash([]byte("lock"))
	if err := tr.UpdateLock(lockTarget, 10); err != nil {
		t.Fatalf("UpdateLock: %v", err)
	}

	if tr.CanVote(20, 9, true) {
		t.Fatalf("expected vote to be rejected: justify target behind b_lock height")
	}
	if !tr.CanVote(20, 10, true) {
		t.Fatalf("expected vote to be allowed: justify target meets b_lock height")
	}
}

func TestRecordVoteRejectsDoubleVote(t *testing.T) {
	store := newMemStore(t)
	key := FinalizerKey([]byte("finalizer-c"), 1)
	tr, err := NewTracker(store, key)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	if err := tr.RecordVote(3); err != nil {
		t.Fatalf("RecordVote(3): %v", err)
	}
	err = tr.RecordVote(3)
	if err == nil {
		t.Fatalf("expected ErrDoubleVote for repeated height")
	}
	if !errors.Is(err, ErrDoubleVote) {
		t.Fatalf("expected errors.Is(err, ErrDoubleVote), got %v", err)
	}
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected a double vote to escalate as *FatalError, got %T", err)
	}
	if err := tr.RecordVote(2); err == nil {
		t.Fatalf("expected ErrDoubleVote for lower height")
	}
}

// TestPersistenceSurvivesRestart is scenario S6 / property 10: a
// tracker rebuilt from the same store over the same key must refuse to
// double-vote, exactly as if the process had crashed and restarted.
func TestPersistenceSurvivesRestart(t *testing.T) {
	db := dbm.NewMemDB()
	key := FinalizerKey([]byte("finalizer-d"), 7)

	store1 := NewLevelDBStoreWithDB(db)
	tr1, err := NewTracker(store1, key)
	if err != nil {
		t.Fatalf("NewTracker (first process): %v", err)
	}
	if err := tr1.RecordVote(42); err != nil {
		t.Fatalf("RecordVote: %v", err)
	}
	lockTarget := digest.Hash([]byte("restart-lock"))
	if err := tr1.UpdateLock(lockTarget, 40); err != nil {
		t.Fatalf("UpdateLock: %v", err)
	}

	// Simulate a crash and restart: a fresh Tracker over the same
	// underlying db and key must observe the persisted state.
	store2 := NewLevelDBStoreWithDB(db)
	tr2, err := NewTracker(store2, key)
	if err != nil {
		t.Fatalf("NewTracker (restarted process): %v", err)
	}

	snap := tr2.Snapshot()
	if snap.VHeight != 42 {
		t.Fatalf("v_height not restored: got %d, want 42", snap.VHeight)
	}
	if snap.BLockHeight != 40 || snap.BLock != lockTarget {
		t.Fatalf("b_lock not restored: got (%x, %d)", snap.BLock, snap.BLockHeight)
	}

	if err := tr2.RecordVote(42); err == nil {
		t.Fatalf("expected restarted tracker to refuse to double-vote at height 42")
	}
	if err := tr2.RecordVote(43); err != nil {
		t.Fatalf("RecordVote(43) after restart: %v", err)
	}
}

func TestEncodeDecodeStateRoundTrip(t *testing.T) {
	s := State{VHeight: 123, BLock: digest.Hash([]byte("x")), BLockHeight: 99}
	raw := encodeState(s)
	got, err := decodeState(raw)
	if err != nil {
		t.Fatalf("decodeState: %v", err)
	}
	if got != s {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, s)
	}
}
