// Package safety implements the per-finalizer safety state (C6): the
// (v_height, b_lock) pair a correct finalizer must persist before
// releasing a signed vote, and the liveness/safety rules that gate
// voting.
//
// Persistence is grounded on the teacher's pkg/kvdb + pkg/ledger
// pattern: a small KV interface backed by a durable store, written with
// a synchronous (fsync'ing) call before the corresponding state change
// is allowed to take visible effect — here, before a vote may leave the
// process, per §5's "Safety-state file: fsync before the corresponding
// vote is released to the network."
package safety

import (
	"errors"
	"fmt"
	"sync"

	"github.com/certen/instant-finality/pkg/digest"
)

// ErrDoubleVote is returned when a caller attempts to record a vote at
// a height no greater than the already-persisted v_height — a local
// bug or corrupted state, never a legitimate operation. Per §7 this is
// a safety violation: fatal for the consensus thread, escalated up
// rather than swallowed.
var ErrDoubleVote = errors.New("safety: refusing to vote at height <= persisted v_height")

// FatalError wraps a safety violation (§7's "Safety violation" error
// kind): a local bug or corrupted persisted state, never a legitimate
// protocol outcome. Unlike the recoverable kinds in §7, which are
// returned as plain structured errors, callers must distinguish this
// one with errors.As and escalate the consensus thread rather than
// treat it as a message to drop.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "safety: fatal: " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// State is the persisted safety state for one (finalizer key, policy
// generation) pair. BLockHeight is carried alongside BLock so the
// liveness rule in CanVote never needs an external height lookup —
// an implementation elaboration beyond §3's digest-only description.
type State struct {
	VHeight     uint64
	BLock       digest.Digest
	BLockHeight uint64
}

// Tracker enforces the liveness and safety rules of §4.6 against a
// persisted State, flushing every update through Store before it is
// reflected in memory.
type Tracker struct {
	mu    sync.Mutex
	store Store
	key   []byte
	state State
}

// NewTracker loads any previously persisted state for key from store,
// or starts from the zero State if none exists.
func NewTracker(store Store, key []byte) (*Tracker, error) {
	state, err := store.Load(key)
	if err != nil {
		return nil, fmt.Errorf("safety: load persisted state: %w", err)
	}
	t := &Tracker{store: store, key: append([]byte(nil), key...)}
	if state != nil {
		t.state = *state
	}
	return t, nil
}

// Snapshot returns a copy of the current persisted state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CanVote implements §4.6's two rules. justifyTargetHeight is the
// height of the proposal's justify.target; extendsLock reports whether
// the proposal extends b_lock directly through its justify.
func (t *Tracker) CanVote(proposalHeight, justifyTargetHeight uint64, extendsLock bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if justifyTargetHeight < t.state.BLockHeight {
		return false // liveness rule
	}
	return extendsLock || proposalHeight > t.state.VHeight // safety rule
}

// RecordVote sets v_height = proposalHeight and flushes the new state
// to the Store before returning, so the caller may only release the
// signed vote after this call succeeds. A proposalHeight that is not
// strictly above the current v_height is refused with a *FatalError
// wrapping ErrDoubleVote, whatever CanVote returned for it.
func (t *Tracker) RecordVote(proposalHeight uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if proposalHeight <= t.state.VHeight {
		return &FatalError{Err: fmt.Errorf("%w: proposal_height=%d v_height=%d", ErrDoubleVote, proposalHeight, t.state.VHeight)}
	}

	next := t.state
	next.VHeight = proposalHeight
	if err := t.store.Save(t.key, next); err != nil {
		return fmt.Errorf("safety: persist vote height: %w", err)
	}
	t.state = next
	return nil
}

// UpdateLock implements the two-chain lock update: b_lock advances to
// qcTargetID iff qcTargetHeight exceeds the current lock height.
func (t *Tracker) UpdateLock(qcTargetID digest.Digest, qcTargetHeight uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if qcTargetHeight <= t.state.BLockHeight {
		return nil
	}

	next := t.state
	next.BLock = qcTargetID
	next.BLockHeight = qcTargetHeight
	if err := t.store.Save(t.key, next); err != nil {
		return fmt.Errorf("safety: persist lock update: %w", err)
	}
	t.state = next
	return nil
}
