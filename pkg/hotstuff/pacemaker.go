package hotstuff

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/certen/instant-finality/pkg/bls"
	"github.com/certen/instant-finality/pkg/digest"
)

// voteVerifyTask is one unit of work for the signature-verification
// pool: verify a vote's BLS signature off the consensus mutex, then
// hand the (now-trusted) vote back to be applied under the mutex.
// Grounded on the teacher's ExecutionTask/executeTask split in
// bft_integration.go — a buffered channel queue drained by background
// workers, with results threaded back through the owning goroutine
// rather than shared mutable state.
type voteVerifyTask struct {
	vote     *Vote
	fromPeer string
}

// PacemakerConfig bundles Pacemaker's construction-time dependencies.
type PacemakerConfig struct {
	Chain          *Chain
	Head           HeadBlockProvider
	Capabilities   Capabilities
	ViewTimeout    time.Duration
	VerifyPoolSize int // 0 uses runtime.GOMAXPROCS(0)
	SelfProducerID string
	// Logger receives one line per dispatched inbound message (tagged
	// with a fresh correlation id, mirroring the teacher's pervasive
	// uuid.New()-per-request convention in pkg/batch and pkg/consensus)
	// plus view-timeout and leader-election diagnostics. Nil is
	// replaced with a discard logger.
	Logger *log.Logger
}

// Pacemaker implements C8: the single HOTSTUFF mutex serializing entry
// to Chain, leader-derived arithmetic, the view timer, a bounded
// signature-verification worker pool, and the RPC-visible snapshot
// mirror.
type Pacemaker struct {
	mu     sync.Mutex
	chain  *Chain
	head   HeadBlockProvider
	caps   Capabilities
	logger *log.Logger

	selfProducerID string
	viewTimeout    time.Duration
	timer          *time.Timer
	timerMu        sync.Mutex

	mirror *snapshotMirror

	verifyQueue chan voteVerifyTask
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewPacemaker builds a Pacemaker and starts its verification-pool
// workers and view timer; Stop halts them.
func NewPacemaker(cfg PacemakerConfig) *Pacemaker {
	poolSize := cfg.VerifyPoolSize
	if poolSize <= 0 {
		poolSize = runtime.GOMAXPROCS(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	pm := &Pacemaker{
		chain:          cfg.Chain,
		head:           cfg.Head,
		caps:           cfg.Capabilities,
		logger:         newComponentLogger("[Pacemaker]", cfg.Logger),
		selfProducerID: cfg.SelfProducerID,
		viewTimeout:    cfg.ViewTimeout,
		mirror:         newSnapshotMirror(),
		verifyQueue:    make(chan voteVerifyTask, 256),
		ctx:            ctx,
		cancel:         cancel,
	}
	pm.publishSnapshot()

	for i := 0; i < poolSize; i++ {
		pm.wg.Add(1)
		go pm.verifyWorker()
	}
	pm.resetViewTimer()
	return pm
}

// Stop cancels the verification pool and view timer. It does not block
// on in-flight work completing.
func (pm *Pacemaker) Stop() {
	pm.cancel()
	pm.timerMu.Lock()
	if pm.timer != nil {
		pm.timer.Stop()
	}
	pm.timerMu.Unlock()
}

// Wait blocks until the verification pool's workers have exited, for
// tests that need deterministic shutdown.
func (pm *Pacemaker) Wait() { pm.wg.Wait() }

// verifyWorker drains verifyQueue, performing the expensive BLS
// pairing check outside the consensus mutex, then re-acquiring it only
// to apply an already-verified result — matching §5's "signature
// verification pool" and the requirement that stale results (proposal
// since pruned) are dropped without side effects.
func (pm *Pacemaker) verifyWorker() {
	defer pm.wg.Done()
	for {
		select {
		case <-pm.ctx.Done():
			return
		case task := <-pm.verifyQueue:
			pm.processVoteVerifyTask(task)
		}
	}
}

func (pm *Pacemaker) processVoteVerifyTask(task voteVerifyTask) {
	ok := bls.Verify(task.vote.PublicKey, task.vote.TargetProposalID[:], task.vote.Signature)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, present := pm.chain.store.get(task.vote.TargetProposalID); !present {
		return // proposal pruned while verification was in flight; drop
	}
	if !ok {
		pm.caps.WarnPeer(task.fromPeer, fmt.Errorf("hotstuff: vote signature failed verification"))
		return
	}
	if err := pm.chain.HandleVerifiedVote(task.vote, task.fromPeer); err != nil {
		pm.caps.WarnPeer(task.fromPeer, err)
	}
	pm.publishSnapshotLocked()
}

// OnHsMessage is the exposed entry point of §6: dispatch an inbound
// hotstuff message by variant. Proposal (one aggregate BLS check of its
// justify QC) and NewView (no signature check) are cheap enough to apply
// directly under the mutex; Vote signatures are offloaded to the
// verification pool first.
func (pm *Pacemaker) OnHsMessage(connectionID string, msg interface{}) error {
	correlationID := uuid.NewString()
	switch m := msg.(type) {
	case *Proposal:
		pm.mu.Lock()
		err := pm.chain.HandleProposal(m, connectionID)
		pm.publishSnapshotLocked()
		pm.mu.Unlock()
		if err != nil {
			pm.logger.Printf("req=%s proposal=%x from=%s rejected: %v", correlationID, m.ProposalID, connectionID, err)
		} else {
			pm.logger.Printf("req=%s proposal=%x from=%s applied", correlationID, m.ProposalID, connectionID)
			pm.resetViewTimer()
		}
		return err
	case *Vote:
		pm.logger.Printf("req=%s vote target=%x from=%s queued for verification", correlationID, m.TargetProposalID, connectionID)
		select {
		case pm.verifyQueue <- voteVerifyTask{vote: m, fromPeer: connectionID}:
		case <-pm.ctx.Done():
			return pm.ctx.Err()
		}
		return nil
	case *NewView:
		pm.mu.Lock()
		pm.chain.HandleNewView(m)
		pm.publishSnapshotLocked()
		pm.mu.Unlock()
		pm.logger.Printf("req=%s new-view from=%s target_num=%d applied", correlationID, connectionID, m.HighestQCTargetNum)
		pm.resetViewTimer()
		return nil
	default:
		return fmt.Errorf("hotstuff: unknown message type %T", msg)
	}
}

// GetFinalizerState is the non-blocking exposed entry point of §6: it
// never touches the consensus mutex, only the RWMutex-guarded snapshot
// mirror.
func (pm *Pacemaker) GetFinalizerState() FinalizerStateSnapshot {
	return pm.mirror.load()
}

// WarnPeer is the exposed entry point of §6 for the host to report a
// malformed or mis-signed message it rejected before this package ever
// saw it.
func (pm *Pacemaker) WarnPeer(connectionID string, reason error) {
	pm.caps.WarnPeer(connectionID, reason)
}

// currentSlot derives the producer schedule slot from the host's head
// block timestamp, for leader-arithmetic calls.
func (pm *Pacemaker) currentSlot() (Schedule, uint64) {
	head := pm.head.HeadBlock()
	return head.Schedule, uint64(head.Timestamp.Unix())
}

// IsLeader reports whether this process is the current view's leader.
func (pm *Pacemaker) IsLeader() bool {
	sched, slot := pm.currentSlot()
	leader, ok := Leader(sched, slot)
	return ok && leader == pm.selfProducerID
}

// Beat is invoked by the local block-production timer (§4.8): it
// produces at most one proposal, and only if this process is the
// current leader. buildProposal is supplied by the host (building the
// actual block header, Merkle commitments, and justify is out of this
// package's scope per §1); Beat only decides whether to call it and
// relays the result.
func (pm *Pacemaker) Beat(buildProposal func(parentID digest.Digest, parentNum uint64) (*Proposal, error)) error {
	if !pm.IsLeader() {
		return nil
	}

	pm.mu.Lock()
	parentID, parentNum := pm.chain.Leaf()
	pm.mu.Unlock()

	p, err := buildProposal(parentID, parentNum)
	if err != nil {
		return fmt.Errorf("hotstuff: build proposal: %w", err)
	}
	if p == nil {
		return nil
	}

	pm.mu.Lock()
	err = pm.chain.HandleProposal(p, "")
	pm.publishSnapshotLocked()
	pm.mu.Unlock()
	if err != nil {
		return fmt.Errorf("hotstuff: apply own proposal: %w", err)
	}

	pm.logger.Printf("beat: produced proposal=%x parent=%x (num=%d)", p.ProposalID, parentID, p.BlockNum)
	pm.caps.EmitProposal(p, "")
	pm.resetViewTimer()
	return nil
}

// resetViewTimer restarts the view timer; on expiry (no progress
// within ViewTimeout) it emits a NewView to the next leader, per §5's
// "view timer drives NewView emission after a configurable interval
// with no progress".
func (pm *Pacemaker) resetViewTimer() {
	if pm.viewTimeout <= 0 {
		return
	}
	pm.timerMu.Lock()
	defer pm.timerMu.Unlock()
	if pm.timer != nil {
		pm.timer.Stop()
	}
	pm.timer = time.AfterFunc(pm.viewTimeout, pm.onViewTimeout)
}

func (pm *Pacemaker) onViewTimeout() {
	select {
	case <-pm.ctx.Done():
		return
	default:
	}

	pm.mu.Lock()
	leafID, leafNum := pm.chain.Leaf()
	node, ok := pm.chain.store.get(leafID)
	pm.mu.Unlock()

	nv := &NewView{HighestQCTargetNum: leafNum}
	if ok && node.ownQC != nil {
		nv.HighestQC = node.ownQC
	}

	pm.logger.Printf("view timed out with no progress past leaf=%x (num=%d); emitting new-view", leafID, leafNum)
	pm.caps.EmitNewView(nv, "")
	pm.resetViewTimer()
}

func (pm *Pacemaker) publishSnapshotLocked() {
	leaf, leafNum := pm.chain.Leaf()
	lock, lockNum := pm.chain.Lock()
	exec, execNum := pm.chain.Exec()
	pm.mirror.publish(FinalizerStateSnapshot{
		BLeaf: leaf, BLeafNum: leafNum,
		BLock: lock, BLockNum: lockNum,
		BExec: exec, BExecNum: execNum,
	})
}

func (pm *Pacemaker) publishSnapshot() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.publishSnapshotLocked()
}
