package hotstuff

import (
	"github.com/certen/instant-finality/pkg/digest"
	"github.com/certen/instant-finality/pkg/qc"
)

// node is one entry in the fork store: a proposal plus the QC formed
// over it once its own votes reach quorum (nil until then).
type node struct {
	proposal *Proposal
	ownQC    *qc.QC
}

// forkStore replaces the boost multi-index container the source used
// for the fork and QC sets (§9) with a map keyed by proposal id plus a
// children index, matching the "map proposal_id -> Arc<ProposalNode>
// plus auxiliary indices" redesign note.
type forkStore struct {
	nodes    map[digest.Digest]*node
	children map[digest.Digest][]digest.Digest
}

func newForkStore() *forkStore {
	return &forkStore{
		nodes:    make(map[digest.Digest]*node),
		children: make(map[digest.Digest][]digest.Digest),
	}
}

func (s *forkStore) insert(p *Proposal) {
	if _, exists := s.nodes[p.ProposalID]; exists {
		return
	}
	s.nodes[p.ProposalID] = &node{proposal: p}
	s.children[p.ParentID] = append(s.children[p.ParentID], p.ProposalID)
}

func (s *forkStore) get(id digest.Digest) (*node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

func (s *forkStore) setOwnQC(id digest.Digest, q *qc.QC) bool {
	n, ok := s.nodes[id]
	if !ok {
		return false
	}
	// A strict upgrade only: the stored QC is replaced only by one with
	// strictly more set bits in ActiveFinalizers. The comparison counts
	// signers; it does not weigh them by policy weight.
	if n.ownQC != nil && q.ActiveFinalizers.Count() <= n.ownQC.ActiveFinalizers.Count() {
		return true
	}
	n.ownQC = q
	return true
}

// parent walks up one level; ok is false at the root (whose ParentID
// is the zero digest and absent from the store).
func (s *forkStore) parent(id digest.Digest) (*node, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return s.get(n.proposal.ParentID)
}

// ancestors returns up to n direct ancestors of id, nearest first.
// Fewer than n are returned if the chain is shorter.
func (s *forkStore) ancestors(id digest.Digest, n int) []*node {
	out := make([]*node, 0, n)
	cur, ok := s.get(id)
	if !ok {
		return out
	}
	for i := 0; i < n; i++ {
		parent, ok := s.parent(cur.proposal.ProposalID)
		if !ok {
			break
		}
		out = append(out, parent)
		cur = parent
	}
	return out
}

// descendsFrom reports whether id is ancestorID or a descendant of it,
// by walking parent pointers from id.
func (s *forkStore) descendsFrom(id, ancestorID digest.Digest) bool {
	for {
		if id == ancestorID {
			return true
		}
		n, ok := s.get(id)
		if !ok {
			return false
		}
		if n.proposal.ParentID == id {
			return false // malformed self-parent; avoid infinite loop
		}
		id = n.proposal.ParentID
	}
}

// prune evicts every node that is neither execID, an ancestor of
// execID (retained as canonical history), nor a descendant of execID
// (still a live continuation of the committed chain). This is a
// topological reading of §4.7's eviction policy ("no descendants in
// the fork store"): a purely height-based cutoff (block number <
// b_exec.block_num) leaves same-height sibling forks of an
// already-committed ancestor behind, which scenario S5 (sibling
// branches B1/B2 at equal height) requires to be evicted once the
// commit that finalizes one of them lands — so eviction here is keyed
// on ancestry, not height. execHeight is accepted for parity with the
// commit call site but is not otherwise consulted. A single pass over
// a map is sufficient here because the fork store only ever holds the
// active view's working set, not the full chain history.
func (s *forkStore) prune(execID digest.Digest, execHeight uint64) {
	_ = execHeight
	for id := range s.nodes {
		if id == execID {
			continue
		}
		if s.descendsFrom(execID, id) {
			continue // id is an ancestor of execID
		}
		if s.descendsFrom(id, execID) {
			continue // id is a descendant of execID
		}
		delete(s.nodes, id)
		delete(s.children, id)
	}
	// Detach evicted ids from any remaining children index entries.
	for parentID, kids := range s.children {
		if _, ok := s.nodes[parentID]; !ok && parentID != (digest.Digest{}) {
			delete(s.children, parentID)
			continue
		}
		filtered := kids[:0]
		for _, k := range kids {
			if _, ok := s.nodes[k]; ok {
				filtered = append(filtered, k)
			}
		}
		s.children[parentID] = filtered
	}
}

func (s *forkStore) len() int { return len(s.nodes) }
