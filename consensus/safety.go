package consensus

import "fmt"

// ValidatorState is the HotStuff engine's exclusive mutable state (§3
// "Validator state", §4.5 invariants). No other component may mutate it
// directly; they observe it through the engine's query methods.
type ValidatorState struct {
	CurrentView    View
	LastVotedView  View
	LockedQC       *QuorumCertificate
	QCHigh         *QuorumCertificate
	VHeight        int64
}

// AncestryStore is the minimal lookup ExtendsFrom/SafeNode need: walking
// parent links by hash. BlockStore and *Chain both satisfy it.
type AncestryStore interface {
	GetConsensusBlock(hash Hash) (*Block, error)
}

// ExtendsFrom walks parent links from descendant back toward ancestorHash,
// returning true iff ancestorHash is reached without crossing a sibling
// branch. Mirrors the teacher's AddBlock height/prev-hash linkage check,
// generalized into a chain-ancestry predicate.
func ExtendsFrom(store AncestryStore, descendant *Block, ancestorHash Hash) (bool, error) {
	cur := descendant
	for {
		if cur.CachedHash() == ancestorHash {
			return true, nil
		}
		if cur.Parent.IsZero() {
			return false, nil
		}
		parent, err := store.GetConsensusBlock(cur.Parent)
		if err != nil {
			return false, fmt.Errorf("extends_from: load parent %s: %w", cur.Parent, err)
		}
		cur = parent
	}
}

// SafeNode implements the two-clause HotStuff safety predicate (§4.2):
// a proposal is safe to vote for iff it extends the locked block (safety),
// or its justify QC has a strictly higher view than the locked QC
// (liveness) — together these give optimistic responsiveness without
// sacrificing safety.
func SafeNode(store AncestryStore, proposal *Block, vs *ValidatorState) (bool, error) {
	if vs.LockedQC == nil {
		// No lock yet (fresh validator or still on genesis): any
		// well-formed proposal is safe.
		return true, nil
	}
	safety, err := ExtendsFrom(store, proposal, vs.LockedQC.BlockHash)
	if err != nil {
		return false, err
	}
	if safety {
		return true, nil
	}
	liveness := proposal.Justify != nil && proposal.Justify.View > vs.LockedQC.View
	return liveness, nil
}

// CanVote reports whether vs allows casting a new vote for view: a
// validator never votes twice in the same view, and last_voted_view
// strictly increases (§3 invariant).
func (vs *ValidatorState) CanVote(view View) bool {
	return view > vs.LastVotedView
}

// RecordVote advances LastVotedView and VHeight after a vote is cast.
// Called only by the engine, immediately after a successful SafeNode check
// and signature (§4.5 on_receive_proposal).
func (vs *ValidatorState) RecordVote(view View, height int64) {
	vs.LastVotedView = view
	vs.VHeight = height
}

// AdvanceLockedQC updates LockedQC, enforcing the monotone-non-decreasing
// invariant from §3: a lock can only move forward in view, never back.
func (vs *ValidatorState) AdvanceLockedQC(qc *QuorumCertificate) {
	if vs.LockedQC == nil || qc.View > vs.LockedQC.View {
		vs.LockedQC = qc
	}
}

// AdvanceQCHigh updates QCHigh to qc if qc's view is newer, per
// on_receive_vote's "update qc_high if qc.view > qc_high.view" (§4.5).
func (vs *ValidatorState) AdvanceQCHigh(qc *QuorumCertificate) {
	if vs.QCHigh == nil || qc.View > vs.QCHigh.View {
		vs.QCHigh = qc
	}
}
