package consensus

import "time"

// NewViewMsg is sent by a validator to the next leader on timeout, carrying
// the highest QC it has seen so the new leader can propose from it (§4.4).
type NewViewMsg struct {
	View    View               `json:"view"`
	QCHigh  *QuorumCertificate `json:"qc_high"`
	From    int                `json:"from"`
}

// Pacemaker drives view numbering and leader rotation. It owns no consensus
// state of its own beyond timers; the engine's event loop calls into it
// synchronously, matching the teacher's plain-struct, no-goroutine idiom
// (consensus/poa.go has no pacemaker at all — PoA never changes view — so
// this module is built directly from spec.md §4.4, using the Quorum/View
// shape grounded in the pack's HotStuff-shaped precedent).
type Pacemaker struct {
	n              int
	baseTimeout    time.Duration
	maxTimeout     time.Duration
	viewChanges    int // consecutive timeouts since the last committed QC
}

// NewPacemaker builds a Pacemaker for an n-validator committee.
func NewPacemaker(n int, baseTimeout, maxTimeout time.Duration) *Pacemaker {
	return &Pacemaker{n: n, baseTimeout: baseTimeout, maxTimeout: maxTimeout}
}

// Leader returns the deterministic round-robin leader index for view.
func (p *Pacemaker) Leader(view View) int {
	return int(uint64(view) % uint64(p.n))
}

// Timeout returns the current view's timeout duration: base * 2^viewChanges,
// capped at maxTimeout (§4.4).
func (p *Pacemaker) Timeout() time.Duration {
	d := p.baseTimeout
	for i := 0; i < p.viewChanges; i++ {
		d *= 2
		if d >= p.maxTimeout {
			return p.maxTimeout
		}
	}
	return d
}

// OnTimeout records a view-change timeout, growing the next backoff.
func (p *Pacemaker) OnTimeout() {
	p.viewChanges++
}

// OnCommittedQC resets the backoff counter: a fresh committed QC means the
// network is making progress again (§4.4 "resets on each committed QC").
func (p *Pacemaker) OnCommittedQC() {
	p.viewChanges = 0
}

// NewViewAggregator collects NewView messages for a target view and decides
// when enough (>= n-f) have arrived to advance, carrying forward the
// highest qc_high observed across them.
type NewViewAggregator struct {
	threshold int
	msgs      map[int]*NewViewMsg // by sender index, for this round only
}

// NewNewViewAggregator creates an aggregator requiring threshold messages.
func NewNewViewAggregator(threshold int) *NewViewAggregator {
	return &NewViewAggregator{threshold: threshold, msgs: make(map[int]*NewViewMsg)}
}

// Add records msg and reports whether the threshold has now been reached,
// along with the highest qc_high seen so far if so.
func (a *NewViewAggregator) Add(msg *NewViewMsg) (ready bool, qcHigh *QuorumCertificate) {
	a.msgs[msg.From] = msg
	if len(a.msgs) < a.threshold {
		return false, nil
	}
	var best *QuorumCertificate
	for _, m := range a.msgs {
		if m.QCHigh == nil {
			continue
		}
		if best == nil || m.QCHigh.View > best.View {
			best = m.QCHigh
		}
	}
	return true, best
}
