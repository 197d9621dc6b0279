// Package query implements the iterative lookup engine: the
// α-parallel, β-early-terminating search that drives FIND_NODE, FIND_VALUE,
// STORE, DELETE and UPDATE over a single candidate-set data structure.
//
// Rather than advancing queries through a reference-counted FSM driven by
// discrete events, this package keeps the familiar parameters (concurrency
// α, replication k, an injected clock) but drives each lookup with an
// explicit per-candidate state machine and a single locked argument
// bundle, since the α/β overlap and quorum rules don't map cleanly onto
// strict per-call event stepping.
package query

import (
	"sort"
	"sync"

	"github.com/plprobelab/kadcore/kad"
	"github.com/plprobelab/kadcore/key"
)

// CandidateState is a candidate's position in the lookup's candidate-set
// progression: kNew -> kSelectedAlpha -> {kContacted|kDown}, never
// regressing.
type CandidateState int

const (
	StateNew CandidateState = iota
	StateSelectedAlpha
	StateContacted
	StateDown
)

func (s CandidateState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSelectedAlpha:
		return "selected-alpha"
	case StateContacted:
		return "contacted"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// candidateEntry is one LookupCandidateSet tuple: contact, state,
// round and distance. Distance is immutable once set; state and round are
// mutated only under the owning CandidateSet's lock.
type candidateEntry struct {
	contact  kad.Contact
	state    CandidateState
	round    int
	distance key.ID // target XOR contact.NodeID
}

// CandidateSet is the per-lookup LookupCandidateSet: a set of
// candidates indexed by node id, kept sorted by distance to the lookup's
// target. All mutation happens under a single lock; rather than a
// multi-index container with separate indices, a single distance-sorted
// slice plus a map is enough for the access patterns the engine needs
// (iterate by distance, look up by id).
type CandidateSet struct {
	target key.ID

	mu      sync.Mutex
	byID    map[key.ID]*candidateEntry
	ordered []*candidateEntry // kept sorted by distance ascending
	round   int
}

// NewCandidateSet returns an empty candidate set for a lookup of target.
func NewCandidateSet(target key.ID) *CandidateSet {
	return &CandidateSet{
		target: target,
		byID:   make(map[key.ID]*candidateEntry),
	}
}

// Target returns the lookup key the set orders candidates against.
func (cs *CandidateSet) Target() key.ID {
	return cs.target
}

// AddIfNew inserts contact in state kNew iff its id isn't already present.
// Existing entries are left completely untouched. It returns true iff the
// contact was newly added.
func (cs *CandidateSet) AddIfNew(contact kad.Contact) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.byID[contact.NodeID]; ok {
		return false
	}
	e := &candidateEntry{
		contact:  contact,
		state:    StateNew,
		distance: cs.target.Xor(contact.NodeID),
	}
	cs.byID[contact.NodeID] = e
	i := sort.Search(len(cs.ordered), func(i int) bool {
		return cs.ordered[i].distance.Compare(e.distance) >= 0
	})
	cs.ordered = append(cs.ordered, nil)
	copy(cs.ordered[i+1:], cs.ordered[i:])
	cs.ordered[i] = e
	return true
}

// SelectAlpha selects up to alpha candidates currently in state kNew, in
// ascending distance to the target, transitions them to kSelectedAlpha and
// stamps round = round+1. It returns copies of the
// selected contacts' ids so the caller can dispatch outside the lock.
func (cs *CandidateSet) SelectAlpha(alpha int) []key.ID {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.round++
	var selected []key.ID
	for _, e := range cs.ordered {
		if len(selected) >= alpha {
			break
		}
		if e.state == StateNew {
			e.state = StateSelectedAlpha
			e.round = cs.round
			selected = append(selected, e.contact.NodeID)
		}
	}
	return selected
}

// CurrentRound returns the round stamped by the most recent SelectAlpha
// call.
func (cs *CandidateSet) CurrentRound() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.round
}

// MarkContacted transitions id to kContacted. It is a no-op if id is
// unknown or already terminal.
func (cs *CandidateSet) MarkContacted(id key.ID) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if e, ok := cs.byID[id]; ok && e.state == StateSelectedAlpha {
		e.state = StateContacted
	}
}

// MarkDown transitions id to kDown. It is a no-op if id is unknown or
// already terminal.
func (cs *CandidateSet) MarkDown(id key.ID) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if e, ok := cs.byID[id]; ok && e.state == StateSelectedAlpha {
		e.state = StateDown
	}
}

// Contact returns the contact record held for id, if any.
func (cs *CandidateSet) Contact(id key.ID) (kad.Contact, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	e, ok := cs.byID[id]
	if !ok {
		return kad.Contact{}, false
	}
	return e.contact, true
}

// Stats is the snapshot of counters the response handler evaluates
// under the per-lookup lock.
type Stats struct {
	NumNewTop         int // kNew among the k closest
	NumPendingRound   int // kSelectedAlpha with round == the current round
	NumPendingTotal   int // kSelectedAlpha overall
	NumCandidatesTopK int // non-kDown among the k closest
}

// Snapshot computes Stats for k and the set's current round, under the
// set's lock.
func (cs *CandidateSet) Snapshot(k int) Stats {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var st Stats
	topK := cs.ordered
	if len(topK) > k {
		topK = topK[:k]
	}
	for _, e := range topK {
		if e.state == StateNew {
			st.NumNewTop++
		}
		if e.state != StateDown {
			st.NumCandidatesTopK++
		}
	}
	for _, e := range cs.ordered {
		if e.state == StateSelectedAlpha {
			st.NumPendingTotal++
			if e.round == cs.round {
				st.NumPendingRound++
			}
		}
	}
	return st
}

// ClosestInState returns up to n contacts in state want, ascending
// distance to the target.
func (cs *CandidateSet) ClosestInState(n int, want CandidateState) []kad.Contact {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var out []kad.Contact
	for _, e := range cs.ordered {
		if len(out) >= n {
			break
		}
		if e.state == want {
			out = append(out, e.contact)
		}
	}
	return out
}

// Count returns the number of candidates currently in state want.
func (cs *CandidateSet) Count(want CandidateState) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n := 0
	for _, e := range cs.ordered {
		if e.state == want {
			n++
		}
	}
	return n
}

// Len returns the total number of candidates ever seen by the set.
func (cs *CandidateSet) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.ordered)
}
