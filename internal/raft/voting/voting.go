// Package voting implements the VotingLog/Voting Tracker pair from
// spec.md §4.5: every uncommitted entry carries the quorum it needs,
// the acks it has received, and (optionally) a separate weak-accept
// set that never drives commit. The Tracker is the sole owner of the
// authoritative ack-set; per-peer dispatcher result handlers only ever
// call its exported methods, never mutate a VotingLog directly.
package voting

import (
	"sync"

	"natraft/internal/raft/log"
	"natraft/internal/raft/types"
)

// VotingLog is an uncommitted entry plus the bookkeeping needed to
// decide when it has been safely replicated. Its quorum size is fixed
// at creation (spec.md §3: "quorum-size set once at creation") and its
// ack/weak-ack sets are guarded by its own mutex so dispatcher result
// handlers on different peers can record concurrently without
// contending on the Tracker's lock.
type VotingLog struct {
	mu sync.Mutex

	Entry      *types.Entry
	QuorumSize int

	acks         map[types.PeerID]bool
	weakAccepted map[types.PeerID]bool
	terminated   bool
}

// NewVotingLog creates a VotingLog for entry, requiring quorumSize
// acks (including the leader's own implicit ack) to commit.
func NewVotingLog(entry *types.Entry, quorumSize int) *VotingLog {
	return &VotingLog{
		Entry:        entry,
		QuorumSize:   quorumSize,
		acks:         make(map[types.PeerID]bool),
		weakAccepted: make(map[types.PeerID]bool),
	}
}

// Ack records that peer has durably replicated this entry. It reports
// the total ack count and whether this call is the one that reached
// quorum (so the caller does not double-fire a commit notification).
func (v *VotingLog) Ack(peer types.PeerID) (count int, reachedQuorum bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.terminated {
		return len(v.acks), false
	}
	_, already := v.acks[peer]
	v.acks[peer] = true
	count = len(v.acks)
	reachedQuorum = !already && count == v.QuorumSize
	return count, reachedQuorum
}

// WeakAccept records a soft "received but not durable" ack. It never
// contributes to commit (spec.md §4.5): callers only use it to drive a
// provisional client notification when weak acceptance is enabled.
func (v *VotingLog) WeakAccept(peer types.PeerID) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.weakAccepted[peer] = true
	return len(v.weakAccepted)
}

// AckCount returns the current number of full acks.
func (v *VotingLog) AckCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.acks)
}

// Terminate marks the VotingLog as settled (committed or abandoned on
// a term change). Once terminated it accepts no further state change.
func (v *VotingLog) Terminate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.terminated = true
}

func (v *VotingLog) Terminated() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.terminated
}

// Tracker owns every in-flight VotingLog for one member and advances
// the log's commit index as quorums are reached, enforcing the
// current-term restriction that prevents committing entries from
// prior terms by counting replicas (spec.md §4.5, the classic Raft
// safety constraint).
type Tracker struct {
	mu       sync.Mutex
	inflight map[uint64]*VotingLog
	log      log.Manager
}

// NewTracker creates a Tracker backed by the given LogManager, which
// is the authority for the durable commit index.
func NewTracker(logManager log.Manager) *Tracker {
	return &Tracker{
		inflight: make(map[uint64]*VotingLog),
		log:      logManager,
	}
}

// Track registers a newly appended entry for quorum tracking and
// returns its VotingLog.
func (t *Tracker) Track(entry *types.Entry, quorumSize int) *VotingLog {
	vl := NewVotingLog(entry, quorumSize)
	t.mu.Lock()
	t.inflight[entry.Index] = vl
	t.mu.Unlock()
	return vl
}

// Get returns the in-flight VotingLog for index, if any.
func (t *Tracker) Get(index uint64) (*VotingLog, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	vl, ok := t.inflight[index]
	return vl, ok
}

// RecordAck records peer's ack for index and, if it was the ack that
// completed quorum, attempts to advance the commit index. It returns
// whether index itself is now committed (directly or transitively,
// via a later index's quorum implying it per the log matching
// property).
func (t *Tracker) RecordAck(index uint64, peer types.PeerID, currentTerm types.Term) bool {
	t.mu.Lock()
	vl, ok := t.inflight[index]
	t.mu.Unlock()
	if !ok {
		// Already committed/discarded; re-delivery of an ack for an
		// entry already known-good is a no-op, matching spec.md §8's
		// "re-delivering an AppendEntries whose entries are already
		// present is a no-op yielding success."
		return index <= t.log.CommitIndex()
	}

	_, reachedQuorum := vl.Ack(peer)
	if !reachedQuorum {
		return index <= t.log.CommitIndex()
	}
	return t.advanceCommit(currentTerm) >= index
}

// RecordWeakAccept records a weak ack for index; it never affects
// commit advancement.
func (t *Tracker) RecordWeakAccept(index uint64, peer types.PeerID) {
	t.mu.Lock()
	vl, ok := t.inflight[index]
	t.mu.Unlock()
	if ok {
		vl.WeakAccept(peer)
	}
}

// advanceCommit scans every in-flight entry that has reached quorum
// and whose term equals currentTerm, advances the log's commit index
// to the highest such index, and discards every in-flight entry at or
// below the new commit index: committing index i transitively commits
// every earlier index too, regardless of that entry's own ack count,
// by the log matching property. It takes t.mu itself, so callers must
// not hold it; each VotingLog's own lock stays separate from t.mu.
func (t *Tracker) advanceCommit(currentTerm types.Term) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	candidate := t.log.CommitIndex()
	for idx, vl := range t.inflight {
		if vl.Entry.EntryTerm != currentTerm {
			continue
		}
		if vl.AckCount() < vl.QuorumSize {
			continue
		}
		if idx > candidate {
			candidate = idx
		}
	}

	if candidate > t.log.CommitIndex() {
		t.log.SetCommitIndex(candidate)
	}
	for idx, vl := range t.inflight {
		if idx <= candidate {
			vl.Terminate()
			delete(t.inflight, idx)
		}
	}
	return candidate
}

// Abandon terminates and discards every in-flight VotingLog, used when
// a member steps down: entries from a prior leadership never
// contribute quorum counts after a term change (spec.md §4.5's
// current-term restriction already prevents them from committing, but
// discarding them frees memory and stops stray late acks from doing
// any work).
func (t *Tracker) Abandon() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for idx, vl := range t.inflight {
		vl.Terminate()
		delete(t.inflight, idx)
	}
}

// InFlightCount reports how many entries are still awaiting quorum,
// mostly useful for tests and metrics.
func (t *Tracker) InFlightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}
