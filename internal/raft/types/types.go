// Package types holds the data model shared by every consensus package:
// terms, roles, peers, log entries and snapshots. None of these types
// carry behavior beyond small invariant-preserving helpers; the state
// machines that mutate them live in the member/election/dispatch/catchup
// packages.
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// Term is a monotonically increasing Raft epoch. It never decreases for
// a given member once persisted.
type Term uint64

// Role is the role a member plays at a given term.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// PeerID identifies a member within a group. It doubles as the gRPC
// resolver endpoint key (see internal/raft/transport).
type PeerID string

// NewPeerID generates a fresh, practically-unique PeerID for a member
// that was not assigned one explicitly (e.g. joining a cluster without
// a pre-provisioned identity).
func NewPeerID() PeerID {
	return PeerID(uuid.New().String())
}

// Peer is a single member of a replication group as seen from another
// member: where to reach it, whether it currently participates in
// quorum decisions, and its last measured throughput (consumed by the
// dispatcher's rate limiter).
type Peer struct {
	ID      PeerID
	Host    string
	Port    int
	Enabled bool
	// Rate is the last measured moving-average send rate in bytes/sec.
	// The log dispatcher does not read it; its per-peer token bucket
	// is retuned through Dispatcher.UpdateRateLimiter.
	Rate float64
}

func (p Peer) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Entry is one record in the replicated log. Index is dense and
// strictly increasing; the pair (Index, EntryTerm) uniquely identifies
// an entry across the whole group's history.
type Entry struct {
	Index     uint64
	EntryTerm Term
	Payload   []byte
	// ByteSize memoizes the serialized size so the dispatcher does not
	// re-encode an entry to discover how much of the frame budget it
	// consumes.
	ByteSize int
}

// Snapshot is a compacted state-machine image plus the log position it
// subsumes. Once installed, no member may hold log entries at or below
// LastIncludedIndex.
type Snapshot struct {
	LastIncludedIndex uint64
	LastIncludedTerm  Term
	Data              []byte
}

// Status is the outcome of applying a request to the state machine,
// mirroring the external TSStatus contract without depending on it.
type Status struct {
	Code    int32
	Message string
}

// Well-known status codes. 0 is always success.
const (
	StatusOK             int32 = 0
	StatusUnknownLeader  int32 = 1
	StatusNotInGroup     int32 = 2
	StatusStaleTerm      int32 = 3
	StatusUnknownLogType int32 = 4
	StatusForwardFailed  int32 = 5
)

// AppendEntryResultStatus enumerates the outcome of an AppendEntries RPC
// as seen by the caller.
type AppendEntryResultStatus int32

const (
	AppendOK AppendEntryResultStatus = iota
	AppendLogMismatch
	AppendStaleTerm
)

// AppendEntryResult is the decoded reply to an AppendEntries RPC.
type AppendEntryResult struct {
	Status       AppendEntryResultStatus
	Term         Term
	LastLogIndex uint64
	LastLogTerm  Term
	Receiver     PeerID
}

// AppendEntriesRequest is one outbound batch of entries sent to a
// single peer. PrevLogIndex/PrevLogTerm anchor the batch for the
// receiver's log-matching check.
type AppendEntriesRequest struct {
	GroupID      string
	Term         Term
	Leader       PeerID
	LeaderCommit uint64
	PrevLogIndex uint64
	PrevLogTerm  Term
	Entries      []*Entry
}

// SendSnapshotRequest carries a compacted state image to a follower
// that has fallen too far behind to catch up via log replay alone.
type SendSnapshotRequest struct {
	GroupID           string
	LastIncludedIndex uint64
	LastIncludedTerm  Term
	SnapshotBytes     []byte
}

// ExecuteRequest is a client operation forwarded to whichever member
// currently believes it is leader.
type ExecuteRequest struct {
	GroupID     string
	RequestBytes []byte
}

// RequestCommitIndexResponse answers an observational read of a
// member's commit position; it never blocks on consensus.
type RequestCommitIndexResponse struct {
	Status      Status
	CommitIndex uint64
	CommitTerm  Term
}

// HeartBeatRequest is the leader-to-follower keepalive and log-sync
// hint, per spec.md §6.
type HeartBeatRequest struct {
	Term                 Term
	CommitLogIndex       uint64
	CommitLogTerm        Term
	Leader               PeerID
	GroupID              string
	RequireIdentifier    bool
	RegenerateIdentifier bool
}

// HeartBeatResponse is the follower's reply to a heartbeat.
type HeartBeatResponse struct {
	Term                  Term
	FollowerIdentifier    string
	RequirePartitionTable bool
	LastLogIndex          uint64
	LastLogTerm           Term
}

// Election response sentinels. Raft callers distinguish these from a
// real term value because every real term is >= 0 and these sentinels
// are negative; see spec.md §6 for why the exact numeric mapping must
// be preserved across implementations.
const (
	ResponseAgree             int64 = -1
	ResponseLeaderStillOnline int64 = -2
	ResponseNodeNotInGroup    int64 = -3
)

// IsSentinel reports whether v is one of the reserved election response
// codes rather than a term value.
func IsSentinel(v int64) bool {
	return v < 0
}
