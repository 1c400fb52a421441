// Package log defines the LogManager contract the consensus core
// depends on and two implementations of it: an in-memory one used by
// tests and the dispatcher's unit tests, and a durable bbolt-backed one
// used in production. Voting, dispatch and member only ever talk to
// the Manager interface; catchup reads the log through its own
// LogSource interface.
package log

import (
	"natraft/internal/raft/types"
)

// Manager is the leaf dependency every other consensus package builds
// on (see SPEC_FULL.md §2's dependency order). It owns entry storage,
// the commit/match index bookkeeping the member needs for its own
// safety decisions, and the term/vote persistence required before any
// RPC reply that depends on them is sent.
type Manager interface {
	// AppendEntry appends a single entry, persisting it before
	// returning. A non-nil error is always treated as fatal to the
	// caller's current role.
	AppendEntry(entry *types.Entry) error

	// AppendEntries appends a batch of entries in order.
	AppendEntries(entries []*types.Entry) error

	// GetEntry returns the entry at index, or an error if not present.
	GetEntry(index uint64) (*types.Entry, error)

	// GetEntriesFrom returns every entry with index >= from, in
	// ascending order.
	GetEntriesFrom(from uint64) ([]*types.Entry, error)

	// TruncateFrom discards every entry with index >= from. Used when
	// AppendEntries detects a conflicting suffix.
	TruncateFrom(from uint64) error

	// LastLogIndex returns the index of the last entry, or 0 if empty.
	LastLogIndex() uint64

	// LastLogTerm returns the term of the last entry, or 0 if empty.
	LastLogTerm() types.Term

	// TermAt returns the term of the entry at index, and whether it
	// exists. Index 0 always exists with term 0 (the implicit root).
	TermAt(index uint64) (types.Term, bool)

	// CommitIndex returns the highest index known to be committed.
	CommitIndex() uint64

	// SetCommitIndex advances the commit index. It is a no-op if
	// index is not greater than the current value: commit index is
	// monotonic.
	SetCommitIndex(index uint64)

	// CurrentTerm / SetCurrentTerm persist the member's term. Must be
	// durable before any RPC reply depending on it is sent.
	CurrentTerm() (types.Term, error)
	SetCurrentTerm(term types.Term) error

	// VotedFor / SetVotedFor persist who this member voted for in the
	// current term. nil means no vote cast yet.
	VotedFor() (*types.PeerID, error)
	SetVotedFor(id *types.PeerID) error

	// SnapshotMetadata / SetSnapshotMetadata persist the boundary of
	// the last installed snapshot so a restart knows where the log
	// prefix was discarded.
	SnapshotMetadata() (*types.Snapshot, error)
	SetSnapshotMetadata(snap *types.Snapshot) error

	// InstallSnapshot atomically replaces the log prefix up to
	// snap.LastIncludedIndex with the snapshot and discards entries at
	// or below it.
	InstallSnapshot(snap *types.Snapshot) error

	// Close releases any underlying resources.
	Close() error
}
