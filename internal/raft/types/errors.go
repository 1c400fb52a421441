package types

import "errors"

// Sentinel errors propagated across package boundaries. Transport and
// protocol-level failures are absorbed locally (see the dispatch,
// catchup and election packages) and never reach these; only
// persistence failures and programming-invariant violations surface
// through error returns, per spec.md §7.
var (
	// ErrLeaderUnknown is returned when a catch-up task re-checks
	// leadership immediately before a network send and finds the role
	// has changed away from Leader.
	ErrLeaderUnknown = errors.New("raft: leader unknown, role changed before send")

	// ErrNotInGroup is returned when an elector is not a recognized
	// peer of the group it is requesting votes from.
	ErrNotInGroup = errors.New("raft: elector is not a member of this group")

	// ErrPersistenceFailed wraps a disk error observed while
	// persisting term, vote or log state. It is always fatal to the
	// member's current role.
	ErrPersistenceFailed = errors.New("raft: persistence failure")

	// ErrUnknownLogType is surfaced to an RPC caller when an entry's
	// payload cannot be decoded into a known log record type.
	ErrUnknownLogType = errors.New("raft: unknown log entry type")

	// ErrTaskAlreadyRegistered describes a second catch-up task
	// requested for a peer that already has one in flight. The
	// catch-up manager does not return it: its Start reports that
	// case by returning false.
	ErrTaskAlreadyRegistered = errors.New("raft: catch-up task already registered for peer")

	// ErrCatchUpTimeout is returned when a snapshot transfer does not
	// complete within CatchUpTimeoutMS.
	ErrCatchUpTimeout = errors.New("raft: catch-up task timed out")

	// ErrStaleTerm is returned internally when a request carries a
	// term older than the responder's.
	ErrStaleTerm = errors.New("raft: stale term")

	// ErrLogMismatch is returned when AppendEntries' prevLogIndex/Term
	// do not match the receiver's log.
	ErrLogMismatch = errors.New("raft: log does not match at prevLogIndex/prevLogTerm")

	// ErrNoSnapshot is returned when a snapshot catch-up is triggered
	// but the log source has no snapshot to send.
	ErrNoSnapshot = errors.New("raft: no snapshot available for catch-up")
)
