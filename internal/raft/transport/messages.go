// Package transport is the gRPC wire adapter for the consensus core's
// RPC surface (spec.md §6). There is no protoc toolchain available in
// this exercise and no generated stubs exist to adapt (see DESIGN.md),
// so the ServiceDesc below is hand-authored the way protoc-gen-go-grpc
// would emit it, paired with a gob-based codec registered via
// encoding.RegisterCodec/grpc.ForceCodec instead of protobuf framing.
package transport

import "natraft/internal/raft/types"

// VoteResponse wraps the ElectionRequest RPC's i64 response, since the
// wire codec needs a concrete addressable type to decode into.
type VoteResponse struct {
	Code int64
}

// MatchTermRequest is the matchTerm(index, term, groupId) RPC payload.
type MatchTermRequest struct {
	GroupID string
	Index   uint64
	Term    types.Term
}

// MatchTermResponse is the matchTerm RPC's boolean result.
type MatchTermResponse struct {
	Match bool
}

// GroupRequest carries only a group id, used by requestCommitIndex.
type GroupRequest struct {
	GroupID string
}

// Empty is the void response to sendSnapshot.
type Empty struct{}
