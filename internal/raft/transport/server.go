package transport

import (
	"context"
	"net"

	"google.golang.org/grpc"

	"natraft/internal/raft/election"
	"natraft/internal/raft/types"
)

// raftMember is the subset of *member.Member the server adapter
// calls. Declared here, not imported from the member package, so
// transport never depends on member.
type raftMember interface {
	ProcessHeartbeatRequest(req *types.HeartBeatRequest) *types.HeartBeatResponse
	ProcessElectionRequest(req *election.VoteRequest) int64
	AppendEntries(req *types.AppendEntriesRequest) *types.AppendEntryResult
	InstallSnapshot(snap *types.Snapshot) error
	ExecuteForwardedRequest(ctx context.Context, payload []byte) types.Status
	RequestCommitIndex() *types.RequestCommitIndexResponse
	MatchLog(index uint64, term types.Term) bool
}

// server adapts a raftMember to the RaftServer interface the gRPC
// ServiceDesc dispatches to.
type server struct {
	member raftMember
}

// NewServer wraps member so it can be registered on a *grpc.Server
// with the package's ServiceDesc.
func NewServer(member raftMember) *server {
	return &server{member: member}
}

// Register attaches the RaftService to s using the hand-authored
// ServiceDesc, equivalent to a generated RegisterRaftServiceServer.
func Register(s *grpc.Server, member raftMember) {
	s.RegisterService(&ServiceDesc, NewServer(member))
}

// Listen is a convenience wrapper that starts a gRPC server bound to
// addr with the gob codec forced and member registered.
func Listen(addr string, member raftMember) (*grpc.Server, net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	s := grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
	Register(s, member)
	return s, lis, nil
}

func (s *server) RequestVote(_ context.Context, req *election.VoteRequest) (*VoteResponse, error) {
	code := s.member.ProcessElectionRequest(req)
	return &VoteResponse{Code: code}, nil
}

func (s *server) AppendEntries(_ context.Context, req *types.AppendEntriesRequest) (*types.AppendEntryResult, error) {
	return s.member.AppendEntries(req), nil
}

func (s *server) Heartbeat(_ context.Context, req *types.HeartBeatRequest) (*types.HeartBeatResponse, error) {
	return s.member.ProcessHeartbeatRequest(req), nil
}

func (s *server) SendSnapshot(_ context.Context, req *types.SendSnapshotRequest) (*Empty, error) {
	snap := &types.Snapshot{
		LastIncludedIndex: req.LastIncludedIndex,
		LastIncludedTerm:  req.LastIncludedTerm,
		Data:              req.SnapshotBytes,
	}
	if err := s.member.InstallSnapshot(snap); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *server) MatchTerm(_ context.Context, req *MatchTermRequest) (*MatchTermResponse, error) {
	return &MatchTermResponse{Match: s.member.MatchLog(req.Index, req.Term)}, nil
}

func (s *server) ExecuteRequest(ctx context.Context, req *types.ExecuteRequest) (*types.Status, error) {
	status := s.member.ExecuteForwardedRequest(ctx, req.RequestBytes)
	return &status, nil
}

func (s *server) RequestCommitIndex(_ context.Context, _ *GroupRequest) (*types.RequestCommitIndexResponse, error) {
	return s.member.RequestCommitIndex(), nil
}
