package transport

import (
	"context"

	"google.golang.org/grpc"

	"natraft/internal/raft/election"
	"natraft/internal/raft/types"
)

// serviceName is the fully qualified gRPC service name every method
// below is registered under.
const serviceName = "natraft.RaftService"

// RaftServer is implemented by anything that can answer the RPC
// surface enumerated in spec.md §6. *server in this package adapts a
// *member.Member to it; HandlerType in ServiceDesc below points here
// the same way a protoc-gen-go-grpc _grpc.pb.go file would.
type RaftServer interface {
	RequestVote(ctx context.Context, req *election.VoteRequest) (*VoteResponse, error)
	AppendEntries(ctx context.Context, req *types.AppendEntriesRequest) (*types.AppendEntryResult, error)
	Heartbeat(ctx context.Context, req *types.HeartBeatRequest) (*types.HeartBeatResponse, error)
	SendSnapshot(ctx context.Context, req *types.SendSnapshotRequest) (*Empty, error)
	MatchTerm(ctx context.Context, req *MatchTermRequest) (*MatchTermResponse, error)
	ExecuteRequest(ctx context.Context, req *types.ExecuteRequest) (*types.Status, error)
	RequestCommitIndex(ctx context.Context, req *GroupRequest) (*types.RequestCommitIndexResponse, error)
}

// ServiceDesc is the hand-authored equivalent of what protoc-gen-go-grpc
// would emit for a raft.proto service. Every Handler below follows the
// generated shape exactly: decode into a concrete request, run any
// interceptor, dispatch to the typed RaftServer method.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RaftServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "SendSnapshot", Handler: sendSnapshotHandler},
		{MethodName: "MatchTerm", Handler: matchTermHandler},
		{MethodName: "ExecuteRequest", Handler: executeRequestHandler},
		{MethodName: "RequestCommitIndex", Handler: requestCommitIndexHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "natraft/raft.proto",
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(election.VoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServer).RequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftServer).RequestVote(ctx, req.(*election.VoteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServer).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AppendEntries"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftServer).AppendEntries(ctx, req.(*types.AppendEntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func heartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.HeartBeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Heartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftServer).Heartbeat(ctx, req.(*types.HeartBeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sendSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.SendSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServer).SendSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SendSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftServer).SendSnapshot(ctx, req.(*types.SendSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func matchTermHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(MatchTermRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServer).MatchTerm(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/MatchTerm"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftServer).MatchTerm(ctx, req.(*MatchTermRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func executeRequestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.ExecuteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServer).ExecuteRequest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ExecuteRequest"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftServer).ExecuteRequest(ctx, req.(*types.ExecuteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func requestCommitIndexHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GroupRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServer).RequestCommitIndex(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestCommitIndex"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftServer).RequestCommitIndex(ctx, req.(*GroupRequest))
	}
	return interceptor(ctx, in, info, handler)
}
