package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"natraft/internal/raft/election"
	"natraft/internal/raft/types"
)

// fakeMember is a scripted raftMember used to drive the server
// adapter without a real consensus core.
type fakeMember struct {
	voteResp       int64
	appendResp     *types.AppendEntryResult
	heartbeatResp  *types.HeartBeatResponse
	matchResp      bool
	commitResp     *types.RequestCommitIndexResponse
	executeResp    types.Status
	installErr     error
	lastInstalled  *types.Snapshot
}

func (f *fakeMember) ProcessHeartbeatRequest(*types.HeartBeatRequest) *types.HeartBeatResponse {
	return f.heartbeatResp
}
func (f *fakeMember) ProcessElectionRequest(*election.VoteRequest) int64 { return f.voteResp }
func (f *fakeMember) AppendEntries(*types.AppendEntriesRequest) *types.AppendEntryResult {
	return f.appendResp
}
func (f *fakeMember) InstallSnapshot(snap *types.Snapshot) error {
	f.lastInstalled = snap
	return f.installErr
}
func (f *fakeMember) ExecuteForwardedRequest(context.Context, []byte) types.Status {
	return f.executeResp
}
func (f *fakeMember) RequestCommitIndex() *types.RequestCommitIndexResponse { return f.commitResp }
func (f *fakeMember) MatchLog(uint64, types.Term) bool                      { return f.matchResp }

// startServer brings up a real gRPC server on a loopback port with the
// gob codec forced, returning its address and a shutdown func.
func startServer(t *testing.T, member raftMember) (addr string, stop func()) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
	Register(s, member)

	go func() { _ = s.Serve(lis) }()
	return lis.Addr().String(), func() {
		s.Stop()
		_ = lis.Close()
	}
}

func dialDirect(t *testing.T, addr string) *grpc.ClientConn {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})),
	)
	require.NoError(t, err)
	return conn
}

func TestTransport_RequestVoteRoundTrip(t *testing.T) {
	addr, stop := startServer(t, &fakeMember{voteResp: 7})
	defer stop()

	conn := dialDirect(t, addr)
	defer conn.Close()

	resp := &VoteResponse{}
	err := conn.Invoke(context.Background(), "/"+serviceName+"/RequestVote", &election.VoteRequest{
		Term: 7, GroupID: "g", Elector: "self",
	}, resp)
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.Code)
}

func TestTransport_AppendEntriesRoundTrip(t *testing.T) {
	want := &types.AppendEntryResult{Status: types.AppendOK, Term: 3, LastLogIndex: 5}
	addr, stop := startServer(t, &fakeMember{appendResp: want})
	defer stop()

	conn := dialDirect(t, addr)
	defer conn.Close()

	resp := &types.AppendEntryResult{}
	err := conn.Invoke(context.Background(), "/"+serviceName+"/AppendEntries", &types.AppendEntriesRequest{
		GroupID: "g", Term: 3,
	}, resp)
	require.NoError(t, err)
	assert.Equal(t, *want, *resp)
}

func TestTransport_SendSnapshotPassesMetadataThrough(t *testing.T) {
	member := &fakeMember{}
	addr, stop := startServer(t, member)
	defer stop()

	conn := dialDirect(t, addr)
	defer conn.Close()

	resp := &Empty{}
	err := conn.Invoke(context.Background(), "/"+serviceName+"/SendSnapshot", &types.SendSnapshotRequest{
		GroupID:           "g",
		LastIncludedIndex: 42,
		LastIncludedTerm:  4,
		SnapshotBytes:     []byte("state"),
	}, resp)
	require.NoError(t, err)
	require.NotNil(t, member.lastInstalled)
	assert.Equal(t, uint64(42), member.lastInstalled.LastIncludedIndex)
	assert.Equal(t, []byte("state"), member.lastInstalled.Data)
}

func TestTransport_ClientRequestVoteViaResolver(t *testing.T) {
	resetRegistry()
	addr, stop := startServer(t, &fakeMember{voteResp: types.ResponseAgree})
	defer stop()

	tr := NewTransport(nil)
	require.NoError(t, tr.AddPeer("node-x", addr))
	defer tr.CloseAll()

	code, err := tr.RequestVote(context.Background(), types.Peer{ID: "node-x", Enabled: true}, election.VoteRequest{
		Term: 1, GroupID: "g", Elector: "self",
	})
	require.NoError(t, err)
	assert.Equal(t, types.ResponseAgree, code)
}

func TestTransport_RequestVote_UnknownPeerErrors(t *testing.T) {
	tr := NewTransport(nil)
	_, err := tr.RequestVote(context.Background(), types.Peer{ID: "ghost"}, election.VoteRequest{})
	assert.Error(t, err)
}

func TestTransport_MatchTermRoundTrip(t *testing.T) {
	resetRegistry()
	addr, stop := startServer(t, &fakeMember{matchResp: true})
	defer stop()

	tr := NewTransport(nil)
	require.NoError(t, tr.AddPeer("node-y", addr))
	defer tr.CloseAll()

	ok, err := tr.MatchTerm(context.Background(), types.Peer{ID: "node-y"}, 10, 2, "g")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTransport_HeartbeatRoundTrip(t *testing.T) {
	resetRegistry()
	want := &types.HeartBeatResponse{Term: 5, LastLogIndex: 9}
	addr, stop := startServer(t, &fakeMember{heartbeatResp: want})
	defer stop()

	tr := NewTransport(nil)
	require.NoError(t, tr.AddPeer("node-z", addr))
	defer tr.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := tr.SendHeartbeat(ctx, types.Peer{ID: "node-z"}, &types.HeartBeatRequest{Term: 5})
	require.NoError(t, err)
	assert.Equal(t, *want, *resp)
}
