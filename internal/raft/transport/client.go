package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"natraft/internal/raft/election"
	"natraft/internal/raft/types"
)

const (
	// rpcTimeout bounds a single RPC attempt. Broadcast time should sit
	// an order of magnitude below the election timeout floor (150ms);
	// this leaves headroom for several retries within one attempt.
	rpcTimeout = 50 * time.Millisecond

	// maxVoteRetries keeps RequestVote retries inside one election
	// timeout window: 3 attempts * 50ms plus 10ms+20ms of backoff is
	// at most 180ms, under the 300ms ceiling of the default range.
	maxVoteRetries = 3

	// maxAppendRetries is high but finite; a leader that cannot reach a
	// peer after this many attempts relies on the catch-up manager to
	// resync it later rather than retrying a single RPC forever.
	maxAppendRetries = 20

	retryBackoffBase = 10 * time.Millisecond
	maxRetryBackoff  = 100 * time.Millisecond
)

// MetricsCollector receives counters for the RPCs this transport
// issues. *metrics.Metrics implements it.
type MetricsCollector interface {
	RecordRequestVote()
	RecordAppendEntries()
	RecordHeartbeat()
}

// Transport is the gRPC client side of the RPC surface: one
// connection per peer, dialed through the raft:// resolver, with
// bounded retry-with-backoff per call. It implements
// election.VoteCaster, dispatch.AppendCaster, catchup.Sender and
// member.Transport so a single value can be wired into every
// consensus package that needs to reach a peer.
type Transport struct {
	conns   sync.Map // types.PeerID -> *grpc.ClientConn
	metrics MetricsCollector
}

// NewTransport creates a Transport with no connections yet; dial peers
// with AddPeer as they are discovered.
func NewTransport(metrics MetricsCollector) *Transport {
	return &Transport{metrics: metrics}
}

func (t *Transport) getConn(peerID types.PeerID) (*grpc.ClientConn, error) {
	v, ok := t.conns.Load(peerID)
	if !ok {
		return nil, fmt.Errorf("no gRPC connection for peer %s", peerID)
	}
	conn, ok := v.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("invalid connection type for peer %s: %T", peerID, v)
	}
	return conn, nil
}

// AddPeer registers peer's address with the raft:// resolver and dials
// it. Dialing with grpc.NewClient does not block on connection
// establishment; the resolver and load balancer connect lazily on the
// first RPC.
func (t *Transport) AddPeer(peerID types.PeerID, addr string) error {
	if _, err := t.getConn(peerID); err == nil {
		return nil
	}
	RegisterPeerAddress(peerID, addr)

	target := fmt.Sprintf("%s:///%s", raftScheme, peerID)
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})),
	)
	if err != nil {
		return fmt.Errorf("dial peer %s: %w", peerID, err)
	}
	t.conns.Store(peerID, conn)
	return nil
}

// RemovePeer closes and forgets the connection to a peer that left the
// group.
func (t *Transport) RemovePeer(peerID types.PeerID) {
	if v, ok := t.conns.LoadAndDelete(peerID); ok {
		if conn, ok := v.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				log.Printf("[transport] close conn to %s: %v", peerID, err)
			}
		}
	}
}

// CloseAll closes every connection this transport holds, aggregating
// any close errors instead of dropping all but the last.
func (t *Transport) CloseAll() error {
	var errs error
	t.conns.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("close conn to %v: %w", key, err))
			}
		}
		return true
	})
	return errs
}

// invokeWithRetry runs one unary RPC with bounded retries whose backoff
// grows linearly (10ms per attempt, capped at 100ms), matching the election-bounded vs replication-bounded retry
// budgets used for votes versus entries.
func (t *Transport) invokeWithRetry(ctx context.Context, peerID types.PeerID, method string, req, resp interface{}, maxRetries int) error {
	conn, err := t.getConn(peerID)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
		lastErr = conn.Invoke(rpcCtx, method, req, resp)
		cancel()
		if lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s to %s cancelled: %w", method, peerID, ctx.Err())
		default:
		}

		if attempt < maxRetries-1 {
			backoff := retryBackoffBase * time.Duration(attempt+1)
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
			time.Sleep(backoff)
		}
	}
	return fmt.Errorf("%s to %s failed after %d attempts: %w", method, peerID, maxRetries, lastErr)
}

// RequestVote implements election.VoteCaster.
func (t *Transport) RequestVote(ctx context.Context, peer types.Peer, req election.VoteRequest) (int64, error) {
	if t.metrics != nil {
		t.metrics.RecordRequestVote()
	}
	resp := &VoteResponse{}
	if err := t.invokeWithRetry(ctx, peer.ID, "/"+serviceName+"/RequestVote", &req, resp, maxVoteRetries); err != nil {
		return 0, err
	}
	return resp.Code, nil
}

// AppendEntries implements dispatch.AppendCaster and catchup.Sender's
// SendAppendEntries.
func (t *Transport) AppendEntries(ctx context.Context, peer types.Peer, req *types.AppendEntriesRequest) (*types.AppendEntryResult, error) {
	if t.metrics != nil {
		t.metrics.RecordAppendEntries()
	}
	resp := &types.AppendEntryResult{}
	if err := t.invokeWithRetry(ctx, peer.ID, "/"+serviceName+"/AppendEntries", req, resp, maxAppendRetries); err != nil {
		return nil, err
	}
	return resp, nil
}

// SendAppendEntries implements catchup.Sender.
func (t *Transport) SendAppendEntries(ctx context.Context, peer types.Peer, req *types.AppendEntriesRequest) (*types.AppendEntryResult, error) {
	return t.AppendEntries(ctx, peer, req)
}

// SendSnapshot implements catchup.Sender.
func (t *Transport) SendSnapshot(ctx context.Context, peer types.Peer, req *types.SendSnapshotRequest) error {
	resp := &Empty{}
	return t.invokeWithRetry(ctx, peer.ID, "/"+serviceName+"/SendSnapshot", req, resp, maxAppendRetries)
}

// SendHeartbeat implements member.Transport.
func (t *Transport) SendHeartbeat(ctx context.Context, peer types.Peer, req *types.HeartBeatRequest) (*types.HeartBeatResponse, error) {
	if t.metrics != nil {
		t.metrics.RecordHeartbeat()
	}
	resp := &types.HeartBeatResponse{}
	if err := t.invokeWithRetry(ctx, peer.ID, "/"+serviceName+"/Heartbeat", req, resp, maxVoteRetries); err != nil {
		return nil, err
	}
	return resp, nil
}

// ForwardExecute implements member.Transport: a follower forwards a
// client operation to whoever it currently believes is leader.
func (t *Transport) ForwardExecute(ctx context.Context, peer types.Peer, req *types.ExecuteRequest) (types.Status, error) {
	resp := &types.Status{}
	if err := t.invokeWithRetry(ctx, peer.ID, "/"+serviceName+"/ExecuteRequest", req, resp, maxVoteRetries); err != nil {
		return types.Status{}, err
	}
	return *resp, nil
}

// MatchTerm calls the peer's matchTerm RPC, used by the leader to
// confirm a follower still agrees on a given (index, term) pair.
func (t *Transport) MatchTerm(ctx context.Context, peer types.Peer, index uint64, term types.Term, groupID string) (bool, error) {
	resp := &MatchTermResponse{}
	req := &MatchTermRequest{GroupID: groupID, Index: index, Term: term}
	if err := t.invokeWithRetry(ctx, peer.ID, "/"+serviceName+"/MatchTerm", req, resp, maxVoteRetries); err != nil {
		return false, err
	}
	return resp.Match, nil
}

// RequestCommitIndex reads a peer's observational commit position.
func (t *Transport) RequestCommitIndex(ctx context.Context, peer types.Peer, groupID string) (*types.RequestCommitIndexResponse, error) {
	resp := &types.RequestCommitIndexResponse{}
	req := &GroupRequest{GroupID: groupID}
	if err := t.invokeWithRetry(ctx, peer.ID, "/"+serviceName+"/RequestCommitIndex", req, resp, maxVoteRetries); err != nil {
		return nil, err
	}
	return resp, nil
}
