// Package member binds the log manager, voting tracker, election
// coordinator, log dispatcher and catch-up manager into the single
// Member State Machine described in spec.md §4.1: the component that
// owns term/role/votedFor and every RPC surface endpoint.
package member

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"natraft/internal/pubsub"
	"natraft/internal/raft/catchup"
	"natraft/internal/raft/dispatch"
	"natraft/internal/raft/election"
	"natraft/internal/raft/log"
	"natraft/internal/raft/types"
	"natraft/internal/raft/voting"
)

// RoleChanged is published when StepDown, becomeCandidate, becomeLeader
// or a fatal persistence error changes a member's role; metrics and
// tests can subscribe without the member needing to know about them.
// A switch to FOLLOWER made while handling an inbound heartbeat,
// AppendEntries or vote request is not published.
const RoleChanged pubsub.EventType = 1

// RoleChangedPayload is the payload carried by a RoleChanged event.
type RoleChangedPayload struct {
	Term types.Term
	From types.Role
	To   types.Role
}

// Config bundles the timing and flow-control tunables from spec.md §6
// that are not already owned by dispatch.Config/catchup.Config.
type Config struct {
	ElectionTimeoutRangeMS  [2]int
	HeartbeatIntervalMS     int
	LeaderStickinessWindowMS int
}

// StateMachine is the replicated application the member drives once
// entries commit.
type StateMachine interface {
	Apply(entries []*types.Entry) types.Status
}

// Restorer is implemented by state machines that can reload their
// entire state from a snapshot image, as opposed to replaying log
// entries one at a time. InstallSnapshot uses this when present.
type Restorer interface {
	Restore(data []byte) error
}

// Transport is everything a Member needs from the network: outbound
// heartbeats, election votes (via election.VoteCaster embedded in the
// election.Coordinator passed to NewMember), and forwarding a client
// request to a believed leader.
type Transport interface {
	SendHeartbeat(ctx context.Context, peer types.Peer, req *types.HeartBeatRequest) (*types.HeartBeatResponse, error)
	ForwardExecute(ctx context.Context, peer types.Peer, req *types.ExecuteRequest) (types.Status, error)
}

// Member is one RaftMember: the state machine described in spec.md
// §4.1, wired to its log, voting tracker, dispatcher, catch-up manager
// and election coordinator.
type Member struct {
	groupID string
	self    types.PeerID

	mu       sync.RWMutex
	peers    map[types.PeerID]types.Peer
	term     types.Term
	role     types.Role
	votedFor *types.PeerID
	leader   *types.PeerID

	lastLeaderContact time.Time
	stickinessWindow  time.Duration

	logMgr     log.Manager
	tracker    *voting.Tracker
	dispatcher *dispatch.Dispatcher
	catchupMgr *catchup.Manager
	coord      *election.Coordinator
	transport  Transport
	sm         StateMachine
	bus        *pubsub.PubSubClient

	electionTimeoutRange [2]time.Duration
	heartbeatInterval    time.Duration

	logger *logrus.Entry

	shutdownCh chan struct{}
	shutdownWg sync.WaitGroup
	shutdown   bool

	// electionResetCh wakes the election timer loop whenever a
	// heartbeat or vote resets it, so the loop never fires stale.
	electionResetCh chan struct{}
}

// NewMember constructs a Member in the FOLLOWER role at term 0. The
// caller must call AddPeer for every other group member before Start.
func NewMember(groupID string, self types.PeerID, cfg Config, logMgr log.Manager, dispatcher *dispatch.Dispatcher, catchupMgr *catchup.Manager, coord *election.Coordinator, transport Transport, sm StateMachine) *Member {
	if cfg.ElectionTimeoutRangeMS[1] <= 0 {
		cfg.ElectionTimeoutRangeMS = [2]int{150, 300}
	}
	if cfg.HeartbeatIntervalMS <= 0 {
		cfg.HeartbeatIntervalMS = 50
	}
	if cfg.LeaderStickinessWindowMS <= 0 {
		cfg.LeaderStickinessWindowMS = cfg.HeartbeatIntervalMS * 2
	}

	term, _ := logMgr.CurrentTerm()
	votedFor, _ := logMgr.VotedFor()

	m := &Member{
		groupID:          groupID,
		self:             self,
		peers:            make(map[types.PeerID]types.Peer),
		term:             term,
		role:             types.Follower,
		votedFor:         votedFor,
		stickinessWindow: time.Duration(cfg.LeaderStickinessWindowMS) * time.Millisecond,
		logMgr:           logMgr,
		tracker:          voting.NewTracker(logMgr),
		dispatcher:       dispatcher,
		catchupMgr:       catchupMgr,
		coord:            coord,
		transport:        transport,
		sm:               sm,
		bus:              pubsub.NewPubSub(),
		electionTimeoutRange: [2]time.Duration{
			time.Duration(cfg.ElectionTimeoutRangeMS[0]) * time.Millisecond,
			time.Duration(cfg.ElectionTimeoutRangeMS[1]) * time.Millisecond,
		},
		heartbeatInterval: time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond,
		logger:            logrus.WithFields(logrus.Fields{"group": groupID, "member": self}),
		shutdownCh:        make(chan struct{}),
		electionResetCh:   make(chan struct{}, 1),
	}
	return m
}

// AddPeer registers a group member and starts its dispatcher queue.
func (m *Member) AddPeer(p types.Peer) {
	m.mu.Lock()
	m.peers[p.ID] = p
	m.mu.Unlock()
	m.dispatcher.AddPeer(p)
}

func (m *Member) peerList() []types.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

func (m *Member) groupSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers) + 1
}

// Start launches the election/heartbeat timer loop. Call once.
func (m *Member) Start() {
	m.shutdownWg.Add(1)
	go m.runTimerLoop()
}

// Shutdown stops the timer loop and the dispatcher, draining within
// timeout.
func (m *Member) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.mu.Unlock()

	close(m.shutdownCh)
	m.shutdownWg.Wait()
	m.dispatcher.Shutdown(timeout)
	m.bus.GracefulShutdown()
}

// --- Member State Machine contracts (spec.md §4.1) ---

// ProcessHeartbeatRequest handles an inbound heartbeat.
func (m *Member) ProcessHeartbeatRequest(req *types.HeartBeatRequest) *types.HeartBeatResponse {
	m.mu.Lock()
	if req.Term < m.term {
		resp := &types.HeartBeatResponse{Term: m.term, LastLogIndex: m.logMgr.LastLogIndex(), LastLogTerm: m.logMgr.LastLogTerm()}
		m.mu.Unlock()
		return resp
	}

	m.adoptTermLocked(req.Term)
	m.role = types.Follower
	leader := req.Leader
	m.leader = &leader
	m.lastLeaderContact = time.Now()
	m.mu.Unlock()

	m.resetElectionTimer()

	return &types.HeartBeatResponse{
		Term:         req.Term,
		LastLogIndex: m.logMgr.LastLogIndex(),
		LastLogTerm:  m.logMgr.LastLogTerm(),
	}
}

// ProcessElectionRequest handles an inbound vote request, returning
// one of the sentinels in types or a term value, per spec.md §4.1/§6.
func (m *Member) ProcessElectionRequest(req *election.VoteRequest) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, known := m.peers[req.Elector]; !known && req.Elector != m.self {
		return types.ResponseNodeNotInGroup
	}

	if time.Since(m.lastLeaderContact) < m.stickinessWindow && m.leader != nil && *m.leader != req.Elector {
		return types.ResponseLeaderStillOnline
	}

	if req.Term <= m.term {
		return int64(m.term)
	}

	// Election restriction (spec.md §8 leader completeness): only
	// grant the vote if the candidate's log is at least as up to date
	// as this member's, comparing (LastLogTerm, LastLogIndex) per the
	// standard Raft ordering.
	myLastTerm := m.logMgr.LastLogTerm()
	myLastIndex := m.logMgr.LastLogIndex()
	if req.LastLogTerm < myLastTerm || (req.LastLogTerm == myLastTerm && req.LastLogIndex < myLastIndex) {
		return int64(m.term)
	}

	m.adoptTermLocked(req.Term)
	m.role = types.Follower
	elector := req.Elector
	m.votedFor = &elector
	_ = m.logMgr.SetVotedFor(&elector)

	return types.ResponseAgree
}

// AppendEntries handles an inbound AppendEntries RPC: standard Raft
// log matching, truncating any conflicting suffix before appending.
func (m *Member) AppendEntries(req *types.AppendEntriesRequest) *types.AppendEntryResult {
	m.mu.Lock()
	if req.Term < m.term {
		result := &types.AppendEntryResult{Status: types.AppendStaleTerm, Term: m.term, Receiver: m.self}
		m.mu.Unlock()
		return result
	}
	m.adoptTermLocked(req.Term)
	m.role = types.Follower
	leader := req.Leader
	m.leader = &leader
	m.lastLeaderContact = time.Now()
	m.mu.Unlock()
	m.resetElectionTimer()

	if req.PrevLogIndex > 0 {
		term, ok := m.logMgr.TermAt(req.PrevLogIndex)
		if !ok || term != req.PrevLogTerm {
			return &types.AppendEntryResult{
				Status:       types.AppendLogMismatch,
				Term:         req.Term,
				LastLogIndex: m.logMgr.LastLogIndex(),
				LastLogTerm:  m.logMgr.LastLogTerm(),
				Receiver:     m.self,
			}
		}
	}

	for _, e := range req.Entries {
		existingTerm, ok := m.logMgr.TermAt(e.Index)
		if ok && existingTerm != e.EntryTerm {
			if err := m.logMgr.TruncateFrom(e.Index); err != nil {
				m.logger.WithError(err).Error("truncate on conflict failed")
				return &types.AppendEntryResult{Status: types.AppendLogMismatch, Term: req.Term, Receiver: m.self}
			}
		}
	}

	if err := m.logMgr.AppendEntries(req.Entries); err != nil {
		m.logger.WithError(err).Error("append entries failed: persistence error is fatal to the role")
		m.stepDownOnFatalError()
		return &types.AppendEntryResult{Status: types.AppendLogMismatch, Term: req.Term, Receiver: m.self}
	}

	if req.LeaderCommit > m.logMgr.CommitIndex() {
		newCommit := req.LeaderCommit
		if m.logMgr.LastLogIndex() < newCommit {
			newCommit = m.logMgr.LastLogIndex()
		}
		m.logMgr.SetCommitIndex(newCommit)
	}

	return &types.AppendEntryResult{
		Status:       types.AppendOK,
		Term:         req.Term,
		LastLogIndex: m.logMgr.LastLogIndex(),
		LastLogTerm:  m.logMgr.LastLogTerm(),
		Receiver:     m.self,
	}
}

// InstallSnapshot blocks until the snapshot is durably applied,
// discarding the log prefix it subsumes.
func (m *Member) InstallSnapshot(snap *types.Snapshot) error {
	if err := m.logMgr.InstallSnapshot(snap); err != nil {
		return fmt.Errorf("install snapshot: %w", err)
	}
	if restorer, ok := m.sm.(Restorer); ok {
		if err := restorer.Restore(snap.Data); err != nil {
			return fmt.Errorf("restore state machine from snapshot: %w", err)
		}
	}
	return nil
}

// ExecuteForwardedRequest implements spec.md §4.1's executeForwardedRequest:
// a follower either forwards to its believed leader or fails with
// UnknownLeader; a leader appends and awaits commit.
func (m *Member) ExecuteForwardedRequest(ctx context.Context, payload []byte) types.Status {
	m.mu.RLock()
	role := m.role
	leader := m.leader
	m.mu.RUnlock()

	if role != types.Leader {
		if leader == nil {
			return types.Status{Code: types.StatusUnknownLeader, Message: "no known leader"}
		}
		m.mu.RLock()
		peer, ok := m.peers[*leader]
		m.mu.RUnlock()
		if !ok {
			return types.Status{Code: types.StatusUnknownLeader, Message: "leader hint not in peer set"}
		}
		status, err := m.transport.ForwardExecute(ctx, peer, &types.ExecuteRequest{GroupID: m.groupID, RequestBytes: payload})
		if err != nil {
			return types.Status{Code: types.StatusForwardFailed, Message: err.Error()}
		}
		return status
	}

	index, err := m.appendAsLeader(payload)
	if err != nil {
		return types.Status{Code: types.StatusForwardFailed, Message: err.Error()}
	}

	return m.awaitCommit(ctx, index)
}

// RequestCommitIndex is a non-blocking observational read.
func (m *Member) RequestCommitIndex() *types.RequestCommitIndexResponse {
	term, _ := m.logMgr.CurrentTerm()
	return &types.RequestCommitIndexResponse{
		Status:      types.Status{Code: types.StatusOK},
		CommitIndex: m.logMgr.CommitIndex(),
		CommitTerm:  term,
	}
}

// MatchLog reports whether the local log contains (index, term).
func (m *Member) MatchLog(index uint64, term types.Term) bool {
	got, ok := m.logMgr.TermAt(index)
	return ok && got == term
}

// StillLeader implements catchup.LeadershipChecker: it re-checks role
// under the term lock, which is the exact placement the source's
// SnapshotCatchUpTask uses immediately before sending.
func (m *Member) StillLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.role == types.Leader
}

// --- role transitions ---

// adoptTermLocked persists and adopts newTerm if it is larger than the
// current one, clearing votedFor; caller must hold m.mu.
func (m *Member) adoptTermLocked(newTerm types.Term) {
	if newTerm <= m.term {
		return
	}
	m.term = newTerm
	m.votedFor = nil
	if err := m.logMgr.SetCurrentTerm(newTerm); err != nil {
		m.logger.WithError(err).Error("persist term failed")
	}
	_ = m.logMgr.SetVotedFor(nil)
}

// StepDown transitions to FOLLOWER at newTerm, per spec.md §4.1's
// "stepDown(newTerm, leaderHint)".
func (m *Member) StepDown(newTerm types.Term, leaderHint *types.PeerID) {
	m.mu.Lock()
	from := m.role
	m.adoptTermLocked(newTerm)
	m.role = types.Follower
	if leaderHint != nil {
		m.leader = leaderHint
		m.lastLeaderContact = time.Now()
	}
	m.mu.Unlock()

	m.tracker.Abandon()
	m.publishRoleChange(from, types.Follower, newTerm)
	m.resetElectionTimer()
}

func (m *Member) stepDownOnFatalError() {
	m.mu.Lock()
	from := m.role
	m.role = types.Follower
	term := m.term
	m.mu.Unlock()
	m.tracker.Abandon()
	m.publishRoleChange(from, types.Follower, term)
}

// becomeCandidate transitions FOLLOWER/CANDIDATE → CANDIDATE at a new
// term and runs one election attempt.
func (m *Member) becomeCandidate() {
	m.mu.Lock()
	newTerm := m.term + 1
	from := m.role
	m.term = newTerm
	m.role = types.Candidate
	self := m.self
	m.votedFor = &self
	_ = m.logMgr.SetCurrentTerm(newTerm)
	_ = m.logMgr.SetVotedFor(&self)
	m.mu.Unlock()

	m.publishRoleChange(from, types.Candidate, newTerm)

	lastIdx := m.logMgr.LastLogIndex()
	lastTerm := m.logMgr.LastLogTerm()
	timeout := m.randomElectionTimeout()

	result := m.coord.RunElection(context.Background(), m.groupID, m.self, newTerm, m.peerList(), lastIdx, lastTerm, timeout)

	m.mu.Lock()
	stillCandidateAtTerm := m.role == types.Candidate && m.term == newTerm
	m.mu.Unlock()

	if result.SteppedDown {
		m.StepDown(result.StepDownTerm, nil)
		return
	}
	if !stillCandidateAtTerm {
		return
	}
	if result.Won {
		m.becomeLeader(newTerm)
	}
}

// becomeLeader transitions CANDIDATE → LEADER at term; it appends no
// entry of its own.
func (m *Member) becomeLeader(term types.Term) {
	m.mu.Lock()
	if m.term != term || m.role != types.Candidate {
		m.mu.Unlock()
		return
	}
	from := m.role
	m.role = types.Leader
	self := m.self
	m.leader = &self
	m.mu.Unlock()

	m.publishRoleChange(from, types.Leader, term)
	m.logger.WithField("term", term).Info("became leader")
}

func (m *Member) publishRoleChange(from, to types.Role, term types.Term) {
	if from == to {
		return
	}
	pubsub.Publish(m.bus, pubsub.NewEvent(RoleChanged, RoleChangedPayload{Term: term, From: from, To: to}))
}

// appendAsLeader appends payload to the local log and offers it to
// every peer's dispatcher queue, returning its index.
func (m *Member) appendAsLeader(payload []byte) (uint64, error) {
	m.mu.Lock()
	term := m.term
	index := m.logMgr.LastLogIndex() + 1
	m.mu.Unlock()

	entry := &types.Entry{Index: index, EntryTerm: term, Payload: payload, ByteSize: len(payload)}
	if err := m.logMgr.AppendEntry(entry); err != nil {
		return 0, fmt.Errorf("append entry: %w", err)
	}

	quorum := election.QuorumSize(m.groupSize())
	vl := m.tracker.Track(entry, quorum)
	// The leader's own durable append counts toward quorum, mirroring
	// election's requiredVoteNum pre-counting self: QuorumSize acks
	// means QuorumSize-1 followers, not QuorumSize of them. Routed
	// through RecordAck/advanceCommit, not a direct SetCommitIndex, so
	// a self-satisfied quorum still reaps the VotingLog from the
	// tracker's inflight set instead of leaking it.
	m.tracker.RecordAck(index, m.self, term)
	if vl.Terminated() {
		return index, nil
	}
	m.dispatcher.Offer(vl)
	return index, nil
}

func (m *Member) awaitCommit(ctx context.Context, index uint64) types.Status {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.logMgr.CommitIndex() >= index {
			if m.sm != nil {
				entry, err := m.logMgr.GetEntry(index)
				if err == nil {
					return m.sm.Apply([]*types.Entry{entry})
				}
			}
			return types.Status{Code: types.StatusOK}
		}
		select {
		case <-ctx.Done():
			return types.Status{Code: types.StatusForwardFailed, Message: "context canceled awaiting commit"}
		case <-ticker.C:
		}
	}
}

// --- dispatch.ResultHandler ---

// OnAck records peer's ack against vl and advances commit.
func (m *Member) OnAck(peerID types.PeerID, vl *voting.VotingLog) {
	m.mu.RLock()
	term := m.term
	m.mu.RUnlock()
	m.tracker.RecordAck(vl.Entry.Index, peerID, term)
}

// OnReject handles a log-mismatch rejection by triggering catch-up:
// a plain log replay if the peer's next index is still covered by
// this leader's log, or a snapshot transfer first if the peer has
// fallen behind the compacted boundary (spec.md §4.4 trigger (b)).
func (m *Member) OnReject(peerID types.PeerID, vl *voting.VotingLog, result *types.AppendEntryResult) {
	m.mu.RLock()
	peer, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	nextIndex := result.LastLogIndex + 1
	snap, err := m.logMgr.SnapshotMetadata()
	if err == nil && snap != nil && nextIndex <= snap.LastIncludedIndex {
		m.catchupMgr.TriggerSnapshotCatchUp(context.Background(), peer)
		return
	}
	m.catchupMgr.TriggerLogCatchUp(context.Background(), peer, nextIndex)
}

// OnHigherTerm steps down when a follower reveals a higher term.
func (m *Member) OnHigherTerm(term types.Term) {
	m.StepDown(term, nil)
}

// OnTransportFailure is a no-op: transport errors are never fatal to
// the member and retry naturally via the dispatcher's next batch.
func (m *Member) OnTransportFailure(peerID types.PeerID, vl *voting.VotingLog) {}

// --- timers ---

func (m *Member) randomElectionTimeout() time.Duration {
	lo, hi := m.electionTimeoutRange[0], m.electionTimeoutRange[1]
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

func (m *Member) resetElectionTimer() {
	select {
	case m.electionResetCh <- struct{}{}:
	default:
	}
}

func (m *Member) runTimerLoop() {
	defer m.shutdownWg.Done()

	timer := time.NewTimer(m.randomElectionTimeout())
	defer timer.Stop()
	var heartbeat *time.Ticker

	for {
		m.mu.RLock()
		role := m.role
		m.mu.RUnlock()

		if role == types.Leader {
			if heartbeat == nil {
				heartbeat = time.NewTicker(m.heartbeatInterval)
			}
			select {
			case <-m.shutdownCh:
				heartbeat.Stop()
				return
			case <-heartbeat.C:
				m.sendHeartbeats()
			case <-m.electionResetCh:
			}
			continue
		}

		if heartbeat != nil {
			heartbeat.Stop()
			heartbeat = nil
		}

		timer.Reset(m.randomElectionTimeout())
		select {
		case <-m.shutdownCh:
			return
		case <-m.electionResetCh:
			continue
		case <-timer.C:
			m.becomeCandidate()
		}
	}
}

func (m *Member) sendHeartbeats() {
	m.mu.RLock()
	term := m.term
	m.mu.RUnlock()

	req := &types.HeartBeatRequest{
		Term:           term,
		CommitLogIndex: m.logMgr.CommitIndex(),
		Leader:         m.self,
		GroupID:        m.groupID,
	}
	for _, p := range m.peerList() {
		if !p.Enabled {
			continue
		}
		go func(peer types.Peer) {
			ctx, cancel := context.WithTimeout(context.Background(), m.heartbeatInterval*4)
			defer cancel()
			resp, err := m.transport.SendHeartbeat(ctx, peer, req)
			if err != nil {
				return
			}
			if resp.Term > term {
				m.StepDown(resp.Term, nil)
			}
		}(p)
	}
}
