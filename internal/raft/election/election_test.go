package election

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"natraft/internal/raft/types"
)

func TestQuorumSize(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3}
	for groupSize, want := range cases {
		assert.Equal(t, want, QuorumSize(groupSize), "groupSize=%d", groupSize)
	}
}

func TestNewContext_InitialCounters(t *testing.T) {
	// Scenario: 3-node election, A is candidate.
	c := NewContext(6, 3)
	assert.False(t, c.Terminated())

	c.mu.Lock()
	required := c.requiredVoteNum
	failing := c.failingVoteCounter
	c.mu.Unlock()
	assert.Equal(t, 1, required, "requiredVoteNum starts at quorum-1")
	assert.Equal(t, 2, failing)
}

func TestNewContext_LoneMemberWinsImmediately(t *testing.T) {
	c := NewContext(1, 1)
	assert.True(t, c.Terminated())
	assert.True(t, c.ElectionValid())
}

func TestContext_AgreeReachesQuorum(t *testing.T) {
	c := NewContext(6, 3)

	// Quorum of a 3-node group is 2 and the candidate's own vote is
	// already counted, so a single AGREE wins the election.
	c.HandleResponse(types.ResponseAgree)
	assert.True(t, c.Terminated())

	c.HandleResponse(types.ResponseAgree)
	assert.True(t, c.Terminated())
	assert.True(t, c.ElectionValid())
}

func TestContext_HigherTermTriggersStepDown(t *testing.T) {
	c := NewContext(6, 3)

	c.HandleResponse(8)

	assert.True(t, c.Terminated())
	assert.False(t, c.ElectionValid())
	term, stepped := c.StepDown()
	assert.True(t, stepped)
	assert.Equal(t, types.Term(8), term)
}

func TestContext_FastFailOnFailingCounter(t *testing.T) {
	// Scenario 6: {A,B,C,D,E}, quorum=3, requiredVoteNum=2, failingVoteCounter=3.
	c := NewContext(6, 5)

	c.mu.Lock()
	required := c.requiredVoteNum
	failing := c.failingVoteCounter
	c.mu.Unlock()
	require.Equal(t, 2, required)
	require.Equal(t, 3, failing)

	c.HandleResponse(types.ResponseLeaderStillOnline)
	assert.False(t, c.Terminated())
	c.HandleResponse(types.ResponseLeaderStillOnline)
	assert.False(t, c.Terminated())
	c.HandleResponse(types.ResponseLeaderStillOnline)
	assert.True(t, c.Terminated(), "third soft rejection exhausts the failing counter")
	assert.False(t, c.ElectionValid())
}

func TestContext_NodeNotInGroupCountsAsFailure(t *testing.T) {
	c := NewContext(6, 3)
	c.HandleResponse(types.ResponseNodeNotInGroup)
	c.HandleResponse(types.ResponseNodeNotInGroup)
	assert.True(t, c.Terminated())
	assert.False(t, c.ElectionValid())
}

func TestContext_StaleTermIsHardRejection(t *testing.T) {
	c := NewContext(6, 3)
	c.HandleResponse(4) // term 4 < currTerm 6
	c.HandleResponse(4)
	assert.True(t, c.Terminated())
	assert.False(t, c.ElectionValid())
	_, stepped := c.StepDown()
	assert.False(t, stepped)
}

func TestContext_TransportErrorCountsAsFailure(t *testing.T) {
	c := NewContext(6, 3)
	c.HandleTransportError()
	c.HandleTransportError()
	assert.True(t, c.Terminated())
}

func TestContext_IgnoresResponsesAfterTermination(t *testing.T) {
	c := NewContext(6, 3)
	c.HandleResponse(types.ResponseAgree)
	c.HandleResponse(types.ResponseAgree)
	require.True(t, c.Terminated())
	require.True(t, c.ElectionValid())

	// A late higher-term response must not flip a settled outcome.
	c.HandleResponse(99)
	assert.True(t, c.ElectionValid())
	_, stepped := c.StepDown()
	assert.False(t, stepped)
}

func TestContext_WaitReturnsOnTermination(t *testing.T) {
	c := NewContext(6, 3)
	go func() {
		time.Sleep(5 * time.Millisecond)
		c.HandleResponse(types.ResponseAgree)
		c.HandleResponse(types.ResponseAgree)
	}()

	won := c.Wait(time.Second)
	assert.True(t, won)
}

func TestContext_WaitTimesOutWithoutTermination(t *testing.T) {
	c := NewContext(6, 3)
	won := c.Wait(20 * time.Millisecond)
	assert.False(t, won)
	assert.False(t, c.Terminated())
}

type fakeCaster struct {
	mu        sync.Mutex
	responses map[types.PeerID]int64
	errs      map[types.PeerID]error
}

func (f *fakeCaster) RequestVote(ctx context.Context, peer types.Peer, req VoteRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[peer.ID]; ok {
		return 0, err
	}
	return f.responses[peer.ID], nil
}

func TestCoordinator_RunElection_WinsOnAgreement(t *testing.T) {
	caster := &fakeCaster{responses: map[types.PeerID]int64{
		"B": types.ResponseAgree,
		"C": types.ResponseAgree,
	}}
	co := NewCoordinator(caster)

	result := co.RunElection(context.Background(), "group-1", "A", 6,
		[]types.Peer{{ID: "B", Enabled: true}, {ID: "C", Enabled: true}},
		10, 5, time.Second)

	assert.True(t, result.Won)
	assert.False(t, result.SteppedDown)
}

func TestCoordinator_RunElection_StepsDownOnHigherTerm(t *testing.T) {
	caster := &fakeCaster{responses: map[types.PeerID]int64{
		"B": types.ResponseAgree,
		"C": 8,
	}}
	co := NewCoordinator(caster)

	result := co.RunElection(context.Background(), "group-1", "A", 6,
		[]types.Peer{{ID: "B", Enabled: true}, {ID: "C", Enabled: true}},
		10, 5, time.Second)

	assert.False(t, result.Won)
	assert.True(t, result.SteppedDown)
	assert.Equal(t, types.Term(8), result.StepDownTerm)
}

func TestCoordinator_RunElection_DisabledPeerCountsAsFailure(t *testing.T) {
	caster := &fakeCaster{responses: map[types.PeerID]int64{"B": types.ResponseAgree}}
	co := NewCoordinator(caster)

	// groupSize=3 (A,B,C): requiredVoteNum=1, failingVoteCounter=2. C is
	// disabled and counted as an immediate failure; B agrees and wins it.
	result := co.RunElection(context.Background(), "group-1", "A", 6,
		[]types.Peer{{ID: "B", Enabled: true}, {ID: "C", Enabled: false}},
		10, 5, time.Second)

	assert.True(t, result.Won)
}
