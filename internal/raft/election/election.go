// Package election drives one leader-election attempt per spec.md
// §4.2: it issues vote requests to every peer, aggregates the
// responses through a dual-counter design, and reports whether the
// attempt won, lost, or revealed a higher term the member must step
// down to.
package election

import (
	"context"
	"sync"
	"time"

	"natraft/internal/raft/types"
)

// QuorumSize returns the quorum for a group of groupSize voting
// members (including self): ⌈(groupSize+1)/2⌉, per the glossary.
func QuorumSize(groupSize int) int {
	return (groupSize + 2) / 2
}

// VoteRequest is the outbound ElectionRequest payload.
type VoteRequest struct {
	Term         types.Term
	GroupID      string
	Elector      types.PeerID
	LastLogIndex uint64
	LastLogTerm  types.Term
}

// VoteCaster sends a single vote request to peer and returns the raw
// i64 response (a sentinel or a term value) as defined by spec.md §6.
// Implemented by the transport package; kept as an interface here so
// election has no dependency on the wire format.
type VoteCaster interface {
	RequestVote(ctx context.Context, peer types.Peer, req VoteRequest) (int64, error)
}

// Context is the per-attempt state shared between the issuing
// goroutine and every response handler, mirroring spec.md §3's
// ElectionContext entity. The two counters decide the outcome without
// either side needing to enumerate every response; either one hitting
// its terminal value wakes the waiter.
//
// Every field that drives the wake is guarded by mu/cond together so
// a waiter is never missed: per the resolved Open Question in
// spec.md §9, the terminated monitor is always reacquired before
// broadcasting, never signaled bare.
type Context struct {
	mu   sync.Mutex
	cond *sync.Cond

	CurrTerm types.Term

	requiredVoteNum    int
	failingVoteCounter int

	terminated    bool
	electionValid bool

	steppedDown    bool
	stepDownToTerm types.Term
}

// NewContext creates an election attempt's Context for a group of
// groupSize voting members (including self) at currTerm.
func NewContext(currTerm types.Term, groupSize int) *Context {
	quorum := QuorumSize(groupSize)
	c := &Context{
		CurrTerm:           currTerm,
		requiredVoteNum:    quorum - 1,
		failingVoteCounter: groupSize - quorum + 1,
	}
	c.cond = sync.NewCond(&c.mu)
	// A lone member needs nobody else's vote.
	if c.requiredVoteNum <= 0 {
		c.electionValid = true
		c.terminated = true
	}
	return c
}

// Terminated reports whether the attempt has reached a terminal
// state (won, lost, or a stepdown was discovered).
func (c *Context) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// ElectionValid reports whether the attempt won a quorum. Only
// meaningful once Terminated() is true.
func (c *Context) ElectionValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.electionValid
}

// StepDown reports whether a response revealed a higher term and, if
// so, which term to adopt.
func (c *Context) StepDown() (types.Term, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepDownToTerm, c.steppedDown
}

// HandleResponse applies the five-way classification from spec.md
// §4.2 steps 2-6 to one voter's response.
func (c *Context) HandleResponse(resp int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return
	}

	switch {
	case resp == types.ResponseAgree:
		c.requiredVoteNum--
		if c.requiredVoteNum <= 0 {
			c.electionValid = true
			c.terminateLocked()
		}
	case resp == types.ResponseLeaderStillOnline:
		c.failLocked()
	case resp == types.ResponseNodeNotInGroup:
		c.failLocked()
	case types.IsSentinel(resp):
		// Any other reserved negative value is treated as a soft
		// rejection: we do not know its meaning but it is not a vote.
		c.failLocked()
	case types.Term(resp) > c.CurrTerm:
		c.stepDownToTerm = types.Term(resp)
		c.steppedDown = true
		c.terminateLocked()
	default:
		// resp is a term <= CurrTerm: the voter's log is behind or it
		// sees our term as already stale on a different axis. Hard
		// rejection.
		c.failLocked()
	}
}

// HandleTransportError applies a failed RPC attempt as a soft
// rejection, per spec.md §4.2's "on transport error" clause.
func (c *Context) HandleTransportError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return
	}
	c.failLocked()
}

func (c *Context) failLocked() {
	c.failingVoteCounter--
	if c.failingVoteCounter <= 0 {
		c.terminateLocked()
	}
}

func (c *Context) terminateLocked() {
	c.terminated = true
	c.cond.Broadcast()
}

// Wait blocks until the attempt terminates or timeout elapses,
// returning whether it won. sync.Cond has no built-in deadline, so a
// timer forces one final broadcast at the deadline; this is the
// idiomatic Go substitute for the source's monitor.wait(timeoutMs).
func (c *Context) Wait(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated {
		return c.electionValid
	}

	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	for !c.terminated {
		if time.Now().After(deadline) {
			break
		}
		c.cond.Wait()
	}
	return c.electionValid
}

// Result is the outcome of one RunElection call.
type Result struct {
	Won          bool
	SteppedDown  bool
	StepDownTerm types.Term
}

// Coordinator drives one election attempt at a time on behalf of a
// member.
type Coordinator struct {
	caster VoteCaster
}

// NewCoordinator creates a Coordinator that sends votes through caster.
func NewCoordinator(caster VoteCaster) *Coordinator {
	return &Coordinator{caster: caster}
}

// RunElection issues a vote request to every peer in parallel,
// aggregates the responses, and blocks until the attempt terminates
// or timeout elapses. self is included in groupSize but never sent a
// request (its vote is pre-counted in requiredVoteNum).
func (co *Coordinator) RunElection(
	ctx context.Context,
	groupID string,
	self types.PeerID,
	newTerm types.Term,
	peers []types.Peer,
	lastLogIndex uint64,
	lastLogTerm types.Term,
	timeout time.Duration,
) Result {
	groupSize := len(peers) + 1
	ec := NewContext(newTerm, groupSize)

	req := VoteRequest{
		Term:         newTerm,
		GroupID:      groupID,
		Elector:      self,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}

	for _, p := range peers {
		if !p.Enabled {
			ec.HandleTransportError()
			continue
		}
		go func(peer types.Peer) {
			resp, err := co.caster.RequestVote(ctx, peer, req)
			if err != nil {
				ec.HandleTransportError()
				return
			}
			ec.HandleResponse(resp)
		}(p)
	}

	won := ec.Wait(timeout)
	stepTerm, stepped := ec.StepDown()
	return Result{Won: won, SteppedDown: stepped, StepDownTerm: stepTerm}
}
