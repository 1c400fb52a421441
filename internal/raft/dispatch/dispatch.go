// Package dispatch implements the per-follower log dispatcher from
// spec.md §4.3: one bounded queue and one or more binding workers per
// peer that batch VotingLog entries into AppendEntries RPCs subject to
// frame-size chunking and per-peer rate limiting.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"natraft/internal/raft/log"
	"natraft/internal/raft/types"
	"natraft/internal/raft/voting"
)

// frameReserveBytes leaves headroom in a frame for the envelope
// fields (group id, term, indexes) around the entry payloads.
const frameReserveBytes = 256

// Config holds the dispatcher-tunable parameters enumerated in
// spec.md §6.
type Config struct {
	QueueCapacity    int // maxNumOfLogsInMem
	BindingThreadNum int // dispatcherBindingThreadNum
	MaxBatchSize     int // default 10
	MaxFrameSize     int // thriftMaxFrameSize
	QueueOrdered     bool
	InitialRateLimit float64 // bytes/sec
}

// AppendCaster sends one AppendEntries RPC to a peer.
type AppendCaster interface {
	AppendEntries(ctx context.Context, peer types.Peer, req *types.AppendEntriesRequest) (*types.AppendEntryResult, error)
}

// ResultHandler is the fan-out target for one chunk's outcome. Every
// VotingLog in a chunk shares the same AppendEntryResult, matching the
// source's AppendEntriesHandler-to-AppendNodeEntryHandler fan-out.
type ResultHandler interface {
	OnAck(peerID types.PeerID, vl *voting.VotingLog)
	OnReject(peerID types.PeerID, vl *voting.VotingLog, result *types.AppendEntryResult)
	OnHigherTerm(term types.Term)
	OnTransportFailure(peerID types.PeerID, vl *voting.VotingLog)
}

type peerQueue struct {
	peer    types.Peer
	ch      chan *voting.VotingLog
	limiter *rate.Limiter
	flow    *FlowMonitor
	drops   atomic.Int64
	quit    chan struct{}
	wg      sync.WaitGroup
}

// Dispatcher owns one peerQueue per enabled follower.
type Dispatcher struct {
	mu      sync.RWMutex
	queues  map[types.PeerID]*peerQueue
	cfg     Config
	logMgr  log.Manager
	caster  AppendCaster
	handler ResultHandler
	groupID string
	selfID  types.PeerID
}

// NewDispatcher creates a Dispatcher. cfg.QueueOrdered must be decided
// once by the caller from useFollowerSlidingWindow && enableWeakAcceptance
// at member construction time and never change afterward, per the
// resolved Open Question in spec.md §9.
func NewDispatcher(cfg Config, groupID string, self types.PeerID, logMgr log.Manager, caster AppendCaster, handler ResultHandler) *Dispatcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.BindingThreadNum <= 0 {
		cfg.BindingThreadNum = 1
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = 1 << 20
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	return &Dispatcher{
		queues:  make(map[types.PeerID]*peerQueue),
		cfg:     cfg,
		logMgr:  logMgr,
		caster:  caster,
		handler: handler,
		groupID: groupID,
		selfID:  self,
	}
}

// SetHandler rebinds the fan-out target. Needed because the Member
// that implements ResultHandler is itself constructed with a
// reference to this Dispatcher, so the two cannot be wired in a single
// pass; the caller constructs the Dispatcher first with a nil handler
// and calls SetHandler once the Member exists.
func (d *Dispatcher) SetHandler(handler ResultHandler) {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()
}

// AddPeer starts a queue and its binding workers for peer. Calling it
// again for an already-tracked peer is a no-op.
func (d *Dispatcher) AddPeer(peer types.Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.queues[peer.ID]; exists {
		return
	}

	limiterRate := rate.Limit(d.cfg.InitialRateLimit)
	if d.cfg.InitialRateLimit <= 0 {
		limiterRate = rate.Inf // unthrottled until a real rate is measured
	}
	pq := &peerQueue{
		peer:    peer,
		ch:      make(chan *voting.VotingLog, d.cfg.QueueCapacity),
		limiter: rate.NewLimiter(limiterRate, d.cfg.MaxFrameSize),
		flow:    NewFlowMonitor(),
		quit:    make(chan struct{}),
	}
	d.queues[peer.ID] = pq

	for i := 0; i < d.cfg.BindingThreadNum; i++ {
		pq.wg.Add(1)
		go d.runWorker(pq)
	}
}

// RemovePeer stops peer's queue and drops any entries still enqueued.
func (d *Dispatcher) RemovePeer(id types.PeerID) {
	d.mu.Lock()
	pq, ok := d.queues[id]
	if ok {
		delete(d.queues, id)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	close(pq.quit)
	pq.wg.Wait()
}

// UpdateRateLimiter retunes peer's token bucket, called out of band
// once a fresh moving-average throughput has been measured.
func (d *Dispatcher) UpdateRateLimiter(id types.PeerID, bytesPerSec float64) {
	d.mu.RLock()
	pq, ok := d.queues[id]
	d.mu.RUnlock()
	if !ok || bytesPerSec <= 0 {
		return
	}
	pq.limiter.SetLimit(rate.Limit(bytesPerSec))
}

// DropCount reports how many entries have been silently dropped for
// peer because its queue was full.
func (d *Dispatcher) DropCount(id types.PeerID) int64 {
	d.mu.RLock()
	pq, ok := d.queues[id]
	d.mu.RUnlock()
	if !ok {
		return 0
	}
	return pq.drops.Load()
}

// Offer enqueues vl onto every enabled peer's queue. A full queue
// drops the entry for that peer only; drops never block the leader
// (spec.md §4.3).
func (d *Dispatcher) Offer(vl *voting.VotingLog) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, pq := range d.queues {
		if !pq.peer.Enabled {
			continue
		}
		select {
		case pq.ch <- vl:
		default:
			pq.drops.Add(1)
		}
	}
}

// Shutdown stops every worker, draining each queue synchronously up to
// timeout; anything left after that is dropped (spec.md §5's
// cancellation policy).
func (d *Dispatcher) Shutdown(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	d.mu.Lock()
	queues := make([]*peerQueue, 0, len(d.queues))
	for _, pq := range d.queues {
		queues = append(queues, pq)
	}
	d.queues = make(map[types.PeerID]*peerQueue)
	d.mu.Unlock()

	for _, pq := range queues {
		close(pq.quit)
	}

	done := make(chan struct{})
	go func() {
		for _, pq := range queues {
			pq.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		return
	}

	// Every worker has exited, so nothing else reads the queues: send
	// what is still enqueued until the deadline, then drop the rest.
	for _, pq := range queues {
		for time.Now().Before(deadline) && len(pq.ch) > 0 {
			d.sendBatch(pq, d.drainBatch(pq, <-pq.ch))
		}
	}
}

func (d *Dispatcher) runWorker(pq *peerQueue) {
	defer pq.wg.Done()
	for {
		select {
		case <-pq.quit:
			return
		case vl, ok := <-pq.ch:
			if !ok {
				return
			}
			batch := d.drainBatch(pq, vl)
			d.sendBatch(pq, batch)
		}
	}
}

// drainBatch takes the first item that unblocked the worker and
// opportunistically drains up to MaxBatchSize-1 more already-enqueued
// items without blocking, per spec.md §4.3 step 1.
func (d *Dispatcher) drainBatch(pq *peerQueue, first *voting.VotingLog) []*voting.VotingLog {
	batch := make([]*voting.VotingLog, 0, d.cfg.MaxBatchSize)
	batch = append(batch, first)
	for len(batch) < d.cfg.MaxBatchSize {
		select {
		case vl, ok := <-pq.ch:
			if !ok {
				return batch
			}
			batch = append(batch, vl)
		default:
			return batch
		}
	}
	return batch
}

func (d *Dispatcher) sendBatch(pq *peerQueue, batch []*voting.VotingLog) {
	if len(batch) == 0 {
		return
	}
	if !d.cfg.QueueOrdered {
		sort.Slice(batch, func(i, j int) bool {
			return batch[i].Entry.Index < batch[j].Entry.Index
		})
	}

	for _, chunk := range d.chunkByFrameSize(batch) {
		d.flushChunk(pq, chunk)
	}
}

// chunkByFrameSize groups consecutive VotingLogs so that no chunk's
// total entry byte size exceeds MaxFrameSize-frameReserveBytes,
// per spec.md §4.3 step 4.
func (d *Dispatcher) chunkByFrameSize(batch []*voting.VotingLog) [][]*voting.VotingLog {
	budget := d.cfg.MaxFrameSize - frameReserveBytes
	if budget <= 0 {
		budget = d.cfg.MaxFrameSize
	}

	var chunks [][]*voting.VotingLog
	var current []*voting.VotingLog
	size := 0
	for _, vl := range batch {
		entrySize := vl.Entry.ByteSize
		if entrySize == 0 {
			entrySize = len(vl.Entry.Payload)
		}
		if len(current) > 0 && size+entrySize > budget {
			chunks = append(chunks, current)
			current = nil
			size = 0
		}
		current = append(current, vl)
		size += entrySize
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func (d *Dispatcher) flushChunk(pq *peerQueue, chunk []*voting.VotingLog) {
	entries := make([]*types.Entry, len(chunk))
	logSize := 0
	for i, vl := range chunk {
		entries[i] = vl.Entry
		sz := vl.Entry.ByteSize
		if sz == 0 {
			sz = len(vl.Entry.Payload)
		}
		logSize += sz
	}
	pq.flow.Report(logSize)

	if logSize > 0 {
		// Clamp to the bucket's burst: chunkByFrameSize puts a single
		// entry larger than the byte budget into a chunk of its own, so
		// logSize can exceed the burst; clamping keeps WaitN from
		// returning its "exceeds burst" error without waiting.
		permits := min(logSize, pq.limiter.Burst())
		_ = pq.limiter.WaitN(context.Background(), permits)
	}

	prevIndex := entries[0].Index - 1
	prevTerm, _ := d.logMgr.TermAt(prevIndex)
	term, _ := d.logMgr.CurrentTerm()

	req := &types.AppendEntriesRequest{
		GroupID:      d.groupID,
		Term:         term,
		Leader:       d.selfID,
		LeaderCommit: d.logMgr.CommitIndex(),
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
	}

	// Issued synchronously from this single worker goroutine so
	// multiple chunks of one batch hit the wire in order; a slow
	// follower stalls this peer's queue, not the other peers', since
	// every peer has its own worker.
	d.sendAndFanOut(pq.peer, req, chunk)
}

func (d *Dispatcher) sendAndFanOut(peer types.Peer, req *types.AppendEntriesRequest, chunk []*voting.VotingLog) {
	result, err := d.caster.AppendEntries(context.Background(), peer, req)
	if err != nil {
		for _, vl := range chunk {
			d.handler.OnTransportFailure(peer.ID, vl)
		}
		return
	}

	if result.Status == types.AppendStaleTerm {
		d.handler.OnHigherTerm(result.Term)
		return
	}

	for _, vl := range chunk {
		if result.Status == types.AppendOK {
			d.handler.OnAck(peer.ID, vl)
		} else {
			d.handler.OnReject(peer.ID, vl, result)
		}
	}
}
