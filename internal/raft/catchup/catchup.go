// Package catchup implements the Catch-Up Manager from spec.md §4.4:
// it resynchronizes a follower whose log has fallen behind (or been
// compacted past) via a log-only replay or a snapshot-then-log
// sequence, enforcing at most one active task per peer.
package catchup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"natraft/internal/raft/types"
)

// LeadershipChecker reports whether self is still leader at the
// current term. SnapshotCatchUpTask re-checks this immediately before
// sending, under the term lock, per spec.md §4.4.
type LeadershipChecker interface {
	StillLeader() bool
}

// LogSource supplies the contiguous entry slice a LogCatchUpTask
// replays and the snapshot bytes a SnapshotCatchUpTask sends.
type LogSource interface {
	EntriesFrom(index uint64) ([]*types.Entry, error)
	CurrentSnapshot() (*types.Snapshot, error)
}

// Sender issues the two RPCs a catch-up task needs.
type Sender interface {
	SendAppendEntries(ctx context.Context, peer types.Peer, req *types.AppendEntriesRequest) (*types.AppendEntryResult, error)
	SendSnapshot(ctx context.Context, peer types.Peer, req *types.SendSnapshotRequest) error
}

// Config holds the catch-up tunables enumerated in spec.md §6.
type Config struct {
	MaxFrameSize     int
	CatchUpTimeoutMS int
}

// Manager registers and runs at most one catch-up task per peer.
type Manager struct {
	mu      sync.Mutex
	active  map[types.PeerID]struct{}
	cfg     Config
	groupID string
	self    types.PeerID
	source  LogSource
	sender  Sender
	leader  LeadershipChecker
}

// NewManager creates a catch-up Manager.
func NewManager(cfg Config, groupID string, self types.PeerID, source LogSource, sender Sender, leader LeadershipChecker) *Manager {
	if cfg.CatchUpTimeoutMS <= 0 {
		cfg.CatchUpTimeoutMS = 20000
	}
	return &Manager{
		active:  make(map[types.PeerID]struct{}),
		cfg:     cfg,
		groupID: groupID,
		self:    self,
		source:  source,
		sender:  sender,
		leader:  leader,
	}
}

// SetLeadershipChecker rebinds the leadership check, for the same
// construction-order reason as Dispatcher.SetHandler: the Member that
// implements LeadershipChecker is constructed with a reference to this
// Manager.
func (m *Manager) SetLeadershipChecker(leader LeadershipChecker) {
	m.mu.Lock()
	m.leader = leader
	m.mu.Unlock()
}

// registerTask refuses a duplicate registration for peer, per
// spec.md §4.4 ("registerTask(peer) refuses duplicates").
func (m *Manager) registerTask(id types.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.active[id]; exists {
		return false
	}
	m.active[id] = struct{}{}
	return true
}

func (m *Manager) unregisterTask(id types.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// IsActive reports whether a catch-up task is already running for id.
func (m *Manager) IsActive(id types.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// TriggerLogCatchUp starts a LogCatchUpTask for peer from nextIndex if
// none is already running. Returns false if a task was already active.
func (m *Manager) TriggerLogCatchUp(ctx context.Context, peer types.Peer, nextIndex uint64) bool {
	if !m.registerTask(peer.ID) {
		return false
	}
	go func() {
		defer m.unregisterTask(peer.ID)
		runLogCatchUp(ctx, m, peer, nextIndex)
	}()
	return true
}

// TriggerSnapshotCatchUp starts a SnapshotCatchUpTask for peer if none
// is already running. Returns false if a task was already active.
func (m *Manager) TriggerSnapshotCatchUp(ctx context.Context, peer types.Peer) bool {
	if !m.registerTask(peer.ID) {
		return false
	}
	go func() {
		defer m.unregisterTask(peer.ID)
		runSnapshotCatchUp(ctx, m, peer)
	}()
	return true
}

// runLogCatchUp sends a contiguous slice of entries to peer in batches
// using the AppendEntries path but outside the dispatcher queue,
// bypassing rate limits while honoring frame size (spec.md §4.4).
func runLogCatchUp(ctx context.Context, m *Manager, peer types.Peer, fromIndex uint64) error {
	entries, err := m.source.EntriesFrom(fromIndex)
	if err != nil {
		return fmt.Errorf("catchup: failed to read entries for %s: %w", peer.ID, err)
	}
	if len(entries) == 0 {
		return nil
	}

	budget := m.cfg.MaxFrameSize - frameReserveBytes
	if budget <= 0 {
		budget = m.cfg.MaxFrameSize
	}
	if budget <= 0 {
		budget = 1 << 20
	}

	var batch []*types.Entry
	size := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		req := &types.AppendEntriesRequest{
			GroupID:      m.groupID,
			Leader:       m.self,
			PrevLogIndex: batch[0].Index - 1,
			Entries:      batch,
		}
		_, err := m.sender.SendAppendEntries(ctx, peer, req)
		batch = nil
		size = 0
		return err
	}

	for _, e := range entries {
		entrySize := e.ByteSize
		if entrySize == 0 {
			entrySize = len(e.Payload)
		}
		if len(batch) > 0 && size+entrySize > budget {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, e)
		size += entrySize
	}
	return flush()
}

// runSnapshotCatchUp sends the current snapshot to peer, then resumes
// with a log catch-up for everything after the snapshot boundary.
func runSnapshotCatchUp(ctx context.Context, m *Manager, peer types.Peer) error {
	// Re-check leadership under the term lock immediately before
	// sending, not at task creation: leadership can lapse between
	// trigger and send, and the source's SnapshotCatchUpTask performs
	// this check right at the send call site (spec.md §4.4, §12).
	if !m.leader.StillLeader() {
		return types.ErrLeaderUnknown
	}

	snap, err := m.source.CurrentSnapshot()
	if err != nil {
		return fmt.Errorf("catchup: failed to read snapshot for %s: %w", peer.ID, err)
	}
	if snap == nil {
		return types.ErrNoSnapshot
	}

	done := make(chan error, 1)
	go func() {
		done <- m.sender.SendSnapshot(ctx, peer, &types.SendSnapshotRequest{
			GroupID:           m.groupID,
			LastIncludedIndex: snap.LastIncludedIndex,
			LastIncludedTerm:  snap.LastIncludedTerm,
			SnapshotBytes:     snap.Data,
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("catchup: snapshot send to %s failed: %w", peer.ID, err)
		}
	case <-time.After(time.Duration(m.cfg.CatchUpTimeoutMS) * time.Millisecond):
		return types.ErrCatchUpTimeout
	}

	return runLogCatchUp(ctx, m, peer, snap.LastIncludedIndex+1)
}

const frameReserveBytes = 256
