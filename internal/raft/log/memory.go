package log

import (
	"fmt"
	"sync"

	"natraft/internal/raft/types"
)

// MemoryManager is a non-durable Manager used by tests that exercise
// election/dispatch/catchup logic without needing a real disk. It
// still honors every ordering and truncation invariant the durable
// implementation does.
type MemoryManager struct {
	mu sync.RWMutex

	entries map[uint64]*types.Entry
	lastIdx uint64
	lastTrm types.Term

	commitIndex uint64

	currentTerm types.Term
	votedFor    *types.PeerID

	snapshot *types.Snapshot

	// FailAppend, when set, makes every AppendEntry/AppendEntries call
	// fail; used to exercise the "persistence failure is fatal to the
	// role" path in member tests.
	FailAppend error
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{entries: make(map[uint64]*types.Entry)}
}

func (m *MemoryManager) AppendEntry(entry *types.Entry) error {
	return m.AppendEntries([]*types.Entry{entry})
}

func (m *MemoryManager) AppendEntries(entries []*types.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAppend != nil {
		return m.FailAppend
	}
	for _, e := range entries {
		cp := *e
		m.entries[e.Index] = &cp
		if e.Index > m.lastIdx {
			m.lastIdx = e.Index
			m.lastTrm = e.EntryTerm
		}
	}
	return nil
}

func (m *MemoryManager) GetEntry(index uint64) (*types.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[index]
	if !ok {
		return nil, fmt.Errorf("log entry at index %d not found", index)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryManager) GetEntriesFrom(from uint64) ([]*types.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Entry
	for i := from; i <= m.lastIdx; i++ {
		if e, ok := m.entries[i]; ok {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryManager) TruncateFrom(from uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := from; i <= m.lastIdx; i++ {
		delete(m.entries, i)
	}
	if from <= m.lastIdx {
		m.lastIdx = from - 1
		if prev, ok := m.entries[m.lastIdx]; ok {
			m.lastTrm = prev.EntryTerm
		} else {
			m.lastTrm = 0
		}
	}
	return nil
}

func (m *MemoryManager) LastLogIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastIdx
}

func (m *MemoryManager) LastLogTerm() types.Term {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTrm
}

func (m *MemoryManager) TermAt(index uint64) (types.Term, bool) {
	if index == 0 {
		return 0, true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[index]
	if !ok {
		return 0, false
	}
	return e.EntryTerm, true
}

func (m *MemoryManager) CommitIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commitIndex
}

func (m *MemoryManager) SetCommitIndex(index uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index > m.commitIndex {
		m.commitIndex = index
	}
}

func (m *MemoryManager) CurrentTerm() (types.Term, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentTerm, nil
}

func (m *MemoryManager) SetCurrentTerm(term types.Term) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTerm = term
	return nil
}

func (m *MemoryManager) VotedFor() (*types.PeerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.votedFor, nil
}

func (m *MemoryManager) SetVotedFor(id *types.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votedFor = id
	return nil
}

func (m *MemoryManager) SnapshotMetadata() (*types.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot, nil
}

func (m *MemoryManager) SetSnapshotMetadata(snap *types.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = snap
	return nil
}

func (m *MemoryManager) InstallSnapshot(snap *types.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = snap
	for i := range m.entries {
		if i <= snap.LastIncludedIndex {
			delete(m.entries, i)
		}
	}
	if m.lastIdx < snap.LastIncludedIndex {
		m.lastIdx = snap.LastIncludedIndex
		m.lastTrm = snap.LastIncludedTerm
	}
	if m.commitIndex < snap.LastIncludedIndex {
		m.commitIndex = snap.LastIncludedIndex
	}
	return nil
}

func (m *MemoryManager) Close() error { return nil }
