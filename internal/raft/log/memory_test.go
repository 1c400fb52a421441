package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"natraft/internal/raft/types"
)

func TestMemoryManager_AppendAndGet(t *testing.T) {
	m := NewMemoryManager()

	t.Run("empty log has zero last index/term", func(t *testing.T) {
		assert.Equal(t, uint64(0), m.LastLogIndex())
		assert.Equal(t, types.Term(0), m.LastLogTerm())
	})

	t.Run("appends and retrieves entries in order", func(t *testing.T) {
		require.NoError(t, m.AppendEntries([]*types.Entry{
			{Index: 1, EntryTerm: 1, Payload: []byte("a")},
			{Index: 2, EntryTerm: 1, Payload: []byte("b")},
		}))

		assert.Equal(t, uint64(2), m.LastLogIndex())
		assert.Equal(t, types.Term(1), m.LastLogTerm())

		e, err := m.GetEntry(1)
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), e.Payload)
	})

	t.Run("missing entry returns error", func(t *testing.T) {
		_, err := m.GetEntry(99)
		assert.Error(t, err)
	})
}

func TestMemoryManager_TruncateFrom(t *testing.T) {
	m := NewMemoryManager()
	require.NoError(t, m.AppendEntries([]*types.Entry{
		{Index: 1, EntryTerm: 1},
		{Index: 2, EntryTerm: 1},
		{Index: 3, EntryTerm: 2},
	}))

	require.NoError(t, m.TruncateFrom(2))

	assert.Equal(t, uint64(1), m.LastLogIndex())
	assert.Equal(t, types.Term(1), m.LastLogTerm())
	_, err := m.GetEntry(2)
	assert.Error(t, err)
}

func TestMemoryManager_TermAt(t *testing.T) {
	m := NewMemoryManager()
	require.NoError(t, m.AppendEntry(&types.Entry{Index: 1, EntryTerm: 5}))

	t.Run("index zero is the implicit root", func(t *testing.T) {
		term, ok := m.TermAt(0)
		assert.True(t, ok)
		assert.Equal(t, types.Term(0), term)
	})

	t.Run("known index returns its term", func(t *testing.T) {
		term, ok := m.TermAt(1)
		assert.True(t, ok)
		assert.Equal(t, types.Term(5), term)
	})

	t.Run("unknown index reports absence", func(t *testing.T) {
		_, ok := m.TermAt(2)
		assert.False(t, ok)
	})
}

func TestMemoryManager_CommitIndexMonotonic(t *testing.T) {
	m := NewMemoryManager()
	m.SetCommitIndex(5)
	m.SetCommitIndex(3)
	assert.Equal(t, uint64(5), m.CommitIndex())
	m.SetCommitIndex(10)
	assert.Equal(t, uint64(10), m.CommitIndex())
}

func TestMemoryManager_TermAndVotePersistence(t *testing.T) {
	m := NewMemoryManager()

	require.NoError(t, m.SetCurrentTerm(7))
	term, err := m.CurrentTerm()
	require.NoError(t, err)
	assert.Equal(t, types.Term(7), term)

	peer := types.PeerID("node-1")
	require.NoError(t, m.SetVotedFor(&peer))
	got, err := m.VotedFor()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, peer, *got)

	require.NoError(t, m.SetVotedFor(nil))
	got, err = m.VotedFor()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryManager_InstallSnapshot(t *testing.T) {
	m := NewMemoryManager()
	require.NoError(t, m.AppendEntries([]*types.Entry{
		{Index: 1, EntryTerm: 1},
		{Index: 2, EntryTerm: 1},
		{Index: 3, EntryTerm: 2},
	}))

	snap := &types.Snapshot{LastIncludedIndex: 2, LastIncludedTerm: 1, Data: []byte("state")}
	require.NoError(t, m.InstallSnapshot(snap))

	_, err := m.GetEntry(1)
	assert.Error(t, err, "entries at or below the snapshot boundary are discarded")
	_, err = m.GetEntry(2)
	assert.Error(t, err)

	e, err := m.GetEntry(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Index)

	assert.Equal(t, uint64(2), m.CommitIndex())
}

func TestMemoryManager_FailAppendIsFatal(t *testing.T) {
	m := NewMemoryManager()
	m.FailAppend = assert.AnError

	err := m.AppendEntry(&types.Entry{Index: 1, EntryTerm: 1})
	assert.ErrorIs(t, err, assert.AnError)
}
