package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"natraft/internal/raft/types"
)

func createTempDB(t *testing.T) (*BboltManager, string, func()) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := NewBboltManager(dbPath)
	require.NoError(t, err)
	require.NotNil(t, db)

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, dbPath, cleanup
}

func TestNewBboltManager(t *testing.T) {
	t.Run("creates new database successfully", func(t *testing.T) {
		db, dbPath, cleanup := createTempDB(t)
		defer cleanup()

		assert.NotNil(t, db)
		_, err := os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("reopens existing database", func(t *testing.T) {
		db, dbPath, cleanup := createTempDB(t)
		require.NoError(t, db.AppendEntry(&types.Entry{Index: 1, EntryTerm: 1, Payload: []byte("x")}))
		db.Close()

		db2, err := NewBboltManager(dbPath)
		defer cleanup()
		require.NoError(t, err)

		e, err := db2.GetEntry(1)
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), e.Payload)
		db2.Close()
	})

	t.Run("fails with invalid path", func(t *testing.T) {
		db, err := NewBboltManager("/invalid/path/that/does/not/exist/test.db")
		assert.Error(t, err)
		assert.Nil(t, db)
	})
}

func TestBboltManager_AppendAndTruncate(t *testing.T) {
	db, _, cleanup := createTempDB(t)
	defer cleanup()

	require.NoError(t, db.AppendEntries([]*types.Entry{
		{Index: 1, EntryTerm: 1},
		{Index: 2, EntryTerm: 1},
		{Index: 3, EntryTerm: 2},
	}))
	assert.Equal(t, uint64(3), db.LastLogIndex())
	assert.Equal(t, types.Term(2), db.LastLogTerm())

	entries, err := db.GetEntriesFrom(2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, db.TruncateFrom(2))
	assert.Equal(t, uint64(1), db.LastLogIndex())
	_, err = db.GetEntry(2)
	assert.Error(t, err)
}

func TestBboltManager_TermAndVotePersistAcrossReopen(t *testing.T) {
	db, dbPath, cleanup := createTempDB(t)
	defer cleanup()

	require.NoError(t, db.SetCurrentTerm(42))
	peer := types.PeerID("peer-a")
	require.NoError(t, db.SetVotedFor(&peer))
	db.Close()

	db2, err := NewBboltManager(dbPath)
	require.NoError(t, err)
	defer db2.Close()

	term, err := db2.CurrentTerm()
	require.NoError(t, err)
	assert.Equal(t, types.Term(42), term)

	votedFor, err := db2.VotedFor()
	require.NoError(t, err)
	require.NotNil(t, votedFor)
	assert.Equal(t, peer, *votedFor)
}

func TestBboltManager_InstallSnapshotDiscardsPrefix(t *testing.T) {
	db, _, cleanup := createTempDB(t)
	defer cleanup()

	require.NoError(t, db.AppendEntries([]*types.Entry{
		{Index: 1, EntryTerm: 1},
		{Index: 2, EntryTerm: 1},
		{Index: 3, EntryTerm: 2},
	}))

	snap := &types.Snapshot{LastIncludedIndex: 2, LastIncludedTerm: 1, Data: []byte("blob")}
	require.NoError(t, db.InstallSnapshot(snap))

	_, err := db.GetEntry(1)
	assert.Error(t, err)
	_, err = db.GetEntry(2)
	assert.Error(t, err)

	e, err := db.GetEntry(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Index)

	meta, err := db.SnapshotMetadata()
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, uint64(2), meta.LastIncludedIndex)
	assert.Equal(t, uint64(2), db.CommitIndex())
}
