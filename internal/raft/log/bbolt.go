package log

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"go.etcd.io/bbolt"

	"natraft/internal/raft/types"
)

// BboltManager is the durable Manager, adapted from the teacher's
// storage.BboltDb. It persists entries and the term/votedFor/snapshot
// metadata that must survive a restart. Entries are gob-encoded rather
// than protobuf-encoded: the teacher's entry type was a generated
// protobuf message, and this exercise has no protoc toolchain to
// regenerate one for the hand-written types.Entry (see
// DESIGN.md). gob is the standard-library substitute, used only for
// this internal, single-binary wire format.
type BboltManager struct {
	conn *bbolt.DB
}

var (
	logBucket      = []byte("logs")
	metadataBucket = []byte("metadata")

	currentTermKey      = []byte("currentTerm")
	votedForKey          = []byte("votedFor")
	commitIndexKey       = []byte("commitIndex")
	snapshotMetadataKey  = []byte("snapshotMetadata")
)

// NewBboltManager opens (or creates) a bbolt-backed log store at path.
func NewBboltManager(path string) (*BboltManager, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltManager{conn: db}, nil
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func encodeEntry(e *types.Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("failed to encode log entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*types.Entry, error) {
	var e types.Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return nil, fmt.Errorf("failed to decode log entry: %w", err)
	}
	return &e, nil
}

func (b *BboltManager) AppendEntry(entry *types.Entry) error {
	return b.AppendEntries([]*types.Entry{entry})
}

func (b *BboltManager) AppendEntries(entries []*types.Entry) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		for _, entry := range entries {
			data, err := encodeEntry(entry)
			if err != nil {
				return err
			}
			if err := bucket.Put(uint64ToBytes(entry.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BboltManager) GetEntry(index uint64) (*types.Entry, error) {
	var entry *types.Entry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		data := bucket.Get(uint64ToBytes(index))
		if data == nil {
			return fmt.Errorf("log entry at index %d not found", index)
		}
		e, err := decodeEntry(data)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	return entry, err
}

func (b *BboltManager) GetEntriesFrom(from uint64) ([]*types.Entry, error) {
	var entries []*types.Entry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		cursor := bucket.Cursor()
		startKey := uint64ToBytes(from)
		for k, v := cursor.Seek(startKey); k != nil; k, v = cursor.Next() {
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func (b *BboltManager) TruncateFrom(from uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		cursor := bucket.Cursor()
		startKey := uint64ToBytes(from)
		var keys [][]byte
		for k, _ := cursor.Seek(startKey); k != nil; k, _ = cursor.Next() {
			keys = append(keys, append([]byte{}, k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BboltManager) lastEntry() (*types.Entry, error) {
	var last *types.Entry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		cursor := bucket.Cursor()
		k, v := cursor.Last()
		if k == nil {
			return nil
		}
		e, err := decodeEntry(v)
		if err != nil {
			return err
		}
		last = e
		return nil
	})
	return last, err
}

func (b *BboltManager) LastLogIndex() uint64 {
	e, err := b.lastEntry()
	if err != nil || e == nil {
		return 0
	}
	return e.Index
}

func (b *BboltManager) LastLogTerm() types.Term {
	e, err := b.lastEntry()
	if err != nil || e == nil {
		return 0
	}
	return e.EntryTerm
}

func (b *BboltManager) TermAt(index uint64) (types.Term, bool) {
	if index == 0 {
		return 0, true
	}
	e, err := b.GetEntry(index)
	if err != nil {
		return 0, false
	}
	return e.EntryTerm, true
}

func (b *BboltManager) CommitIndex() uint64 {
	var idx uint64
	_ = b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(commitIndexKey)
		if data != nil {
			idx = bytesToUint64(data)
		}
		return nil
	})
	return idx
}

func (b *BboltManager) SetCommitIndex(index uint64) {
	if index <= b.CommitIndex() {
		return
	}
	_ = b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(commitIndexKey, uint64ToBytes(index))
	})
}

func (b *BboltManager) CurrentTerm() (types.Term, error) {
	var term types.Term
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(currentTermKey)
		if data != nil {
			term = types.Term(bytesToUint64(data))
		}
		return nil
	})
	return term, err
}

func (b *BboltManager) SetCurrentTerm(term types.Term) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(currentTermKey, uint64ToBytes(uint64(term)))
	})
}

func (b *BboltManager) VotedFor() (*types.PeerID, error) {
	var id *types.PeerID
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(votedForKey)
		if len(data) > 0 {
			v := types.PeerID(data)
			id = &v
		}
		return nil
	})
	return id, err
}

func (b *BboltManager) SetVotedFor(id *types.PeerID) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		if id == nil {
			return tx.Bucket(metadataBucket).Delete(votedForKey)
		}
		return tx.Bucket(metadataBucket).Put(votedForKey, []byte(*id))
	})
}

func (b *BboltManager) SnapshotMetadata() (*types.Snapshot, error) {
	var snap *types.Snapshot
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(snapshotMetadataKey)
		if data == nil {
			return nil
		}
		var s types.Snapshot
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
			return fmt.Errorf("failed to decode snapshot metadata: %w", err)
		}
		snap = &s
		return nil
	})
	return snap, err
}

func (b *BboltManager) SetSnapshotMetadata(snap *types.Snapshot) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
			return fmt.Errorf("failed to encode snapshot metadata: %w", err)
		}
		return tx.Bucket(metadataBucket).Put(snapshotMetadataKey, buf.Bytes())
	})
}

// InstallSnapshot atomically replaces the log prefix at or below
// snap.LastIncludedIndex with the snapshot boundary, per spec.md's
// Snapshot invariant: "once installed, log prefix <= last-included
// index is discarded."
func (b *BboltManager) InstallSnapshot(snap *types.Snapshot) error {
	err := b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		cursor := bucket.Cursor()
		var keys [][]byte
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if bytesToUint64(k) <= snap.LastIncludedIndex {
				keys = append(keys, append([]byte{}, k...))
			}
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
			return fmt.Errorf("failed to encode snapshot metadata: %w", err)
		}
		return tx.Bucket(metadataBucket).Put(snapshotMetadataKey, buf.Bytes())
	})
	if err != nil {
		return err
	}
	b.SetCommitIndex(snap.LastIncludedIndex)
	return nil
}

func (b *BboltManager) Close() error {
	return b.conn.Close()
}
