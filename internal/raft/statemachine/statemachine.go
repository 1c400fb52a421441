// Package statemachine defines the application-facing contract the
// consensus core drives once entries commit, plus a small in-memory
// key/value implementation used by tests and the demo binary.
package statemachine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"natraft/internal/raft/types"
)

// Machine is what the member calls (from awaitCommit) once a
// leader-appended entry's index is covered by the commit index. Out of scope per spec.md §1: the
// SQL/time-series engine, schema templates, UDF transformers — any of
// those would implement this same interface.
type Machine interface {
	Apply(entries []*types.Entry) types.Status
}

// Command is the gob-encoded payload a KVMachine entry carries.
type Command struct {
	Op    string // "put" or "delete"
	Key   string
	Value []byte
}

// EncodeCommand is the client-side helper that produces the payload
// bytes an Entry carries for the KV machine below.
func EncodeCommand(c Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}

// KVMachine is a minimal replicated key/value store, standing in for
// the real application state machine this core drives.
type KVMachine struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewKVMachine creates an empty KVMachine.
func NewKVMachine() *KVMachine {
	return &KVMachine{data: make(map[string][]byte)}
}

// Apply decodes and applies each entry's command in order, returning
// the status of the last one (matching the source's batched-apply
// convention where only the final status is surfaced to the caller).
// An entry that fails to decode stops the batch: Apply returns
// StatusUnknownLogType and the entries after it are not applied.
func (k *KVMachine) Apply(entries []*types.Entry) types.Status {
	status := types.Status{Code: types.StatusOK}
	for _, e := range entries {
		var cmd Command
		if err := gob.NewDecoder(bytes.NewReader(e.Payload)).Decode(&cmd); err != nil {
			return types.Status{Code: types.StatusUnknownLogType, Message: err.Error()}
		}
		status = k.applyOne(cmd)
	}
	return status
}

// Snapshot serializes the entire key/value map for a compacting
// leader to ship to a lagging follower.
func (k *KVMachine) Snapshot() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(k.data); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore replaces the entire key/value map with the contents of a
// snapshot produced by Snapshot, implementing member.Restorer.
func (k *KVMachine) Restore(data []byte) error {
	decoded := make(map[string][]byte)
	if len(data) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&decoded); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data = decoded
	return nil
}

func (k *KVMachine) applyOne(cmd Command) types.Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch cmd.Op {
	case "put":
		k.data[cmd.Key] = cmd.Value
	case "delete":
		delete(k.data, cmd.Key)
	default:
		return types.Status{Code: types.StatusUnknownLogType, Message: "unknown command op: " + cmd.Op}
	}
	return types.Status{Code: types.StatusOK}
}

// Get returns the current value for key, mainly for tests and the
// demo binary's read path (reads never go through consensus).
func (k *KVMachine) Get(key string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.data[key]
	return v, ok
}
