package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"natraft/internal/raft/types"
)

func encode(t *testing.T, cmd Command) []byte {
	b, err := EncodeCommand(cmd)
	require.NoError(t, err)
	return b
}

func TestKVMachine_ApplyPutAndGet(t *testing.T) {
	m := NewKVMachine()
	payload := encode(t, Command{Op: "put", Key: "a", Value: []byte("1")})

	status := m.Apply([]*types.Entry{{Index: 1, EntryTerm: 1, Payload: payload}})
	assert.Equal(t, types.StatusOK, status.Code)

	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
}

func TestKVMachine_ApplyDelete(t *testing.T) {
	m := NewKVMachine()
	m.Apply([]*types.Entry{{Payload: encode(t, Command{Op: "put", Key: "a", Value: []byte("1")})}})
	m.Apply([]*types.Entry{{Payload: encode(t, Command{Op: "delete", Key: "a"})}})

	_, ok := m.Get("a")
	assert.False(t, ok)
}

func TestKVMachine_ApplyBatchAppliesInOrder(t *testing.T) {
	m := NewKVMachine()
	entries := []*types.Entry{
		{Payload: encode(t, Command{Op: "put", Key: "a", Value: []byte("1")})},
		{Payload: encode(t, Command{Op: "put", Key: "a", Value: []byte("2")})},
	}
	status := m.Apply(entries)
	assert.Equal(t, types.StatusOK, status.Code)

	v, _ := m.Get("a")
	assert.Equal(t, []byte("2"), v, "later entry in the batch wins")
}

func TestKVMachine_UnknownOpReturnsUnknownLogType(t *testing.T) {
	m := NewKVMachine()
	status := m.Apply([]*types.Entry{{Payload: encode(t, Command{Op: "frobnicate", Key: "a"})}})
	assert.Equal(t, types.StatusUnknownLogType, status.Code)
}

func TestKVMachine_MalformedPayloadReturnsUnknownLogType(t *testing.T) {
	m := NewKVMachine()
	status := m.Apply([]*types.Entry{{Payload: []byte("not gob")}})
	assert.Equal(t, types.StatusUnknownLogType, status.Code)
}
