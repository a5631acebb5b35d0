package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paxos-kvstore/internal/protocol"
)

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	return NewWAL(filepath.Join(t.TempDir(), "127.0.0.1..8080"), zap.NewNop())
}

func TestWALReadLastWrite(t *testing.T) {
	t.Run("missing file reads as empty log", func(t *testing.T) {
		wal := newTestWAL(t)
		_, found, err := wal.Get("foo")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("last SET wins", func(t *testing.T) {
		wal := newTestWAL(t)
		require.NoError(t, wal.Append(protocol.OpSet, protocol.BinKV{Key: "foo", Value: []byte("one")}))
		require.NoError(t, wal.Append(protocol.OpSet, protocol.BinKV{Key: "bar", Value: []byte("other")}))
		require.NoError(t, wal.Append(protocol.OpSet, protocol.BinKV{Key: "foo", Value: []byte("two")}))

		value, found, err := wal.Get("foo")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("two"), value)
	})

	t.Run("DEL nullifies", func(t *testing.T) {
		wal := newTestWAL(t)
		require.NoError(t, wal.Append(protocol.OpSet, protocol.BinKV{Key: "foo", Value: []byte("one")}))
		require.NoError(t, wal.Append(protocol.OpDelete, protocol.BinKV{Key: "foo", Value: []byte{0}}))

		_, found, err := wal.Get("foo")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("SET after DEL resurrects", func(t *testing.T) {
		wal := newTestWAL(t)
		require.NoError(t, wal.Append(protocol.OpSet, protocol.BinKV{Key: "foo", Value: []byte("one")}))
		require.NoError(t, wal.Append(protocol.OpDelete, protocol.BinKV{Key: "foo", Value: []byte{0}}))
		require.NoError(t, wal.Append(protocol.OpSet, protocol.BinKV{Key: "foo", Value: []byte("three")}))

		value, found, err := wal.Get("foo")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("three"), value)
	})

	t.Run("binary shard values round-trip", func(t *testing.T) {
		wal := newTestWAL(t)
		shard := []byte{'l', 'd', 0}
		require.NoError(t, wal.Append(protocol.OpSet, protocol.BinKV{Key: "bar", Value: shard}))

		value, found, err := wal.Get("bar")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, shard, value)
	})
}

func TestWALPartialTrailingRecord(t *testing.T) {
	wal := newTestWAL(t)
	require.NoError(t, wal.Append(protocol.OpSet, protocol.BinKV{Key: "foo", Value: []byte("one")}))

	// Simulate a crash mid-append: a record whose BinKV is cut short.
	f, err := os.OpenFile(wal.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("SET\x05\x00\x00"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	value, found, err := wal.Get("foo")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("one"), value)
}

func TestWALRejectsNonMutatingOps(t *testing.T) {
	wal := newTestWAL(t)
	assert.Error(t, wal.Append(protocol.OpGet, protocol.BinKV{Key: "foo"}))
	assert.Error(t, wal.Append(protocol.OpPing, protocol.BinKV{}))
}

func TestWALRecordBytes(t *testing.T) {
	// The record is the 3-byte tag immediately followed by the BinKV, no
	// separators.
	wal := newTestWAL(t)
	require.NoError(t, wal.Append(protocol.OpDelete, protocol.BinKV{Key: "k", Value: []byte{0}}))

	raw, err := os.ReadFile(wal.Path())
	require.NoError(t, err)
	assert.Equal(t, []byte("DEL"), raw[:3])
	// u64 key length 1, 'k', u64 value length 1, 0x00.
	assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0, 'k', 1, 0, 0, 0, 0, 0, 0, 0, 0}, raw[3:])
}
