package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperation(t *testing.T) {
	t.Run("ping", func(t *testing.T) {
		op, ok := ParseOperation([]byte("PING"))
		require.True(t, ok)
		assert.Equal(t, OpPing, op.Type)
		assert.Empty(t, op.KV.Key)
		assert.Empty(t, op.KV.Value)
	})

	t.Run("get", func(t *testing.T) {
		op, ok := ParseOperation([]byte("GET foo"))
		require.True(t, ok)
		assert.Equal(t, OpGet, op.Type)
		assert.Equal(t, "foo", op.KV.Key)
		assert.Empty(t, op.KV.Value)
	})

	t.Run("set", func(t *testing.T) {
		op, ok := ParseOperation([]byte("SET foo hello"))
		require.True(t, ok)
		assert.Equal(t, OpSet, op.Type)
		assert.Equal(t, "foo", op.KV.Key)
		assert.Equal(t, []byte("hello"), op.KV.Value)
	})

	t.Run("del carries the zero-byte sentinel", func(t *testing.T) {
		op, ok := ParseOperation([]byte("DEL foo"))
		require.True(t, ok)
		assert.Equal(t, OpDelete, op.Type)
		assert.Equal(t, "foo", op.KV.Key)
		assert.Equal(t, []byte{0}, op.KV.Value)
	})

	t.Run("trailing whitespace is trimmed", func(t *testing.T) {
		op, ok := ParseOperation([]byte("GET foo  \n"))
		require.True(t, ok)
		assert.Equal(t, OpGet, op.Type)
		assert.Equal(t, "foo", op.KV.Key)
	})

	t.Run("unknown command is BAD", func(t *testing.T) {
		for _, payload := range []string{"FROB foo", "GET", "GET a b", "SET foo", "SET a b c d", "DEL"} {
			op, ok := ParseOperation([]byte(payload))
			require.True(t, ok, payload)
			assert.Equal(t, OpBad, op.Type, payload)
		}
	})

	t.Run("non-UTF-8 input is dropped", func(t *testing.T) {
		_, ok := ParseOperation([]byte{0xff, 0xfe, 0xfd})
		assert.False(t, ok)
	})

	t.Run("empty input is dropped", func(t *testing.T) {
		_, ok := ParseOperation([]byte("   "))
		assert.False(t, ok)
	})
}

func TestOpTypeString(t *testing.T) {
	assert.Equal(t, "SET", OpSet.String())
	assert.Equal(t, "DEL", OpDelete.String())
	assert.Equal(t, "GET", OpGet.String())
	assert.Equal(t, "PING", OpPing.String())
	assert.Equal(t, "BAD", OpBad.String())
}
