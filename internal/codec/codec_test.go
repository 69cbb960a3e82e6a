package codec

import (
	"bytes"
	stderrors "errors"
	"sort"
	"testing"

	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInt64_PreservesOrder(t *testing.T) {
	values := []int64{-1 << 62, -42, -1, 0, 1, 7, 1 << 40}
	c := Int64{}

	encoded := make([][]byte, len(values))
	for i, v := range values {
		b, err := c.Encode(v)
		require.NoError(t, err)
		encoded[i] = b

		back, err := c.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, v, back)
	}

	assert.True(t, sort.SliceIsSorted(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	}))

	_, err := c.Decode([]byte{1, 2})
	assert.Error(t, err)
}

func TestMsgpack_TimestampedState(t *testing.T) {
	c := NewMsgpack[crdt.Timestamped[[]byte]]()
	in := crdt.Timestamped[[]byte]{Timestamp: 1700000000123, State: []byte("payload")}

	data, err := c.Encode(in)
	require.NoError(t, err)

	out, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in.Timestamp, out.Timestamp)
	assert.Equal(t, in.State, out.State)
}

func TestRecordCodec_DecodeErrors(t *testing.T) {
	rc := NewRecordCodec[int64, int64](Int64{}, NewMsgpack[int64]())

	data, err := rc.Encode(-5, 99)
	require.NoError(t, err)
	k, s, err := rc.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), k)
	assert.Equal(t, int64(99), s)

	_, _, err = rc.Decode(data[:len(data)-3])
	var de *DecodeError
	require.True(t, stderrors.As(err, &de))
	assert.Equal(t, PartFrame, de.Part)

	bad, err := NewRecordCodec[string, int64](String{}, NewMsgpack[int64]()).Encode("abc", 1)
	require.NoError(t, err)
	_, _, err = rc.Decode(bad)
	require.True(t, stderrors.As(err, &de))
	assert.Equal(t, PartKey, de.Part)
}
