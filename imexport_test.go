package dxmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCursorPrimitiveRoundTrip(t *testing.T) {
	h := NewHeap(1<<16, nil)
	entries := make([]*entry, 1)
	assert.NoError(t, h.Malloc(entries, []int{64}, 0, 1))

	c := h.NewCursor(entries[0].address)
	c.WriteBool(true)
	c.WriteByte(0xAB)
	c.WriteShort(-1234)
	c.WriteInt(-123456789)
	c.WriteLong(1 << 50)
	c.WriteFloat(3.5)
	c.WriteDouble(-2.25)

	c.Seek(entries[0].address)
	assert.True(t, c.ReadBool())
	assert.EqualValues(t, 0xAB, c.ReadByte())
	assert.EqualValues(t, -1234, c.ReadShort())
	assert.EqualValues(t, -123456789, c.ReadInt())
	assert.EqualValues(t, 1<<50, c.ReadLong())
	assert.EqualValues(t, 3.5, c.ReadFloat())
	assert.EqualValues(t, -2.25, c.ReadDouble())
}

func TestCursorCompactNumberRoundTrip(t *testing.T) {
	h := NewHeap(1<<16, nil)
	entries := make([]*entry, 1)
	assert.NoError(t, h.Malloc(entries, []int{64}, 0, 1))

	values := []uint32{0, 1, 127, 128, 16383, 16384, 1 << 28}
	c := h.NewCursor(entries[0].address)
	for _, v := range values {
		c.WriteCompactNumber(v)
	}

	c.Seek(entries[0].address)
	for _, v := range values {
		assert.Equal(t, v, c.ReadCompactNumber())
	}
}

func TestCursorStringAndByteArray(t *testing.T) {
	h := NewHeap(1<<16, nil)
	entries := make([]*entry, 1)
	assert.NoError(t, h.Malloc(entries, []int{256}, 0, 1))

	c := h.NewCursor(entries[0].address)
	c.WriteString("off-heap chunk payload")
	c.WriteByteArray([]byte{1, 2, 3, 4, 5})

	c.Seek(entries[0].address)
	assert.Equal(t, "off-heap chunk payload", c.ReadString())
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, c.ReadByteArray())
}

func TestCursorIntArrayRoundTrip(t *testing.T) {
	h := NewHeap(1<<16, nil)
	entries := make([]*entry, 1)
	assert.NoError(t, h.Malloc(entries, []int{256}, 0, 1))

	c := h.NewCursor(entries[0].address)
	vs := []int32{1, -2, 3, -4, 5}
	c.WriteIntArray(vs)

	c.Seek(entries[0].address)
	assert.Equal(t, vs, c.ReadIntArray())
}
