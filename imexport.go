package dxmem

import "math"

// Cursor is a stateful read/write position into a chunk's payload, used to
// de/serialize structured values without the caller re-deriving offsets by
// hand. It wraps the typed accessors on Heap with a running offset, the
// same shape as a binary.Reader/Writer pair but sharing one cursor for
// both directions since chunk payloads are read and written through the
// identical address.
type Cursor struct {
	heap    *Heap
	address Address
	offset  int
}

// NewCursor returns a Cursor positioned at the start of the payload at
// address.
func (h *Heap) NewCursor(address Address) *Cursor {
	return &Cursor{heap: h, address: address}
}

// Seek repositions the cursor to a new payload address, resetting the
// offset to zero.
func (c *Cursor) Seek(address Address) {
	c.address = address
	c.offset = 0
}

// Offset returns the cursor's current byte offset into the payload.
func (c *Cursor) Offset() int {
	return c.offset
}

func (c *Cursor) WriteBool(v bool) {
	var b byte
	if v {
		b = 1
	}
	c.heap.WriteByte(c.address, c.offset, b)
	c.offset++
}

func (c *Cursor) ReadBool() bool {
	v := c.heap.ReadByte(c.address, c.offset)
	c.offset++
	return v != 0
}

func (c *Cursor) WriteByte(v byte) {
	c.heap.WriteByte(c.address, c.offset, v)
	c.offset++
}

func (c *Cursor) ReadByte() byte {
	v := c.heap.ReadByte(c.address, c.offset)
	c.offset++
	return v
}

func (c *Cursor) WriteShort(v int16) {
	c.heap.WriteShort(c.address, c.offset, v)
	c.offset += 2
}

func (c *Cursor) ReadShort() int16 {
	v := c.heap.ReadShort(c.address, c.offset)
	c.offset += 2
	return v
}

func (c *Cursor) WriteInt(v int32) {
	c.heap.WriteInt(c.address, c.offset, v)
	c.offset += 4
}

func (c *Cursor) ReadInt() int32 {
	v := c.heap.ReadInt(c.address, c.offset)
	c.offset += 4
	return v
}

func (c *Cursor) WriteLong(v int64) {
	c.heap.WriteLong(c.address, c.offset, v)
	c.offset += 8
}

func (c *Cursor) ReadLong() int64 {
	v := c.heap.ReadLong(c.address, c.offset)
	c.offset += 8
	return v
}

func (c *Cursor) WriteFloat(v float32) {
	c.WriteInt(int32(math.Float32bits(v)))
}

func (c *Cursor) ReadFloat() float32 {
	return math.Float32frombits(uint32(c.ReadInt()))
}

func (c *Cursor) WriteDouble(v float64) {
	c.WriteLong(int64(math.Float64bits(v)))
}

func (c *Cursor) ReadDouble() float64 {
	return math.Float64frombits(uint64(c.ReadLong()))
}

// WriteBytes copies raw into the payload at the cursor's offset, advancing
// it by the number of bytes actually written (-1 on overrun, leaving the
// offset unchanged).
func (c *Cursor) WriteBytes(raw []byte) int {
	n := c.heap.WriteBytes(c.address, c.offset, raw)
	if n > 0 {
		c.offset += n
	}
	return n
}

// ReadBytes fills dst from the payload at the cursor's offset, advancing
// it by the number of bytes actually read (-1 on overrun).
func (c *Cursor) ReadBytes(dst []byte) int {
	n := c.heap.ReadBytes(c.address, c.offset, dst)
	if n > 0 {
		c.offset += n
	}
	return n
}

// WriteCompactNumber encodes v as a 7-bit little-endian continuation
// sequence: each byte carries 7 value bits plus a high bit marking whether
// another byte follows. Small values (<128) cost one byte.
func (c *Cursor) WriteCompactNumber(v uint32) {
	for v >= 0x80 {
		c.WriteByte(byte(v&0x7f) | 0x80)
		v >>= 7
	}
	c.WriteByte(byte(v & 0x7f))
}

// ReadCompactNumber decodes a value written by WriteCompactNumber.
func (c *Cursor) ReadCompactNumber() uint32 {
	var result uint32
	var shift uint
	for {
		b := c.ReadByte()
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result
		}
		shift += 7
	}
}

// WriteByteArray writes a compact-number length prefix followed by raw.
func (c *Cursor) WriteByteArray(raw []byte) {
	c.WriteCompactNumber(uint32(len(raw)))
	c.WriteBytes(raw)
}

// ReadByteArray reads a length-prefixed byte array written by
// WriteByteArray.
func (c *Cursor) ReadByteArray() []byte {
	n := c.ReadCompactNumber()
	buf := make([]byte, n)
	c.ReadBytes(buf)
	return buf
}

// WriteString writes s as a length-prefixed UTF-8 byte array.
func (c *Cursor) WriteString(s string) {
	c.WriteByteArray([]byte(s))
}

// ReadString reads a string written by WriteString.
func (c *Cursor) ReadString() string {
	return string(c.ReadByteArray())
}

func (c *Cursor) WriteShortArray(vs []int16) {
	c.WriteCompactNumber(uint32(len(vs)))
	for _, v := range vs {
		c.WriteShort(v)
	}
}

func (c *Cursor) ReadShortArray() []int16 {
	n := c.ReadCompactNumber()
	vs := make([]int16, n)
	for i := range vs {
		vs[i] = c.ReadShort()
	}
	return vs
}

func (c *Cursor) WriteIntArray(vs []int32) {
	c.WriteCompactNumber(uint32(len(vs)))
	for _, v := range vs {
		c.WriteInt(v)
	}
}

func (c *Cursor) ReadIntArray() []int32 {
	n := c.ReadCompactNumber()
	vs := make([]int32, n)
	for i := range vs {
		vs[i] = c.ReadInt()
	}
	return vs
}

func (c *Cursor) WriteLongArray(vs []int64) {
	c.WriteCompactNumber(uint32(len(vs)))
	for _, v := range vs {
		c.WriteLong(v)
	}
}

func (c *Cursor) ReadLongArray() []int64 {
	n := c.ReadCompactNumber()
	vs := make([]int64, n)
	for i := range vs {
		vs[i] = c.ReadLong()
	}
	return vs
}
