package dxmem

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrOutOfMemory is returned by Heap allocation and resize operations when
// the reserved region has no block large enough to satisfy the request.
var ErrOutOfMemory = errors.New("dxmem: out of memory")

const granule = 8 // all allocations are 8-byte aligned

// Heap reserves one contiguous byte region and serves malloc/free/resize
// requests out of it with a segregated-fit free list keyed by block size
// class (in 8-byte granules), coalescing adjacent free blocks on free.
// Fragmentation beyond what coalescing removes is the defragmenter's
// problem; Heap exposes Move as the primitive the compactor uses to
// relocate a payload under the defragmenter barrier.
type Heap struct {
	mu sync.Mutex

	mem  []byte
	size uint64
	bump uint64 // next never-yet-carved byte

	freeByAddr   map[Address]uint64   // block start -> size (free blocks only)
	freeEndIndex map[uint64]Address   // block end -> start (for predecessor coalescing)
	freeBySize   map[uint64][]Address // granule count -> stack of free block starts

	logger *zap.Logger
}

// NewHeap reserves a region of the given size in bytes.
func NewHeap(size uint64, logger *zap.Logger) *Heap {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size == 0 || size > HeapSizeMax {
		panic(errors.Errorf("dxmem: invalid heap size %d", size))
	}
	return &Heap{
		mem:          make([]byte, size),
		size:         size,
		freeByAddr:   make(map[Address]uint64),
		freeEndIndex: make(map[uint64]Address),
		freeBySize:   make(map[uint64][]Address),
		logger:       logger,
	}
}

func granules(size uint64) uint64 {
	return (size + granule - 1) / granule
}

func roundUp8(size uint64) uint64 {
	return granules(size) * granule
}

// allocBlock finds or carves a free block of at least size bytes (already
// rounded to a granule) and removes it from the free structures. Returns
// the block's start address.
func (h *Heap) allocBlock(size uint64) (Address, error) {
	need := granules(size)

	// Exact-fit first, then first larger size class, splitting the
	// remainder back into the free list (classic segregated-fit).
	for g := need; g <= granules(h.size); g++ {
		stack := h.freeBySize[g]
		if len(stack) == 0 {
			continue
		}
		addr := stack[len(stack)-1]
		h.freeBySize[g] = stack[:len(stack)-1]
		blockSize := h.freeByAddr[addr]
		delete(h.freeByAddr, addr)
		delete(h.freeEndIndex, uint64(addr)+blockSize)

		if g > need {
			// split: keep [addr, addr+size) for this request, return the
			// remainder to the free list.
			remStart := Address(uint64(addr) + size)
			remSize := blockSize - size
			h.insertFree(remStart, remSize)
		}
		return addr, nil
	}

	// Nothing free big enough; carve from the never-used tail.
	if h.bump+size <= h.size {
		addr := Address(h.bump)
		h.bump += size
		return addr, nil
	}

	return AddressInvalid, ErrOutOfMemory
}

// insertFree adds a free block to the free structures, coalescing with an
// adjacent predecessor and/or successor free block if present.
func (h *Heap) insertFree(addr Address, size uint64) {
	if size == 0 {
		return
	}
	end := uint64(addr) + size

	if succSize, ok := h.freeByAddr[Address(end)]; ok {
		h.removeFreeExact(Address(end), succSize)
		size += succSize
		end = uint64(addr) + size
	}
	if predStart, ok := h.freeEndIndex[uint64(addr)]; ok {
		predSize := h.freeByAddr[predStart]
		h.removeFreeExact(predStart, predSize)
		addr = predStart
		size += predSize
		end = uint64(addr) + size
	}

	h.freeByAddr[addr] = size
	h.freeEndIndex[end] = addr
	g := granules(size)
	h.freeBySize[g] = append(h.freeBySize[g], addr)
}

// removeFreeExact removes a known free block from all three free
// structures (freeByAddr, freeEndIndex and freeBySize).
func (h *Heap) removeFreeExact(addr Address, size uint64) {
	delete(h.freeByAddr, addr)
	delete(h.freeEndIndex, uint64(addr)+size)
	g := granules(size)
	stack := h.freeBySize[g]
	for i, a := range stack {
		if a == addr {
			stack[i] = stack[len(stack)-1]
			h.freeBySize[g] = stack[:len(stack)-1]
			break
		}
	}
}

// Malloc allocates length chunks sized from
// sizes[sizesOffset:sizesOffset+length], populating each entries[i] with
// its address and length-field fields (embedded, or split with the
// overflow prefix physically written into the heap). The batch is
// all-or-nothing: on failure, all allocations made so far in this call are
// rolled back.
func (h *Heap) Malloc(entries []*entry, sizes []int, sizesOffset, length int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	allocated := make([]Address, 0, length)
	allocatedBlockSizes := make([]uint64, 0, length)

	rollback := func() {
		for i, addr := range allocated {
			h.insertFree(addr, allocatedBlockSizes[i])
		}
	}

	for i := 0; i < length; i++ {
		size := sizes[sizesOffset+i]
		if size < 0 {
			rollback()
			return errors.Errorf("dxmem: negative chunk size %d", size)
		}

		e := &entry{}
		overflowBytes, msb := setLengthField(e, size)
		blockSize := roundUp8(uint64(overflowBytes) + uint64(size))

		blockStart, err := h.allocBlock(blockSize)
		if err != nil {
			h.logger.Warn("dxmem: heap out of memory", zap.Int("requestedSize", size))
			rollback()
			return err
		}

		payloadAddr := Address(uint64(blockStart) + uint64(overflowBytes))
		if overflowBytes > 0 {
			h.writeOverflowPrefix(blockStart, overflowBytes, msb)
		}
		e.address = payloadAddr

		allocated = append(allocated, blockStart)
		allocatedBlockSizes = append(allocatedBlockSizes, blockSize)
		entries[i] = e
	}

	return nil
}

func (h *Heap) writeOverflowPrefix(blockStart Address, overflowBytes int, msb uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, msb)
	copy(h.mem[blockStart:uint64(blockStart)+uint64(overflowBytes)], buf[:overflowBytes])
}

func (h *Heap) readOverflowPrefix(blockStart Address, overflowBytes int) uint32 {
	if overflowBytes == 0 {
		return 0
	}
	buf := make([]byte, 4)
	copy(buf[:overflowBytes], h.mem[blockStart:uint64(blockStart)+uint64(overflowBytes)])
	return binary.LittleEndian.Uint32(buf)
}

// blockStartOf computes where an allocation actually begins given the
// entry's payload address and its overflow-prefix byte count.
func blockStartOf(e *entry) Address {
	if e.embedded {
		return e.address
	}
	return Address(uint64(e.address) - uint64(e.splitSize))
}

// ReadOverflowMSB reads back the overflow-prefix bytes preceding e's
// payload, reconstructing the high bits of a split length field.
func (h *Heap) ReadOverflowMSB(e *entry) uint32 {
	if e.embedded {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readOverflowPrefix(blockStartOf(e), int(e.splitSize))
}

// Free releases totalLen bytes of payload (plus any overflow prefix) back
// to the free list.
func (h *Heap) Free(e *entry, totalLen int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	blockStart := blockStartOf(e)
	overflowBytes := 0
	if !e.embedded {
		overflowBytes = int(e.splitSize)
	}
	blockSize := roundUp8(uint64(overflowBytes) + uint64(totalLen))
	h.insertFree(blockStart, blockSize)
}

// Resize grows/shrinks a chunk in place when the new allocation has the
// same granule-rounded block size and the same overflow-byte count as the
// existing one; otherwise it allocates a new block elsewhere, copies the payload,
// frees the old block, and updates e's address and length fields.
// Returns true if the address changed.
func (h *Heap) Resize(e *entry, oldTotalLen, newTotalLen int) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	oldBlockStart := blockStartOf(e)
	oldOverflow := 0
	if !e.embedded {
		oldOverflow = int(e.splitSize)
	}
	oldBlockSize := roundUp8(uint64(oldOverflow) + uint64(oldTotalLen))

	newEntry := entry{}
	newOverflowBytes, newMSB := setLengthField(&newEntry, newTotalLen)
	newBlockSize := roundUp8(uint64(newOverflowBytes) + uint64(newTotalLen))

	if newBlockSize == oldBlockSize && newOverflowBytes == oldOverflow {
		// In place: only the length-field bits change, address and
		// overflow prefix layout are unchanged.
		if newOverflowBytes > 0 {
			h.writeOverflowPrefix(oldBlockStart, newOverflowBytes, newMSB)
		}
		e.embedded = newEntry.embedded
		e.embeddedLen = newEntry.embeddedLen
		e.splitSize = newEntry.splitSize
		e.splitLSB = newEntry.splitLSB
		return false, nil
	}

	newBlockStart, err := h.allocBlock(newBlockSize)
	if err != nil {
		return false, err
	}
	newPayload := Address(uint64(newBlockStart) + uint64(newOverflowBytes))

	copyLen := oldTotalLen
	if newTotalLen < copyLen {
		copyLen = newTotalLen
	}
	copy(h.mem[newPayload:uint64(newPayload)+uint64(copyLen)], h.mem[e.address:uint64(e.address)+uint64(copyLen)])
	if newOverflowBytes > 0 {
		h.writeOverflowPrefix(newBlockStart, newOverflowBytes, newMSB)
	}

	h.insertFree(oldBlockStart, oldBlockSize)

	e.address = newPayload
	e.embedded = newEntry.embedded
	e.embeddedLen = newEntry.embeddedLen
	e.splitSize = newEntry.splitSize
	e.splitLSB = newEntry.splitLSB
	return true, nil
}

// Move relocates a totalLen-byte payload (with its overflow prefix, if
// any) from e's current block to a freshly allocated block, without
// changing its logical length. Used by the defragmenter to compact the
// heap; e is updated in place with the new address.
func (h *Heap) Move(e *entry, totalLen int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	oldBlockStart := blockStartOf(e)
	overflowBytes := 0
	if !e.embedded {
		overflowBytes = int(e.splitSize)
	}
	blockSize := roundUp8(uint64(overflowBytes) + uint64(totalLen))

	newBlockStart, err := h.allocBlock(blockSize)
	if err != nil {
		return err
	}
	copy(h.mem[newBlockStart:uint64(newBlockStart)+blockSize], h.mem[oldBlockStart:uint64(oldBlockStart)+blockSize])
	h.insertFree(oldBlockStart, blockSize)

	e.address = Address(uint64(newBlockStart) + uint64(overflowBytes))
	return nil
}

// --- typed read/write -------------------------------------------------
//
// Overruns (offset+width beyond the reserved region) return -1 (for the
// *Bytes family) or are otherwise guarded by bounds checks.

func (h *Heap) within(addr Address, offset, width int) bool {
	start := uint64(addr) + uint64(offset)
	return start+uint64(width) <= h.size
}

func (h *Heap) ReadByte(addr Address, offset int) byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mem[uint64(addr)+uint64(offset)]
}

func (h *Heap) WriteByte(addr Address, offset int, v byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mem[uint64(addr)+uint64(offset)] = v
}

func (h *Heap) ReadShort(addr Address, offset int) int16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := uint64(addr) + uint64(offset)
	return int16(binary.LittleEndian.Uint16(h.mem[p : p+2]))
}

func (h *Heap) WriteShort(addr Address, offset int, v int16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := uint64(addr) + uint64(offset)
	binary.LittleEndian.PutUint16(h.mem[p:p+2], uint16(v))
}

func (h *Heap) ReadInt(addr Address, offset int) int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := uint64(addr) + uint64(offset)
	return int32(binary.LittleEndian.Uint32(h.mem[p : p+4]))
}

func (h *Heap) WriteInt(addr Address, offset int, v int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := uint64(addr) + uint64(offset)
	binary.LittleEndian.PutUint32(h.mem[p:p+4], uint32(v))
}

func (h *Heap) ReadLong(addr Address, offset int) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := uint64(addr) + uint64(offset)
	return int64(binary.LittleEndian.Uint64(h.mem[p : p+8]))
}

func (h *Heap) WriteLong(addr Address, offset int, v int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := uint64(addr) + uint64(offset)
	binary.LittleEndian.PutUint64(h.mem[p:p+8], uint64(v))
}

// ReadBytes copies len(dst) bytes starting at addr+offset into dst,
// returning the number of bytes read, or -1 if the read would run past
// the end of the heap.
func (h *Heap) ReadBytes(addr Address, offset int, dst []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.within(addr, offset, len(dst)) {
		return -1
	}
	p := uint64(addr) + uint64(offset)
	copy(dst, h.mem[p:p+uint64(len(dst))])
	return len(dst)
}

// WriteBytes copies src into the heap at addr+offset, returning the
// number of bytes written, or -1 on overrun.
func (h *Heap) WriteBytes(addr Address, offset int, src []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.within(addr, offset, len(src)) {
		return -1
	}
	p := uint64(addr) + uint64(offset)
	copy(h.mem[p:p+uint64(len(src))], src)
	return len(src)
}
