package dxmem

// Bit layout of the 64-bit chunk entry word, LSB to MSB:
//
//	bits  0-42  address (43 bits)
//	bits 43-53  length field (11 bits): embedded length, or split
//	            overflow-size (2 bits) + overflow LSB (8 bits)
//	bit   54    isLengthFieldEmbedded
//	bits 55-61  read-lock counter (7 bits, 0..127)
//	bit   62    write-lock
//	bit   63    pinned
const (
	lengthFieldBits uint = 11
	lengthFieldMask      = uint64(1)<<lengthFieldBits - 1

	splitLSBBits uint = 8
	splitLSBMask      = uint64(1)<<splitLSBBits - 1

	splitSizeBits uint = 2
	splitSizeMask      = uint64(1)<<splitSizeBits - 1

	readLockBits uint = 7
	readLockMask      = uint64(1)<<readLockBits - 1

	offsetAddress       uint = 0
	offsetLengthField   uint = offsetAddress + addressBits      // 43
	offsetEmbeddedFlag  uint = offsetLengthField + lengthFieldBits // 54
	offsetReadLock      uint = offsetEmbeddedFlag + 1              // 55
	offsetWriteLock     uint = offsetReadLock + readLockBits       // 62
	offsetPinned        uint = offsetWriteLock + 1                 // 63

	offsetSplitLSB  uint = offsetLengthField + 0
	offsetSplitSize uint = offsetLengthField + splitLSBBits

	// MaxReadLocks is the largest number of concurrent readers a single
	// chunk entry can record (7 bits). Acquiring a read lock on an entry
	// already at this count fails and the caller must retry; this is not
	// an error condition, just contention, and is documented here per the
	// design note that the saturation behavior be visible at the public
	// API.
	MaxReadLocks = int(readLockMask)

	// RawFree marks an unused leaf slot.
	RawFree uint64 = 0

	// RawZombie marks a slot that held a chunk since removed, retained to
	// prevent CID reuse until an explicit cleanup pass reclaims it. Fixed
	// to the all-ones 64-bit pattern; valid() checks this by raw value, so
	// it never matters whether the bit pattern would otherwise decode to a
	// plausible address.
	RawZombie uint64 = ^uint64(0)

	// RawReserved marks a slot allocated by Reserve but not yet given
	// memory by CreateReserved. Treated as a third sentinel alongside
	// RawFree/RawZombie: entry.valid() checks the raw word against all
	// three by value, so it does not matter that RawReserved's bit
	// pattern would otherwise decode to a plausible-looking address.
	RawReserved uint64 = ^uint64(0) - 1
)

// entry is the decoded, working-copy form of a chunk entry word: the
// fields extracted from the word last read, mutable locally, and
// recomposed into a fresh word on demand. It carries no pointer into the
// table slot it came from; entryAtomicUpdate takes that slot explicitly.
type entry struct {
	initial uint64 // raw word as last read from the slot

	pinned      bool
	writeLock   bool
	readLock    uint8
	embedded    bool
	embeddedLen uint32 // valid when embedded
	splitSize   uint8  // overflow byte count, 0..3, valid when !embedded
	splitLSB    uint8  // low 8 bits of total length, valid when !embedded
	address     Address
}

// decodeEntry unpacks raw into its field representation.
func decodeEntry(raw uint64) entry {
	e := entry{initial: raw}
	e.pinned = raw>>offsetPinned&1 != 0
	e.writeLock = raw>>offsetWriteLock&1 != 0
	e.readLock = uint8(raw >> offsetReadLock & readLockMask)
	e.embedded = raw>>offsetEmbeddedFlag&1 != 0
	if e.embedded {
		e.embeddedLen = uint32(raw >> offsetLengthField & lengthFieldMask)
	} else {
		e.splitSize = uint8(raw >> offsetSplitSize & splitSizeMask)
		e.splitLSB = uint8(raw >> offsetSplitLSB & splitLSBMask)
	}
	e.address = Address(raw >> offsetAddress & uint64(addressMask))
	return e
}

// value recomposes the fields back into a single 64-bit word.
func (e *entry) value() uint64 {
	var v uint64
	if e.pinned {
		v |= 1 << offsetPinned
	}
	if e.writeLock {
		v |= 1 << offsetWriteLock
	}
	v |= uint64(e.readLock) & readLockMask << offsetReadLock
	if e.embedded {
		v |= 1 << offsetEmbeddedFlag
		v |= uint64(e.embeddedLen) & lengthFieldMask << offsetLengthField
	} else {
		v |= uint64(e.splitSize) & splitSizeMask << offsetSplitSize
		v |= uint64(e.splitLSB) & splitLSBMask << offsetSplitLSB
	}
	v |= uint64(e.address) & uint64(addressMask) << offsetAddress
	return v
}

// valid reports whether this entry denotes a live chunk (not free, not a
// zombie, with a usable address).
func (e entry) valid() bool {
	return e.initial != RawFree && e.initial != RawZombie && e.initial != RawReserved && e.address.Valid()
}

// acquireReadLock attempts to record one more reader in the working copy.
// It fails (returns false, no mutation) if the writer bit is set or the
// read-lock counter is already saturated at MaxReadLocks.
func (e *entry) acquireReadLock() bool {
	if e.writeLock || uint64(e.readLock) >= readLockMask {
		return false
	}
	e.readLock++
	return true
}

func (e *entry) releaseReadLock() {
	if e.readLock == 0 {
		panic("dxmem: releaseReadLock on entry with no readers")
	}
	e.readLock--
}

// acquireWriteLock sets the writer bit if not already set.
func (e *entry) acquireWriteLock() bool {
	if e.writeLock {
		return false
	}
	e.writeLock = true
	return true
}

func (e *entry) releaseWriteLock() {
	if !e.writeLock {
		panic("dxmem: releaseWriteLock on entry without write lock held")
	}
	e.writeLock = false
}

// totalLength reconstructs the full chunk length from either the embedded
// field, or the split fields combined with the overflow-prefix bytes read
// from the heap (msb): total = (msb << splitLSBBits) | lsb.
func (e *entry) totalLength(msb uint32) int {
	if e.embedded {
		return int(e.embeddedLen)
	}
	return int(msb)<<int(splitLSBBits) | int(e.splitLSB)
}

// setLengthField computes and stores the embedded-vs-split representation
// of total, mirroring CIDTableChunkEntry.setLengthField. It returns the
// overflow-prefix byte count and the MSBs to write into the heap prefix
// (both 0 when the length is embedded, i.e. e.embedded is set true).
func setLengthField(e *entry, total int) (overflowBytes int, overflowMSB uint32) {
	if total < 0 {
		panic("dxmem: negative chunk length")
	}
	if uint64(total) <= lengthFieldMask {
		e.embedded = true
		e.embeddedLen = uint32(total)
		e.splitSize = 0
		e.splitLSB = 0
		return 0, 0
	}
	e.embedded = false
	msb := uint32(total) >> splitLSBBits
	e.splitLSB = uint8(uint32(total) & uint32(splitLSBMask))
	n := minStorageBytes(msb)
	e.splitSize = uint8(n)
	return n, msb
}

// minStorageBytes returns how many bytes are needed to store v, mirroring
// CIDTableChunkEntry.calculateMinStorageBytes (0 for v == 0).
func minStorageBytes(v uint32) int {
	n := 0
	for v != 0 {
		v >>= 8
		n++
	}
	return n
}

// LengthFieldEmbedThreshold is the largest chunk size (in bytes) whose
// length fits entirely in the entry word's 11-bit embedded length field.
const LengthFieldEmbedThreshold = int(lengthFieldMask)
