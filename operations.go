package dxmem

import "github.com/pkg/errors"

// Each operation below follows the same pattern:
//  1. acquire the defragmenter barrier in the mode the operation needs
//  2. Translate the CID into a working entry
//  3. acquire the appropriate per-entry lock with the caller's timeout
//  4. do heap I/O at the entry's address
//  5. release the lock, then the barrier

// Create allocates a fresh CID and size bytes of backing memory in one
// step. Takes the barrier in write mode because CIDTable.Insert is not
// CAS-based.
func (d *DXMem) Create(size int) (CID, Status) {
	d.bar.AcquireExclusive()
	defer d.bar.ReleaseExclusive()

	cid := d.table.ReserveLid(d.cfg.nodeID)

	entries := make([]*entry, 1)
	if err := d.heap.Malloc(entries, []int{size}, 0, 1); err != nil {
		d.cfg.counters.IncOOM()
		return 0, StatusOutOfMemory
	}

	d.table.Insert(cid, entries[0])
	d.cfg.counters.IncCreate()
	return cid, StatusOK
}

// Reserve allocates count fresh CIDs without backing memory, marking
// their leaf slots RawReserved so Exists/Get/Put correctly report
// DOES_NOT_EXIST until CreateReserved gives them memory.
func (d *DXMem) Reserve(count int) []CID {
	d.bar.AcquireExclusive()
	defer d.bar.ReleaseExclusive()

	cids := make([]CID, count)
	for i := 0; i < count; i++ {
		cid := d.table.ReserveLid(d.cfg.nodeID)
		slot := d.table.leafSlot(cid, true)
		slot.Store(RawReserved)
		cids[i] = cid
	}
	return cids
}

// CreateReserved allocates memory for CIDs previously returned by
// Reserve. Passing CIDs that were not obtained from Reserve corrupts the
// CIDTable: Insert below overwrites whatever was at that slot
// unconditionally, matching the original source's documented contract
// (CreateReservedMulti.java). outAddresses may be nil.
func (d *DXMem) CreateReserved(cids []CID, sizes []int, outAddresses []Address) Status {
	if len(cids) != len(sizes) {
		panic(errors.New("dxmem: CreateReserved: len(cids) != len(sizes)"))
	}
	for _, cid := range cids {
		if !cid.Valid() {
			return StatusInvalidID
		}
	}

	d.bar.AcquireExclusive()
	defer d.bar.ReleaseExclusive()

	entries := make([]*entry, len(cids))
	if err := d.heap.Malloc(entries, sizes, 0, len(sizes)); err != nil {
		d.cfg.counters.IncOOM()
		return StatusOutOfMemory
	}

	for i, cid := range cids {
		d.table.Insert(cid, entries[i])
		if outAddresses != nil {
			outAddresses[i] = entries[i].address
		}
	}
	d.cfg.counters.IncCreate()
	return StatusOK
}

// Get read-locks cid's entry, copies its payload into buffer, and releases
// the lock. At most min(len(buffer), Size(cid)) bytes are copied; bytes of
// buffer past the chunk's length are left untouched.
func (d *DXMem) Get(cid CID, buffer []byte, timeoutMs int) Status {
	if !cid.Valid() {
		return StatusInvalidID
	}
	d.bar.AcquireShared()
	defer d.bar.ReleaseShared()

	we := d.getWorkingEntry()
	defer d.putWorkingEntry(we)
	d.table.TranslateInto(cid, we)
	if !we.valid() {
		return StatusDoesNotExist
	}

	switch d.table.AcquireReadLock(we, timeoutMs, d.cfg.logger) {
	case LockInvalid:
		return StatusDoesNotExist
	case LockTimeout:
		d.cfg.counters.IncLockTimeout()
		return StatusLockTimeout
	}

	total := we.totalLength(d.heap.ReadOverflowMSB(&we.entry))
	n := len(buffer)
	if n > total {
		n = total
	}
	d.heap.ReadBytes(we.address, 0, buffer[:n])

	d.table.ReleaseReadLock(we)
	d.cfg.counters.IncGet()
	return StatusOK
}

// Put write-locks cid's entry and copies buffer into its payload. Bytes of
// buffer beyond the chunk's current size are dropped; use Resize first to
// grow a chunk.
func (d *DXMem) Put(cid CID, buffer []byte, timeoutMs int) Status {
	if !cid.Valid() {
		return StatusInvalidID
	}
	d.bar.AcquireShared()
	defer d.bar.ReleaseShared()

	we := d.getWorkingEntry()
	defer d.putWorkingEntry(we)
	d.table.TranslateInto(cid, we)
	if !we.valid() {
		return StatusDoesNotExist
	}

	switch d.table.AcquireWriteLock(we, timeoutMs) {
	case LockInvalid:
		return StatusDoesNotExist
	case LockTimeout:
		d.cfg.counters.IncLockTimeout()
		return StatusLockTimeout
	}

	total := we.totalLength(d.heap.ReadOverflowMSB(&we.entry))
	n := len(buffer)
	if n > total {
		n = total
	}
	d.heap.WriteBytes(we.address, 0, buffer[:n])

	d.table.ReleaseWriteLock(we)
	d.cfg.counters.IncPut()
	return StatusOK
}

// Resize write-locks cid's entry, asks Heap to grow/shrink its backing
// allocation, and publishes the new length fields (and the new address,
// if the chunk moved) through EntryAtomicUpdate before releasing the lock.
func (d *DXMem) Resize(cid CID, newSize int, timeoutMs int) Status {
	if !cid.Valid() {
		return StatusInvalidID
	}
	d.bar.AcquireShared()
	defer d.bar.ReleaseShared()

	we := d.getWorkingEntry()
	defer d.putWorkingEntry(we)
	d.table.TranslateInto(cid, we)
	if !we.valid() {
		return StatusDoesNotExist
	}

	switch d.table.AcquireWriteLock(we, timeoutMs) {
	case LockInvalid:
		return StatusDoesNotExist
	case LockTimeout:
		d.cfg.counters.IncLockTimeout()
		return StatusLockTimeout
	}

	oldTotal := we.totalLength(d.heap.ReadOverflowMSB(&we.entry))
	if _, err := d.heap.Resize(&we.entry, oldTotal, newSize); err != nil {
		d.table.ReleaseWriteLock(we)
		d.cfg.counters.IncOOM()
		return StatusOutOfMemory
	}

	d.table.EntryAtomicUpdate(we)
	d.table.ReleaseWriteLock(we)
	d.cfg.counters.IncResize()
	return StatusOK
}

// Remove write-locks cid's entry, frees its backing memory, and marks the
// slot ZOMBIE so the CID cannot be reused until an explicit cleanup pass
// (see CIDTable.CleanupZombies).
func (d *DXMem) Remove(cid CID, timeoutMs int) Status {
	if !cid.Valid() {
		return StatusInvalidID
	}
	d.bar.AcquireShared()
	defer d.bar.ReleaseShared()

	we := d.getWorkingEntry()
	defer d.putWorkingEntry(we)
	d.table.TranslateInto(cid, we)
	if !we.valid() {
		return StatusDoesNotExist
	}

	switch d.table.AcquireWriteLock(we, timeoutMs) {
	case LockInvalid:
		return StatusDoesNotExist
	case LockTimeout:
		d.cfg.counters.IncLockTimeout()
		return StatusLockTimeout
	}

	total := we.totalLength(d.heap.ReadOverflowMSB(&we.entry))
	d.heap.Free(&we.entry, total)
	d.table.MarkZombie(we)
	d.cfg.counters.IncRemove()
	return StatusOK
}

// Pin marks cid immovable by the defragmenter.
func (d *DXMem) Pin(cid CID) Status {
	return d.setPinned(cid, true)
}

// Unpin allows the defragmenter to relocate cid again.
func (d *DXMem) Unpin(cid CID) Status {
	return d.setPinned(cid, false)
}

func (d *DXMem) setPinned(cid CID, pinned bool) Status {
	if !cid.Valid() {
		return StatusInvalidID
	}
	d.bar.AcquireShared()
	defer d.bar.ReleaseShared()

	we := d.getWorkingEntry()
	defer d.putWorkingEntry(we)
	d.table.TranslateInto(cid, we)
	if !we.valid() {
		return StatusDoesNotExist
	}
	var bo backoff
	for {
		we.pinned = pinned
		if d.table.EntryAtomicUpdate(we) {
			return StatusOK
		}
		bo.wait()
		d.table.EntryReread(we)
		if !we.valid() {
			return StatusDoesNotExist
		}
	}
}

// Exists reports whether cid currently maps to a valid (non-free,
// non-zombie, non-reserved) entry.
func (d *DXMem) Exists(cid CID) bool {
	we := d.getWorkingEntry()
	defer d.putWorkingEntry(we)
	d.table.TranslateInto(cid, we)
	return we.valid()
}

// Size returns the logical length in bytes of cid's chunk, or -1 if cid
// does not exist.
func (d *DXMem) Size(cid CID) int {
	we := d.getWorkingEntry()
	defer d.putWorkingEntry(we)
	d.table.TranslateInto(cid, we)
	if !we.valid() {
		return -1
	}
	return we.totalLength(d.heap.ReadOverflowMSB(&we.entry))
}
