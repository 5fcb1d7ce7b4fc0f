package dxmem

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// CIDTable resolves CIDs to chunk entry words through a fixed-depth radix
// trie: a 16-bit node-id dispatch followed by four levels each consuming
// 12 bits of the 48-bit local id (12*4 = 48). Leaf tables hold chunk entry
// words directly as atomic.Uint64; the three levels above a leaf hold
// child-table pointers published exactly once via atomic.Pointer
// compare-and-swap: table block pointer words are written exactly once
// per slot (publication), and readers use an atomic load to see them.
//
// Table blocks are created lazily on first insert into their subtree and
// are never freed during the process lifetime.
const (
	levelBits  = 12
	levelSize  = 1 << levelBits
	levelMask  = levelSize - 1
)

type leafTable struct {
	entries [levelSize]atomic.Uint64
}

type level1Table struct {
	children [levelSize]atomic.Pointer[leafTable]
}

type level2Table struct {
	children [levelSize]atomic.Pointer[level1Table]
}

type level3Table struct {
	children [levelSize]atomic.Pointer[level2Table]
}

// workingEntry is a stack-allocated, mutable decoding of a chunk entry
// word plus the leaf slot it was read from. Mutating it never touches the
// slot; EntryAtomicUpdate explicitly CASes the accumulated changes back.
// A nil slot means the CID's leaf table block does not exist yet (the
// entry is necessarily invalid/free).
type workingEntry struct {
	entry
	slot *atomic.Uint64
	cid  CID
}

// CIDTable is the concurrency-safe CID -> chunk-entry-word map.
type CIDTable struct {
	mu    sync.RWMutex
	nodes map[uint16]*level3Table

	counterMu    sync.Mutex
	counters     map[uint16]*atomic.Uint64
	zombieFrees  map[uint16][]uint64

	zombieCount atomic.Uint64
	logger      *zap.Logger
}

// NewCIDTable constructs an empty table.
func NewCIDTable(logger *zap.Logger) *CIDTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CIDTable{
		nodes:       make(map[uint16]*level3Table),
		counters:    make(map[uint16]*atomic.Uint64),
		zombieFrees: make(map[uint16][]uint64),
		logger:      logger,
	}
}

func splitLocalID(lid uint64) (i3, i2, i1, i0 uint32) {
	i3 = uint32(lid>>(levelBits*3)) & levelMask
	i2 = uint32(lid>>(levelBits*2)) & levelMask
	i1 = uint32(lid>>levelBits) & levelMask
	i0 = uint32(lid) & levelMask
	return
}

func (t *CIDTable) level3For(nodeID uint16, create bool) *level3Table {
	t.mu.RLock()
	l3 := t.nodes[nodeID]
	t.mu.RUnlock()
	if l3 != nil || !create {
		return l3
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if l3 = t.nodes[nodeID]; l3 == nil {
		l3 = &level3Table{}
		t.nodes[nodeID] = l3
	}
	return l3
}

func publishLevel2(slot *atomic.Pointer[level2Table]) *level2Table {
	child := slot.Load()
	if child != nil {
		return child
	}
	fresh := &level2Table{}
	if slot.CompareAndSwap(nil, fresh) {
		return fresh
	}
	return slot.Load()
}

func publishLevel1(slot *atomic.Pointer[level1Table]) *level1Table {
	child := slot.Load()
	if child != nil {
		return child
	}
	fresh := &level1Table{}
	if slot.CompareAndSwap(nil, fresh) {
		return fresh
	}
	return slot.Load()
}

func publishLeaf(slot *atomic.Pointer[leafTable]) *leafTable {
	child := slot.Load()
	if child != nil {
		return child
	}
	fresh := &leafTable{}
	if slot.CompareAndSwap(nil, fresh) {
		return fresh
	}
	return slot.Load()
}

// leafSlot walks (and, if create, lazily grows) the path to the leaf slot
// for cid. Returns nil if create is false and any table block on the path
// doesn't exist yet.
func (t *CIDTable) leafSlot(cid CID, create bool) *atomic.Uint64 {
	l3 := t.level3For(cid.NodeID(), create)
	if l3 == nil {
		return nil
	}
	i3, i2, i1, i0 := splitLocalID(cid.LocalID())

	l2 := l3.children[i3].Load()
	if l2 == nil {
		if !create {
			return nil
		}
		l2 = publishLevel2(&l3.children[i3])
	}

	l1 := l2.children[i2].Load()
	if l1 == nil {
		if !create {
			return nil
		}
		l1 = publishLevel1(&l2.children[i2])
	}

	leaf := l1.children[i1].Load()
	if leaf == nil {
		if !create {
			return nil
		}
		leaf = publishLeaf(&l1.children[i1])
	}

	return &leaf.entries[i0]
}

// Translate materializes the chunk entry word at cid's leaf slot into a
// working entry. If the slot (or any table block on the path to it) does
// not exist, the returned entry is the invalid/free entry.
func (t *CIDTable) Translate(cid CID) *workingEntry {
	we := &workingEntry{}
	t.TranslateInto(cid, we)
	return we
}

// TranslateInto is Translate without allocating a new workingEntry,
// letting callers reuse one drawn from a pool across operations.
func (t *CIDTable) TranslateInto(cid CID, we *workingEntry) {
	we.cid = cid
	we.slot = t.leafSlot(cid, false)
	if we.slot == nil {
		we.entry = decodeEntry(RawFree)
		return
	}
	we.entry = decodeEntry(we.slot.Load())
}

// EntryReread refreshes we's cached fields from the leaf slot; used after
// a failed CAS or while a lock waits for contention to clear.
func (t *CIDTable) EntryReread(we *workingEntry) {
	if we.slot == nil {
		we.slot = t.leafSlot(we.cid, false)
		if we.slot == nil {
			we.entry = decodeEntry(RawFree)
			return
		}
	}
	we.entry = decodeEntry(we.slot.Load())
}

// EntryAtomicUpdate CASes the leaf slot from we's last-read value to the
// value its current (possibly mutated) fields recompose to. On success,
// we's cached "last read" value is advanced so subsequent updates on the
// same working entry chain correctly. Callers must EntryReread and retry
// their mutation on failure.
func (t *CIDTable) EntryAtomicUpdate(we *workingEntry) bool {
	if we.slot == nil {
		panic("dxmem: entryAtomicUpdate on an entry with no backing slot")
	}
	newVal := we.value()
	if we.slot.CompareAndSwap(we.initial, newVal) {
		we.initial = newVal
		return true
	}
	return false
}

// Insert writes e's value into cid's leaf slot directly, without a CAS,
// creating any missing intermediate table blocks. Callers must hold the
// defragmenter barrier in write mode, or must be inserting into a CID
// they have exclusively reserved via ReserveLid -- Insert does not
// arbitrate with concurrent writers of the same slot.
func (t *CIDTable) Insert(cid CID, e *entry) *workingEntry {
	slot := t.leafSlot(cid, true)
	val := e.value()
	slot.Store(val)
	return &workingEntry{entry: decodeEntry(val), slot: slot, cid: cid}
}

// ReserveLid atomically allocates the next local id for nodeID, preferring
// a local id reclaimed by CleanupZombies over growing the monotonic
// counter, and returns the resulting CID. The corresponding leaf slot is
// left untouched (callers call Insert or mark the slot reserved
// explicitly); see Reserve in operations.go.
func (t *CIDTable) ReserveLid(nodeID uint16) CID {
	t.counterMu.Lock()
	defer t.counterMu.Unlock()

	if frees := t.zombieFrees[nodeID]; len(frees) > 0 {
		lid := frees[len(frees)-1]
		t.zombieFrees[nodeID] = frees[:len(frees)-1]
		return NewCID(nodeID, lid)
	}

	counter := t.counters[nodeID]
	if counter == nil {
		counter = &atomic.Uint64{}
		t.counters[nodeID] = counter
	}
	lid := counter.Add(1)
	return NewCID(nodeID, lid)
}

// MarkZombie transitions a valid entry to the ZOMBIE sentinel, retrying
// the CAS against fresh rereads until it succeeds (the caller is expected
// to already hold the chunk's write lock, so the only contention is with a
// concurrent defragmenter scan, which never touches a write-locked entry).
func (t *CIDTable) MarkZombie(we *workingEntry) {
	for {
		if we.slot.CompareAndSwap(we.initial, RawZombie) {
			we.initial = RawZombie
			t.zombieCount.Add(1)
			return
		}
		t.EntryReread(we)
	}
}

// CleanupZombies scans nodeID's table and resets ZOMBIE slots back to
// FREE, pushing their local ids onto the reuse list consulted by
// ReserveLid. Returns the number of slots reclaimed. Zombies are reclaimed
// lazily: they sit until this pass runs, which the defragmenter invokes
// while holding the barrier's exclusive mode, never from an application
// operation.
func (t *CIDTable) CleanupZombies(nodeID uint16) int {
	l3 := t.level3For(nodeID, false)
	if l3 == nil {
		return 0
	}

	reclaimed := make([]uint64, 0)
	for i3 := 0; i3 < levelSize; i3++ {
		l2 := l3.children[i3].Load()
		if l2 == nil {
			continue
		}
		for i2 := 0; i2 < levelSize; i2++ {
			l1 := l2.children[i2].Load()
			if l1 == nil {
				continue
			}
			for i1 := 0; i1 < levelSize; i1++ {
				leaf := l1.children[i1].Load()
				if leaf == nil {
					continue
				}
				for i0 := 0; i0 < levelSize; i0++ {
					slot := &leaf.entries[i0]
					if slot.CompareAndSwap(RawZombie, RawFree) {
						lid := uint64(i3)<<(levelBits*3) | uint64(i2)<<(levelBits*2) | uint64(i1)<<levelBits | uint64(i0)
						reclaimed = append(reclaimed, lid)
					}
				}
			}
		}
	}

	if len(reclaimed) == 0 {
		return 0
	}
	t.counterMu.Lock()
	t.zombieFrees[nodeID] = append(t.zombieFrees[nodeID], reclaimed...)
	t.counterMu.Unlock()
	t.zombieCount.Add(^uint64(len(reclaimed) - 1)) // subtract len(reclaimed)
	return len(reclaimed)
}

// Iterate calls fn for every valid (non-free, non-zombie) entry across all
// node subtrees. fn receives a working entry carrying the entry's CID and
// its populated slot, so fn can lock/update it (e.g. the defragmenter).
// Iteration order is not specified. fn returning false stops iteration.
func (t *CIDTable) Iterate(fn func(we *workingEntry) bool) {
	t.mu.RLock()
	nodeIDs := make([]uint16, 0, len(t.nodes))
	for id := range t.nodes {
		nodeIDs = append(nodeIDs, id)
	}
	t.mu.RUnlock()

	for _, nodeID := range nodeIDs {
		l3 := t.level3For(nodeID, false)
		if l3 == nil {
			continue
		}
		for i3 := 0; i3 < levelSize; i3++ {
			l2 := l3.children[i3].Load()
			if l2 == nil {
				continue
			}
			for i2 := 0; i2 < levelSize; i2++ {
				l1 := l2.children[i2].Load()
				if l1 == nil {
					continue
				}
				for i1 := 0; i1 < levelSize; i1++ {
					leaf := l1.children[i1].Load()
					if leaf == nil {
						continue
					}
					for i0 := 0; i0 < levelSize; i0++ {
						slot := &leaf.entries[i0]
						raw := slot.Load()
						if raw == RawFree || raw == RawZombie {
							continue
						}
						lid := uint64(i3)<<(levelBits*3) | uint64(i2)<<(levelBits*2) | uint64(i1)<<levelBits | uint64(i0)
						we := &workingEntry{entry: decodeEntry(raw), slot: slot, cid: NewCID(nodeID, lid)}
						if !fn(we) {
							return
						}
					}
				}
			}
		}
	}
}

// ZombieCount returns the number of entries currently marked ZOMBIE and
// not yet reclaimed by CleanupZombies.
func (t *CIDTable) ZombieCount() uint64 {
	return t.zombieCount.Load()
}
