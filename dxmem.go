package dxmem

import "sync"

// DXMem is the top-level embeddable handle: the CIDTable, Heap, and
// defragmenter barrier bundled behind the operation-layer API in
// operations.go.
type DXMem struct {
	cfg     *config
	table   *CIDTable
	heap    *Heap
	bar     *barrier
	defrag  *Defragmenter
	entries sync.Pool // *workingEntry free-list, to cut per-call allocation under contention
}

// New constructs a DXMem instance using the given options.
func New(opts ...func(*config)) *DXMem {
	cfg := resolveConfig(opts...)
	d := &DXMem{
		cfg:   cfg,
		table: NewCIDTable(cfg.logger),
		heap:  NewHeap(cfg.heapSize, cfg.logger),
		bar:   newBarrier(),
	}
	d.defrag = newDefragmenter(d.table, d.heap, d.bar, cfg.logger)
	return d
}

// Defragment runs one compaction pass under the exclusive barrier mode.
// See Defragmenter.Run for the per-entry protocol.
func (d *DXMem) Defragment(lockTimeoutMs int) int {
	return d.defrag.Run(lockTimeoutMs)
}

// getWorkingEntry draws a *workingEntry from the pool, zeroing its fields
// so a prior operation's state can't leak into this one.
func (d *DXMem) getWorkingEntry() *workingEntry {
	if we, ok := d.entries.Get().(*workingEntry); ok {
		*we = workingEntry{}
		return we
	}
	return &workingEntry{}
}

func (d *DXMem) putWorkingEntry(we *workingEntry) {
	d.entries.Put(we)
}
