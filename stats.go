package dxmem

import (
	"fmt"

	"github.com/gholt/brimtext"
)

// Counters is the statistics injection point: the core calls these at
// operation boundaries but must not depend on any particular
// implementation. NopCounters is the default; PrometheusCounters
// (statsprom.go) is a ready-made adapter onto a real metrics backend.
type Counters interface {
	IncCreate()
	IncGet()
	IncPut()
	IncResize()
	IncRemove()
	IncLockTimeout()
	IncOOM()
}

// NopCounters discards every increment.
type NopCounters struct{}

func (NopCounters) IncCreate()      {}
func (NopCounters) IncGet()         {}
func (NopCounters) IncPut()         {}
func (NopCounters) IncResize()      {}
func (NopCounters) IncRemove()      {}
func (NopCounters) IncLockTimeout() {}
func (NopCounters) IncOOM()         {}

// Stats is a point-in-time snapshot of a DXMem instance, gathered by
// walking the CIDTable. Gathering it is relatively expensive (a full
// table walk); its String() form is rendered in a brimtext-aligned-
// columns report style.
type Stats struct {
	ActiveCount uint64
	ActiveBytes uint64
	ZombieCount uint64
}

// Stats walks the CIDTable, tallying active chunk count/bytes and the
// current zombie backlog.
func (d *DXMem) Stats() *Stats {
	s := &Stats{ZombieCount: d.table.ZombieCount()}
	d.table.Iterate(func(we *workingEntry) bool {
		s.ActiveCount++
		s.ActiveBytes += uint64(we.totalLength(d.heap.ReadOverflowMSB(&we.entry)))
		return true
	})
	return s
}

func (s *Stats) String() string {
	report := [][]string{
		{"ActiveCount", fmt.Sprintf("%d", s.ActiveCount)},
		{"ActiveBytes", fmt.Sprintf("%d", s.ActiveBytes)},
		{"ZombieCount", fmt.Sprintf("%d", s.ZombieCount)},
	}
	return brimtext.Align(report, nil)
}
