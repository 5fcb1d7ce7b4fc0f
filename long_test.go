// Will be run if environment long_test=true
// $ long_test=true go test -cpu=1,3,7
// Exercises many CIDs under concurrent Create/Put/Get/Resize/Remove to
// shake out CAS races in the CIDTable and the heap allocator.

package dxmem

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/gholt/brimio"
)

var runLong = os.Getenv("long_test") == "true"

func TestExerciseCreatePutGetRemoveLong(t *testing.T) {
	if !runLong {
		t.Skip("skipping unless env long_test=true")
	}

	const workers = 64
	const perWorker = 2000

	d := New(OptHeapSize(1<<28), OptNodeID(1))

	wg := sync.WaitGroup{}
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(seed int64) {
			defer wg.Done()

			buf := make([]byte, perWorker*8)
			brimio.NewSeededScrambled(seed).Read(buf)

			for i := 0; i < perWorker; i++ {
				size := int(binary.BigEndian.Uint32(buf[i*8:])%512) + 1
				cid, status := d.Create(size)
				if status != StatusOK {
					panic(fmt.Sprintf("worker %d: create failed: %v", seed, status))
				}

				payload := make([]byte, size)
				copy(payload, buf[i*8:i*8+8])
				if status := d.Put(cid, payload, TimeoutInfinite); status != StatusOK {
					panic(fmt.Sprintf("worker %d: put failed: %v", seed, status))
				}

				got := make([]byte, size)
				if status := d.Get(cid, got, TimeoutInfinite); status != StatusOK {
					panic(fmt.Sprintf("worker %d: get failed: %v", seed, status))
				}
				for j := range got[:min(8, size)] {
					if got[j] != payload[j] {
						panic(fmt.Sprintf("worker %d: payload mismatch at cid %v", seed, cid))
					}
				}

				if i%3 == 0 {
					if status := d.Resize(cid, size*2, TimeoutInfinite); status != StatusOK {
						panic(fmt.Sprintf("worker %d: resize failed: %v", seed, status))
					}
				}

				if status := d.Remove(cid, TimeoutInfinite); status != StatusOK {
					panic(fmt.Sprintf("worker %d: remove failed: %v", seed, status))
				}
				if d.Exists(cid) {
					panic(fmt.Sprintf("worker %d: cid %v still exists after remove", seed, cid))
				}
			}
		}(int64(w))
	}
	wg.Wait()

	moved := d.Defragment(TimeoutInfinite)
	t.Logf("defragmenter moved %d chunks, zombie backlog now %d", moved, d.table.ZombieCount())
}
