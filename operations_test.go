package dxmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestDXMem(t *testing.T) *DXMem {
	t.Helper()
	return New(OptHeapSize(1<<20), OptNodeID(1))
}

func TestCreateGetPut(t *testing.T) {
	d := newTestDXMem(t)

	cid, status := d.Create(32)
	assert.Equal(t, StatusOK, status)
	assert.True(t, d.Exists(cid))
	assert.Equal(t, 32, d.Size(cid))

	payload := []byte("hello, chunk")
	assert.Equal(t, StatusOK, d.Put(cid, payload, TimeoutInfinite))

	buf := make([]byte, len(payload))
	assert.Equal(t, StatusOK, d.Get(cid, buf, TimeoutInfinite))
	assert.Equal(t, payload, buf)
}

func TestGetPutNonexistentCID(t *testing.T) {
	d := newTestDXMem(t)
	cid := NewCID(1, 777)

	buf := make([]byte, 8)
	assert.Equal(t, StatusDoesNotExist, d.Get(cid, buf, TimeoutInfinite))
	assert.Equal(t, StatusDoesNotExist, d.Put(cid, buf, TimeoutInfinite))
	assert.False(t, d.Exists(cid))
	assert.Equal(t, -1, d.Size(cid))
}

func TestReserveThenCreateReservedLifecycle(t *testing.T) {
	d := newTestDXMem(t)

	cids := d.Reserve(3)
	assert.Len(t, cids, 3)
	for _, cid := range cids {
		assert.False(t, d.Exists(cid))
	}

	sizes := []int{16, 32, 64}
	addrs := make([]Address, 3)
	status := d.CreateReserved(cids, sizes, addrs)
	assert.Equal(t, StatusOK, status)

	for i, cid := range cids {
		assert.True(t, d.Exists(cid))
		assert.Equal(t, sizes[i], d.Size(cid))
	}
}

func TestCreateReservedRejectsMismatchedLengths(t *testing.T) {
	d := newTestDXMem(t)
	cids := d.Reserve(2)

	assert.Panics(t, func() {
		d.CreateReserved(cids, []int{1}, nil)
	})
}

func TestResizeGrowsAndPreservesPrefix(t *testing.T) {
	d := newTestDXMem(t)
	cid, status := d.Create(8)
	assert.Equal(t, StatusOK, status)

	payload := []byte("12345678")
	assert.Equal(t, StatusOK, d.Put(cid, payload, TimeoutInfinite))

	assert.Equal(t, StatusOK, d.Resize(cid, 3000, TimeoutInfinite))
	assert.Equal(t, 3000, d.Size(cid))

	buf := make([]byte, 8)
	assert.Equal(t, StatusOK, d.Get(cid, buf, TimeoutInfinite))
	assert.Equal(t, payload, buf)
}

func TestRemoveThenCannotGet(t *testing.T) {
	d := newTestDXMem(t)
	cid, _ := d.Create(16)

	assert.Equal(t, StatusOK, d.Remove(cid, TimeoutInfinite))
	assert.False(t, d.Exists(cid))

	buf := make([]byte, 16)
	assert.Equal(t, StatusDoesNotExist, d.Get(cid, buf, TimeoutInfinite))
}

func TestRemoveAllowsCIDReuseAfterCleanup(t *testing.T) {
	d := newTestDXMem(t)
	cid, _ := d.Create(16)
	assert.Equal(t, StatusOK, d.Remove(cid, TimeoutInfinite))

	assert.EqualValues(t, 1, d.table.ZombieCount())
	d.Defragment(TimeoutInfinite)
	assert.EqualValues(t, 0, d.table.ZombieCount())

	reused, status := d.Create(16)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, cid, reused)
}

func TestPinSurvivesDefragmentation(t *testing.T) {
	d := newTestDXMem(t)
	cid, _ := d.Create(16)
	payload := []byte("0123456789012345")
	assert.Equal(t, StatusOK, d.Put(cid, payload, TimeoutInfinite))
	assert.Equal(t, StatusOK, d.Pin(cid))

	we := d.table.Translate(cid)
	before := we.address

	d.Defragment(TimeoutInfinite)

	after := d.table.Translate(cid)
	assert.Equal(t, before, after.address)

	buf := make([]byte, len(payload))
	assert.Equal(t, StatusOK, d.Get(cid, buf, TimeoutInfinite))
	assert.Equal(t, payload, buf)
}

func TestUnpinAllowsRelocation(t *testing.T) {
	d := newTestDXMem(t)
	cid, _ := d.Create(16)
	assert.Equal(t, StatusOK, d.Pin(cid))
	assert.Equal(t, StatusOK, d.Unpin(cid))

	we := d.table.Translate(cid)
	assert.False(t, we.pinned)

	before := we.address
	d.Defragment(TimeoutInfinite)
	assert.NotEqual(t, before, d.table.Translate(cid).address)
}

func TestPutBiggerThanCurrentSizeIsTruncated(t *testing.T) {
	d := newTestDXMem(t)
	cid, _ := d.Create(4)

	assert.Equal(t, StatusOK, d.Put(cid, []byte("way too much data"), TimeoutInfinite))

	buf := make([]byte, 4)
	assert.Equal(t, StatusOK, d.Get(cid, buf, TimeoutInfinite))
	assert.Equal(t, []byte("way "), buf)
}

func TestCreateOutOfMemory(t *testing.T) {
	d := New(OptHeapSize(64), OptNodeID(1))
	_, status := d.Create(1 << 20)
	assert.Equal(t, StatusOutOfMemory, status)
}

func TestInvalidIDRejectedBeforeTranslate(t *testing.T) {
	d := newTestDXMem(t)
	invalid := NewCID(1, InvalidLocalID)

	buf := make([]byte, 8)
	assert.Equal(t, StatusInvalidID, d.Get(invalid, buf, TimeoutInfinite))
	assert.Equal(t, StatusInvalidID, d.Put(invalid, buf, TimeoutInfinite))
	assert.Equal(t, StatusInvalidID, d.Resize(invalid, 16, TimeoutInfinite))
	assert.Equal(t, StatusInvalidID, d.Remove(invalid, TimeoutInfinite))
	assert.Equal(t, StatusInvalidID, d.Pin(invalid))
	assert.Equal(t, StatusInvalidID, d.Unpin(invalid))

	status := d.CreateReserved([]CID{invalid}, []int{16}, nil)
	assert.Equal(t, StatusInvalidID, status)
}

func TestLockTimeoutOnContendedWrite(t *testing.T) {
	d := newTestDXMem(t)
	cid, _ := d.Create(8)

	we := d.table.Translate(cid)
	assert.Equal(t, LockOK, d.table.AcquireWriteLock(we, TimeoutInfinite))

	status := d.Put(cid, []byte("x"), TimeoutOneShot)
	assert.Equal(t, StatusLockTimeout, status)

	d.table.ReleaseWriteLock(we)
}
