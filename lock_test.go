package dxmem

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func setupLockedTable(t *testing.T) (*CIDTable, CID) {
	t.Helper()
	table := NewCIDTable(nil)
	cid := NewCID(1, 1)
	e := &entry{address: Address(1)}
	setLengthField(e, 1)
	table.Insert(cid, e)
	return table, cid
}

func TestAcquireReleaseReadLock(t *testing.T) {
	table, cid := setupLockedTable(t)
	we := table.Translate(cid)

	status := table.AcquireReadLock(we, TimeoutInfinite, nil)
	assert.Equal(t, LockOK, status)
	assert.EqualValues(t, 1, we.readLock)

	table.ReleaseReadLock(we)
	assert.EqualValues(t, 0, we.readLock)
}

func TestAcquireReleaseWriteLock(t *testing.T) {
	table, cid := setupLockedTable(t)
	we := table.Translate(cid)

	status := table.AcquireWriteLock(we, TimeoutInfinite)
	assert.Equal(t, LockOK, status)
	assert.True(t, we.writeLock)

	table.ReleaseWriteLock(we)
	assert.False(t, we.writeLock)
}

func TestAcquireReadLockOnMissingCIDIsInvalid(t *testing.T) {
	table := NewCIDTable(nil)
	we := table.Translate(NewCID(1, 99))
	status := table.AcquireReadLock(we, TimeoutInfinite, nil)
	assert.Equal(t, LockInvalid, status)
}

func TestAcquireWriteLockOneShotTimesOutUnderWriter(t *testing.T) {
	table, cid := setupLockedTable(t)
	holder := table.Translate(cid)
	assert.Equal(t, LockOK, table.AcquireWriteLock(holder, TimeoutInfinite))

	contender := table.Translate(cid)
	status := table.AcquireWriteLock(contender, TimeoutOneShot)
	assert.Equal(t, LockTimeout, status)

	table.ReleaseWriteLock(holder)
}

func TestAcquireWriteLockDrainsReadersBeforeReturning(t *testing.T) {
	table, cid := setupLockedTable(t)
	reader := table.Translate(cid)
	assert.Equal(t, LockOK, table.AcquireReadLock(reader, TimeoutInfinite, nil))

	readerReleasing := make(chan struct{})
	var writerDone sync.WaitGroup
	writerDone.Add(1)
	go func() {
		defer writerDone.Done()
		writer := table.Translate(cid)
		status := table.AcquireWriteLock(writer, TimeoutInfinite)
		assert.Equal(t, LockOK, status)
		select {
		case <-readerReleasing:
		default:
			t.Error("write lock acquired while a reader still held the entry")
		}
		table.ReleaseWriteLock(writer)
	}()

	time.Sleep(10 * time.Millisecond)
	close(readerReleasing)
	table.ReleaseReadLock(reader)
	writerDone.Wait()
}

func TestAcquireReadLockConcurrentReaders(t *testing.T) {
	table, cid := setupLockedTable(t)

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			we := table.Translate(cid)
			status := table.AcquireReadLock(we, TimeoutInfinite, nil)
			assert.Equal(t, LockOK, status)
			time.Sleep(time.Millisecond)
			table.ReleaseReadLock(we)
		}()
	}
	wg.Wait()

	final := table.Translate(cid)
	assert.EqualValues(t, 0, final.readLock)
}
