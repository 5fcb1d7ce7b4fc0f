package dxmem

import (
	"runtime"
	"time"

	"go.uber.org/zap"
)

// LockStatus is the outcome of a lock acquisition attempt.
type LockStatus int

const (
	LockOK LockStatus = iota
	LockInvalid
	LockTimeout
)

// Timeout sentinels: -1 infinite, 0 one-shot (never yields, returns
// immediately), >0 a millisecond budget measured against a monotonic
// clock.
const (
	TimeoutInfinite = -1
	TimeoutOneShot  = 0
)

// backoff implements a spin-with-yield retry loop, with a short
// exponential backoff (capped at 50us) ahead of each runtime.Gosched as a
// hedge against platforms whose thread yield is too coarse to use alone.
type backoff struct {
	d time.Duration
}

func (b *backoff) wait() {
	if b.d == 0 {
		b.d = time.Microsecond
	} else if b.d < 50*time.Microsecond {
		b.d *= 2
		if b.d > 50*time.Microsecond {
			b.d = 50 * time.Microsecond
		}
	}
	time.Sleep(b.d)
	runtime.Gosched()
}

func deadlineExceeded(start time.Time, timeoutMs int) bool {
	if timeoutMs < 0 {
		return false
	}
	if timeoutMs == 0 {
		return true
	}
	return time.Since(start) >= time.Duration(timeoutMs)*time.Millisecond
}

// AcquireReadLock attempts to record a new reader on we, retrying until
// success, invalidity, or timeout. On LockOK, we is guaranteed to reflect
// a valid, now-read-locked entry. timeoutMs follows the -1/0/>0 contract
// above. Saturation at MaxReadLocks concurrent readers is not an error:
// the caller yields and retries like any other contention, though a
// configured logger gets one Warn per call, the first time that call finds
// the counter saturated, so operators can see hot-chunk contention.
func (t *CIDTable) AcquireReadLock(we *workingEntry, timeoutMs int, logger *zap.Logger) LockStatus {
	if logger == nil {
		logger = t.logger
	}
	var start time.Time
	if timeoutMs > 0 {
		start = time.Now()
	}
	var bo backoff
	saturatedWarned := false

	for {
		if !we.valid() {
			return LockInvalid
		}

		if !we.writeLock {
			if we.acquireReadLock() {
				if t.EntryAtomicUpdate(we) {
					return LockOK
				}
			} else if !saturatedWarned {
				logger.Warn("dxmem: read-lock counter saturated, retrying",
					zap.Uint64("cid", uint64(we.cid)), zap.Int("maxReadLocks", MaxReadLocks))
				saturatedWarned = true
			}
		}

		if timeoutMs == TimeoutOneShot {
			return LockTimeout
		}
		if timeoutMs > 0 && deadlineExceeded(start, timeoutMs) {
			return LockTimeout
		}

		bo.wait()
		t.EntryReread(we)
	}
}

// ReleaseReadLock decrements we's reader count and CASes the change back,
// retrying on contention until it succeeds. Panics if we is not a valid,
// currently read-locked entry -- that is a programmer error, not
// contention.
func (t *CIDTable) ReleaseReadLock(we *workingEntry) {
	var bo backoff
	for {
		if !we.valid() {
			panic("dxmem: releaseReadLock on an invalid entry")
		}
		we.releaseReadLock()
		if t.EntryAtomicUpdate(we) {
			return
		}
		// Lost the CAS race: reread picks up whatever concurrent change
		// happened (e.g. another reader releasing first), and the next
		// iteration re-applies our own decrement against that fresh
		// state before retrying.
		bo.wait()
		t.EntryReread(we)
	}
}

// AcquireWriteLock sets we's writer bit, then drains any readers already
// in the critical section before returning LockOK. While the writer bit
// is visible, AcquireReadLock will not admit new readers, so the drain
// loop is guaranteed to terminate once in-flight readers release.
func (t *CIDTable) AcquireWriteLock(we *workingEntry, timeoutMs int) LockStatus {
	var start time.Time
	if timeoutMs > 0 {
		start = time.Now()
	}
	var bo backoff

	for {
		if !we.valid() {
			return LockInvalid
		}

		if we.acquireWriteLock() {
			if t.EntryAtomicUpdate(we) {
				for we.readLock > 0 {
					bo.wait()
					t.EntryReread(we)
				}
				return LockOK
			}
			// Lost the CAS race; someone else mutated the word.
			// we.writeLock is still true locally but stale -- reread
			// will fix it before the next attempt.
		}

		if timeoutMs == TimeoutOneShot {
			return LockTimeout
		}
		if timeoutMs > 0 && deadlineExceeded(start, timeoutMs) {
			return LockTimeout
		}

		bo.wait()
		t.EntryReread(we)
	}
}

// ReleaseWriteLock clears we's writer bit and CASes the change back,
// retrying on contention.
func (t *CIDTable) ReleaseWriteLock(we *workingEntry) {
	var bo backoff
	for {
		if !we.valid() {
			panic("dxmem: releaseWriteLock on an invalid entry")
		}
		we.releaseWriteLock()
		if t.EntryAtomicUpdate(we) {
			return
		}
		bo.wait()
		t.EntryReread(we)
	}
}
