// Package ioasync bridges the asynchronous, callback-based Machine calls
// (internal/machine) onto the cooperative scheduler (internal/sched), per
// spec §4.4: "every machine call that takes a callback is wrapped as:
// allocate a small call record pinning the calling thread and result slot,
// issue the machine call, mark the thread WAITING, invoke the scheduler."
//
// REDESIGN FLAGS directs removing the original's busy-wait on close; here
// every Machine operation, close included, goes through the same Do, so
// there is no spin anywhere in this package.
package ioasync

import (
	"context"

	"github.com/SmallBonsai/vmrt/internal/machine"
	"github.com/SmallBonsai/vmrt/internal/sched"
	"github.com/SmallBonsai/vmrt/internal/shmem"
)

// Bridge issues Machine calls on behalf of guest threads and parks the
// caller until the corresponding callback fires.
type Bridge struct {
	sched   *sched.Scheduler
	machine machine.Machine
}

// New builds a Bridge over m, parking callers on s.
func New(s *sched.Scheduler, m machine.Machine) *Bridge {
	return &Bridge{sched: s, machine: m}
}

// callRecord is the "small call record" of spec §4.4. Every field is only
// ever touched while the owning Bridge's scheduler lock is held, so it
// needs no lock of its own.
type callRecord struct {
	done   bool
	parked bool
	result int
	caller *sched.Thread
}

// Do issues one asynchronous Machine call and blocks the calling thread
// until its callback fires, returning the callback's result. The callback
// may fire before or after issue returns: Do checks under the scheduler
// lock whether it already has, and parks the caller only if it has not.
func (b *Bridge) Do(issue func(cb machine.Callback)) int {
	rec := &callRecord{}

	cb := func(result int) {
		b.sched.Lock()
		rec.result = result
		rec.done = true
		if rec.parked && rec.caller != nil {
			b.sched.MakeReadyLocked(rec.caller)
		}
		b.sched.Unlock()
	}

	b.sched.Lock()
	caller := b.sched.CurrentLocked()
	b.sched.Unlock()
	rec.caller = caller

	issue(cb)

	b.sched.Lock()
	if rec.done {
		b.sched.Unlock()
		return rec.result
	}
	rec.parked = true
	b.sched.ParkCurrentLocked(sched.WaitIO, 0, 0)
	b.sched.Unlock()

	return rec.result
}

// Open issues an OpenFile call and returns the resulting descriptor (or a
// negative value on failure, per the Machine contract) and the status
// result.
func (b *Bridge) Open(ctx context.Context, path string, flags machine.OpenFlags) (fd int, result int) {
	var gotFD int
	result = b.Do(func(cb machine.Callback) {
		b.machine.OpenFile(ctx, path, flags, func(f int, r int) {
			gotFD = f
			cb(r)
		})
	})
	return gotFD, result
}

// Close issues a CloseFile call. There is no busy-wait here: the caller
// parks like any other asynchronous operation and resumes when the
// callback fires.
func (b *Bridge) Close(fd int) int {
	return b.Do(func(cb machine.Callback) {
		b.machine.CloseFile(fd, cb)
	})
}

// Read issues a ReadFile call into buf, returning the byte count or a
// negative status.
func (b *Bridge) Read(fd int, buf []byte) int {
	return b.Do(func(cb machine.Callback) {
		b.machine.ReadFile(fd, buf, cb)
	})
}

// Write issues a WriteFile call, returning the byte count or a negative
// status.
func (b *Bridge) Write(fd int, buf []byte) int {
	return b.Do(func(cb machine.Callback) {
		b.machine.WriteFile(fd, buf, cb)
	})
}

// Seek issues a SeekFile call, returning the resulting offset or a
// negative status.
func (b *Bridge) Seek(fd int, offset int, whence machine.SeekWhence) int {
	return b.Do(func(cb machine.Callback) {
		b.machine.SeekFile(fd, int64(offset), whence, cb)
	})
}

// ReadThroughPool implements spec §4.5: "all data crossing to the machine
// I/O layer must reside in one of the pre-carved 512-byte sections."
// len(buf) is split into shmem.SectionSize chunks; each is read into a
// borrowed Section and copied out before the next is acquired, so at most
// one section is in flight per caller at a time. It returns the total
// byte count transferred, or a negative status on the first failed chunk.
func (b *Bridge) ReadThroughPool(pool *shmem.Pool, fd int, buf []byte) int {
	total := 0
	for total < len(buf) {
		want := len(buf) - total
		if want > shmem.SectionSize {
			want = shmem.SectionSize
		}
		sec := pool.Acquire(b.sched)
		n := b.Read(fd, sec.Bytes()[:want])
		if n < 0 {
			pool.Release(b.sched, sec)
			if total > 0 {
				return total
			}
			return n
		}
		copy(buf[total:total+n], sec.Bytes()[:n])
		pool.Release(b.sched, sec)
		total += n
		if n < want {
			break
		}
	}
	return total
}

// WriteThroughPool is ReadThroughPool's write-side mirror.
func (b *Bridge) WriteThroughPool(pool *shmem.Pool, fd int, buf []byte) int {
	total := 0
	for total < len(buf) {
		want := len(buf) - total
		if want > shmem.SectionSize {
			want = shmem.SectionSize
		}
		sec := pool.Acquire(b.sched)
		copy(sec.Bytes()[:want], buf[total:total+want])
		sec.BytesUsed = want
		n := b.Write(fd, sec.Bytes()[:want])
		pool.Release(b.sched, sec)
		if n < 0 {
			if total > 0 {
				return total
			}
			return n
		}
		total += n
		if n < want {
			break
		}
	}
	return total
}
