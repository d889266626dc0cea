package vm

import (
	"github.com/SmallBonsai/vmrt/internal/fat16"
	"github.com/SmallBonsai/vmrt/internal/machine"
	"github.com/SmallBonsai/vmrt/internal/sched"
	"github.com/SmallBonsai/vmrt/internal/status"
	"github.com/SmallBonsai/vmrt/internal/vfs"
)

// TickMS returns the configured tick interval in milliseconds.
func (rt *Runtime) TickMS() int { return rt.cfg.TickIntervalMS }

// TickCount returns the number of ticks the scheduler has processed.
func (rt *Runtime) TickCount() uint64 { return rt.sched.TickCount() }

// ThreadCreate implements the guest ABI's thread creation call.
func (rt *Runtime) ThreadCreate(priority sched.Priority, entry sched.EntryFunc, arg any) (int, status.Code) {
	t, err := rt.sched.Create(priority, entry, arg)
	if err != nil {
		return 0, status.FromError(err)
	}
	return t.ID, status.Success
}

// ThreadActivate implements the guest ABI's thread activation call.
func (rt *Runtime) ThreadActivate(id int) status.Code {
	return status.FromError(rt.sched.Activate(id))
}

// ThreadTerminate implements the guest ABI's thread termination call.
func (rt *Runtime) ThreadTerminate(id int) status.Code {
	release := func(mutexID int) { rt.mutexes.ReleaseOnTerminateLocked(id, mutexID) }
	return status.FromError(rt.sched.Terminate(id, release))
}

// ThreadDelete implements the guest ABI's thread deletion call.
func (rt *Runtime) ThreadDelete(id int) status.Code {
	return status.FromError(rt.sched.Delete(id))
}

// ThreadSleep implements the guest ABI's thread sleep call.
func (rt *Runtime) ThreadSleep(ticks int) status.Code {
	return status.FromError(rt.sched.Sleep(ticks))
}

// ThreadID implements the guest ABI's "current thread id" call.
func (rt *Runtime) ThreadID() int { return rt.sched.CurrentID() }

// ThreadState implements the guest ABI's thread state query call.
func (rt *Runtime) ThreadState(id int) (sched.State, status.Code) {
	st, err := rt.sched.StateOf(id)
	return st, status.FromError(err)
}

// MutexCreate implements the guest ABI's mutex creation call.
func (rt *Runtime) MutexCreate() int { return rt.mutexes.Create().ID }

// MutexDelete implements the guest ABI's mutex deletion call.
func (rt *Runtime) MutexDelete(id int) status.Code {
	return status.FromError(rt.mutexes.Delete(id))
}

// MutexAcquire implements the guest ABI's mutex acquire call. timeoutTicks
// is mutexmgr.Immediate, mutexmgr.Infinite, or a positive finite count.
func (rt *Runtime) MutexAcquire(id, timeoutTicks int) status.Code {
	return status.FromError(rt.mutexes.Acquire(id, timeoutTicks))
}

// MutexRelease implements the guest ABI's mutex release call.
func (rt *Runtime) MutexRelease(id int) status.Code {
	return status.FromError(rt.mutexes.Release(id))
}

// MutexQuery implements the guest ABI's mutex query call.
func (rt *Runtime) MutexQuery(id int) (locked bool, owner int, code status.Code) {
	locked, owner, err := rt.mutexes.Query(id)
	return locked, owner, status.FromError(err)
}

// FileOpen implements the guest ABI's file open call.
func (rt *Runtime) FileOpen(name string, flags machine.OpenFlags) (fd int, code status.Code) {
	fd, err := rt.files.Open(name, flags)
	return fd, status.FromError(err)
}

// FileClose implements the guest ABI's file close call.
func (rt *Runtime) FileClose(fd int) status.Code {
	return status.FromError(rt.files.Close(fd))
}

// FileRead implements the guest ABI's file read call.
func (rt *Runtime) FileRead(fd int, buf []byte) (int, status.Code) {
	n, err := rt.files.Read(fd, buf)
	return n, status.FromError(err)
}

// FileWrite implements the guest ABI's file write call.
func (rt *Runtime) FileWrite(fd int, buf []byte) (int, status.Code) {
	n, err := rt.files.Write(fd, buf)
	return n, status.FromError(err)
}

// FileSeek implements the guest ABI's file seek call.
func (rt *Runtime) FileSeek(fd, offset int, whence vfs.SeekWhence) (int, status.Code) {
	n, err := rt.files.Seek(fd, offset, whence)
	return n, status.FromError(err)
}

// DirectoryOpen implements the guest ABI's directory open call. path must
// be "/": subdirectories are unsupported (spec §4.9).
func (rt *Runtime) DirectoryOpen(path string) status.Code {
	return status.FromError(rt.root.Open(path))
}

// DirectoryClose implements the guest ABI's directory close call.
func (rt *Runtime) DirectoryClose() status.Code {
	return status.FromError(rt.root.Close())
}

// DirectoryRead implements the guest ABI's directory read call.
func (rt *Runtime) DirectoryRead() (fat16.Dirent, status.Code) {
	d, err := rt.root.Read()
	return d, status.FromError(err)
}

// DirectoryRewind implements the guest ABI's directory rewind call.
func (rt *Runtime) DirectoryRewind() status.Code {
	return status.FromError(rt.root.Rewind())
}

// DirectoryCurrent implements the guest ABI's current-directory call.
func (rt *Runtime) DirectoryCurrent() string { return rt.root.Current() }

// DirectoryChange implements the guest ABI's change-directory call. Always
// fails: subdirectories are unsupported (spec §4.9).
func (rt *Runtime) DirectoryChange(path string) status.Code {
	return status.FromError(rt.root.Change(path))
}

// DateTimeNow implements the guest ABI's DateTime snapshot call.
func (rt *Runtime) DateTimeNow() fat16.DateTime { return rt.Now() }
