// Package machine defines the contract for the "machine" collaborator: the
// raw, hardware-adjacent primitives the VM runtime is built on top of.
//
// The production implementation of this contract — context creation and
// switching, signal suspension, the tick alarm, and the actual
// asynchronous block-device I/O — is out of scope for this module (see
// spec §1, "Out of scope"). What lives here is the interface the rest of
// the runtime programs against, plus SimMachine, a deterministic test
// double used by this module's own tests and by cmd/vmrt when no real
// machine is wired in.
package machine

import "context"

// SeekWhence mirrors the three POSIX seek origins.
type SeekWhence int

const (
	SeekSet SeekWhence = iota
	SeekCur
	SeekEnd
)

// OpenFlags are the access-mode bits a file or directory Open call is made
// with. They are bit flags so CREAT/APPEND compose with an access mode.
type OpenFlags int

const (
	AccessRead OpenFlags = 1 << iota
	AccessWrite
	Create
	Append
)

func (f OpenFlags) Readable() bool { return f&AccessRead != 0 }
func (f OpenFlags) Writable() bool { return f&AccessWrite != 0 }
func (f OpenFlags) HasCreate() bool { return f&Create != 0 }
func (f OpenFlags) HasAppend() bool { return f&Append != 0 }

// Callback is invoked by the machine, later, in what the spec calls
// "signal context": a single execution context with further signals
// masked. Callbacks must not block and must not call back into guest
// code; they only record a result and hand it to the scheduler (see
// internal/ioasync).
//
// result is the machine-level outcome: a non-negative value is the number
// of bytes transferred (read/write) or is otherwise call-specific; a
// negative value is a machine-level failure.
type Callback func(result int)

// ContextHandle identifies a machine execution context (the saved
// register/stack state behind a scheduler Thread).
type ContextHandle uintptr

// Machine is the external collaborator contract. Every method that takes
// a Callback is asynchronous: it returns immediately and the Callback
// fires later from an unspecified, signal-masked execution context.
type Machine interface {
	// Initialize performs synchronous one-time setup and returns the base
	// address of a shared-memory region at least size bytes long, usable
	// as DMA-eligible I/O buffers.
	Initialize(size int) (base []byte, err error)

	// EnableSignals, SuspendSignals, and ResumeSignals bracket the
	// critical sections every VM call runs inside of.
	EnableSignals() error
	SuspendSignals() error
	ResumeSignals() error

	// RequestAlarm arms a recurring tick alarm that fires fn every
	// intervalMS milliseconds until the machine is terminated.
	RequestAlarm(intervalMS int, fn func()) error

	// ContextCreate allocates a new execution context that will invoke fn
	// the first time it's switched to. stackSize bytes are reserved for
	// it.
	ContextCreate(stackSize int, fn func()) (ContextHandle, error)

	// ContextSwitch transfers control from the calling context to to.
	ContextSwitch(from, to ContextHandle) error

	// Open, Close, Read, Write, and Seek are asynchronous block-device
	// primitives. fd identifies an already-open underlying device/file;
	// OpenFile itself returns a fresh one.
	OpenFile(ctx context.Context, path string, flags OpenFlags, cb func(fd int, result int))
	CloseFile(fd int, cb Callback)
	ReadFile(fd int, buf []byte, cb Callback)
	WriteFile(fd int, buf []byte, cb Callback)
	SeekFile(fd int, offset int64, whence SeekWhence, cb Callback)

	// Terminate shuts the machine down; no further callbacks fire after
	// it returns.
	Terminate() error
}
