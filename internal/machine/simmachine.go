package machine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// SimMachine is a deterministic, in-process Machine implementation used by
// this module's tests and by cmd/vmrt as the default backend. Every
// "asynchronous" call is dispatched onto its own goroutine and the
// callback is invoked once the operation completes; nothing here spins or
// busy-waits, matching the park/resume contract internal/ioasync expects.
//
// fd 0/1/2 are wired to os.Stdin/os.Stdout/os.Stderr, matching the
// runtime's reserved console descriptors. fd >= 3 are backed by *os.File
// instances returned from OpenFile.
type SimMachine struct {
	mu      sync.Mutex
	files   map[int]*os.File
	nextFD  int
	alarmMu sync.Mutex
	alarm   *time.Ticker
	done    chan struct{}
	closed  atomic.Bool
}

// NewSimMachine constructs a SimMachine with stdio wired to descriptors 0-2.
func NewSimMachine() *SimMachine {
	return &SimMachine{
		files:  map[int]*os.File{0: os.Stdin, 1: os.Stdout, 2: os.Stderr},
		nextFD: 3,
		done:   make(chan struct{}),
	}
}

func (m *SimMachine) Initialize(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (m *SimMachine) EnableSignals() error  { return nil }
func (m *SimMachine) SuspendSignals() error { return nil }
func (m *SimMachine) ResumeSignals() error  { return nil }

func (m *SimMachine) RequestAlarm(intervalMS int, fn func()) error {
	if intervalMS <= 0 {
		return fmt.Errorf("simmachine: invalid alarm interval %dms", intervalMS)
	}
	m.alarmMu.Lock()
	defer m.alarmMu.Unlock()
	if m.alarm != nil {
		return fmt.Errorf("simmachine: alarm already armed")
	}
	m.alarm = time.NewTicker(time.Duration(intervalMS) * time.Millisecond)
	go func() {
		for {
			select {
			case <-m.alarm.C:
				fn()
			case <-m.done:
				return
			}
		}
	}()
	return nil
}

// ContextCreate and ContextSwitch are not used by the goroutine-baton
// scheduler in internal/sched (see DESIGN.md); they are kept so SimMachine
// satisfies Machine in full and remain available to a future stackful
// implementation.
func (m *SimMachine) ContextCreate(stackSize int, fn func()) (ContextHandle, error) {
	return ContextHandle(0), nil
}

func (m *SimMachine) ContextSwitch(from, to ContextHandle) error { return nil }

func (m *SimMachine) OpenFile(ctx context.Context, path string, flags OpenFlags, cb func(fd int, result int)) {
	go func() {
		osFlags := 0
		switch {
		case flags.Readable() && flags.Writable():
			osFlags = os.O_RDWR
		case flags.Writable():
			osFlags = os.O_WRONLY
		default:
			osFlags = os.O_RDONLY
		}
		if flags.HasCreate() {
			osFlags |= os.O_CREATE
		}
		if flags.HasAppend() {
			osFlags |= os.O_APPEND
		}
		f, err := os.OpenFile(path, osFlags, 0o644)
		if err != nil {
			cb(-1, -1)
			return
		}
		m.mu.Lock()
		fd := m.nextFD
		m.nextFD++
		m.files[fd] = f
		m.mu.Unlock()
		cb(fd, 0)
	}()
}

func (m *SimMachine) fileFor(fd int) (*os.File, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fd]
	return f, ok
}

func (m *SimMachine) CloseFile(fd int, cb Callback) {
	go func() {
		f, ok := m.fileFor(fd)
		if !ok {
			cb(-1)
			return
		}
		if fd > 2 {
			m.mu.Lock()
			delete(m.files, fd)
			m.mu.Unlock()
			if err := f.Close(); err != nil {
				cb(-1)
				return
			}
		}
		cb(0)
	}()
}

func (m *SimMachine) ReadFile(fd int, buf []byte, cb Callback) {
	go func() {
		f, ok := m.fileFor(fd)
		if !ok {
			cb(-1)
			return
		}
		n, err := f.Read(buf)
		if err != nil && err != io.EOF {
			cb(-1)
			return
		}
		cb(n)
	}()
}

func (m *SimMachine) WriteFile(fd int, buf []byte, cb Callback) {
	go func() {
		f, ok := m.fileFor(fd)
		if !ok {
			cb(-1)
			return
		}
		n, err := f.Write(buf)
		if err != nil {
			cb(-1)
			return
		}
		cb(n)
	}()
}

func (m *SimMachine) SeekFile(fd int, offset int64, whence SeekWhence, cb Callback) {
	go func() {
		f, ok := m.fileFor(fd)
		if !ok {
			cb(-1)
			return
		}
		var osWhence int
		switch whence {
		case SeekSet:
			osWhence = io.SeekStart
		case SeekCur:
			osWhence = io.SeekCurrent
		case SeekEnd:
			osWhence = io.SeekEnd
		}
		pos, err := f.Seek(offset, osWhence)
		if err != nil {
			cb(-1)
			return
		}
		cb(int(pos))
	}()
}

func (m *SimMachine) Terminate() error {
	if m.closed.Swap(true) {
		return nil
	}
	close(m.done)
	m.alarmMu.Lock()
	if m.alarm != nil {
		m.alarm.Stop()
	}
	m.alarmMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	for fd, f := range m.files {
		if fd > 2 {
			_ = f.Close()
		}
	}
	return nil
}
