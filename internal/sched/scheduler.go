package sched

import (
	"fmt"
	"sync"

	"github.com/SmallBonsai/vmrt/internal/obslog"
	"github.com/SmallBonsai/vmrt/internal/status"
)

// Sentinel errors. These wrap the shared status sentinels so the vm
// package's status.FromError can classify them at the guest ABI boundary
// without sched depending on status.Code.
var (
	ErrNilEntry     = fmt.Errorf("sched: entry function is nil: %w", status.ErrParameter)
	ErrBadPriority  = fmt.Errorf("sched: invalid priority: %w", status.ErrParameter)
	ErrBadSleep     = fmt.Errorf("sched: sleep tick count must be >= 0: %w", status.ErrParameter)
	ErrUnknownID    = fmt.Errorf("sched: unknown thread id: %w", status.ErrID)
	ErrNotDead      = fmt.Errorf("sched: activate requires a DEAD thread: %w", status.ErrState)
	ErrAlreadyDead  = fmt.Errorf("sched: thread is already DEAD: %w", status.ErrState)
	ErrNotDeadYet   = fmt.Errorf("sched: delete requires a DEAD thread: %w", status.ErrState)
)

// Scheduler is the single-threaded cooperative scheduler (spec §4.1) and
// the owner of the thread table (spec §3). Its mutex is the runtime's one
// global lock (Design Note, §5): every collaborating package (mutexmgr,
// shmem, ioasync, fat16) holds a reference to the same Scheduler and uses
// Lock/Unlock plus the "Locked"-suffixed methods to perform compound
// check-then-park operations atomically.
//
// Locking contract: every "Locked"-suffixed method requires the caller to
// already hold the lock, and is guaranteed to still hold it on return —
// even ScheduleLocked, which internally releases the lock for the
// duration of hand-off to another goroutine and reacquires it before
// returning control to its caller.
type Scheduler struct {
	log *obslog.Logger

	threads map[int]*Thread
	nextID  int

	ready         [4]*threadQueue // indexed by Priority
	sleeping      *threadQueue
	mutexWaiting  *threadQueue
	memoryWaiting *threadQueue
	ioWaiting     *threadQueue

	current *Thread
	tick    uint64

	// MemoryAvailable and MemoryGrant let internal/shmem participate in
	// thread selection (selection rule step 1) without sched importing
	// shmem. Wired once during bootstrap.
	MemoryAvailable func() bool
	MemoryGrant     func(t *Thread)

	mu sync.Mutex
}

func New(log *obslog.Logger) *Scheduler {
	return &Scheduler{
		log:           log,
		threads:       make(map[int]*Thread),
		nextID:        1,
		ready:         [4]*threadQueue{newThreadQueue(), newThreadQueue(), newThreadQueue(), newThreadQueue()},
		sleeping:      newThreadQueue(),
		mutexWaiting:  newThreadQueue(),
		memoryWaiting: newThreadQueue(),
		ioWaiting:     newThreadQueue(),
	}
}

func (s *Scheduler) Lock()   { s.mu.Lock() }
func (s *Scheduler) Unlock() { s.mu.Unlock() }

// CurrentLocked returns the currently RUNNING thread. Requires the lock.
func (s *Scheduler) CurrentLocked() *Thread { return s.current }

// ThreadLocked looks a thread up by id. Requires the lock.
func (s *Scheduler) ThreadLocked(id int) (*Thread, error) {
	t, ok := s.threads[id]
	if !ok {
		return nil, ErrUnknownID
	}
	return t, nil
}

// Create registers a new DEAD thread (spec §3: "created DEAD").
func (s *Scheduler) Create(priority Priority, entry EntryFunc, arg any) (*Thread, error) {
	if entry == nil {
		return nil, ErrNilEntry
	}
	if priority < Idle || priority > High {
		return nil, ErrBadPriority
	}
	s.Lock()
	defer s.Unlock()
	id := s.nextID
	s.nextID++
	t := newThread(id, priority, entry, arg)
	s.threads[id] = t
	return t, nil
}

// Activate allocates the thread's backing goroutine and places it READY
// (spec §3: "activation allocates the stack and context and places it
// READY"). The thread must currently be DEAD.
func (s *Scheduler) Activate(id int) error {
	s.Lock()
	t, err := s.ThreadLocked(id)
	if err != nil {
		s.Unlock()
		return err
	}
	if t.state.Kind != Dead {
		s.Unlock()
		return ErrNotDead
	}
	t.state = State{Kind: Ready}
	s.enqueueReadyLocked(t)
	s.Unlock()

	go func() {
		<-t.wake
		t.Entry(t.Arg)
		s.Lock()
		s.terminateLocked(t)
		s.ScheduleLocked()
		s.Unlock()
	}()
	return nil
}

// AdoptCurrentAsMain synthesizes the main thread (spec §4.10) in place of
// the goroutine calling it: no backing goroutine is spawned, because the
// calling goroutine *is* its execution context, already RUNNING.
func (s *Scheduler) AdoptCurrentAsMain(entry EntryFunc, arg any) *Thread {
	s.Lock()
	defer s.Unlock()
	id := s.nextID
	s.nextID++
	t := newThread(id, Normal, entry, arg)
	t.state = State{Kind: Running}
	s.threads[id] = t
	s.current = t
	return t
}

// Terminate ends a thread: releases every mutex it owns and marks it DEAD
// (spec §3). release is called once per owned mutex id while the lock is
// held, so the mutex manager can hand ownership to the next waiter.
func (s *Scheduler) Terminate(id int, release func(mutexID int)) error {
	s.Lock()
	defer s.Unlock()
	t, err := s.ThreadLocked(id)
	if err != nil {
		return err
	}
	if t.state.Kind == Dead {
		return ErrAlreadyDead
	}
	for mid := range t.owned {
		if release != nil {
			release(mid)
		}
	}
	s.terminateLocked(t)
	if t == s.current {
		s.ScheduleLocked()
	}
	return nil
}

// terminateLocked removes t from whatever queue holds it and marks it
// DEAD. Requires the lock.
func (s *Scheduler) terminateLocked(t *Thread) {
	s.removeFromAnyQueueLocked(t)
	t.state = State{Kind: Dead}
	t.owned = make(map[int]struct{})
}

// Delete frees a DEAD thread's record (spec §3: "deletion frees the stack
// and removes the record").
func (s *Scheduler) Delete(id int) error {
	s.Lock()
	defer s.Unlock()
	t, err := s.ThreadLocked(id)
	if err != nil {
		return err
	}
	if t.state.Kind != Dead {
		return ErrNotDeadYet
	}
	delete(s.threads, id)
	return nil
}

// Sleep parks the calling thread for ticks ticks (spec §4.2). ticks == 0
// returns immediately without yielding the processor, matching most
// cooperative schedulers' "sleep(0)" behavior.
func (s *Scheduler) Sleep(ticks int) error {
	if ticks < 0 {
		return ErrBadSleep
	}
	if ticks == 0 {
		return nil
	}
	s.Lock()
	t := s.current
	t.state = State{Kind: Waiting, Reason: WaitSleep, SleepTicks: ticks}
	s.sleeping.pushBack(t)
	s.ScheduleLocked()
	s.Unlock()
	return nil
}

// CurrentID returns the id of the calling (RUNNING) thread.
func (s *Scheduler) CurrentID() int {
	s.Lock()
	defer s.Unlock()
	return s.current.ID
}

// StateOf returns a snapshot of the named thread's state.
func (s *Scheduler) StateOf(id int) (State, error) {
	s.Lock()
	defer s.Unlock()
	t, err := s.ThreadLocked(id)
	if err != nil {
		return State{}, err
	}
	return t.state, nil
}

// ParkCurrentLocked transitions the RUNNING thread to WAITING for the
// given reason and invokes the scheduler. Requires the lock; held again
// on return.
func (s *Scheduler) ParkCurrentLocked(reason WaitReason, sleepTicks, mutexTimeout int) {
	t := s.current
	t.state = State{Kind: Waiting, Reason: reason, SleepTicks: sleepTicks, MutexTimeout: mutexTimeout}
	switch reason {
	case WaitSleep:
		s.sleeping.pushBack(t)
	case WaitMutex:
		s.mutexWaiting.pushBack(t)
	case WaitMemory:
		s.memoryWaiting.pushBack(t)
	case WaitIO:
		s.ioWaiting.pushBack(t)
	}
	s.ScheduleLocked()
}

// MakeReadyLocked moves t out of whatever wait queue it's in and back to
// READY. Used by mutex release, tick aging, and I/O callbacks. Requires
// the lock.
func (s *Scheduler) MakeReadyLocked(t *Thread) {
	if t.state.Kind != Waiting {
		return
	}
	s.removeFromAnyQueueLocked(t)
	t.state = State{Kind: Ready}
	s.enqueueReadyLocked(t)
}

func (s *Scheduler) enqueueReadyLocked(t *Thread) {
	s.ready[t.Priority].pushBack(t)
}

func (s *Scheduler) removeFromAnyQueueLocked(t *Thread) {
	switch t.state.Kind {
	case Ready:
		s.ready[t.Priority].remove(t)
	case Waiting:
		switch t.state.Reason {
		case WaitSleep:
			s.sleeping.remove(t)
		case WaitMutex:
			s.mutexWaiting.remove(t)
		case WaitMemory:
			s.memoryWaiting.remove(t)
		case WaitIO:
			s.ioWaiting.remove(t)
		}
	}
}

// pickNext implements the selection rule of spec §4.1.
func (s *Scheduler) pickNext() *Thread {
	if !s.memoryWaiting.empty() && s.MemoryAvailable != nil && s.MemoryAvailable() {
		t := s.memoryWaiting.popFront()
		if s.MemoryGrant != nil {
			s.MemoryGrant(t)
		}
		return t
	}
	for p := High; p >= Idle; p-- {
		if q := s.ready[p]; !q.empty() {
			return q.popFront()
		}
	}
	return nil
}

// ScheduleLocked is the single entry point for every scheduling point
// named in spec §4.1 (VM call return, tick, I/O callback). Requires the
// lock; held again on return.
func (s *Scheduler) ScheduleLocked() {
	prev := s.current
	next := s.pickNext()
	if next == nil {
		// Nothing is ready: before the idle thread is activated
		// (bootstrap), or whenever the running thread (often idle itself,
		// from its own loop) has nothing to hand over to.
		return
	}

	if prev != nil && prev.state.Kind == Running {
		if next.Priority <= prev.Priority {
			// Selected thread isn't more urgent: put it back at the head
			// of its ready queue and keep running prev (the tie-break and
			// "ties are FIFO" policy falls out of pickNext always popping
			// the head).
			next.elem = s.ready[next.Priority].l.PushFront(next)
			return
		}
		prev.state = State{Kind: Ready}
		s.enqueueReadyLocked(prev)
	}

	next.state = State{Kind: Running}
	s.current = next

	if prev == next {
		return
	}

	// A DEAD prev is a thread whose goroutine reached this call from its
	// own termination path (see Activate's wrapper and Terminate): it is
	// about to return and exit for good, never again receiving on its
	// wake channel, so waiting for it here would leak this goroutine
	// forever. Only a prev that is still alive (Ready after preemption, or
	// Waiting after parking itself, about to block on its own wake) is
	// waited for.
	waitForPrev := prev != nil && prev.state.Kind != Dead

	s.mu.Unlock()
	next.wake <- struct{}{}
	if waitForPrev {
		<-prev.wake
	}
	s.mu.Lock()
}

// Idle reports whether t runs at Idle priority, the band the scheduler's
// idle thread occupies.
func (t *Thread) Idle() bool { return t.Priority == Idle }
