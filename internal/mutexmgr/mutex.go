// Package mutexmgr implements the binary mutual-exclusion locks of spec
// §3 ("Mutex") and §4.3 ("Mutex manager"): FIFO waiters, priority-aware
// handoff on release, and acquire timeouts aged by the scheduler's tick
// handler.
//
// Every operation here runs under the sched.Scheduler's single global
// lock (Design Note, spec §5) rather than a lock of its own, so a mutex
// acquire that must block and the scheduler's context switch that follows
// it are one atomic step.
package mutexmgr

import (
	"container/list"
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/SmallBonsai/vmrt/internal/obslog"
	"github.com/SmallBonsai/vmrt/internal/sched"
	"github.com/SmallBonsai/vmrt/internal/status"
)

// Timeout sentinels for Acquire's timeoutTicks parameter.
const (
	Immediate = 0
	Infinite  = -1
)

var (
	ErrUnknownID  = fmt.Errorf("mutexmgr: unknown mutex id: %w", status.ErrID)
	ErrLocked     = fmt.Errorf("mutexmgr: delete requires an unlocked mutex: %w", status.ErrState)
	ErrNotOwner   = fmt.Errorf("mutexmgr: release called by a non-owner: %w", status.ErrState)
	ErrWouldBlock = fmt.Errorf("mutexmgr: would block: %w", status.ErrFailure)
	ErrTimedOut   = fmt.Errorf("mutexmgr: acquire timed out: %w", status.ErrFailure)
)

// Mutex is spec §3's "Mutex": identity, lock flag, owner, and a FIFO
// waiter list.
type Mutex struct {
	ID      int
	locked  bool
	owner   int
	waiters *list.List // of *sched.Thread
}

// Manager owns the mutex table.
type Manager struct {
	sched *sched.Scheduler
	log   *obslog.Logger

	mutexes map[int]*Mutex
	nextID  int

	// waiterElem/waiterMutex index a waiting thread back to its list
	// node and owning Mutex, so the tick handler's timeout callback can
	// scrub it out of the mutex's waiter list in O(1) (spec §4.2).
	waiterElem  map[int]*list.Element
	waiterMutex map[int]*Mutex

	// timeoutLimiter throttles the "mutex acquire timed out" log line so
	// a guest thrashing a contended mutex can't flood the log.
	timeoutLimiter *catrate.Limiter
}

// New constructs a Manager bound to s. Passing the returned Manager's
// OnMutexTimeout to s.Tick scrubs and logs a timed-out waiter at tick time;
// with a nil callback the wait still expires, and Acquire scrubs the
// waiter itself when it wakes.
func New(s *sched.Scheduler, log *obslog.Logger) *Manager {
	return &Manager{
		sched:          s,
		log:            log,
		mutexes:        make(map[int]*Mutex),
		nextID:         1,
		waiterElem:     make(map[int]*list.Element),
		waiterMutex:    make(map[int]*Mutex),
		timeoutLimiter: catrate.NewLimiter(map[time.Duration]int{time.Second: 5}),
	}
}

// Create allocates a new, unlocked mutex.
func (m *Manager) Create() *Mutex {
	m.sched.Lock()
	defer m.sched.Unlock()
	id := m.nextID
	m.nextID++
	mtx := &Mutex{ID: id, waiters: list.New()}
	m.mutexes[id] = mtx
	return mtx
}

// Delete removes a mutex. It must be unlocked (spec §4.3).
func (m *Manager) Delete(id int) error {
	m.sched.Lock()
	defer m.sched.Unlock()
	mtx, ok := m.mutexes[id]
	if !ok {
		return ErrUnknownID
	}
	if mtx.locked {
		return ErrLocked
	}
	delete(m.mutexes, id)
	return nil
}

// Query reports a mutex's lock state and, if locked, its owner.
func (m *Manager) Query(id int) (locked bool, owner int, err error) {
	m.sched.Lock()
	defer m.sched.Unlock()
	mtx, ok := m.mutexes[id]
	if !ok {
		return false, 0, ErrUnknownID
	}
	return mtx.locked, mtx.owner, nil
}

// Acquire implements spec §4.3's Acquire. timeoutTicks is Immediate (0),
// Infinite (-1), or a positive finite tick count.
func (m *Manager) Acquire(id int, timeoutTicks int) error {
	m.sched.Lock()
	mtx, ok := m.mutexes[id]
	if !ok {
		m.sched.Unlock()
		return ErrUnknownID
	}

	caller := m.sched.CurrentLocked()

	if !mtx.locked {
		mtx.locked = true
		mtx.owner = caller.ID
		caller.MarkOwned(id)
		m.sched.Unlock()
		return nil
	}

	if timeoutTicks == Immediate {
		m.sched.Unlock()
		return ErrWouldBlock
	}

	elem := mtx.waiters.PushBack(caller)
	m.waiterElem[caller.ID] = elem
	m.waiterMutex[caller.ID] = mtx

	m.sched.ParkCurrentLocked(sched.WaitMutex, 0, timeoutTicks)
	// Resumed either by Release (ownership already transferred) or by a
	// tick timeout (OnMutexTimeout already scrubbed the waiter list).

	granted := mtx.owner == caller.ID
	m.removeWaiterLocked(caller.ID)
	m.sched.Unlock()
	if !granted {
		return ErrTimedOut
	}
	return nil
}

// Release implements spec §4.3's Release: only the owner may release, and
// the head of the waiter queue (if any) is granted ownership and made
// READY, preempting immediately if it outranks the releasing thread.
func (m *Manager) Release(id int) error {
	m.sched.Lock()
	mtx, ok := m.mutexes[id]
	if !ok {
		m.sched.Unlock()
		return ErrUnknownID
	}
	caller := m.sched.CurrentLocked()
	if !mtx.locked || mtx.owner != caller.ID {
		m.sched.Unlock()
		return ErrNotOwner
	}
	caller.ClearOwned(id)

	next := m.handOffLocked(mtx)
	if next != nil && next.Priority > caller.Priority {
		m.sched.ScheduleLocked()
	}
	m.sched.Unlock()
	return nil
}

// handOffLocked grants mtx to the head of its waiter queue, if any,
// making that thread READY, or marks mtx unlocked if no one is waiting.
// It returns the newly granted owner, or nil. Requires the scheduler
// lock.
func (m *Manager) handOffLocked(mtx *Mutex) *sched.Thread {
	front := mtx.waiters.Front()
	if front == nil {
		mtx.locked = false
		mtx.owner = 0
		return nil
	}
	next := front.Value.(*sched.Thread)
	mtx.waiters.Remove(front)
	delete(m.waiterElem, next.ID)
	delete(m.waiterMutex, next.ID)

	mtx.owner = next.ID
	next.MarkOwned(mtx.ID)
	m.sched.MakeReadyLocked(next)
	return next
}

// ReleaseOnTerminateLocked force-releases mtxID on behalf of ownerID,
// without the "only the owner may release" check Release performs — the
// terminating thread is, by construction, the current owner. It is
// intended to be bound (via closure, over ownerID) as the release
// callback passed to Scheduler.Terminate, which already holds the
// scheduler lock when it calls back.
func (m *Manager) ReleaseOnTerminateLocked(ownerID, mtxID int) {
	mtx, ok := m.mutexes[mtxID]
	if !ok || mtx.owner != ownerID {
		return
	}
	m.handOffLocked(mtx)
}

// OnMutexTimeout is passed to Scheduler.Tick, which invokes it with the
// scheduler lock already held. It scrubs a thread whose wait timed out
// out of its mutex's waiter list (spec §4.2).
func (m *Manager) OnMutexTimeout(t *sched.Thread) {
	m.removeWaiterLocked(t.ID)
	if m.log != nil {
		if _, ok := m.timeoutLimiter.Allow("mutex-timeout"); ok {
			m.log.Warning().Int64(`thread`, int64(t.ID)).Log(`mutex acquire timed out`)
		}
	}
}

func (m *Manager) removeWaiterLocked(threadID int) {
	mtx, ok := m.waiterMutex[threadID]
	if !ok {
		return
	}
	if elem, ok := m.waiterElem[threadID]; ok {
		mtx.waiters.Remove(elem)
	}
	delete(m.waiterElem, threadID)
	delete(m.waiterMutex, threadID)
}
