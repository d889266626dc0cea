package sched

// MutexTimeoutFunc is invoked once per thread whose mutex-wait timeout
// expires during a tick, while the scheduler lock is held, so the mutex
// manager can scrub the thread out of the mutex's own waiter list (spec
// §4.2: "removed from the waiting-on-mutex queue ... and from the
// mutex's waiter list upon its next acquire check").
type MutexTimeoutFunc func(t *Thread)

// Tick runs the alarm handler (spec §4.2). It ages every sleeping and
// mutex-waiting thread's counter and makes the ones that hit zero READY.
// onMutexTimeout may be nil.
//
// It deliberately does not itself invoke ScheduleLocked: the alarm fires
// on a goroutine that owns no Thread, and the blocking half of a context
// switch (waiting on the outgoing thread's wake channel) is only safe
// for a thread's own goroutine to perform on itself. A newly-READY
// thread is picked up the same way any other foreign-signaled readiness
// is: by the idle thread's own scheduling loop if nothing else is
// running, or by the currently RUNNING thread's own next voluntary
// scheduling point otherwise — matching the "no forced preemption"
// reading of spec §"Non-goals".
func (s *Scheduler) Tick(onMutexTimeout MutexTimeoutFunc) {
	s.Lock()
	defer s.Unlock()

	s.tick++

	// Age mutex-wait timeouts. Indefinite waits (MutexTimeout < 0) are
	// skipped, matching sleep's "threads with indefinite waits are
	// skipped".
	var expired []*Thread
	for e := s.mutexWaiting.l.Front(); e != nil; {
		next := e.Next()
		t := e.Value.(*Thread)
		if t.state.MutexTimeout >= 0 {
			t.state.MutexTimeout--
			if t.state.MutexTimeout <= 0 {
				expired = append(expired, t)
			}
		}
		e = next
	}
	for _, t := range expired {
		s.mutexWaiting.remove(t)
		s.MakeReadyLockedFromWait(t)
		if onMutexTimeout != nil {
			onMutexTimeout(t)
		}
	}

	// Age sleep counters.
	var woken []*Thread
	for e := s.sleeping.l.Front(); e != nil; {
		next := e.Next()
		t := e.Value.(*Thread)
		if t.state.SleepTicks >= 0 {
			t.state.SleepTicks--
			if t.state.SleepTicks <= 0 {
				woken = append(woken, t)
			}
		}
		e = next
	}
	for _, t := range woken {
		s.sleeping.remove(t)
		s.MakeReadyLockedFromWait(t)
	}
}

// MakeReadyLockedFromWait is like MakeReadyLocked but the thread has
// already been removed from its wait queue (the tick handler does this
// itself so it can walk the list safely while mutating it). Requires the
// lock.
func (s *Scheduler) MakeReadyLockedFromWait(t *Thread) {
	t.state = State{Kind: Ready}
	s.enqueueReadyLocked(t)
}

// TickCount returns the number of ticks observed so far.
func (s *Scheduler) TickCount() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.tick
}
