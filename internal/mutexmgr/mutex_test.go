package mutexmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmallBonsai/vmrt/internal/sched"
)

func newTestScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	s := sched.New(nil)
	idle, err := s.Create(sched.Idle, func(any) {
		for {
			s.Lock()
			s.ScheduleLocked()
			s.Unlock()
		}
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Activate(idle.ID))
	return s
}

func kick(s *sched.Scheduler) {
	s.Lock()
	s.ScheduleLocked()
	s.Unlock()
}

// waitUntilWaiting polls until id's thread has actually parked, so a test
// driving Tick by hand doesn't race that thread's own goroutine getting
// CPU time to reach its blocking call.
func waitUntilWaiting(t *testing.T, s *sched.Scheduler, id int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := s.StateOf(id)
		require.NoError(t, err)
		if st.Kind == sched.Waiting {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("thread %d never reached WAITING", id)
}

func spawn(t *testing.T, s *sched.Scheduler, priority sched.Priority, fn func()) int {
	t.Helper()
	th, err := s.Create(priority, func(any) { fn() }, nil)
	require.NoError(t, err)
	require.NoError(t, s.Activate(th.ID))
	return th.ID
}

func TestAcquireRelease_UncontendedRoundTrip(t *testing.T) {
	s := newTestScheduler(t)
	m := New(s, nil)
	mtx := m.Create()

	done := make(chan struct{})
	spawn(t, s, sched.Normal, func() {
		require.NoError(t, m.Acquire(mtx.ID, Infinite))
		locked, owner, err := m.Query(mtx.ID)
		require.NoError(t, err)
		assert.True(t, locked)
		assert.Equal(t, s.CurrentID(), owner)
		require.NoError(t, m.Release(mtx.ID))
		close(done)
	})
	kick(s)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquirer never completed")
	}

	locked, _, err := m.Query(mtx.ID)
	require.NoError(t, err)
	assert.False(t, locked)
}

// holdForever is long enough that a test's own assertions complete well
// before the holding thread would ever wake back up on its own.
const holdForever = 1 << 20

func TestAcquire_ImmediateFailsWhenLocked(t *testing.T) {
	s := newTestScheduler(t)
	m := New(s, nil)
	mtx := m.Create()

	holding := make(chan struct{})
	spawn(t, s, sched.Normal, func() {
		require.NoError(t, m.Acquire(mtx.ID, Infinite))
		close(holding)
		// A real sleep (rather than a bare channel block) lets the
		// holder's own goroutine hand the baton to other ready threads
		// cooperatively, the same way spec-described guest code would.
		require.NoError(t, s.Sleep(holdForever))
	})
	kick(s)
	<-holding

	// A distinct thread attempting a non-blocking acquire on the held
	// mutex must see ErrWouldBlock without parking.
	outcome := make(chan error, 1)
	spawn(t, s, sched.Normal, func() {
		outcome <- m.Acquire(mtx.ID, Immediate)
	})

	select {
	case err := <-outcome:
		assert.ErrorIs(t, err, ErrWouldBlock)
	case <-time.After(time.Second):
		t.Fatal("immediate acquire never returned")
	}
}

func TestAcquire_TimesOutAndLeavesOwnerUnchanged(t *testing.T) {
	s := newTestScheduler(t)
	m := New(s, nil)
	mtx := m.Create()

	var ownerID int
	ownerReady := make(chan struct{})
	spawn(t, s, sched.Normal, func() {
		require.NoError(t, m.Acquire(mtx.ID, Infinite))
		ownerID = s.CurrentID()
		close(ownerReady)
		require.NoError(t, s.Sleep(holdForever))
	})
	kick(s)
	<-ownerReady

	waiterErr := make(chan error, 1)
	waiterID := spawn(t, s, sched.Normal, func() {
		waiterErr <- m.Acquire(mtx.ID, 5)
	})
	waitUntilWaiting(t, s, waiterID)

	for i := 0; i < 5; i++ {
		s.Tick(m.OnMutexTimeout)
	}

	select {
	case err := <-waiterErr:
		assert.ErrorIs(t, err, ErrTimedOut)
	case <-time.After(time.Second):
		t.Fatal("waiter never timed out")
	}

	locked, owner, err := m.Query(mtx.ID)
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, ownerID, owner)
}

func TestRelease_HandsOffToHigherPriorityWaiterImmediately(t *testing.T) {
	s := newTestScheduler(t)
	m := New(s, nil)
	mtx := m.Create()

	acquired := make(chan struct{})
	spawn(t, s, sched.Normal, func() {
		require.NoError(t, m.Acquire(mtx.ID, Infinite))
		close(acquired)
		// A brief, finite sleep stands in for "doing other work while
		// still holding the mutex": it cooperatively yields so the
		// higher-priority waiter below gets a chance to park on the
		// mutex before this thread releases it.
		require.NoError(t, s.Sleep(2))
		require.NoError(t, m.Release(mtx.ID))
	})
	kick(s)
	<-acquired

	gotOwnership := make(chan struct{})
	highID := spawn(t, s, sched.High, func() {
		require.NoError(t, m.Acquire(mtx.ID, Infinite))
		close(gotOwnership)
	})
	waitUntilWaiting(t, s, highID)

	for i := 0; i < 2; i++ {
		s.Tick(nil)
	}

	select {
	case <-gotOwnership:
	case <-time.After(time.Second):
		t.Fatal("high-priority waiter never acquired the mutex")
	}

	_, owner, err := m.Query(mtx.ID)
	require.NoError(t, err)
	assert.Equal(t, highID, owner)
}

func TestDelete_RejectsLockedMutex(t *testing.T) {
	s := newTestScheduler(t)
	m := New(s, nil)
	mtx := m.Create()

	done := make(chan struct{})
	spawn(t, s, sched.Normal, func() {
		require.NoError(t, m.Acquire(mtx.ID, Infinite))
		close(done)
		require.NoError(t, s.Sleep(holdForever))
	})
	kick(s)
	<-done

	err := m.Delete(mtx.ID)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestRelease_RejectsNonOwner(t *testing.T) {
	s := newTestScheduler(t)
	m := New(s, nil)
	mtx := m.Create()

	done := make(chan error, 1)
	spawn(t, s, sched.Normal, func() {
		done <- m.Release(mtx.ID)
	})
	kick(s)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotOwner)
	case <-time.After(time.Second):
		t.Fatal("release never returned")
	}
}
