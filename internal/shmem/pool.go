// Package shmem implements the shared-memory section pool of spec §3
// ("Shared-memory section") and §4.5: the only legal DMA buffer for
// machine I/O, lent to one in-flight caller at a time and returned to a
// FIFO free queue.
//
// Pool carries no mutex of its own. Every method takes the scheduler and
// runs under its single global lock (Design Note, spec §5), and the pool
// participates directly in thread selection via Scheduler.MemoryAvailable
// and Scheduler.MemoryGrant (spec §4.1 selection rule, step 1).
package shmem

import (
	"container/list"

	"github.com/SmallBonsai/vmrt/internal/sched"
)

// SectionSize is the fixed DMA buffer size, spec §3.
const SectionSize = 512

// Section is one 512-byte window into the pool's backing region.
type Section struct {
	Start     int // byte offset into the pool's base region
	Index     int
	BytesUsed int

	buf      []byte
	loanedTo int // thread id, or 0 when free
}

// Bytes returns the section's backing buffer.
func (s *Section) Bytes() []byte { return s.buf }

// Pool is the fixed set of Sections carved from the machine's shared
// memory region at bootstrap (spec §4.10).
type Pool struct {
	sections []*Section
	free     *list.List // of *Section
	pending  map[int]*Section
}

// SectionCount computes spec §3's "Pool size = ⌈sharedSize / pageSize⌉ ·
// pageSize / 512".
func SectionCount(sharedSize, pageSize int) int {
	if pageSize <= 0 {
		pageSize = 4096
	}
	pages := (sharedSize + pageSize - 1) / pageSize
	return (pages * pageSize) / SectionSize
}

// New carves base into SectionSize-byte sections, all initially free.
// len(base) must be a multiple of SectionSize.
func New(base []byte) *Pool {
	n := len(base) / SectionSize
	p := &Pool{
		sections: make([]*Section, n),
		free:     list.New(),
		pending:  make(map[int]*Section),
	}
	for i := 0; i < n; i++ {
		sec := &Section{
			Start: i * SectionSize,
			Index: i,
			buf:   base[i*SectionSize : (i+1)*SectionSize],
		}
		p.sections[i] = sec
		p.free.PushBack(sec)
	}
	return p
}

// Total returns the number of sections in the pool.
func (p *Pool) Total() int { return len(p.sections) }

// Wire registers the pool with the scheduler's selection rule, so a
// thread parked on WaitMemory is picked as soon as a section frees up.
func (p *Pool) Wire(s *sched.Scheduler) {
	s.MemoryAvailable = func() bool { return p.free.Len() > 0 }
	s.MemoryGrant = func(t *sched.Thread) {
		sec := p.popFreeLocked()
		if sec == nil {
			// MemoryAvailable lied; nothing to grant. Shouldn't happen
			// since both run under the same lock with no intervening
			// mutation.
			return
		}
		sec.loanedTo = t.ID
		p.pending[t.ID] = sec
	}
}

func (p *Pool) popFreeLocked() *Section {
	e := p.free.Front()
	if e == nil {
		return nil
	}
	p.free.Remove(e)
	return e.Value.(*Section)
}

// Acquire lends a free section to the calling thread, parking it on the
// memory-wait queue if none is currently free (spec §4.5).
func (p *Pool) Acquire(s *sched.Scheduler) *Section {
	s.Lock()
	if sec := p.popFreeLocked(); sec != nil {
		sec.loanedTo = s.CurrentLocked().ID
		s.Unlock()
		return sec
	}
	caller := s.CurrentLocked()
	s.ParkCurrentLocked(sched.WaitMemory, 0, 0)
	sec := p.pending[caller.ID]
	delete(p.pending, caller.ID)
	s.Unlock()
	return sec
}

// Release returns sec to the free queue and gives the scheduler a chance
// to wake a thread that was waiting on memory (spec §4.5: "the scheduler
// resumes it when Release pushes a section back").
func (p *Pool) Release(s *sched.Scheduler, sec *Section) {
	s.Lock()
	sec.loanedTo = 0
	sec.BytesUsed = 0
	p.free.PushBack(sec)
	s.ScheduleLocked()
	s.Unlock()
}
