package sched

import "container/list"

// threadQueue is a FIFO of *Thread backed by container/list, so removing a
// specific thread (e.g. when a mutex wait times out, or a sleep ends
// early) is O(1) given the Thread's stored list.Element, rather than the
// linear queue-rotation scan Design Note 5 warns against.
type threadQueue struct {
	l *list.List
}

func newThreadQueue() *threadQueue {
	return &threadQueue{l: list.New()}
}

func (q *threadQueue) pushBack(t *Thread) {
	t.elem = q.l.PushBack(t)
}

func (q *threadQueue) popFront() *Thread {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	q.l.Remove(e)
	t := e.Value.(*Thread)
	t.elem = nil
	return t
}

func (q *threadQueue) remove(t *Thread) {
	if t.elem == nil {
		return
	}
	q.l.Remove(t.elem)
	t.elem = nil
}

func (q *threadQueue) empty() bool { return q.l.Len() == 0 }

func (q *threadQueue) len() int { return q.l.Len() }

// front peeks without removing.
func (q *threadQueue) front() *Thread {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*Thread)
}
