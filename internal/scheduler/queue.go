package scheduler

import "container/heap"

// delayQueue orders tasks by trigger time, then submission order.
type delayQueue []*task

func (q delayQueue) Len() int { return len(q) }

func (q delayQueue) Less(i, j int) bool {
	if !q[i].TriggerAt.Equal(q[j].TriggerAt) {
		return q[i].TriggerAt.Before(q[j].TriggerAt)
	}
	return q[i].seq < q[j].seq
}

func (q delayQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].delayIdx = i
	q[j].delayIdx = j
}

func (q *delayQueue) Push(x any) {
	t := x.(*task)
	t.delayIdx = len(*q)
	*q = append(*q, t)
}

func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.delayIdx = -1
	*q = old[:n-1]
	return t
}

func (q delayQueue) peek() *task {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// readyQueue orders due tasks by priority (highest first), then FIFO.
type readyQueue []*task

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].readyIdx = i
	q[j].readyIdx = j
}

func (q *readyQueue) Push(x any) {
	t := x.(*task)
	t.readyIdx = len(*q)
	*q = append(*q, t)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.readyIdx = -1
	*q = old[:n-1]
	return t
}

// enqueueLocked puts t on the delay queue. The dispatcher promotes it when due.
func (s *Scheduler) enqueueLocked(t *task) {
	s.dequeueLocked(t)
	s.seq++
	t.seq = s.seq
	heap.Push(&s.delayed, t)
	s.signal()
}

// dequeueLocked removes t from whichever queue holds it.
func (s *Scheduler) dequeueLocked(t *task) {
	if t.delayIdx >= 0 {
		heap.Remove(&s.delayed, t.delayIdx)
	}
	if t.readyIdx >= 0 {
		heap.Remove(&s.ready, t.readyIdx)
	}
}

// promoteLocked moves every due task to the ready queue.
func (s *Scheduler) promoteLocked() {
	now := s.now()
	for {
		next := s.delayed.peek()
		if next == nil || next.TriggerAt.After(now) {
			return
		}
		heap.Pop(&s.delayed)
		heap.Push(&s.ready, next)
	}
}

func (s *Scheduler) queuedLocked() int {
	return s.delayed.Len() + s.ready.Len()
}
