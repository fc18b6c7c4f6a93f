package scheduler

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newQueued(id string, prio int, trigger time.Time, seq uint64) *task {
	t := &task{delayIdx: -1, readyIdx: -1, seq: seq}
	t.ID = id
	t.Priority = prio
	t.TriggerAt = trigger
	return t
}

func TestReadyQueueOrdersByPriorityThenFIFO(t *testing.T) {
	t.Parallel()
	now := time.Now()
	var q readyQueue
	heap.Push(&q, newQueued("low", 1, now, 1))
	heap.Push(&q, newQueued("high-late", 9, now, 4))
	heap.Push(&q, newQueued("high-early", 9, now, 2))
	heap.Push(&q, newQueued("mid", 5, now, 3))

	var got []string
	for q.Len() > 0 {
		got = append(got, heap.Pop(&q).(*task).ID)
	}
	require.Equal(t, []string{"high-early", "high-late", "mid", "low"}, got)
}

func TestDelayQueueOrdersByTrigger(t *testing.T) {
	t.Parallel()
	now := time.Now()
	var q delayQueue
	heap.Push(&q, newQueued("later", 0, now.Add(2*time.Second), 1))
	heap.Push(&q, newQueued("soon-b", 0, now.Add(time.Second), 3))
	heap.Push(&q, newQueued("soon-a", 0, now.Add(time.Second), 2))

	require.Equal(t, "soon-a", q.peek().ID)
	var got []string
	for q.Len() > 0 {
		got = append(got, heap.Pop(&q).(*task).ID)
	}
	require.Equal(t, []string{"soon-a", "soon-b", "later"}, got)
	require.Nil(t, q.peek())
}

func TestDequeueRemovesFromEitherQueue(t *testing.T) {
	t.Parallel()
	now := time.Now()
	s := &Scheduler{clock: fixedClock{now}, wake: make(chan struct{}, 1)}

	due := newQueued("due", 0, now.Add(-time.Second), 0)
	future := newQueued("future", 0, now.Add(time.Hour), 0)
	other := newQueued("other", 0, now.Add(-time.Minute), 0)
	s.enqueueLocked(due)
	s.enqueueLocked(future)
	s.enqueueLocked(other)
	s.promoteLocked()
	require.Equal(t, 2, s.ready.Len())
	require.Equal(t, 1, s.delayed.Len())
	require.Equal(t, 3, s.queuedLocked())

	s.dequeueLocked(due)
	s.dequeueLocked(future)
	require.Equal(t, -1, due.readyIdx)
	require.Equal(t, -1, future.delayIdx)
	require.Equal(t, 1, s.queuedLocked())
	require.Equal(t, "other", heap.Pop(&s.ready).(*task).ID)

	// dequeue of a task in neither queue is a no-op.
	s.dequeueLocked(due)
	require.Equal(t, 0, s.queuedLocked())
}

func TestEnqueueReordersRequeuedTask(t *testing.T) {
	t.Parallel()
	now := time.Now()
	s := &Scheduler{clock: fixedClock{now}, wake: make(chan struct{}, 1)}
	a := newQueued("a", 0, now.Add(time.Minute), 0)
	b := newQueued("b", 0, now.Add(2*time.Minute), 0)
	s.enqueueLocked(a)
	s.enqueueLocked(b)

	a.TriggerAt = now.Add(3 * time.Minute)
	s.enqueueLocked(a)
	require.Equal(t, 2, s.delayed.Len())
	require.Equal(t, "b", s.delayed.peek().ID)
	require.Greater(t, a.seq, b.seq)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }
