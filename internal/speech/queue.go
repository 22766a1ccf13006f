package speech

import "time"

// QueueStats tracks queue throughput.
type QueueStats struct {
	TotalEnqueued int64
	TotalDequeued int64
	TotalDropped  int64
	PeakSize      int
	LastEnqueue   time.Time
	LastDequeue   time.Time
}

// Queue is the ordered buffer of units awaiting dispatch. Insertion order is
// speaking order and units leave only through Next or Clear.
//
// Queue does no locking of its own; the dispatcher that owns it serializes
// every call.
type Queue struct {
	items []Unit
	stats QueueStats
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends units in order.
func (q *Queue) Enqueue(units ...Unit) {
	if len(units) == 0 {
		return
	}
	q.items = append(q.items, units...)
	q.stats.TotalEnqueued += int64(len(units))
	q.stats.LastEnqueue = time.Now()
	if len(q.items) > q.stats.PeakSize {
		q.stats.PeakSize = len(q.items)
	}
}

// Next removes and returns the oldest unit. ok is false when the queue is
// empty.
func (q *Queue) Next() (u Unit, ok bool) {
	if len(q.items) == 0 {
		return Unit{}, false
	}
	u = q.items[0]
	q.items[0] = Unit{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	q.stats.TotalDequeued++
	q.stats.LastDequeue = time.Now()
	return u, true
}

// Clear drops every pending unit and returns how many were dropped.
func (q *Queue) Clear() int {
	n := len(q.items)
	q.items = nil
	q.stats.TotalDropped += int64(n)
	return n
}

// Len returns the number of pending units.
func (q *Queue) Len() int {
	return len(q.items)
}

// Snapshot returns a copy of the pending units, oldest first.
func (q *Queue) Snapshot() []Unit {
	out := make([]Unit, len(q.items))
	copy(out, q.items)
	return out
}

// Stats returns a copy of the queue counters.
func (q *Queue) Stats() QueueStats {
	return q.stats
}
