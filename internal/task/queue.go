package task

import (
	"container/heap"

	"atlas/internal/types"
)

// queueEntry is one pending task in the priority queue.
type queueEntry struct {
	id       string
	priority types.TaskPriority
	seq      uint64 // submission order, ties broken FIFO
}

// priorityQueue orders entries by priority (highest first) then by
// submission sequence (oldest first). Not safe for concurrent use; the
// manager serializes access under its mutex.
type priorityQueue struct {
	entries []queueEntry
}

func newPriorityQueue() *priorityQueue {
	pq := &priorityQueue{}
	heap.Init(pq)
	return pq
}

func (pq *priorityQueue) Len() int { return len(pq.entries) }

func (pq *priorityQueue) Less(i, j int) bool {
	a, b := pq.entries[i], pq.entries[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

func (pq *priorityQueue) Swap(i, j int) {
	pq.entries[i], pq.entries[j] = pq.entries[j], pq.entries[i]
}

func (pq *priorityQueue) Push(x any) {
	pq.entries = append(pq.entries, x.(queueEntry))
}

func (pq *priorityQueue) Pop() any {
	old := pq.entries
	n := len(old)
	entry := old[n-1]
	pq.entries = old[:n-1]
	return entry
}

// push adds an entry maintaining heap order.
func (pq *priorityQueue) push(e queueEntry) {
	heap.Push(pq, e)
}

// pop removes and returns the highest-priority entry.
// Returns false when the queue is empty.
func (pq *priorityQueue) pop() (queueEntry, bool) {
	if pq.Len() == 0 {
		return queueEntry{}, false
	}
	return heap.Pop(pq).(queueEntry), true
}

// remove drops the entry with the given id, if queued.
func (pq *priorityQueue) remove(id string) bool {
	for i, e := range pq.entries {
		if e.id == id {
			heap.Remove(pq, i)
			return true
		}
	}
	return false
}
