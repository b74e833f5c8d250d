package engine

import (
	"container/heap"

	"github.com/google/uuid"

	"github.com/finsight/analysis-engine/internal/domain"
)

// jobQueue is a priority queue of jobs awaiting dispatch. Highest
// priority dequeues first; within a tier, jobs dequeue in strict
// submission order (earliest CreatedAt, with an insertion sequence as a
// stable tie-break for equal timestamps).
//
// jobQueue is not safe for concurrent use; the engine guards it with its
// own mutex.
type jobQueue struct {
	items jobHeap
	seq   uint64
}

// newJobQueue creates an empty queue.
func newJobQueue() *jobQueue {
	return &jobQueue{}
}

// Push adds a job to the queue.
func (q *jobQueue) Push(job *domain.AnalysisJob) {
	q.seq++
	heap.Push(&q.items, &queueEntry{job: job, seq: q.seq})
}

// Pop removes and returns the next job to dispatch, or nil if empty.
func (q *jobQueue) Pop() *domain.AnalysisJob {
	if q.items.Len() == 0 {
		return nil
	}
	entry := heap.Pop(&q.items).(*queueEntry)
	return entry.job
}

// Remove deletes the job with the given id from the queue and returns
// it, or nil if the job is not queued.
func (q *jobQueue) Remove(id uuid.UUID) *domain.AnalysisJob {
	for i, entry := range q.items {
		if entry.job.ID == id {
			removed := heap.Remove(&q.items, i).(*queueEntry)
			return removed.job
		}
	}
	return nil
}

// Len returns the number of queued jobs.
func (q *jobQueue) Len() int {
	return q.items.Len()
}

// queueEntry pairs a job with its insertion sequence.
type queueEntry struct {
	job   *domain.AnalysisJob
	seq   uint64
	index int
}

// jobHeap implements heap.Interface.
type jobHeap []*queueEntry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, k int) bool {
	a, b := h[i], h[k]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, k int) {
	h[i], h[k] = h[k], h[i]
	h[i].index = i
	h[k].index = k
}

func (h *jobHeap) Push(x any) {
	entry := x.(*queueEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}
