package index

import "container/heap"

// jobQueue is a container/heap priority queue of CrawlJob, ordered by
// (priority desc, ID asc): the highest-priority job runs first, and
// within a priority the job enqueued first wins ties. Mirrors the
// reference sync engine's dependency-ready scheduling: units of work
// become runnable independently of submission order, ordered by a
// comparison key rather than a plain FIFO.
type jobQueue []CrawlJob

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].ID < q[j].ID
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) {
	*q = append(*q, x.(CrawlJob))
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// JobQueue is a thread-unsafe crawl job priority queue; the Scheduler
// owns it exclusively and drives it from a single goroutine.
type JobQueue struct {
	heap   jobQueue
	nextID int64
}

// NewJobQueue returns an empty queue.
func NewJobQueue() *JobQueue {
	return &JobQueue{}
}

// Enqueue adds a job at the given priority, assigning it the next
// monotonic ID, and returns the job as enqueued.
func (q *JobQueue) Enqueue(deviceID string, storageID, parentHandle uint32, hasParent bool, priority Priority) CrawlJob {
	q.nextID++
	job := CrawlJob{
		ID:           q.nextID,
		DeviceID:     deviceID,
		StorageID:    storageID,
		ParentHandle: parentHandle,
		HasParent:    hasParent,
		Priority:     priority,
	}
	heap.Push(&q.heap, job)
	return job
}

// Dequeue removes and returns the highest-priority job, or ok=false if
// the queue is empty.
func (q *JobQueue) Dequeue() (job CrawlJob, ok bool) {
	if q.heap.Len() == 0 {
		return CrawlJob{}, false
	}
	return heap.Pop(&q.heap).(CrawlJob), true
}

// Len reports the number of jobs currently queued.
func (q *JobQueue) Len() int { return q.heap.Len() }
