// Package executor provides the task scheduling used by the replication
// control protocols: a per-partition serial queue, so every operation for one
// partition executes in submission order, plus a shared pool for long-running
// work (log scans, remote shipping) that must not block a partition's command
// path.
package executor

import (
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// queueBuffer is the per-partition pending task capacity.
const queueBuffer = 256

// partitionQueue runs tasks for a single partition in order.
type partitionQueue struct {
	tasks chan func()
	done  chan struct{}
}

func newPartitionQueue() *partitionQueue {
	q := &partitionQueue{
		tasks: make(chan func(), queueBuffer),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *partitionQueue) run() {
	defer close(q.done)
	for task := range q.tasks {
		// Recover from panics so one bad task cannot kill the partition's
		// entire schedule.
		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Printf("partition task panic recovered: %v\n", r)
				}
			}()
			task()
		}()
	}
}

// PartitionExecutor serializes tasks per partition. Ordering within a
// partition is a structural property of its queue; tasks for different
// partitions run independently.
type PartitionExecutor struct {
	mu     sync.Mutex
	queues map[replica.GPID]*partitionQueue
	closed bool
}

// NewPartitionExecutor creates an executor with no queues; queues are created
// lazily on first submission for a partition.
func NewPartitionExecutor() *PartitionExecutor {
	return &PartitionExecutor{
		queues: make(map[replica.GPID]*partitionQueue),
	}
}

// Submit enqueues a task on the partition's serial queue. Returns false if
// the executor is shut down or the partition's queue is full.
func (e *PartitionExecutor) Submit(gpid replica.GPID, task func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	q, ok := e.queues[gpid]
	if !ok {
		q = newPartitionQueue()
		e.queues[gpid] = q
	}
	e.mu.Unlock()

	select {
	case q.tasks <- task:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting tasks and waits for every queue to drain.
func (e *PartitionExecutor) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	queues := make([]*partitionQueue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.Unlock()

	for _, q := range queues {
		close(q.tasks)
		<-q.done
	}
}

// LongPool runs long tasks (durable log scans, remote shipping) on a bounded
// set of workers so they never occupy a partition's serial queue.
type LongPool struct {
	tasks  chan func()
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewLongPool creates a pool with the given number of workers.
func NewLongPool(workers int) *LongPool {
	if workers <= 0 {
		workers = 1
	}
	p := &LongPool{
		tasks: make(chan func(), workers*2),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *LongPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Printf("long task panic recovered: %v\n", r)
				}
			}()
			task()
		}()
	}
}

// Submit adds a task to the pool. Blocks when all workers are busy and the
// buffer is full; returns false if the pool is closed.
func (p *LongPool) Submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.tasks <- task
	return true
}

// Shutdown stops accepting tasks and waits for in-flight work to finish.
func (p *LongPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
