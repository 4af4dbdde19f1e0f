package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// workerPool drains a priority queue of due tasks with a fixed number of workers.
// A task is queued or running at most once at a time; a submit that arrives
// while the task runs is held until the run finishes.
type workerPool struct {
	logger   *zap.Logger
	size     int
	run      func(ctx context.Context, item *queueItem)
	metrics  PoolMetrics
	mu       sync.Mutex
	cond     *sync.Cond
	queue    taskQueue
	queued   map[string]*queueItem
	inflight map[string]bool
	deferred map[string]*queueItem
	active   int
	seq      uint64
	stopped  bool
	started  bool
	wg       sync.WaitGroup
}

func newWorkerPool(size int, run func(ctx context.Context, item *queueItem), metrics PoolMetrics, logger *zap.Logger) *workerPool {
	p := &workerPool{
		logger:   logger,
		size:     size,
		run:      run,
		metrics:  metrics,
		queued:   make(map[string]*queueItem),
		inflight: make(map[string]bool),
		deferred: make(map[string]*queueItem),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// start launches the workers
func (p *workerPool) start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.stopped = false
	p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// stop wakes idle workers and waits for running attempts to finish
func (p *workerPool) stop() {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
}

// submit queues a task unless it is already queued or running
func (p *workerPool) submit(taskID string, priority int, fireAt time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false
	}
	if _, ok := p.queued[taskID]; ok {
		return false
	}

	p.seq++
	item := &queueItem{taskID: taskID, priority: priority, fireAt: fireAt, seq: p.seq}
	if p.inflight[taskID] {
		if _, ok := p.deferred[taskID]; ok {
			return false
		}
		p.deferred[taskID] = item
		return true
	}
	p.pushLocked(item)
	return true
}

func (p *workerPool) pushLocked(item *queueItem) {
	heap.Push(&p.queue, item)
	p.queued[item.taskID] = item
	p.reportLocked()
	p.cond.Signal()
}

// remove drops a queued task; a running attempt is not interrupted
func (p *workerPool) remove(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.deferred[taskID]; ok {
		delete(p.deferred, taskID)
		return true
	}
	item, ok := p.queued[taskID]
	if !ok {
		return false
	}
	p.queue.remove(item)
	delete(p.queued, taskID)
	p.reportLocked()
	return true
}

func (p *workerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		item, ok := p.next()
		if !ok {
			return
		}
		p.execute(ctx, item)
	}
}

func (p *workerPool) next() (*queueItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.queue.Len() == 0 && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		return nil, false
	}

	item := heap.Pop(&p.queue).(*queueItem)
	delete(p.queued, item.taskID)
	p.inflight[item.taskID] = true
	p.active++
	p.reportLocked()
	return item, true
}

func (p *workerPool) execute(ctx context.Context, item *queueItem) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker recovered from panic",
				zap.String("task_id", item.taskID),
				zap.Any("panic", r))
		}
		p.mu.Lock()
		delete(p.inflight, item.taskID)
		p.active--
		if next, ok := p.deferred[item.taskID]; ok {
			delete(p.deferred, item.taskID)
			if !p.stopped {
				p.pushLocked(next)
			}
		}
		p.reportLocked()
		p.mu.Unlock()
	}()
	p.run(ctx, item)
}

func (p *workerPool) reportLocked() {
	if p.metrics == nil {
		return
	}
	p.metrics.SetWorkersActive(p.active)
	p.metrics.SetQueueDepth(p.queue.Len())
}

// stats returns active workers and queue depth
func (p *workerPool) stats() (active, depth int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, p.queue.Len()
}

// isInflight reports whether a task is running right now
func (p *workerPool) isInflight(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[taskID]
}
