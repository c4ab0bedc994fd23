package realtime

import (
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// WorkerPool runs submitted tasks on a fixed set of goroutines. Submission
// never blocks: when the queue is full the task is dropped.
type WorkerPool struct {
	logger      *logrus.Entry
	workerCount int

	// Task queue
	taskChan chan Task
	workers  []*Worker
	wg       sync.WaitGroup

	// Control
	started    bool
	stopped    bool
	startMutex sync.RWMutex

	// Statistics
	stats *PoolStats
}

// Worker represents a single worker in the pool
type Worker struct {
	id       int
	pool     *WorkerPool
	taskChan <-chan Task
}

// Task represents a task to be executed by a worker
type Task struct {
	ID       string
	Function func()
	Created  time.Time
}

// PoolStats tracks worker pool statistics
type PoolStats struct {
	mutex           sync.RWMutex
	TotalTasks      int64     `json:"total_tasks"`
	CompletedTasks  int64     `json:"completed_tasks"`
	FailedTasks     int64     `json:"failed_tasks"`
	DroppedTasks    int64     `json:"dropped_tasks"`
	ActiveWorkers   int       `json:"active_workers"`
	QueuedTasks     int       `json:"queued_tasks"`
	QueueCapacity   int       `json:"queue_capacity"`
	AverageWaitTime int64     `json:"average_wait_time_us"`
	AverageExecTime int64     `json:"average_exec_time_us"`
	LastReset       time.Time `json:"last_reset"`
}

// NewWorkerPool creates a new worker pool. workerCount <= 0 uses one worker
// per CPU and queueSize <= 0 allows ten queued tasks per worker.
func NewWorkerPool(workerCount, queueSize int, logger *logrus.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = workerCount * 10
	}

	return &WorkerPool{
		logger:      logger.WithField("component", "worker_pool"),
		workerCount: workerCount,
		taskChan:    make(chan Task, queueSize),
		workers:     make([]*Worker, 0, workerCount),
		stats: &PoolStats{
			QueueCapacity: queueSize,
			LastReset:     time.Now(),
		},
	}
}

// Start starts the worker pool
func (wp *WorkerPool) Start() error {
	wp.startMutex.Lock()
	defer wp.startMutex.Unlock()

	if wp.started || wp.stopped {
		return nil
	}

	for i := 0; i < wp.workerCount; i++ {
		worker := &Worker{
			id:       i + 1,
			pool:     wp,
			taskChan: wp.taskChan,
		}
		wp.workers = append(wp.workers, worker)
		wp.wg.Add(1)
		go worker.start()
	}

	wp.started = true
	wp.logger.WithField("worker_count", wp.workerCount).Debug("Worker pool started")

	return nil
}

// Stop stops accepting tasks, lets queued tasks finish and waits for the workers
func (wp *WorkerPool) Stop() error {
	wp.startMutex.Lock()
	if wp.stopped {
		wp.startMutex.Unlock()
		return nil
	}
	wp.stopped = true
	started := wp.started
	wp.started = false
	close(wp.taskChan)
	wp.startMutex.Unlock()

	if started {
		wp.wg.Wait()
	}

	wp.logger.Debug("Worker pool stopped")
	return nil
}

// Submit queues fn and reports whether it was accepted
func (wp *WorkerPool) Submit(fn func()) bool {
	if fn == nil {
		return false
	}

	wp.startMutex.RLock()
	defer wp.startMutex.RUnlock()

	if wp.stopped {
		return false
	}
	if !wp.started {
		wp.startMutex.RUnlock()
		wp.Start()
		wp.startMutex.RLock()
		if wp.stopped {
			return false
		}
	}

	task := Task{
		ID:       uuid.NewString(),
		Function: fn,
		Created:  time.Now(),
	}

	select {
	case wp.taskChan <- task:
		wp.stats.mutex.Lock()
		wp.stats.TotalTasks++
		wp.stats.mutex.Unlock()
		return true

	default:
		wp.stats.mutex.Lock()
		wp.stats.DroppedTasks++
		wp.stats.mutex.Unlock()
		wp.logger.Warning("Worker pool queue full, dropping task")
		return false
	}
}

// start runs tasks until the queue is closed
func (w *Worker) start() {
	defer w.pool.wg.Done()

	w.pool.logger.WithField("worker_id", w.id).Debug("Worker started")

	for task := range w.taskChan {
		w.executeTask(task)
	}
}

// executeTask executes a single task, recovering from panics
func (w *Worker) executeTask(task Task) {
	startTime := time.Now()
	waitTime := startTime.Sub(task.Created)

	w.pool.stats.mutex.Lock()
	w.pool.stats.ActiveWorkers++
	w.pool.stats.mutex.Unlock()

	defer func() {
		execTime := time.Since(startTime)
		r := recover()

		w.pool.stats.mutex.Lock()
		w.pool.stats.ActiveWorkers--
		w.pool.stats.CompletedTasks++
		if r != nil {
			w.pool.stats.FailedTasks++
		}
		n := w.pool.stats.CompletedTasks
		w.pool.stats.AverageWaitTime += (waitTime.Microseconds() - w.pool.stats.AverageWaitTime) / n
		w.pool.stats.AverageExecTime += (execTime.Microseconds() - w.pool.stats.AverageExecTime) / n
		w.pool.stats.mutex.Unlock()

		if r != nil {
			w.pool.logger.WithFields(logrus.Fields{
				"worker_id": w.id,
				"task_id":   task.ID,
				"panic":     r,
			}).Error("Task execution panic")
		}
	}()

	task.Function()
}

// GetStats returns worker pool statistics
func (wp *WorkerPool) GetStats() *PoolStats {
	wp.stats.mutex.RLock()
	defer wp.stats.mutex.RUnlock()

	return &PoolStats{
		TotalTasks:      wp.stats.TotalTasks,
		CompletedTasks:  wp.stats.CompletedTasks,
		FailedTasks:     wp.stats.FailedTasks,
		DroppedTasks:    wp.stats.DroppedTasks,
		ActiveWorkers:   wp.stats.ActiveWorkers,
		QueuedTasks:     len(wp.taskChan),
		QueueCapacity:   wp.stats.QueueCapacity,
		AverageWaitTime: wp.stats.AverageWaitTime,
		AverageExecTime: wp.stats.AverageExecTime,
		LastReset:       wp.stats.LastReset,
	}
}

// IsStarted returns whether the pool is started
func (wp *WorkerPool) IsStarted() bool {
	wp.startMutex.RLock()
	defer wp.startMutex.RUnlock()
	return wp.started
}

// WorkerCount returns the number of workers
func (wp *WorkerPool) WorkerCount() int {
	return wp.workerCount
}
