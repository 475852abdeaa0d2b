package pipeline

import (
	"context"
	"sync"
)

type WorkerPool struct {
	workers    int
	taskQueue  chan *Job
	workerFunc func(context.Context, *Job)
	wg         sync.WaitGroup
}

func NewWorkerPool(workers int, workerFunc func(context.Context, *Job)) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers:    workers,
		taskQueue:  make(chan *Job, workers*2),
		workerFunc: workerFunc,
	}
}

func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx)
	}
}

// Submit blocks until a worker slot is free or ctx is done.
func (wp *WorkerPool) Submit(ctx context.Context, job *Job) bool {
	select {
	case wp.taskQueue <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop lets the workers finish what is queued and waits for them.
func (wp *WorkerPool) Stop() {
	close(wp.taskQueue)
	wp.wg.Wait()
}

// worker drains the queue until Stop closes it. Jobs picked up after ctx is
// done still run, so their contexts report the shutdown.
func (wp *WorkerPool) worker(ctx context.Context) {
	defer wp.wg.Done()

	for job := range wp.taskQueue {
		wp.workerFunc(ctx, job)
	}
}
