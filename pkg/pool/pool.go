// Package pool provides the fixed-size worker pool used by the media mirror.
package pool

import "sync"

// WorkerPool runs submitted tasks on a fixed number of goroutines.
type WorkerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

// New starts numWorkers workers consuming from a queue of the given size.
func New(numWorkers, queueSize int) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	p := &WorkerPool{
		tasks: make(chan func(), queueSize),
	}
	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit queues a task, blocking when the queue is full.
func (p *WorkerPool) Submit(task func()) {
	p.tasks <- task
}

// Stop closes the queue and waits for in-flight tasks to finish.
func (p *WorkerPool) Stop() {
	close(p.tasks)
	p.wg.Wait()
}
