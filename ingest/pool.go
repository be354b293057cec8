package ingest

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// workerPool runs ingest pipelines on a fixed set of goroutines with a
// bounded queue. Admission is non-blocking: a full queue rejects the
// caller instead of piling up goroutines behind a slow model.
type workerPool struct {
	workCh   chan func()
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	submitMu sync.RWMutex
}

func newWorkerPool(numWorkers, queueDepth int) *workerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	if queueDepth <= 0 {
		queueDepth = numWorkers * 2
	}

	wp := &workerPool{
		workCh: make(chan func(), queueDepth),
		stopCh: make(chan struct{}),
	}

	wp.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.stopCh:
			// Drain remaining work before exiting.
			for {
				select {
				case task, ok := <-wp.workCh:
					if !ok {
						return
					}
					task()
				default:
					return
				}
			}
		case task, ok := <-wp.workCh:
			if !ok {
				return
			}
			task()
		}
	}
}

// TrySubmit enqueues a task without blocking. A full queue returns
// ErrBusy; a closed pool returns ErrClosed.
func (wp *workerPool) TrySubmit(task func()) error {
	wp.submitMu.RLock()
	defer wp.submitMu.RUnlock()

	if wp.closed.Load() {
		return ErrClosed
	}

	select {
	case wp.workCh <- task:
		return nil
	default:
		return ErrBusy
	}
}

// Close shuts the pool down and waits for in-flight tasks.
func (wp *workerPool) Close() {
	if !wp.closed.CompareAndSwap(false, true) {
		return
	}

	wp.submitMu.Lock()
	close(wp.stopCh)
	close(wp.workCh)
	wp.submitMu.Unlock()

	wp.wg.Wait()
}
