package attestation

import (
	"sync"
	"sync/atomic"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/logging"
)

const workerQueueDepth = 256

// worker serializes all TPM, disk and network activity onto one
// goroutine. Tasks run in FIFO order; after Stop no queued or new
// task runs, which is what guarantees zero callbacks once shutdown
// begins.
type worker struct {
	logger   *logging.Logger
	tasks    chan func()
	quit     chan struct{}
	stopped  atomic.Bool
	stopOnce sync.Once
	done     sync.WaitGroup
}

func newWorker(logger *logging.Logger) *worker {
	w := &worker{
		logger: logger,
		tasks:  make(chan func(), workerQueueDepth),
		quit:   make(chan struct{}),
	}
	w.done.Add(1)
	go w.run()
	return w
}

func (w *worker) run() {
	defer w.done.Done()
	for {
		select {
		case <-w.quit:
			return
		case task := <-w.tasks:
			// Re-check: Stop may have raced the task send.
			if w.stopped.Load() {
				return
			}
			task()
		}
	}
}

// Post queues a task for the worker. Returns false once shutdown has
// begun; the task is dropped and must not expect its callback.
func (w *worker) Post(task func()) bool {
	if w.stopped.Load() {
		return false
	}
	select {
	case w.tasks <- task:
		return true
	case <-w.quit:
		return false
	default:
		// The queue is saturated; block rather than drop, unless
		// shutdown wins the race.
		select {
		case w.tasks <- task:
			return true
		case <-w.quit:
			return false
		}
	}
}

// Stop begins shutdown. In-flight work finishes its current task;
// everything queued behind it is discarded.
func (w *worker) Stop() {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		close(w.quit)
	})
	w.done.Wait()
	w.logger.Debug("attestation worker stopped")
}

func (w *worker) Stopped() bool {
	return w.stopped.Load()
}
