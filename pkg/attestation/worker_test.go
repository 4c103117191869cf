package attestation

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/logging"
	"github.com/stretchr/testify/assert"
)

func TestWorkerRunsTasksInOrder(t *testing.T) {

	w := newWorker(logging.NewLogger(slog.LevelDebug, nil))
	defer w.Stop()

	results := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		assert.True(t, w.Post(func() {
			results <- i
		}))
	}

	for i := 0; i < 3; i++ {
		select {
		case got := <-results:
			assert.Equal(t, i, got)
		case <-time.After(time.Second):
			t.Fatal("task did not run")
		}
	}
}

func TestWorkerRejectsTasksAfterStop(t *testing.T) {

	w := newWorker(logging.NewLogger(slog.LevelDebug, nil))
	w.Stop()

	assert.False(t, w.Post(func() {
		t.Fatal("task ran after stop")
	}))
	assert.True(t, w.Stopped())
}

func TestWorkerDropsQueuedTasksOnStop(t *testing.T) {

	w := newWorker(logging.NewLogger(slog.LevelDebug, nil))

	var ran atomic.Int32
	blocker := make(chan struct{})
	assert.True(t, w.Post(func() {
		<-blocker
	}))
	// Queued behind the blocker; must never run once Stop begins.
	w.Post(func() {
		ran.Add(1)
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(blocker)
	}()
	w.Stop()

	assert.Equal(t, int32(0), ran.Load())
}
