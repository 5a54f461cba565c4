package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/apitester/pkg/types"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []types.Task
}

func (f *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return nil, nil
	}
	t := f.tasks[0]
	f.tasks = f.tasks[1:]
	return &t, nil
}

type countingRunner struct {
	started int32
	block   chan struct{}
}

func (r *countingRunner) Run(ctx context.Context, task types.Task) {
	atomic.AddInt32(&r.started, 1)
	if r.block != nil {
		<-r.block
	}
}

func TestPoolDrainsInFlightOnShutdown(t *testing.T) {
	block := make(chan struct{})
	runner := &countingRunner{block: block}
	q := &fakeQueue{tasks: []types.Task{{ID: "t1"}}}
	pool := New(q, runner, 2)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	// give the dispatch loop a chance to pick up the task
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		t.Fatal("pool returned before in-flight task finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	<-done

	assert.EqualValues(t, 1, atomic.LoadInt32(&runner.started))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	tasks := make([]types.Task, 5)
	for i := range tasks {
		tasks[i] = types.Task{ID: string(rune('a' + i))}
	}
	q := &fakeQueue{tasks: tasks}

	var inflight int32
	var maxInflight int32
	var mu sync.Mutex
	runner := runnerFunc(func(ctx context.Context, task types.Task) {
		cur := atomic.AddInt32(&inflight, 1)
		mu.Lock()
		if cur > maxInflight {
			maxInflight = cur
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
	})

	pool := New(q, runner, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	pool.Run(ctx)

	assert.LessOrEqual(t, maxInflight, int32(2))
}

type runnerFunc func(ctx context.Context, task types.Task)

func (f runnerFunc) Run(ctx context.Context, task types.Task) { f(ctx, task) }
