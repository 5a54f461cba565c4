// Package workerpool dequeues tasks from the broker and hands each to one
// Task Pipeline invocation, bounding how many run concurrently.
package workerpool

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/cuemby/apitester/pkg/log"
	"github.com/cuemby/apitester/pkg/metrics"
	"github.com/cuemby/apitester/pkg/types"
)

// dequeueTimeout bounds one BRPOP-style poll so the loop can observe
// context cancellation between attempts.
const dequeueTimeout = 2 * time.Second

// Dequeuer is the task source a Pool drains. (nil, nil) means "no task
// arrived before the poll timeout" and is not an error.
type Dequeuer interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*types.Task, error)
}

// Runner is the per-task pipeline a Pool hands each dequeued task to.
type Runner interface {
	Run(ctx context.Context, task types.Task)
}

// Pool bounds task pipeline concurrency with a buffered semaphore channel
// and tracks in-flight pipelines with a WaitGroup so Run can wait for them
// to converge before returning once its context is cancelled.
type Pool struct {
	queue Dequeuer
	run   Runner
	sem   chan struct{}
	wg    sync.WaitGroup
}

// New builds a Pool with the given worker count. A count of zero or less
// falls back to the number of available CPUs, matching the spec's default
// (config.Default already sets Processes this way; this is a second line of
// defense for callers that construct a Pool directly with an unset count).
func New(queue Dequeuer, runner Runner, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{
		queue: queue,
		run:   runner,
		sem:   make(chan struct{}, workers),
	}
}

// Run blocks, dequeuing tasks and dispatching them to the pipeline until
// ctx is cancelled. On cancellation, Run stops dequeuing and waits for
// already-dispatched pipelines to finish before returning — shutdown drains
// in-flight work rather than abandoning it.
func (p *Pool) Run(ctx context.Context) {
	logger := log.WithComponent("workerpool")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutdown signal received, draining in-flight tasks")
			p.wg.Wait()
			logger.Info().Msg("all in-flight tasks drained")
			return
		default:
		}

		task, err := p.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			logger.Error().Err(err).Msg("dequeue failed")
			continue
		}
		if task == nil {
			continue
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			p.wg.Wait()
			return
		}

		p.wg.Add(1)
		metrics.WorkersInFlight.Inc()
		go func(t types.Task) {
			defer func() {
				<-p.sem
				metrics.WorkersInFlight.Dec()
				p.wg.Done()
			}()
			// A dispatched pipeline runs to completion even if the pool's
			// own context is cancelled by shutdown afterward: it has its own
			// cancellation points (timeouts) and must not be interrupted
			// mid-scenario.
			p.run.Run(context.Background(), t)
		}(*task)
	}
}
