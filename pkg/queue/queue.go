// Package queue wraps the Redis broker the worker pool dequeues tasks from
// and the single results queue every pipeline emits exactly one document
// onto.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/cuemby/apitester/pkg/config"
	"github.com/cuemby/apitester/pkg/types"
)

// Queue is the broker client: BRPOP against the task queue, LPUSH onto the
// results queue.
type Queue struct {
	client      *redis.Client
	taskQueue   string
	resultQueue string
	validate    *validator.Validate
}

// New builds a Queue from broker configuration, using the fixed queue
// names the worker pool and controller agree on.
func New(cfg config.BrokerConfig) *Queue {
	return &Queue{
		client: redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			DB:       cfg.DB,
			Password: cfg.Password,
		}),
		taskQueue:   config.DefaultTaskQueue,
		resultQueue: config.DefaultResultsQueue,
		validate:    validator.New(),
	}
}

// FromClient builds a Queue around an already-constructed redis.Client,
// letting tests point it at a miniredis instance.
func FromClient(client *redis.Client) *Queue {
	return &Queue{
		client:      client,
		taskQueue:   config.DefaultTaskQueue,
		resultQueue: config.DefaultResultsQueue,
		validate:    validator.New(),
	}
}

// Close releases the underlying Redis connection pool.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Dequeue blocks up to timeout for a task to arrive on the task queue. It
// returns (nil, nil) on timeout, distinguishing "no task yet" from an
// error so the worker pool's dequeue loop can simply retry.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*types.Task, error) {
	res, err := q.client.BRPop(ctx, timeout, q.taskQueue).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue task: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply shape: %v", res)
	}

	var task types.Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("failed to decode task payload: %w", err)
	}
	if err := q.validate.Struct(task); err != nil {
		return nil, fmt.Errorf("malformed task payload: %w", err)
	}
	return &task, nil
}

// Emit pushes exactly one Task Result onto the results queue. Callers must
// never call Emit more than once per task.
func (q *Queue) Emit(ctx context.Context, result *types.TaskResult) error {
	payload, err := result.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode task result: %w", err)
	}
	if err := q.client.LPush(ctx, q.resultQueue, payload).Err(); err != nil {
		return fmt.Errorf("failed to emit task result: %w", err)
	}
	return nil
}
