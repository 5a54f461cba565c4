package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/apitester/pkg/types"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return FromClient(client)
}

func TestDequeueReturnsEnqueuedTask(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	task := types.Task{
		ID:          "t1",
		DockerImage: "example/image",
		DBName:      "t1db",
		Status:      types.StatusPending,
		Scenarios: []types.Scenario{
			{ID: "s1", URL: "/ping", Method: "GET", StatusCode: 200, Response: map[string]interface{}{"ok": true}},
		},
	}
	payload, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, q.client.LPush(ctx, q.taskQueue, payload).Err())

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "t1", got.ID)
}

func TestDequeueRejectsMalformedTaskPayload(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	task := types.Task{ID: "t1", Status: types.StatusPending}
	payload, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, q.client.LPush(ctx, q.taskQueue, payload).Err())

	got, err := q.Dequeue(ctx, time.Second)
	require.Error(t, err)
	require.Nil(t, got)
}

func TestDequeueTimesOutWithoutError(t *testing.T) {
	q := newTestQueue(t)
	got, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestEmitPushesSingleResult(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	result := types.NewTaskResult(types.Task{ID: "t1", Status: types.StatusDone})
	require.NoError(t, q.Emit(ctx, result))

	n, err := q.client.LLen(ctx, q.resultQueue).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
