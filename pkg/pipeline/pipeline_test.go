package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/apitester/pkg/config"
	"github.com/cuemby/apitester/pkg/dbacl"
	"github.com/cuemby/apitester/pkg/types"
)

func newOKServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
}

type fakeProvisioner struct {
	err     error
	handle  *dbacl.Handle
	revoked []*dbacl.Handle
	mu      sync.Mutex
}

func (f *fakeProvisioner) Provision(dbName string) (*dbacl.Handle, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.handle == nil {
		f.handle = &dbacl.Handle{Name: "apt_fake", Password: "fakepass", TargetDB: dbName}
	}
	return f.handle, nil
}

func (f *fakeProvisioner) Revoke(h *dbacl.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, h)
}

type fakeSandbox struct {
	endpoint string
	logs     string
	stopped  bool
}

func (s *fakeSandbox) Endpoint() string { return s.endpoint }
func (s *fakeSandbox) Logs() io.ReadCloser {
	return io.NopCloser(strings.NewReader(s.logs))
}
func (s *fakeSandbox) Stop(ctx context.Context) { s.stopped = true }

type fakeRuntime struct {
	err     error
	sandbox *fakeSandbox
}

func (r *fakeRuntime) Start(ctx context.Context, taskID, image string, handle *dbacl.Handle) (Sandbox, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.sandbox, nil
}

type fakeEmitter struct {
	results []*types.TaskResult
	mu      sync.Mutex
}

func (e *fakeEmitter) Emit(ctx context.Context, result *types.TaskResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, result)
	return nil
}

func baseTask() types.Task {
	return types.Task{
		ID:          "task-1",
		DockerImage: "example/image",
		DBName:      "taskdb",
		Status:      types.StatusPending,
		Scenarios: []types.Scenario{
			{ID: "s1", URL: "/ping", Method: "GET", StatusCode: 200, Response: map[string]interface{}{"ok": true}},
		},
	}
}

func TestRunEmitsExactlyOneResultOnProvisionFailure(t *testing.T) {
	provisioner := &fakeProvisioner{err: errors.New("db unreachable")}
	runtime := &fakeRuntime{}
	emitter := &fakeEmitter{}

	p := New(config.Default(), provisioner, runtime, emitter)
	p.Run(context.Background(), baseTask())

	require.Len(t, emitter.results, 1)
	assert.Equal(t, types.StatusFailed, emitter.results[0].Status)
	assert.Contains(t, emitter.results[0].Message, "db unreachable")
}

func TestRunEmitsExactlyOneResultOnSandboxFailure(t *testing.T) {
	provisioner := &fakeProvisioner{}
	runtime := &fakeRuntime{err: errors.New("image pull failed")}
	emitter := &fakeEmitter{}

	p := New(config.Default(), provisioner, runtime, emitter)
	p.Run(context.Background(), baseTask())

	require.Len(t, emitter.results, 1)
	assert.Equal(t, types.StatusFailed, emitter.results[0].Status)
	require.Len(t, provisioner.revoked, 1)
}

func TestRunDetectsCycleAndStillCleansUp(t *testing.T) {
	provisioner := &fakeProvisioner{}
	sb := &fakeSandbox{endpoint: "http://sandbox"}
	runtime := &fakeRuntime{sandbox: sb}
	emitter := &fakeEmitter{}

	task := baseTask()
	task.Scenarios = []types.Scenario{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}

	p := New(config.Default(), provisioner, runtime, emitter)
	p.Run(context.Background(), task)

	require.Len(t, emitter.results, 1)
	result := emitter.results[0]
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Empty(t, result.ScenarioResults)
	assert.True(t, sb.stopped)
	require.Len(t, provisioner.revoked, 1)
}

func TestRunHappyPathEmitsDoneStatus(t *testing.T) {
	provisioner := &fakeProvisioner{}
	sb := &fakeSandbox{}
	runtime := &fakeRuntime{sandbox: sb}
	emitter := &fakeEmitter{}

	httpServer := newOKServer(t, `{"ok": true}`)
	defer httpServer.Close()
	sb.endpoint = httpServer.URL

	p := New(config.Default(), provisioner, runtime, emitter)
	p.Run(context.Background(), baseTask())

	require.Len(t, emitter.results, 1)
	result := emitter.results[0]
	assert.Equal(t, types.StatusDone, result.Status)
	assert.Equal(t, "null", result.Message)
	require.Len(t, result.ScenarioResults, 1)
	assert.Equal(t, types.OutcomeOK, result.ScenarioResults[0].Status)
	assert.True(t, sb.stopped)
}

// A task that runs to completion is "done" even when individual scenarios
// come back invalid or skipped — only a task-level failure (provisioning,
// sandbox start, cycle) produces a failed task result.
func TestRunHappyPathStaysDoneDespiteInvalidScenario(t *testing.T) {
	provisioner := &fakeProvisioner{}
	sb := &fakeSandbox{}
	runtime := &fakeRuntime{sandbox: sb}
	emitter := &fakeEmitter{}

	httpServer := newOKServer(t, `{"ok": false}`)
	defer httpServer.Close()
	sb.endpoint = httpServer.URL

	task := baseTask()
	task.Scenarios = []types.Scenario{
		{ID: "a", URL: "/a", Method: "GET", StatusCode: 500, Response: map[string]interface{}{"ok": true}},
		{ID: "b", URL: "/b", Method: "GET", StatusCode: 200, DependsOn: []string{"a"}},
	}

	p := New(config.Default(), provisioner, runtime, emitter)
	p.Run(context.Background(), task)

	require.Len(t, emitter.results, 1)
	result := emitter.results[0]
	assert.Equal(t, types.StatusDone, result.Status)
	assert.Equal(t, "null", result.Message)
	require.Len(t, result.ScenarioResults, 2)
	assert.Equal(t, types.OutcomeInvalid, result.ScenarioResults[0].Status)
	assert.Equal(t, types.OutcomeSkipped, result.ScenarioResults[1].Status)
}

func TestRunIgnoresNonPendingTask(t *testing.T) {
	provisioner := &fakeProvisioner{}
	runtime := &fakeRuntime{}
	emitter := &fakeEmitter{}

	task := baseTask()
	task.Status = types.StatusDone

	p := New(config.Default(), provisioner, runtime, emitter)
	p.Run(context.Background(), task)

	assert.Empty(t, emitter.results)
}
