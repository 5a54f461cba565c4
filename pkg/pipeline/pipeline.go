// Package pipeline orchestrates one task from dequeue to result emission:
// provision a principal, start a sandbox, order and execute scenarios, and
// converge on exactly one emission with cleanup run on every path.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/apitester/pkg/config"
	"github.com/cuemby/apitester/pkg/dbacl"
	"github.com/cuemby/apitester/pkg/executor"
	"github.com/cuemby/apitester/pkg/graph"
	"github.com/cuemby/apitester/pkg/log"
	"github.com/cuemby/apitester/pkg/metrics"
	"github.com/cuemby/apitester/pkg/types"
)

// stage names the pipeline's progression, used only for logging — the
// convergence step below runs regardless of which stage a task reached.
type stage string

const (
	stageInit        stage = "init"
	stageProvisioned stage = "provisioned"
	stageContainerUp stage = "container_up"
	stageOrdered     stage = "ordered"
	stageExecuted    stage = "executed"
)

// Provisioner is the Principal Provisioner contract the pipeline consumes.
type Provisioner interface {
	Provision(dbName string) (*dbacl.Handle, error)
	Revoke(h *dbacl.Handle)
}

// Sandbox is one running task container, as returned by Runtime.Start.
type Sandbox interface {
	Endpoint() string
	Logs() io.ReadCloser
	Stop(ctx context.Context)
}

// Runtime is the Container Sandbox contract the pipeline consumes.
type Runtime interface {
	Start(ctx context.Context, taskID, image string, handle *dbacl.Handle) (Sandbox, error)
}

// Emitter is the Result Emitter contract the pipeline consumes.
type Emitter interface {
	Emit(ctx context.Context, result *types.TaskResult) error
}

// Pipeline wires one task's run through every component. A Pipeline value
// is stateless between Run calls and safe to share across worker
// goroutines.
type Pipeline struct {
	cfg        config.Config
	provisoner Provisioner
	runtime    Runtime
	emitter    Emitter
}

// New builds a Pipeline from the shared collaborators a worker pool
// constructs once at startup.
func New(cfg config.Config, provisioner Provisioner, runtime Runtime, emitter Emitter) *Pipeline {
	return &Pipeline{cfg: cfg, provisoner: provisioner, runtime: runtime, emitter: emitter}
}

// Run drives one task from entry guard through emission. A task that is not
// pending is logged and dropped with no provisioning and no emission; every
// return path after that guard funnels through converge so cleanup and
// emission happen exactly once.
func (p *Pipeline) Run(ctx context.Context, task types.Task) {
	logger := log.WithTask(task.ID, task.DockerImage)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TaskDuration)

	result := types.NewTaskResult(task)

	if task.Status != types.StatusPending {
		logger.Warn().Str("status", string(task.Status)).Msg("ignoring task not in pending status")
		return
	}

	var (
		handle *dbacl.Handle
		sb     Sandbox
		stg    = stageInit
	)

	defer func() {
		p.converge(task, handle, sb, result, stg)
	}()

	var err error
	handle, err = p.provisoner.Provision(task.DBName)
	if err != nil {
		metrics.ProvisionFailuresTotal.Inc()
		result.Status = types.StatusFailed
		result.Message = fmt.Sprintf("failed to provision database principal: %v", err)
		logger.Error().Err(err).Msg("provisioning failed")
		return
	}
	stg = stageProvisioned

	sb, err = p.runtime.Start(ctx, task.ID, task.DockerImage, handle)
	if err != nil {
		metrics.SandboxFailuresTotal.Inc()
		result.Status = types.StatusFailed
		result.Message = fmt.Sprintf("failed to start sandbox: %v", err)
		logger.Error().Err(err).Msg("sandbox start failed")
		return
	}
	stg = stageContainerUp

	g, err := graph.Build(task.Scenarios)
	if err != nil {
		result.Status = types.StatusFailed
		result.Message = fmt.Sprintf("invalid scenario dependency graph: %v", err)
		logger.Error().Err(err).Msg("scenario graph construction failed")
		return
	}
	stg = stageOrdered

	exec := executor.New(sb.Endpoint(), p.cfg.ScenarioTimeout)
	result.ScenarioResults = exec.Run(ctx, g)
	stg = stageExecuted

	for _, sr := range result.ScenarioResults {
		metrics.ScenariosTotal.WithLabelValues(string(sr.Status)).Inc()
	}

	// A task that ran to completion is done regardless of individual
	// scenario outcomes — invalid/timeout/error scenarios are reported in
	// scenario_results, not surfaced as a task-level failure.
	result.Status = types.StatusDone
	result.Message = "null"
}

// converge is the single cleanup-and-emit step every Run invocation passes
// through exactly once, regardless of which stage it reached.
func (p *Pipeline) converge(task types.Task, handle *dbacl.Handle, sb Sandbox, result *types.TaskResult, reached stage) {
	logger := log.WithTask(task.ID, task.DockerImage)

	if sb != nil {
		if logs := sb.Logs(); logs != nil {
			if captured, err := io.ReadAll(io.LimitReader(logs, 64*1024)); err == nil {
				result.Output = string(captured)
			}
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*config.StopGrace)
		sb.Stop(stopCtx)
		cancel()
	}

	if handle != nil {
		p.provisoner.Revoke(handle)
	}

	metrics.TasksTotal.WithLabelValues(string(result.Status)).Inc()

	emitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.emitter.Emit(emitCtx, result); err != nil {
		logger.Error().Err(err).Str("reached_stage", string(reached)).Msg("failed to emit task result")
		return
	}
	logger.Info().Str("status", string(result.Status)).Msg("task result emitted")
}
