// Package types defines the wire-level data model shared by the queue,
// sandbox, graph, executor, comparator and pipeline packages: the Task and
// Scenario a controller enqueues, and the Scenario Result / Task Result a
// pipeline emits.
package types

import "encoding/json"

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// ScenarioOutcome is the classification a Scenario Executor assigns to one
// scenario attempt.
type ScenarioOutcome string

const (
	OutcomeOK      ScenarioOutcome = "ok"
	OutcomeInvalid ScenarioOutcome = "invalid"
	OutcomeTimeout ScenarioOutcome = "timeout"
	OutcomeSkipped ScenarioOutcome = "skipped"
	OutcomeError   ScenarioOutcome = "error"
)

// Value is an untyped JSON value: null, bool, float64, string, []Value or
// map[string]Value once decoded through encoding/json's interface{} mode.
type Value = interface{}

// Scenario is one HTTP request/response assertion within a Task.
type Scenario struct {
	ID                string   `json:"id" validate:"required"`
	URL               string   `json:"url" validate:"required"`
	Method            string   `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	Body              Value    `json:"body,omitempty"`
	StatusCode        int      `json:"status_code" validate:"required"`
	Response          Value    `json:"response"`
	IgnoredProperties []string `json:"ignored_properties,omitempty"`
	DependsOn         []string `json:"depends_on,omitempty"`
}

// Task is one controller-authored unit: an image to run and the ordered
// scenario set to validate it against.
type Task struct {
	ID          string     `json:"id" validate:"required"`
	DockerImage string     `json:"docker_image" validate:"required"`
	DBName      string     `json:"db_name" validate:"required"`
	Status      Status     `json:"status" validate:"required"`
	Scenarios   []Scenario `json:"scenarios" validate:"required,min=1,dive"`
}

// ScenarioResult records the outcome of attempting (or skipping) one
// scenario.
type ScenarioResult struct {
	ID                string                 `json:"id"`
	URL               string                 `json:"url"`
	Status            ScenarioOutcome        `json:"status"`
	StatusCode        int                    `json:"status_code"`
	IgnoredProperties []string               `json:"ignored_properties,omitempty"`
	Messages          []string               `json:"messages"`
	Diff              string                 `json:"diff"`
	AdditionalData    map[string]interface{} `json:"additional_data"`
	Duration          string                 `json:"duration"`
	Response          string                 `json:"response"`
}

// TaskResult is the single structured document a pipeline invocation emits
// onto the results queue.
type TaskResult struct {
	ID              string           `json:"id"`
	DockerImage     string           `json:"docker_image"`
	DBName          string           `json:"db_name"`
	Status          Status           `json:"status"`
	Message         string           `json:"message"`
	Output          string           `json:"output"`
	ScenarioResults []ScenarioResult `json:"scenario_results"`
}

// NewTaskResult builds the Task Result skeleton at pipeline entry, mirroring
// the task's own identity and initial status.
func NewTaskResult(t Task) *TaskResult {
	return &TaskResult{
		ID:              t.ID,
		DockerImage:     t.DockerImage,
		DBName:          t.DBName,
		Status:          t.Status,
		ScenarioResults: []ScenarioResult{},
	}
}

// Marshal is a small convenience wrapper kept next to the type definitions
// so callers never hand-roll json.Marshal against these wire types.
func (r *TaskResult) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
