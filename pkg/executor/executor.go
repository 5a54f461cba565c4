// Package executor dispatches a task's scenarios in dependency order,
// propagating skips and classifying each attempt's outcome.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/apitester/pkg/compare"
	"github.com/cuemby/apitester/pkg/graph"
	"github.com/cuemby/apitester/pkg/types"
)

// Executor dispatches HTTP requests against a sandbox endpoint and
// classifies each scenario's outcome.
type Executor struct {
	client   *http.Client
	endpoint string
}

// New builds an Executor bound to one sandbox's endpoint, enforcing
// timeout as the per-scenario round-trip budget.
func New(endpoint string, timeout time.Duration) *Executor {
	return &Executor{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
	}
}

// Run walks g's topological order, dispatching each scenario unless a
// prerequisite's already-recorded outcome is not ok, and returns one
// Scenario Result per scenario in the order it was attempted or skipped.
func (e *Executor) Run(ctx context.Context, g *graph.Graph) []types.ScenarioResult {
	results := make([]types.ScenarioResult, 0, len(g.Order()))
	outcomes := make(map[string]types.ScenarioOutcome, len(g.Order()))

	for _, id := range g.Order() {
		scenario := g.Scenario(id)

		if e.shouldSkip(scenario, outcomes) {
			result := types.ScenarioResult{
				ID:       scenario.ID,
				URL:      scenario.URL,
				Status:   types.OutcomeSkipped,
				Messages: []string{"Scenario skipped"},
			}
			results = append(results, result)
			outcomes[scenario.ID] = types.OutcomeSkipped
			continue
		}

		result := e.dispatch(ctx, scenario)
		results = append(results, result)
		outcomes[scenario.ID] = result.Status
	}

	return results
}

// shouldSkip reports whether any of scenario's prerequisites has a
// recorded outcome other than ok. depends_on is a set: any non-ok
// prerequisite skips the dependent scenario.
func (e *Executor) shouldSkip(scenario types.Scenario, outcomes map[string]types.ScenarioOutcome) bool {
	for _, dep := range scenario.DependsOn {
		if outcome, ok := outcomes[dep]; !ok || outcome != types.OutcomeOK {
			return true
		}
	}
	return false
}

// dispatch issues one HTTP request for scenario and classifies the result.
func (e *Executor) dispatch(ctx context.Context, scenario types.Scenario) types.ScenarioResult {
	result := types.ScenarioResult{
		ID:                scenario.ID,
		URL:               scenario.URL,
		IgnoredProperties: scenario.IgnoredProperties,
		AdditionalData:    map[string]interface{}{},
	}

	var bodyReader io.Reader
	if scenario.Body != nil {
		encoded, err := json.Marshal(scenario.Body)
		if err != nil {
			result.Status = types.OutcomeError
			result.Messages = []string{fmt.Sprintf("failed to encode request body: %v", err)}
			return result
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, scenario.Method, e.endpoint+scenario.URL, bodyReader)
	if err != nil {
		result.Status = types.OutcomeError
		result.Messages = []string{fmt.Sprintf("failed to build request: %v", err)}
		return result
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	elapsed := time.Since(start)
	result.Duration = elapsed.String()

	if err != nil {
		if isTimeout(err) {
			result.Status = types.OutcomeTimeout
			result.Messages = []string{err.Error()}
			return result
		}
		result.Status = types.OutcomeError
		result.Messages = []string{err.Error()}
		return result
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Status = types.OutcomeError
		result.Messages = []string{fmt.Sprintf("failed to read response body: %v", err)}
		return result
	}

	result.StatusCode = resp.StatusCode
	result.Response = string(raw)

	var messages []string
	status := types.OutcomeOK

	if resp.StatusCode != scenario.StatusCode {
		status = types.OutcomeInvalid
		messages = append(messages, fmt.Sprintf(
			"Invalid HTTP Status code (received=%d, expected=%d)", resp.StatusCode, scenario.StatusCode,
		))
	}

	if len(raw) > 0 {
		var observed types.Value
		if err := json.Unmarshal(raw, &observed); err != nil {
			status = types.OutcomeInvalid
			messages = append(messages, "Invalid JSON")
			result.AdditionalData["exception"] = err.Error()
		} else {
			cmp := compare.Compare(scenario.Response, observed, scenario.IgnoredProperties)
			if !cmp.Equal {
				status = types.OutcomeInvalid
				messages = append(messages, "JSON Mismatch")
				result.Diff = cmp.Diff
			}
		}
	}

	result.Status = status
	result.Messages = messages
	return result
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	if urlErr, ok := err.(interface{ Unwrap() error }); ok {
		return isTimeout(urlErr.Unwrap())
	}
	return false
}
