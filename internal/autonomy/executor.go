package autonomy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mosaicprotocol/coordinator/internal/core"
)

// DefaultExecuteTimeout bounds a single worker-agent execution.
const DefaultExecuteTimeout = 120 * time.Second

// Executor runs a task on one worker agent.
type Executor interface {
	Execute(ctx context.Context, task string, tc *core.TaskContext) (*core.ExecuteResult, error)
}

// ExecutorFactory builds the executor for a selected agent. The factory is
// the seam between the hire pipeline and agent transports; tests install a
// scripted factory.
type ExecutorFactory interface {
	ExecutorFor(agent *core.Agent) Executor
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task string, tc *core.TaskContext) (*core.ExecuteResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, task string, tc *core.TaskContext) (*core.ExecuteResult, error) {
	return f(ctx, task, tc)
}

// executeRequest is the JSON body posted to a worker agent endpoint.
type executeRequest struct {
	Task            string             `json:"task"`
	TaskID          string             `json:"taskId"`
	Depth           int                `json:"depth"`
	PreviousResults []core.ResultEntry `json:"previousResults,omitempty"`
}

// executeResponse is what worker agents answer with.
type executeResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// HTTPExecutorFactory executes agents over plain HTTP POST to their
// registered endpoint.
type HTTPExecutorFactory struct {
	client *http.Client
}

// NewHTTPExecutorFactory builds a factory with a shared client. A nil
// client gets a default with the standard execute timeout.
func NewHTTPExecutorFactory(client *http.Client) *HTTPExecutorFactory {
	if client == nil {
		client = &http.Client{Timeout: DefaultExecuteTimeout}
	}
	return &HTTPExecutorFactory{client: client}
}

func (f *HTTPExecutorFactory) ExecutorFor(agent *core.Agent) Executor {
	endpoint := agent.Endpoint
	return ExecutorFunc(func(ctx context.Context, task string, tc *core.TaskContext) (*core.ExecuteResult, error) {
		start := time.Now()

		body, err := json.Marshal(executeRequest{
			Task:            task,
			TaskID:          tc.TaskID,
			Depth:           tc.Depth,
			PreviousResults: tc.PreviousResults,
		})
		if err != nil {
			return nil, fmt.Errorf("encode execute request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build execute request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("execute call to %s: %w", endpoint, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read execute response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
		}

		var out executeResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode execute response: %w", err)
		}
		if out.Error != "" {
			return nil, fmt.Errorf("agent error: %s", out.Error)
		}
		return &core.ExecuteResult{Output: out.Output, Duration: time.Since(start)}, nil
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
