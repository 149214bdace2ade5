package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPPlanner asks an external planning service to decompose the task.
// Production deployments point this at an LLM-backed planner; the keyword
// planner remains the fallback when no endpoint is configured.
type HTTPPlanner struct {
	endpoint string
	client   *http.Client
	fallback Planner
}

// NewHTTPPlanner builds a planner against the endpoint. A nil client gets a
// 30s default; a nil fallback means planner failures are returned as errors.
func NewHTTPPlanner(endpoint string, client *http.Client, fallback Planner) *HTTPPlanner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPPlanner{endpoint: endpoint, client: client, fallback: fallback}
}

type planRequest struct {
	Task        string `json:"task"`
	MaxSubtasks int    `json:"maxSubtasks"`
}

type planResponse struct {
	Subtasks []Subtask `json:"subtasks"`
	Error    string    `json:"error,omitempty"`
}

// Plan posts the task and decodes the subtask list. On transport failure the
// fallback planner answers instead, so a dead planner degrades rather than
// halts the marketplace.
func (p *HTTPPlanner) Plan(ctx context.Context, task string) ([]Subtask, error) {
	plan, err := p.remote(ctx, task)
	if err != nil {
		if p.fallback != nil {
			return p.fallback.Plan(ctx, task)
		}
		return nil, err
	}
	return plan, nil
}

func (p *HTTPPlanner) remote(ctx context.Context, task string) ([]Subtask, error) {
	body, err := json.Marshal(planRequest{Task: task, MaxSubtasks: MaxSubtasks})
	if err != nil {
		return nil, fmt.Errorf("encode plan request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build plan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plan call to %s: %w", p.endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read plan response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("planner returned %d", resp.StatusCode)
	}

	var out planResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode plan response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("planner error: %s", out.Error)
	}
	if len(out.Subtasks) > MaxSubtasks {
		out.Subtasks = out.Subtasks[:MaxSubtasks]
	}
	return out.Subtasks, nil
}
