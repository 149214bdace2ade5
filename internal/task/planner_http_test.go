package task

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPPlannerDecodesPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req planRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, MaxSubtasks, req.MaxSubtasks)

		json.NewEncoder(w).Encode(planResponse{Subtasks: []Subtask{
			{Capability: "research", Description: "dig in"},
			{Capability: "writing", Description: "write up"},
		}})
	}))
	defer srv.Close()

	p := NewHTTPPlanner(srv.URL, srv.Client(), nil)
	plan, err := p.Plan(context.Background(), "some task text")
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, "research", plan[0].Capability)
}

func TestHTTPPlannerCapsOversizedPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var subs []Subtask
		for i := 0; i < MaxSubtasks+4; i++ {
			subs = append(subs, Subtask{Capability: "research"})
		}
		json.NewEncoder(w).Encode(planResponse{Subtasks: subs})
	}))
	defer srv.Close()

	p := NewHTTPPlanner(srv.URL, srv.Client(), nil)
	plan, err := p.Plan(context.Background(), "some task text")
	require.NoError(t, err)
	assert.Len(t, plan, MaxSubtasks)
}

func TestHTTPPlannerFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPPlanner(srv.URL, srv.Client(), KeywordPlanner{})
	plan, err := p.Plan(context.Background(), "summarize this report")
	require.NoError(t, err)
	assert.NotEmpty(t, plan)
}

func TestHTTPPlannerErrorWithoutFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(planResponse{Error: "model overloaded"})
	}))
	defer srv.Close()

	p := NewHTTPPlanner(srv.URL, srv.Client(), nil)
	_, err := p.Plan(context.Background(), "summarize this report")
	assert.ErrorContains(t, err, "model overloaded")
}
