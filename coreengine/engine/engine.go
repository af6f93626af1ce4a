// Package engine talks to the workflow engine that executes task graphs.
//
// Two backends implement WorkflowEngine: HTTPClient for a remote engine and
// LocalEngine, which runs the graph in-process against a StageExecutor.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/graph"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// RunState is the engine-side state of a submitted graph.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunStatus is one status poll result.
type RunStatus struct {
	RunID string   `json:"execution_id"`
	State RunState `json:"status"`
	Error string   `json:"error,omitempty"`
	// TaskResults holds the raw output of every node that produced one.
	TaskResults map[string]execution.RawOutput `json:"task_results,omitempty"`
	// FailedTasks lists nodes that failed; a critical node here failed the run.
	FailedTasks []string `json:"failed_tasks,omitempty"`
}

// WorkflowEngine executes graphs asynchronously.
type WorkflowEngine interface {
	Submit(ctx context.Context, def *graph.Definition) (string, error)
	GetStatus(ctx context.Context, runID string) (*RunStatus, error)
	Cancel(ctx context.Context, runID string) error
}

// RunReleaser is implemented by engines that keep run state in memory.
// Forget drops a run the caller no longer polls.
type RunReleaser interface {
	Forget(runID string)
}

// =============================================================================
// SUBMISSION WIRE FORMAT
// =============================================================================

// SubmitRequest is the graph as sent to a remote engine.
type SubmitRequest struct {
	DagID       string         `json:"dag_id"`
	Description string         `json:"description"`
	MaxRetries  int            `json:"max_retries"`
	TimeoutSec  int            `json:"timeout"`
	Tasks       []SubmitTask   `json:"tasks"`
	Metadata    graph.Metadata `json:"metadata"`
}

// SubmitTask is one node in a SubmitRequest.
type SubmitTask struct {
	TaskID    string               `json:"task_id"`
	AgentType string               `json:"agent_type"`
	DependsOn []string             `json:"depends_on"`
	Config    SubmitTaskConfig     `json:"config"`
	Input     graph.NodeInput      `json:"input"`
	XComPull  map[string]string    `json:"xcom_pull,omitempty"`
	XComPush  bool                 `json:"xcom_push"`
	Critical  bool                 `json:"critical"`
	Skippable bool                 `json:"skippable"`
	Condition *graph.SkipPredicate `json:"conditional,omitempty"`
	OnFailure string               `json:"on_failure"`
	Fallback  bool                 `json:"fallback_allowed"`
}

// SubmitTaskConfig carries executor settings for one node.
type SubmitTaskConfig struct {
	AgentURL   string `json:"agent_url,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	TimeoutSec int    `json:"timeout"`
	MaxRetries int    `json:"max_retries"`
}

// NewSubmitRequest serializes def into the remote engine's shape.
func NewSubmitRequest(def *graph.Definition) *SubmitRequest {
	req := &SubmitRequest{
		DagID:       def.ID,
		Description: def.Description,
		MaxRetries:  def.MaxRetries,
		TimeoutSec:  seconds(def.Timeout),
		Tasks:       make([]SubmitTask, 0, len(def.Nodes)),
		Metadata:    def.Metadata,
	}
	for _, n := range def.Nodes {
		onFailure := "retry"
		if n.Critical {
			onFailure = "fail"
		}
		req.Tasks = append(req.Tasks, SubmitTask{
			TaskID:    n.ID,
			AgentType: string(n.Stage),
			DependsOn: n.DependsOn,
			Config: SubmitTaskConfig{
				AgentURL:   n.Config.URL,
				Provider:   n.Config.Provider,
				Model:      n.Config.Model,
				TimeoutSec: seconds(n.Config.Timeout),
				MaxRetries: n.MaxRetries,
			},
			Input:     n.Input,
			XComPull:  n.Consumes,
			XComPush:  true,
			Critical:  n.Critical,
			Skippable: n.Skippable,
			Condition: n.Skip,
			OnFailure: onFailure,
			Fallback:  n.FallbackAllowed,
		})
	}
	return req
}

func seconds(d time.Duration) int {
	return int(d / time.Second)
}
