package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-agents/internal/agent"
)

// Status tracks an orchestration record through its lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions will happen.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Strategy selects how a batch of tasks is executed.
type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyRaceFirst  Strategy = "race-first"
	StrategyPriority   Strategy = "priority"
)

var (
	// ErrDependencyNotMet aborts a workflow whose stage depends on a stage
	// that has not completed earlier in the run.
	ErrDependencyNotMet = errors.New("dependency not met")
	// ErrUnknownStrategy is returned for an unrecognised batch strategy.
	ErrUnknownStrategy = errors.New("unknown execution strategy")
	// ErrInvalidWorkflow is returned for malformed workflow definitions.
	ErrInvalidWorkflow = errors.New("invalid workflow")
	// ErrDuplicateTask is returned when a task id is already in flight.
	ErrDuplicateTask = errors.New("duplicate task id")
)

// OrchestrationTask is the tracked record around one submitted task.
type OrchestrationTask struct {
	ID         string          `json:"id"`
	Task       *agent.Task     `json:"task"`
	AgentType  agent.AgentType `json:"agent_type,omitempty"`
	AgentID    string          `json:"agent_id,omitempty"`
	Status     Status          `json:"status"`
	Result     *agent.Result   `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
}

// TaskError is the final failure of a task after retries were exhausted
// or skipped. It unwraps to the underlying failure.
type TaskError struct {
	TaskID    string
	TaskType  agent.TaskType
	AgentType agent.AgentType
	Retries   int
	Err       error
}

func (e *TaskError) Error() string {
	agentType := string(e.AgentType)
	if agentType == "" {
		agentType = "unassigned"
	}
	return fmt.Sprintf("task %s (%s) failed on %s agent after %d retries: %v",
		e.TaskID, e.TaskType, agentType, e.Retries, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Stage is one step of a workflow.
type Stage struct {
	ID        string      `json:"id"`
	Name      string      `json:"name,omitempty"`
	Task      *agent.Task `json:"task"`
	DependsOn []string    `json:"depends_on,omitempty"`
}

// Workflow is an ordered list of dependency-gated stages.
type Workflow struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Stages []Stage `json:"stages"`
}

// Validate checks stage ids are present and unique.
func (w *Workflow) Validate() error {
	if len(w.Stages) == 0 {
		return fmt.Errorf("%w: %q has no stages", ErrInvalidWorkflow, w.Name)
	}
	seen := make(map[string]bool, len(w.Stages))
	for i, s := range w.Stages {
		if s.ID == "" {
			return fmt.Errorf("%w: stage %d has no id", ErrInvalidWorkflow, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate stage id %q", ErrInvalidWorkflow, s.ID)
		}
		if s.Task == nil {
			return fmt.Errorf("%w: stage %q has no task", ErrInvalidWorkflow, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// WorkflowRun records one execution of a workflow.
type WorkflowRun struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Name       string          `json:"name"`
	Status     Status          `json:"status"`
	StageIDs   []string        `json:"stage_ids"`
	Results    []*agent.Result `json:"results"`
	FailedAt   string          `json:"failed_at,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    time.Time       `json:"ended_at"`
}

// Statistics is a snapshot of orchestrator activity.
type Statistics struct {
	ActiveTasks       int   `json:"active_tasks"`
	CompletedTasks    int   `json:"completed_tasks"`
	FailedTasks       int   `json:"failed_tasks"`
	CancelledTasks    int   `json:"cancelled_tasks"`
	TotalOrchestrated int64 `json:"total_orchestrated"`
}

// TaskEvent is published on every status transition.
type TaskEvent struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Status    Status          `json:"status"`
	Attempt   int             `json:"attempt"`
	AgentType agent.AgentType `json:"agent_type,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
