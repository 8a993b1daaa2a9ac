package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Agent is a worker that can execute tasks.
type Agent interface {
	ID() string
	Type() AgentType
	Name() string
	Capabilities() CapabilitySet
	// CanHandle reports whether the agent accepts the task: capabilities
	// must cover the task's required set, plus any kind-specific rule.
	CanHandle(task *Task) bool
	Execute(ctx context.Context, task *Task) (*Result, error)
	Cancel()
	State() State
	Metrics() Metrics
}

var (
	// ErrBlueprintRequired is returned when a custom agent is created without a blueprint.
	ErrBlueprintRequired = errors.New("blueprint required for custom agent")
	// ErrAgentCancelled is returned by Execute once the agent has been cancelled.
	ErrAgentCancelled = errors.New("agent cancelled")
	// ErrUnknownType is returned by the factory for an unregistered agent type.
	ErrUnknownType = errors.New("unknown agent type")
)

// CapabilityMismatchError means the selected agent cannot take the task.
type CapabilityMismatchError struct {
	AgentType AgentType
	TaskType  TaskType
}

func (e *CapabilityMismatchError) Error() string {
	return fmt.Sprintf("agent %s cannot handle task %s", e.AgentType, e.TaskType)
}

// Metrics is bookkeeping for a single agent.
type Metrics struct {
	TasksCompleted  int           `json:"tasks_completed"`
	TasksFailed     int           `json:"tasks_failed"`
	TotalExecTime   time.Duration `json:"total_exec_time"`
	AverageExecTime time.Duration `json:"average_exec_time"`
	SuccessRate     float64       `json:"success_rate"`
	LastUsed        time.Time     `json:"last_used"`
}

// metricsRecorder is the only mutation path for Metrics.
type metricsRecorder struct {
	mu sync.Mutex
	m  Metrics
}

func (r *metricsRecorder) record(d time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.m.TasksCompleted++
	} else {
		r.m.TasksFailed++
	}
	r.m.TotalExecTime += d
	total := r.m.TasksCompleted + r.m.TasksFailed
	r.m.AverageExecTime = r.m.TotalExecTime / time.Duration(total)
	r.m.SuccessRate = float64(r.m.TasksCompleted) / float64(total)
	r.m.LastUsed = time.Now()
}

func (r *metricsRecorder) snapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m
}
