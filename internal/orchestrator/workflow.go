package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-agents/internal/agent"
	"github.com/nidhogg/nuka-agents/internal/pool"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ExecuteWorkflow runs stages in declaration order. Before a stage runs,
// the outputs of its dependencies are appended to its task context. A
// dependency that has not completed earlier in the run, or any stage
// failure, aborts the workflow. Results follow stage order.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, wf *Workflow) ([]*agent.Result, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	run := &WorkflowRun{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Name:       wf.Name,
		Status:     StatusExecuting,
		StartedAt:  time.Now(),
	}
	o.logger.Info("workflow started",
		zap.String("workflow", wf.Name),
		zap.String("run", run.ID),
		zap.Int("stages", len(wf.Stages)))

	done := make(map[string]*agent.Result, len(wf.Stages))
	results := make([]*agent.Result, 0, len(wf.Stages))

	for _, stage := range wf.Stages {
		task, err := stageTask(stage, done)
		if err != nil {
			return nil, o.abortRun(run, stage.ID, err)
		}
		res, err := o.Execute(ctx, task)
		if err != nil {
			return nil, o.abortRun(run, stage.ID, fmt.Errorf("stage %s: %w", stage.ID, err))
		}
		done[stage.ID] = res
		results = append(results, res)
		run.StageIDs = append(run.StageIDs, stage.ID)
		run.Results = append(run.Results, res)

		o.logger.Info("workflow stage done",
			zap.String("workflow", wf.Name),
			zap.String("stage", stage.ID))
	}

	run.Status = StatusCompleted
	run.EndedAt = time.Now()
	o.recordRun(run)
	o.logger.Info("workflow completed",
		zap.String("workflow", wf.Name),
		zap.Duration("elapsed", run.EndedAt.Sub(run.StartedAt)))
	return results, nil
}

// stageTask returns the stage's task with dependency outputs injected.
// The workflow definition itself is left untouched.
func stageTask(stage Stage, done map[string]*agent.Result) (*agent.Task, error) {
	task := stage.Task
	if len(stage.DependsOn) == 0 {
		return task, nil
	}
	tc := task.Context.Clone()
	if tc == nil {
		tc = &agent.TaskContext{}
	}
	for _, dep := range stage.DependsOn {
		res, ok := done[dep]
		if !ok {
			return nil, fmt.Errorf("%w: stage %s needs %s", ErrDependencyNotMet, stage.ID, dep)
		}
		tc.PreviousResults = append(tc.PreviousResults, res.Output)
	}
	return task.WithContext(tc), nil
}

func (o *Orchestrator) abortRun(run *WorkflowRun, stageID string, err error) error {
	run.Status = StatusFailed
	run.FailedAt = stageID
	run.Error = err.Error()
	run.EndedAt = time.Now()
	o.recordRun(run)
	o.logger.Warn("workflow aborted",
		zap.String("workflow", run.Name),
		zap.String("stage", stageID),
		zap.Error(err))
	return fmt.Errorf("workflow %s: %w", run.Name, err)
}

func (o *Orchestrator) recordRun(run *WorkflowRun) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordWorkflowRun(context.Background(), run); err != nil {
		o.logger.Warn("record workflow run", zap.String("run", run.ID), zap.Error(err))
	}
}

// workflowFile is the on-disk form of a workflow.
type workflowFile struct {
	ID     string      `yaml:"id"`
	Name   string      `yaml:"name"`
	Stages []stageFile `yaml:"stages"`
}

type stageFile struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	DependsOn []string `yaml:"depends_on"`
	Task      struct {
		Type         agent.TaskType     `yaml:"type"`
		Input        string             `yaml:"input"`
		Priority     string             `yaml:"priority"`
		Capabilities []agent.Capability `yaml:"capabilities"`
		Timeout      string             `yaml:"timeout"`
		AgentType    agent.AgentType    `yaml:"agent_type"`
		ProjectID    string             `yaml:"project_id"`
	} `yaml:"task"`
}

// LoadWorkflow reads a YAML workflow definition from disk.
func LoadWorkflow(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	return ParseWorkflow(data)
}

// ParseWorkflow decodes a YAML workflow definition.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var f workflowFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	wf := &Workflow{ID: f.ID, Name: f.Name}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	for _, sf := range f.Stages {
		prio, err := agent.ParsePriority(sf.Task.Priority)
		if err != nil {
			return nil, fmt.Errorf("%w: stage %s: %v", ErrInvalidWorkflow, sf.ID, err)
		}
		task := &agent.Task{
			Type:                 sf.Task.Type,
			Input:                sf.Task.Input,
			Priority:             prio,
			RequiredCapabilities: sf.Task.Capabilities,
		}
		if task.Type == "" {
			task.Type = agent.TaskGeneral
		}
		if sf.Task.Timeout != "" {
			d, err := time.ParseDuration(sf.Task.Timeout)
			if err != nil {
				return nil, fmt.Errorf("%w: stage %s timeout: %v", ErrInvalidWorkflow, sf.ID, err)
			}
			task.Timeout = d
		}
		if sf.Task.AgentType != "" {
			task.Metadata = map[string]string{pool.AgentTypeKey: string(sf.Task.AgentType)}
		}
		if sf.Task.ProjectID != "" {
			task.Context = &agent.TaskContext{ProjectID: sf.Task.ProjectID}
		}
		wf.Stages = append(wf.Stages, Stage{
			ID:        sf.ID,
			Name:      sf.Name,
			Task:      task,
			DependsOn: sf.DependsOn,
		})
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

// councilSeats are the advisory perspectives consulted before synthesis.
var councilSeats = []struct {
	id     string
	prompt string
}{
	{"optimist", "Argue the strongest case for the upside and the opportunities in: %s"},
	{"pessimist", "Identify the risks, failure modes and hidden costs of: %s"},
	{"historian", "Recall precedents and what happened when similar things were tried: %s"},
}

// CouncilWorkflow builds a four-stage deliberation on topic: three
// independent perspectives followed by a synthesis that depends on all
// of them.
func CouncilWorkflow(topic string) *Workflow {
	wf := &Workflow{ID: uuid.New().String(), Name: "council"}
	deps := make([]string, 0, len(councilSeats))
	for _, seat := range councilSeats {
		wf.Stages = append(wf.Stages, Stage{
			ID:   seat.id,
			Name: seat.id,
			Task: &agent.Task{
				Type:                 agent.TaskAnalysis,
				Input:                fmt.Sprintf(seat.prompt, topic),
				Priority:             agent.PriorityNormal,
				RequiredCapabilities: []agent.Capability{agent.CapReasoning},
			},
		})
		deps = append(deps, seat.id)
	}
	wf.Stages = append(wf.Stages, Stage{
		ID:   "synthesizer",
		Name: "synthesizer",
		Task: &agent.Task{
			Type:                 agent.TaskAnalysis,
			Input:                fmt.Sprintf("Weigh the council's perspectives above and give a balanced recommendation on: %s", topic),
			Priority:             agent.PriorityHigh,
			RequiredCapabilities: []agent.Capability{agent.CapReasoning},
		},
		DependsOn: deps,
	})
	return wf
}
