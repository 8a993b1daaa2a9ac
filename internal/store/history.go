package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/nuka-agents/internal/agent"
	"github.com/nidhogg/nuka-agents/internal/orchestrator"
)

// RecordTask upserts a terminal orchestration record.
func (s *Store) RecordTask(ctx context.Context, rec *orchestrator.OrchestrationTask) error {
	var (
		output     string
		confidence float64
		resultJSON []byte
	)
	if rec.Result != nil {
		output = rec.Result.Output
		confidence = rec.Result.Confidence
		var err error
		if resultJSON, err = json.Marshal(rec.Result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO orchestration_tasks (id, task_type, priority, input, agent_type, agent_id, status,
			output, confidence, error, retry_count, max_retries, result, created_at, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			agent_type = EXCLUDED.agent_type,
			agent_id = EXCLUDED.agent_id,
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			confidence = EXCLUDED.confidence,
			error = EXCLUDED.error,
			retry_count = EXCLUDED.retry_count,
			result = EXCLUDED.result,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at`,
		rec.ID, string(rec.Task.Type), rec.Task.Priority.String(), rec.Task.Input,
		string(rec.AgentType), rec.AgentID, string(rec.Status),
		output, confidence, rec.Error, rec.RetryCount, rec.MaxRetries, resultJSON,
		rec.CreatedAt, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("record task %s: %w", rec.ID, err)
	}
	return nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status orchestrator.Status
	Limit  int
}

// ListTasks returns persisted records, newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*orchestrator.OrchestrationTask, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, task_type, priority, input, agent_type, agent_id, status, error,
		       retry_count, max_retries, result, created_at, started_at, ended_at
		FROM orchestration_tasks
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*orchestrator.OrchestrationTask
	for rows.Next() {
		var (
			rec        orchestrator.OrchestrationTask
			task       agent.Task
			priority   string
			resultJSON []byte
		)
		if err := rows.Scan(&rec.ID, &task.Type, &priority, &task.Input, &rec.AgentType, &rec.AgentID,
			&rec.Status, &rec.Error, &rec.RetryCount, &rec.MaxRetries, &resultJSON,
			&rec.CreatedAt, &rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.ID = rec.ID
		task.Priority, _ = agent.ParsePriority(priority)
		rec.Task = &task
		if len(resultJSON) > 0 {
			var res agent.Result
			if err := json.Unmarshal(resultJSON, &res); err == nil {
				rec.Result = &res
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// RecordWorkflowRun upserts a workflow run.
func (s *Store) RecordWorkflowRun(ctx context.Context, run *orchestrator.WorkflowRun) error {
	stageIDs, err := json.Marshal(run.StageIDs)
	if err != nil {
		return fmt.Errorf("marshal stage ids: %w", err)
	}
	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("marshal stage results: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, name, status, stage_ids, results, failed_at, error, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			stage_ids = EXCLUDED.stage_ids,
			results = EXCLUDED.results,
			failed_at = EXCLUDED.failed_at,
			error = EXCLUDED.error,
			ended_at = EXCLUDED.ended_at`,
		run.ID, run.WorkflowID, run.Name, string(run.Status), stageIDs, results,
		run.FailedAt, run.Error, run.StartedAt, run.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("record workflow run %s: %w", run.ID, err)
	}
	return nil
}

// ListWorkflowRuns returns recent runs, newest first.
func (s *Store) ListWorkflowRuns(ctx context.Context, limit int) ([]*orchestrator.WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, workflow_id, name, status, stage_ids, results, failed_at, error, started_at, ended_at
		FROM workflow_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer rows.Close()

	var out []*orchestrator.WorkflowRun
	for rows.Next() {
		var run orchestrator.WorkflowRun
		var stageIDs, results []byte
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.Name, &run.Status, &stageIDs, &results,
			&run.FailedAt, &run.Error, &run.StartedAt, &run.EndedAt); err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		_ = json.Unmarshal(stageIDs, &run.StageIDs)
		_ = json.Unmarshal(results, &run.Results)
		out = append(out, &run)
	}
	return out, rows.Err()
}
