package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-agents/internal/agent"
	"github.com/nidhogg/nuka-agents/internal/pool"
	"go.uber.org/zap"
)

// AgentPool is the slice of the pool manager the orchestrator drives.
// *pool.Manager implements it.
type AgentPool interface {
	GetAgent(ctx context.Context, task *agent.Task) (agent.Agent, error)
	Run(ctx context.Context, a agent.Agent, task *agent.Task) (*agent.Result, error)
	CancelAll()
	Cleanup() int
}

// Publisher receives every status transition.
type Publisher interface {
	PublishEvent(ctx context.Context, ev *TaskEvent) error
}

// Recorder persists terminal records and workflow runs.
type Recorder interface {
	RecordTask(ctx context.Context, rec *OrchestrationTask) error
	RecordWorkflowRun(ctx context.Context, run *WorkflowRun) error
}

// Enricher looks up knowledge references related to a task.
type Enricher interface {
	RelatedKnowledge(ctx context.Context, projectID, text string) ([]string, error)
}

// Config tunes the orchestrator.
type Config struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
	MaxRetries     int
	HistoryLimit   int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  10,
		DefaultTimeout: 300 * time.Second,
		MaxRetries:     3,
		HistoryLimit:   100,
	}
}

// Orchestrator tracks submitted tasks and runs them through the pool with
// bounded retry, under a semaphore of MaxConcurrent attempts.
type Orchestrator struct {
	pool   AgentPool
	cfg    Config
	sem    chan struct{}
	logger *zap.Logger

	publisher Publisher
	recorder  Recorder
	enricher  Enricher

	mu      sync.Mutex
	active  map[string]*OrchestrationTask
	history []*OrchestrationTask
	total   int64
}

// New creates an orchestrator over p.
func New(p AgentPool, cfg Config, logger *zap.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	return &Orchestrator{
		pool:   p,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		logger: logger,
		active: make(map[string]*OrchestrationTask),
	}
}

// SetPublisher attaches an event sink for status transitions.
func (o *Orchestrator) SetPublisher(p Publisher) { o.publisher = p }

// SetRecorder attaches a history store.
func (o *Orchestrator) SetRecorder(r Recorder) { o.recorder = r }

// SetEnricher attaches a knowledge lookup used before dispatch.
func (o *Orchestrator) SetEnricher(e Enricher) { o.enricher = e }

// Execute runs one task to completion, retrying retryable failures up to
// MaxRetries times. The final failure is returned as a *TaskError.
func (o *Orchestrator) Execute(ctx context.Context, task *agent.Task) (*agent.Result, error) {
	if task.ID == "" {
		cp := *task
		cp.ID = uuid.New().String()
		task = &cp
	}
	task = o.enrich(ctx, task)
	rec, err := o.submit(task)
	if err != nil {
		return nil, err
	}

	for {
		res, err := o.attempt(ctx, rec)
		if err == nil {
			o.complete(ctx, rec, res)
			return res, nil
		}

		status := classify(ctx, err)
		o.mu.Lock()
		retries := rec.RetryCount
		o.mu.Unlock()
		if !retryable(ctx, status, err) || retries >= rec.MaxRetries {
			o.finish(ctx, rec, status, err)
			return nil, &TaskError{
				TaskID:    rec.ID,
				TaskType:  task.Type,
				AgentType: rec.AgentType,
				Retries:   retries,
				Err:       err,
			}
		}

		o.logger.Warn("retrying task",
			zap.String("task", rec.ID),
			zap.String("status", string(status)),
			zap.Int("retry", retries+1),
			zap.Int("max_retries", rec.MaxRetries),
			zap.Error(err))
		o.mu.Lock()
		rec.RetryCount++
		rec.Status = StatusQueued
		rec.Error = err.Error()
		o.mu.Unlock()
		o.publish(ctx, rec)
	}
}

// attempt is one execution: acquire a slot, lease an agent, run.
func (o *Orchestrator) attempt(ctx context.Context, rec *OrchestrationTask) (*agent.Result, error) {
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-o.sem }()

	timeout := rec.Task.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a, err := o.pool.GetAgent(actx, rec.Task)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	o.mu.Lock()
	rec.AgentType = a.Type()
	rec.AgentID = a.ID()
	rec.Status = StatusAssigned
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	o.mu.Unlock()
	o.publish(ctx, rec)

	o.mu.Lock()
	rec.Status = StatusExecuting
	o.mu.Unlock()
	o.publish(ctx, rec)

	res, err := o.pool.Run(actx, a, rec.Task)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = errors.Join(err, context.DeadlineExceeded)
	}
	return res, err
}

// classify maps an attempt failure to the status the record ends in.
func classify(ctx context.Context, err error) Status {
	switch {
	case errors.Is(err, agent.ErrAgentCancelled), errors.Is(err, context.Canceled):
		return StatusCancelled
	case errors.Is(ctx.Err(), context.Canceled):
		return StatusCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	}
	return StatusFailed
}

// retryable reports whether another attempt may succeed.
func retryable(ctx context.Context, status Status, err error) bool {
	if ctx.Err() != nil || status == StatusCancelled {
		return false
	}
	var mismatch *agent.CapabilityMismatchError
	switch {
	case errors.As(err, &mismatch),
		errors.Is(err, agent.ErrBlueprintRequired),
		errors.Is(err, agent.ErrUnknownType),
		errors.Is(err, pool.ErrPoolSaturated):
		return false
	}
	return true
}

func (o *Orchestrator) enrich(ctx context.Context, task *agent.Task) *agent.Task {
	if o.enricher == nil || task.Context == nil || task.Context.ProjectID == "" || len(task.Context.RelatedKnowledge) > 0 {
		return task
	}
	refs, err := o.enricher.RelatedKnowledge(ctx, task.Context.ProjectID, task.Input)
	if err != nil {
		o.logger.Warn("knowledge lookup failed", zap.String("task", task.ID), zap.Error(err))
		return task
	}
	if len(refs) == 0 {
		return task
	}
	tc := task.Context.Clone()
	tc.RelatedKnowledge = refs
	return task.WithContext(tc)
}

// submit registers a record for task. An id still in flight is rejected;
// a terminal record awaiting Cleanup is superseded.
func (o *Orchestrator) submit(task *agent.Task) (*OrchestrationTask, error) {
	rec := &OrchestrationTask{
		ID:         task.ID,
		Task:       task,
		Status:     StatusQueued,
		CreatedAt:  time.Now(),
		MaxRetries: o.cfg.MaxRetries,
	}
	o.mu.Lock()
	if prev, ok := o.active[rec.ID]; ok && !prev.Status.IsTerminal() {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, rec.ID)
	}
	o.active[rec.ID] = rec
	o.total++
	o.mu.Unlock()

	o.logger.Debug("task queued",
		zap.String("task", rec.ID),
		zap.String("type", string(task.Type)),
		zap.String("priority", task.Priority.String()))
	o.publish(context.Background(), rec)
	return rec, nil
}

// complete moves a record into the bounded history.
func (o *Orchestrator) complete(ctx context.Context, rec *OrchestrationTask, res *agent.Result) {
	now := time.Now()
	o.mu.Lock()
	rec.Status = StatusCompleted
	rec.Result = res
	rec.Error = ""
	rec.EndedAt = &now
	delete(o.active, rec.ID)
	o.history = append(o.history, rec)
	if over := len(o.history) - o.cfg.HistoryLimit; over > 0 {
		o.history = append([]*OrchestrationTask(nil), o.history[over:]...)
	}
	o.mu.Unlock()

	o.logger.Info("task completed",
		zap.String("task", rec.ID),
		zap.String("agent", rec.AgentID),
		zap.Int("retries", rec.RetryCount),
		zap.Duration("elapsed", now.Sub(rec.CreatedAt)))
	o.publish(ctx, rec)
	o.record(rec)
}

// finish marks a record terminal but keeps it in the active map until Cleanup.
func (o *Orchestrator) finish(ctx context.Context, rec *OrchestrationTask, status Status, err error) {
	now := time.Now()
	o.mu.Lock()
	rec.Status = status
	rec.Error = err.Error()
	rec.EndedAt = &now
	o.mu.Unlock()

	if status == StatusCancelled {
		o.logger.Info("task cancelled", zap.String("task", rec.ID))
	} else {
		o.logger.Warn("task gave up",
			zap.String("task", rec.ID),
			zap.String("status", string(status)),
			zap.Int("retries", rec.RetryCount),
			zap.Error(err))
	}
	o.publish(context.WithoutCancel(ctx), rec)
	o.record(rec)
}

func (o *Orchestrator) publish(ctx context.Context, rec *OrchestrationTask) {
	if o.publisher == nil {
		return
	}
	o.mu.Lock()
	ev := &TaskEvent{
		ID:        uuid.New().String(),
		TaskID:    rec.ID,
		Status:    rec.Status,
		Attempt:   rec.RetryCount + 1,
		AgentType: rec.AgentType,
		Error:     rec.Error,
		Timestamp: time.Now(),
	}
	o.mu.Unlock()
	if err := o.publisher.PublishEvent(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Debug("publish task event", zap.String("task", rec.ID), zap.Error(err))
	}
}

func (o *Orchestrator) record(rec *OrchestrationTask) {
	if o.recorder == nil {
		return
	}
	o.mu.Lock()
	snap := *rec
	o.mu.Unlock()
	if err := o.recorder.RecordTask(context.Background(), &snap); err != nil {
		o.logger.Warn("record task", zap.String("task", rec.ID), zap.Error(err))
	}
}

// Get returns a copy of the record for a task id, active or historical.
func (o *Orchestrator) Get(id string) (*OrchestrationTask, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok := o.active[id]; ok {
		cp := *rec
		return &cp, true
	}
	for i := len(o.history) - 1; i >= 0; i-- {
		if o.history[i].ID == id {
			cp := *o.history[i]
			return &cp, true
		}
	}
	return nil, false
}

// History returns up to limit completed records, newest first.
func (o *Orchestrator) History(limit int) []*OrchestrationTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 || limit > len(o.history) {
		limit = len(o.history)
	}
	out := make([]*OrchestrationTask, 0, limit)
	for i := len(o.history) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *o.history[i]
		out = append(out, &cp)
	}
	return out
}

// Statistics returns a snapshot of orchestrator activity.
func (o *Orchestrator) Statistics() Statistics {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Statistics{
		CompletedTasks:    len(o.history),
		TotalOrchestrated: o.total,
	}
	for _, rec := range o.active {
		switch rec.Status {
		case StatusFailed, StatusTimeout:
			st.FailedTasks++
		case StatusCancelled:
			st.CancelledTasks++
		default:
			st.ActiveTasks++
		}
	}
	return st
}

// Cleanup drops terminal records from the active map and reclaims
// terminal agents from the pool.
func (o *Orchestrator) Cleanup() (tasks, agents int) {
	o.mu.Lock()
	for id, rec := range o.active {
		if rec.Status.IsTerminal() {
			delete(o.active, id)
			tasks++
		}
	}
	o.mu.Unlock()

	agents = o.pool.Cleanup()
	o.logger.Info("orchestrator cleanup", zap.Int("tasks", tasks), zap.Int("agents", agents))
	return tasks, agents
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (o *Orchestrator) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	o.logger.Info("cleanup loop started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Cleanup()
		}
	}
}
