package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-agents/internal/agent"
	"github.com/nidhogg/nuka-agents/internal/pool"
	"go.uber.org/zap"
)

type runFunc func(ctx context.Context, task *agent.Task) (string, error)

// scriptedAgent runs a caller-supplied function and honours Cancel.
type scriptedAgent struct {
	id   string
	kind agent.AgentType
	caps agent.CapabilitySet
	run  runFunc

	mu     sync.Mutex
	state  agent.State
	cancel context.CancelFunc
}

func (a *scriptedAgent) ID() string                        { return a.id }
func (a *scriptedAgent) Type() agent.AgentType             { return a.kind }
func (a *scriptedAgent) Name() string                      { return string(a.kind) }
func (a *scriptedAgent) Capabilities() agent.CapabilitySet { return a.caps }
func (a *scriptedAgent) Metrics() agent.Metrics            { return agent.Metrics{} }

func (a *scriptedAgent) CanHandle(t *agent.Task) bool { return a.caps.Contains(t.Required()) }

func (a *scriptedAgent) State() agent.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *scriptedAgent) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = agent.State{Kind: agent.StateCancelled}
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *scriptedAgent) Execute(ctx context.Context, task *agent.Task) (*agent.Result, error) {
	a.mu.Lock()
	if a.state.Kind == agent.StateCancelled {
		a.mu.Unlock()
		return nil, agent.ErrAgentCancelled
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.state = agent.State{Kind: agent.StateWorking}
	a.mu.Unlock()
	defer cancel()

	out, err := a.run(ctx, task)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		if a.state.Kind != agent.StateCancelled {
			a.state = agent.State{Kind: agent.StateFailed, Reason: err.Error()}
		}
		return nil, err
	}
	if a.state.Kind == agent.StateWorking {
		a.state = agent.State{Kind: agent.StateIdle}
	}
	return &agent.Result{TaskID: task.ID, AgentID: a.id, Success: true, Output: out, Confidence: 0.9}, nil
}

// scriptedCreator builds scriptedAgents with the built-in capabilities
// of each kind and counts executions.
type scriptedCreator struct {
	run runFunc

	mu     sync.Mutex
	agents []*scriptedAgent
	calls  atomic.Int32
}

func (c *scriptedCreator) New(t agent.AgentType, _ *agent.Blueprint) (agent.Agent, error) {
	k, ok := agent.LookupKind(t)
	if !ok {
		return nil, agent.ErrUnknownType
	}
	a := &scriptedAgent{
		id:    uuid.New().String(),
		kind:  t,
		caps:  agent.NewCapabilitySet(k.Capabilities...),
		state: agent.State{Kind: agent.StateIdle},
		run: func(ctx context.Context, task *agent.Task) (string, error) {
			c.calls.Add(1)
			return c.run(ctx, task)
		},
	}
	c.mu.Lock()
	c.agents = append(c.agents, a)
	c.mu.Unlock()
	return a, nil
}

func (c *scriptedCreator) all() []*scriptedAgent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*scriptedAgent(nil), c.agents...)
}

func newTestOrchestrator(run runFunc, cfg Config) (*Orchestrator, *scriptedCreator) {
	c := &scriptedCreator{run: run}
	pm := pool.NewManager(pool.Config{
		MaxAgentsPerType: 5,
		ReuseAgents:      true,
		WaitTimeout:      time.Second,
		PollInterval:     10 * time.Millisecond,
	}, c, zap.NewNop())
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	return New(pm, cfg, zap.NewNop()), c
}

func echo(_ context.Context, task *agent.Task) (string, error) {
	return "out-" + task.ID, nil
}

// sleepy waits for the duration named by the task input.
func sleepy(ctx context.Context, task *agent.Task) (string, error) {
	d, err := time.ParseDuration(task.Input)
	if err != nil {
		return "", err
	}
	select {
	case <-time.After(d):
		return "out-" + task.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func researchTask(id, input string) *agent.Task {
	return &agent.Task{ID: id, Type: agent.TaskResearch, Input: input}
}

type eventLog struct {
	mu     sync.Mutex
	events map[string][]Status
}

func (l *eventLog) PublishEvent(_ context.Context, ev *TaskEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.events == nil {
		l.events = make(map[string][]Status)
	}
	l.events[ev.TaskID] = append(l.events[ev.TaskID], ev.Status)
	return nil
}

func TestExecuteLifecycle(t *testing.T) {
	o, _ := newTestOrchestrator(echo, Config{})
	events := &eventLog{}
	o.SetPublisher(events)

	res, err := o.Execute(context.Background(), researchTask("t1", "q"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output != "out-t1" {
		t.Errorf("output = %q", res.Output)
	}

	want := []Status{StatusQueued, StatusAssigned, StatusExecuting, StatusCompleted}
	got := events.events["t1"]
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}

	rec, ok := o.Get("t1")
	if !ok || rec.Status != StatusCompleted || rec.AgentType != agent.TypeResearch {
		t.Fatalf("record = %+v", rec)
	}
	if rec.StartedAt == nil || rec.EndedAt == nil {
		t.Error("timestamps not set")
	}
	st := o.Statistics()
	if st.CompletedTasks != 1 || st.ActiveTasks != 0 || st.TotalOrchestrated != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestExecuteAssignsID(t *testing.T) {
	o, _ := newTestOrchestrator(echo, Config{})
	task := &agent.Task{Type: agent.TaskAnalysis, Input: "x"}
	res, err := o.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.TaskID == "" {
		t.Fatal("no task id assigned")
	}
	if task.ID != "" {
		t.Error("caller's task was mutated")
	}
}

func TestRetryBound(t *testing.T) {
	boom := errors.New("boom")
	o, c := newTestOrchestrator(func(context.Context, *agent.Task) (string, error) {
		return "", boom
	}, Config{MaxRetries: 2})

	_, err := o.Execute(context.Background(), researchTask("t1", "q"))
	var te *TaskError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want *TaskError", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("final failure not surfaced: %v", err)
	}
	if te.Retries != 2 || te.AgentType != agent.TypeResearch {
		t.Errorf("task error = %+v", te)
	}
	if n := c.calls.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if !strings.Contains(err.Error(), "after 2 retries") {
		t.Errorf("message %q should name the retries", err.Error())
	}

	rec, _ := o.Get("t1")
	if rec.Status != StatusFailed || rec.RetryCount != 2 {
		t.Errorf("record = %+v", rec)
	}
	if st := o.Statistics(); st.FailedTasks != 1 {
		t.Errorf("stats = %+v", st)
	}

	tasks, agents := o.Cleanup()
	if tasks != 1 || agents != 3 {
		t.Errorf("cleanup = %d tasks, %d agents; want 1, 3", tasks, agents)
	}
	if _, ok := o.Get("t1"); ok {
		t.Error("failed record survived cleanup")
	}
}

func TestRetryRecovers(t *testing.T) {
	var n atomic.Int32
	o, _ := newTestOrchestrator(func(_ context.Context, task *agent.Task) (string, error) {
		if n.Add(1) == 1 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	}, Config{MaxRetries: 3})

	res, err := o.Execute(context.Background(), researchTask("t1", "q"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output != "ok" {
		t.Errorf("output = %q", res.Output)
	}
	rec, _ := o.Get("t1")
	if rec.RetryCount != 1 || rec.Status != StatusCompleted {
		t.Errorf("record = %+v", rec)
	}
}

func TestCapabilityMismatchNotRetried(t *testing.T) {
	o, c := newTestOrchestrator(echo, Config{MaxRetries: 3})
	task := &agent.Task{
		ID:                   "t1",
		Type:                 agent.TaskCodeGeneration,
		RequiredCapabilities: []agent.Capability{agent.CapWebSearch},
	}
	_, err := o.Execute(context.Background(), task)
	var mismatch *agent.CapabilityMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("got %v, want capability mismatch", err)
	}
	if mismatch.AgentType != agent.TypeCode || mismatch.TaskType != agent.TaskCodeGeneration {
		t.Errorf("mismatch = %+v", mismatch)
	}
	if c.calls.Load() != 0 {
		t.Error("mismatched task reached the agent")
	}
	if rec, _ := o.Get("t1"); rec.RetryCount != 0 {
		t.Errorf("retries = %d, want 0", rec.RetryCount)
	}
}

func TestAttemptTimeout(t *testing.T) {
	o, c := newTestOrchestrator(func(ctx context.Context, _ *agent.Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, Config{MaxRetries: 1})

	task := researchTask("t1", "q")
	task.Timeout = 20 * time.Millisecond
	_, err := o.Execute(context.Background(), task)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
	if n := c.calls.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
	if rec, _ := o.Get("t1"); rec.Status != StatusTimeout {
		t.Errorf("status = %s, want timeout", rec.Status)
	}
}

func TestCallerCancelIsNotRetried(t *testing.T) {
	o, c := newTestOrchestrator(func(ctx context.Context, _ *agent.Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, Config{MaxRetries: 3})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := o.Execute(ctx, researchTask("t1", "q"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want cancelled", err)
	}
	if c.calls.Load() != 1 {
		t.Errorf("attempts = %d, want 1", c.calls.Load())
	}
	if rec, _ := o.Get("t1"); rec.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", rec.Status)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	o, _ := newTestOrchestrator(echo, Config{HistoryLimit: 2})
	for i := 1; i <= 3; i++ {
		if _, err := o.Execute(context.Background(), researchTask(fmt.Sprintf("t%d", i), "q")); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	h := o.History(0)
	if len(h) != 2 || h[0].ID != "t3" || h[1].ID != "t2" {
		t.Fatalf("history = %v", h)
	}
	if _, ok := o.Get("t1"); ok {
		t.Error("evicted record still visible")
	}
	if got := o.History(1); len(got) != 1 {
		t.Errorf("limit ignored: %d", len(got))
	}
}

type fakeEnricher struct{ refs []string }

func (f fakeEnricher) RelatedKnowledge(context.Context, string, string) ([]string, error) {
	return f.refs, nil
}

func TestEnrichment(t *testing.T) {
	var seen *agent.TaskContext
	o, _ := newTestOrchestrator(func(_ context.Context, task *agent.Task) (string, error) {
		seen = task.Context
		return "ok", nil
	}, Config{})
	o.SetEnricher(fakeEnricher{refs: []string{"kb:roadmap"}})

	task := researchTask("t1", "plan")
	task.Context = &agent.TaskContext{ProjectID: "p1"}
	if _, err := o.Execute(context.Background(), task); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if seen == nil || len(seen.RelatedKnowledge) != 1 || seen.RelatedKnowledge[0] != "kb:roadmap" {
		t.Errorf("context = %+v", seen)
	}
	if len(task.Context.RelatedKnowledge) != 0 {
		t.Error("caller's context was mutated")
	}
}

func TestRunCleanup(t *testing.T) {
	o, _ := newTestOrchestrator(func(context.Context, *agent.Task) (string, error) {
		return "", errors.New("boom")
	}, Config{})
	if _, err := o.Execute(context.Background(), researchTask("t1", "q")); err == nil {
		t.Fatal("expected failure")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.RunCleanup(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := o.Get("t1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failed record never reclaimed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}

func TestDuplicateTaskIDRejected(t *testing.T) {
	o, _ := newTestOrchestrator(sleepy, Config{MaxConcurrent: 4})

	done := make(chan error, 1)
	go func() {
		_, err := o.Execute(context.Background(), researchTask("dup", "100ms"))
		done <- err
	}()
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := o.Get("dup"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first submission never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := o.Execute(context.Background(), researchTask("dup", "0s")); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("got %v, want ErrDuplicateTask", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first submission: %v", err)
	}

	// A finished id may be submitted again.
	if _, err := o.Execute(context.Background(), researchTask("dup", "0s")); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	st := o.Statistics()
	if st.CompletedTasks != 2 || st.ActiveTasks != 0 || st.TotalOrchestrated != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDuplicateTaskIDInBatch(t *testing.T) {
	o, c := newTestOrchestrator(echo, Config{})
	tasks := []*agent.Task{researchTask("a", "x"), researchTask("a", "y")}

	for _, s := range []Strategy{StrategyParallel, StrategySequential, StrategyRaceFirst, StrategyPriority} {
		if _, err := o.ExecuteParallel(context.Background(), tasks, s); !errors.Is(err, ErrDuplicateTask) {
			t.Errorf("%s: got %v, want ErrDuplicateTask", s, err)
		}
	}
	if c.calls.Load() != 0 {
		t.Errorf("%d tasks ran, want none", c.calls.Load())
	}
	if st := o.Statistics(); st.TotalOrchestrated != 0 {
		t.Errorf("stats = %+v", st)
	}
}
