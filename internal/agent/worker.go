package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/nuka-agents/internal/provider"
	"go.uber.org/zap"
)

// Completer is the slice of the provider router a worker needs.
type Completer interface {
	Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// Worker is the LLM-backed Agent used for every built-in kind and for
// blueprint-defined custom agents.
type Worker struct {
	id           string
	kind         AgentType
	name         string
	caps         CapabilitySet
	accepts      map[TaskType]bool // nil accepts every task type
	systemPrompt string
	model        string
	config       ExecConfig
	llm          Completer
	logger       *zap.Logger

	mu       sync.Mutex
	state    State
	inflight map[uint64]context.CancelFunc
	seq      uint64
	metrics  metricsRecorder
}

func (w *Worker) ID() string                  { return w.id }
func (w *Worker) Type() AgentType             { return w.kind }
func (w *Worker) Name() string                { return w.name }
func (w *Worker) Capabilities() CapabilitySet { return w.caps }
func (w *Worker) Metrics() Metrics            { return w.metrics.snapshot() }

// Model returns the model selector requests are routed by.
func (w *Worker) Model() string { return w.model }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// CanHandle checks capability coverage and the kind's task-type rule.
func (w *Worker) CanHandle(task *Task) bool {
	if !w.caps.Contains(task.Required()) {
		return false
	}
	if w.accepts == nil || task.Type == TaskGeneral {
		return true
	}
	return w.accepts[task.Type]
}

// Cancel interrupts any in-flight execution and retires the agent.
func (w *Worker) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = State{Kind: StateCancelled}
	for _, cancel := range w.inflight {
		cancel()
	}
}

// Execute sends the task to the model and turns the answer into a Result.
func (w *Worker) Execute(ctx context.Context, task *Task) (*Result, error) {
	ctx, token, err := w.begin(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	req := &provider.ChatRequest{
		Model:       w.model,
		Messages:    w.buildMessages(task),
		Temperature: w.config.Temperature,
		MaxTokens:   w.config.MaxTokens,
	}

	attempts := w.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var resp *provider.ChatResponse
	for i := 0; i < attempts; i++ {
		resp, err = w.llm.Chat(ctx, req)
		if err == nil || ctx.Err() != nil {
			break
		}
		w.logger.Debug("model call failed",
			zap.String("agent", w.id),
			zap.Int("attempt", i+1),
			zap.Error(err))
	}

	elapsed := time.Since(start)
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = errors.New("empty model response")
	}
	if err != nil {
		return nil, w.fail(ctx, token, elapsed, err)
	}

	w.finish(token, elapsed)
	return w.buildResult(task, resp, elapsed), nil
}

func (w *Worker) begin(parent context.Context) (context.Context, uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.Kind == StateCancelled {
		return nil, 0, ErrAgentCancelled
	}
	ctx, cancel := context.WithCancel(parent)
	w.seq++
	w.inflight[w.seq] = cancel
	w.state = State{Kind: StateWorking}
	return ctx, w.seq, nil
}

func (w *Worker) release(token uint64) {
	if cancel, ok := w.inflight[token]; ok {
		cancel()
		delete(w.inflight, token)
	}
}

func (w *Worker) finish(token uint64, elapsed time.Duration) {
	w.mu.Lock()
	w.release(token)
	if w.state.Kind == StateWorking && len(w.inflight) == 0 {
		w.state = State{Kind: StateIdle}
	}
	w.mu.Unlock()
	w.metrics.record(elapsed, true)
}

func (w *Worker) fail(ctx context.Context, token uint64, elapsed time.Duration, cause error) error {
	w.mu.Lock()
	w.release(token)
	cancelled := w.state.Kind == StateCancelled
	switch {
	case cancelled:
	case errors.Is(ctx.Err(), context.Canceled):
		w.state = State{Kind: StateCancelled}
		cancelled = true
	default:
		w.state = State{Kind: StateFailed, Reason: cause.Error()}
		if err := ctx.Err(); err != nil && !errors.Is(cause, err) {
			cause = fmt.Errorf("%w: %w", err, cause)
		}
	}
	w.mu.Unlock()
	w.metrics.record(elapsed, false)

	if cancelled {
		return fmt.Errorf("%w: %w", ErrAgentCancelled, context.Canceled)
	}
	return fmt.Errorf("agent %s execute: %w", w.id, cause)
}

func (w *Worker) buildMessages(task *Task) []provider.Message {
	msgs := []provider.Message{{Role: "system", Content: w.systemPrompt}}

	if c := task.Context; c != nil {
		var sb strings.Builder
		if c.ProjectID != "" {
			fmt.Fprintf(&sb, "Project: %s\n", c.ProjectID)
		}
		if len(c.RelatedKnowledge) > 0 {
			sb.WriteString("Related knowledge:\n")
			for _, k := range c.RelatedKnowledge {
				fmt.Fprintf(&sb, "- %s\n", k)
			}
		}
		if len(c.PreviousResults) > 0 {
			sb.WriteString("Results from earlier steps:\n")
			for i, r := range c.PreviousResults {
				fmt.Fprintf(&sb, "[%d] %s\n", i+1, r)
			}
		}
		for k, v := range c.UserPreferences {
			fmt.Fprintf(&sb, "Preference %s: %s\n", k, v)
		}
		if sb.Len() > 0 {
			msgs = append(msgs, provider.Message{Role: "system", Content: sb.String()})
		}
		for _, turn := range w.fitConversation(c.RecentConversation) {
			msgs = append(msgs, provider.Message{Role: turn.Role, Content: turn.Content})
		}
	}

	return append(msgs, provider.Message{Role: "user", Content: task.Input})
}

// fitConversation keeps the most recent turns that fit the context window,
// estimated at four characters per token.
func (w *Worker) fitConversation(turns []ConversationTurn) []ConversationTurn {
	if w.config.ContextWindowSize <= 0 {
		return turns
	}
	budget := w.config.ContextWindowSize * 4
	start := len(turns)
	for start > 0 {
		n := len(turns[start-1].Content)
		if n > budget {
			break
		}
		budget -= n
		start--
	}
	return turns[start:]
}

func (w *Worker) buildResult(task *Task, resp *provider.ChatResponse, elapsed time.Duration) *Result {
	confidence := 0.9
	if resp.FinishReason == provider.FinishLength {
		confidence = 0.6
	}
	if c, ok := statedConfidence(resp.Content); ok {
		confidence = c
	}
	return &Result{
		TaskID:     task.ID,
		AgentID:    w.id,
		Success:    true,
		Output:     resp.Content,
		Artifacts:  ExtractArtifacts(resp.Content),
		Duration:   elapsed,
		Confidence: confidence,
		Metadata: map[string]string{
			"agent_type": string(w.kind),
			"model":      resp.Model,
			"tokens":     fmt.Sprintf("%d", resp.Usage.TotalTokens),
		},
	}
}
