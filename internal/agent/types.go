package agent

import (
	"errors"
	"fmt"
	"time"
)

// AgentType is the kind of worker. It partitions the pool.
type AgentType string

const (
	TypeResearch AgentType = "research"
	TypeCode     AgentType = "code"
	TypeAnalysis AgentType = "analysis"
	TypeDesign   AgentType = "design"
	TypeCustom   AgentType = "custom"
)

// AllTypes lists every agent kind in a stable order.
var AllTypes = []AgentType{TypeResearch, TypeCode, TypeAnalysis, TypeDesign, TypeCustom}

// Capability is an open-ended tag describing what an agent can do.
type Capability string

const (
	CapWebSearch         Capability = "web-search"
	CapDocumentRetrieval Capability = "document-retrieval"
	CapSummarization     Capability = "summarization"
	CapCodeGeneration    Capability = "code-generation"
	CapCodeReview        Capability = "code-review"
	CapDebugging         Capability = "debugging"
	CapDataProcessing    Capability = "data-processing"
	CapReasoning         Capability = "reasoning"
	CapVisualization     Capability = "visualization"
	CapUIDesign          Capability = "ui-design"
	CapPrototyping       Capability = "prototyping"
	CapStreaming         Capability = "streaming"
)

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from a list.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Contains reports whether s is a superset of other.
func (s CapabilitySet) Contains(other CapabilitySet) bool {
	for c := range other {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// List returns the set members.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}

// StateKind is the lifecycle phase of an agent instance.
type StateKind string

const (
	StateIdle      StateKind = "idle"
	StateWorking   StateKind = "working"
	StateWaiting   StateKind = "waiting"
	StateCompleted StateKind = "completed"
	StateFailed    StateKind = "failed"
	StateCancelled StateKind = "cancelled"
)

// State is an agent's lifecycle state. Reason is only set for StateFailed.
type State struct {
	Kind   StateKind `json:"kind"`
	Reason string    `json:"reason,omitempty"`
}

// IsActive reports whether the agent is busy.
func (s State) IsActive() bool {
	return s.Kind == StateWorking || s.Kind == StateWaiting
}

// IsTerminal reports whether the agent can no longer take work.
func (s State) IsTerminal() bool {
	switch s.Kind {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

func (s State) String() string {
	if s.Kind == StateFailed && s.Reason != "" {
		return fmt.Sprintf("failed(%s)", s.Reason)
	}
	return string(s.Kind)
}

// TaskType classifies a unit of work.
type TaskType string

const (
	TaskResearch       TaskType = "research"
	TaskCodeGeneration TaskType = "code-generation"
	TaskCodeReview     TaskType = "code-review"
	TaskAnalysis       TaskType = "analysis"
	TaskDesign         TaskType = "design"
	TaskGeneral        TaskType = "general"
)

// Priority orders tasks: low < normal < high < urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if n, ok := priorityNames[p]; ok {
		return n
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ErrUnknownPriority is returned for a priority name outside low..urgent.
var ErrUnknownPriority = errors.New("unknown priority")

// ParsePriority maps a name to a Priority. An empty name means normal.
func ParsePriority(name string) (Priority, error) {
	if name == "" {
		return PriorityNormal, nil
	}
	for p, n := range priorityNames {
		if n == name {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("%w: %q", ErrUnknownPriority, name)
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ConversationTurn is one message of recent conversation carried into a task.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TaskContext is the optional payload attached to a task.
type TaskContext struct {
	ProjectID          string             `json:"project_id,omitempty"`
	RecentConversation []ConversationTurn `json:"recent_conversation,omitempty"`
	RelatedKnowledge   []string           `json:"related_knowledge,omitempty"`
	PreviousResults    []string           `json:"previous_results,omitempty"`
	UserPreferences    map[string]string  `json:"user_preferences,omitempty"`
}

// Clone returns a deep copy.
func (c *TaskContext) Clone() *TaskContext {
	if c == nil {
		return nil
	}
	out := &TaskContext{ProjectID: c.ProjectID}
	out.RecentConversation = append([]ConversationTurn(nil), c.RecentConversation...)
	out.RelatedKnowledge = append([]string(nil), c.RelatedKnowledge...)
	out.PreviousResults = append([]string(nil), c.PreviousResults...)
	if c.UserPreferences != nil {
		out.UserPreferences = make(map[string]string, len(c.UserPreferences))
		for k, v := range c.UserPreferences {
			out.UserPreferences[k] = v
		}
	}
	return out
}

// Task is a unit of work. Only Context may be rewritten after creation.
type Task struct {
	ID                   string            `json:"id"`
	Type                 TaskType          `json:"type"`
	Input                string            `json:"input"`
	Context              *TaskContext      `json:"context,omitempty"`
	Priority             Priority          `json:"priority"`
	Timeout              time.Duration     `json:"timeout,omitempty"`
	RequiredCapabilities []Capability      `json:"required_capabilities,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// Required returns the task's required capabilities as a set.
func (t *Task) Required() CapabilitySet {
	return NewCapabilitySet(t.RequiredCapabilities...)
}

// WithContext returns a shallow copy of t carrying ctx.
func (t *Task) WithContext(ctx *TaskContext) *Task {
	cp := *t
	cp.Context = ctx
	return &cp
}

// ArtifactType classifies an artifact produced by an agent.
type ArtifactType string

const (
	ArtifactCode          ArtifactType = "code"
	ArtifactMarkdown      ArtifactType = "markdown"
	ArtifactJSON          ArtifactType = "json"
	ArtifactData          ArtifactType = "data"
	ArtifactVisualization ArtifactType = "visualization"
	ArtifactReference     ArtifactType = "reference"
)

// Artifact is a typed piece of output.
type Artifact struct {
	ID       string            `json:"id"`
	Type     ArtifactType      `json:"type"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is the outcome of one execution attempt. Never mutated after creation.
type Result struct {
	TaskID     string            `json:"task_id"`
	AgentID    string            `json:"agent_id"`
	Success    bool              `json:"success"`
	Output     string            `json:"output"`
	Artifacts  []Artifact        `json:"artifacts,omitempty"`
	Duration   time.Duration     `json:"duration"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ExecConfig tunes how a custom agent talks to its model.
type ExecConfig struct {
	Temperature       float64 `json:"temperature" yaml:"temperature"`
	MaxTokens         int     `json:"max_tokens" yaml:"max_tokens"`
	Streaming         bool    `json:"streaming" yaml:"streaming"`
	ContextWindowSize int     `json:"context_window_size" yaml:"context_window_size"`
	RetryAttempts     int     `json:"retry_attempts" yaml:"retry_attempts"`
}

// Blueprint describes a custom agent.
type Blueprint struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Description  string       `json:"description" yaml:"description"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
	SystemPrompt string       `json:"system_prompt" yaml:"system_prompt"`
	Model        string       `json:"model" yaml:"model"`
	Config       ExecConfig   `json:"config" yaml:"config"`
}
