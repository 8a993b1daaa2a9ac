package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind describes a built-in agent type.
type Kind struct {
	Type         AgentType
	Name         string
	Capabilities []Capability
	TaskTypes    []TaskType
	Model        string
	SystemPrompt string
	Config       ExecConfig
}

// Built-in kinds. Models follow a cost/quality split: retrieval-heavy work
// goes to a cheap fast model, generation and reasoning to stronger ones.
var builtinKinds = map[AgentType]Kind{
	TypeResearch: {
		Type:         TypeResearch,
		Name:         "Research Agent",
		Capabilities: []Capability{CapWebSearch, CapDocumentRetrieval, CapSummarization, CapStreaming},
		TaskTypes:    []TaskType{TaskResearch},
		Model:        "gpt-4o-mini",
		SystemPrompt: "You are a research assistant. Gather relevant facts, cite sources as links, and summarise findings clearly.",
		Config:       ExecConfig{Temperature: 0.3, MaxTokens: 4096, Streaming: true, ContextWindowSize: 128000, RetryAttempts: 2},
	},
	TypeCode: {
		Type:         TypeCode,
		Name:         "Code Agent",
		Capabilities: []Capability{CapCodeGeneration, CapCodeReview, CapDebugging, CapStreaming},
		TaskTypes:    []TaskType{TaskCodeGeneration, TaskCodeReview},
		Model:        "claude-sonnet-4-20250514",
		SystemPrompt: "You are a senior software engineer. Return code in fenced blocks tagged with the language and explain trade-offs briefly.",
		Config:       ExecConfig{Temperature: 0.2, MaxTokens: 8192, Streaming: true, ContextWindowSize: 200000, RetryAttempts: 2},
	},
	TypeAnalysis: {
		Type:         TypeAnalysis,
		Name:         "Analysis Agent",
		Capabilities: []Capability{CapDataProcessing, CapReasoning, CapVisualization, CapStreaming},
		TaskTypes:    []TaskType{TaskAnalysis},
		Model:        "gpt-4o",
		SystemPrompt: "You are a data analyst. Reason step by step, show intermediate figures, and state your confidence.",
		Config:       ExecConfig{Temperature: 0.2, MaxTokens: 4096, Streaming: true, ContextWindowSize: 128000, RetryAttempts: 2},
	},
	TypeDesign: {
		Type:         TypeDesign,
		Name:         "Design Agent",
		Capabilities: []Capability{CapUIDesign, CapPrototyping, CapStreaming},
		TaskTypes:    []TaskType{TaskDesign},
		Model:        "gpt-4o",
		SystemPrompt: "You are a product designer. Propose layouts, components and interaction flows with clear rationale.",
		Config:       ExecConfig{Temperature: 0.7, MaxTokens: 4096, Streaming: true, ContextWindowSize: 128000, RetryAttempts: 1},
	},
}

// LookupKind returns the descriptor of a built-in kind.
func LookupKind(t AgentType) (Kind, bool) {
	k, ok := builtinKinds[t]
	return k, ok
}

// Constructor builds an agent of one type. bp is nil except for custom agents.
type Constructor func(id string, bp *Blueprint) (Agent, error)

// Factory maps agent types to constructors.
type Factory struct {
	mu     sync.RWMutex
	ctors  map[AgentType]Constructor
	models map[AgentType]string
	llm    Completer
	logger *zap.Logger
}

// NewFactory returns a factory with constructors for every built-in kind
// and for blueprint-defined custom agents.
func NewFactory(llm Completer, logger *zap.Logger) *Factory {
	f := &Factory{
		ctors:  make(map[AgentType]Constructor),
		models: make(map[AgentType]string),
		llm:    llm,
		logger: logger,
	}
	for t := range builtinKinds {
		t := t
		f.ctors[t] = func(id string, _ *Blueprint) (Agent, error) {
			return f.newBuiltin(id, t), nil
		}
	}
	f.ctors[TypeCustom] = func(id string, bp *Blueprint) (Agent, error) {
		w, err := f.newCustom(id, bp)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return f
}

// Register installs or replaces the constructor for t.
func (f *Factory) Register(t AgentType, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[t] = c
}

// SetModel overrides the default model of a built-in kind.
func (f *Factory) SetModel(t AgentType, model string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models[t] = model
}

// New creates an agent of type t.
func (f *Factory) New(t AgentType, bp *Blueprint) (Agent, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[t]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if t == TypeCustom && bp == nil {
		return nil, ErrBlueprintRequired
	}
	id := uuid.New().String()
	if bp != nil && bp.ID != "" {
		id = bp.ID + "-" + id[:8]
	}
	return ctor(id, bp)
}

func (f *Factory) newBuiltin(id string, t AgentType) *Worker {
	k := builtinKinds[t]
	f.mu.RLock()
	model, ok := f.models[t]
	f.mu.RUnlock()
	if !ok {
		model = k.Model
	}
	accepts := make(map[TaskType]bool, len(k.TaskTypes))
	for _, tt := range k.TaskTypes {
		accepts[tt] = true
	}
	return &Worker{
		id:           id,
		kind:         t,
		name:         k.Name,
		caps:         NewCapabilitySet(k.Capabilities...),
		accepts:      accepts,
		systemPrompt: k.SystemPrompt,
		model:        model,
		config:       k.Config,
		llm:          f.llm,
		logger:       f.logger,
		state:        State{Kind: StateIdle},
		inflight:     make(map[uint64]context.CancelFunc),
	}
}

func (f *Factory) newCustom(id string, bp *Blueprint) (*Worker, error) {
	if bp == nil {
		return nil, ErrBlueprintRequired
	}
	name := bp.Name
	if name == "" {
		name = "Custom Agent"
	}
	prompt := bp.SystemPrompt
	if prompt == "" {
		prompt = bp.Description
	}
	model := bp.Model
	if model == "" {
		f.mu.RLock()
		model = f.models[TypeCustom]
		f.mu.RUnlock()
	}
	return &Worker{
		id:           id,
		kind:         TypeCustom,
		name:         name,
		caps:         NewCapabilitySet(bp.Capabilities...),
		systemPrompt: prompt,
		model:        model,
		config:       bp.Config,
		llm:          f.llm,
		logger:       f.logger,
		state:        State{Kind: StateIdle},
		inflight:     make(map[uint64]context.CancelFunc),
	}, nil
}
