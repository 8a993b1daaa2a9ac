package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/nuka-agents/internal/agent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrPoolSaturated is returned in strict mode when no agent frees up in time.
var ErrPoolSaturated = errors.New("agent pool saturated")

// Creator builds agents. *agent.Factory implements it.
type Creator interface {
	New(t agent.AgentType, bp *agent.Blueprint) (agent.Agent, error)
}

// Config tunes the pool.
type Config struct {
	MaxAgentsPerType int
	ReuseAgents      bool
	// StrictCap makes saturation an error instead of creating past the cap.
	StrictCap    bool
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAgentsPerType: 5,
		ReuseAgents:      true,
		WaitTimeout:      30 * time.Second,
		PollInterval:     500 * time.Millisecond,
	}
}

// Statistics is a point-in-time snapshot of the pool.
type Statistics struct {
	TotalAgents   int                     `json:"total_agents"`
	ActiveAgents  int                     `json:"active_agents"`
	IdleAgents    int                     `json:"idle_agents"`
	TasksExecuted int64                   `json:"tasks_executed"`
	ByType        map[agent.AgentType]int `json:"by_type"`
}

// AgentInfo describes one live agent.
type AgentInfo struct {
	ID           string             `json:"id"`
	Type         agent.AgentType    `json:"type"`
	Name         string             `json:"name"`
	Capabilities []agent.Capability `json:"capabilities"`
	State        agent.State        `json:"state"`
	Leased       bool               `json:"leased"`
	Metrics      agent.Metrics      `json:"metrics"`
}

// Manager owns the live agents, keyed by type.
type Manager struct {
	cfg     Config
	creator Creator
	logger  *zap.Logger

	mu         sync.Mutex
	byType     map[agent.AgentType][]string
	agents     map[string]agent.Agent
	leased     map[string]bool
	blueprints map[string]*agent.Blueprint
	origin     map[string]string // agent id -> blueprint key
	executed   int64
}

// NewManager creates an empty pool.
func NewManager(cfg Config, creator Creator, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxAgentsPerType <= 0 {
		cfg.MaxAgentsPerType = def.MaxAgentsPerType
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Manager{
		cfg:        cfg,
		creator:    creator,
		logger:     logger,
		byType:     make(map[agent.AgentType][]string),
		agents:     make(map[string]agent.Agent),
		leased:     make(map[string]bool),
		blueprints: make(map[string]*agent.Blueprint),
		origin:     make(map[string]string),
	}
}

// CreateAgent instantiates and registers a new agent. Custom agents need a
// blueprint, which the pool keeps so it can create more agents from it.
func (m *Manager) CreateAgent(t agent.AgentType, bp *agent.Blueprint) (agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(t, bp)
}

func blueprintKey(bp *agent.Blueprint) string {
	if bp.ID != "" {
		return bp.ID
	}
	return bp.Name
}

func (m *Manager) createLocked(t agent.AgentType, bp *agent.Blueprint) (agent.Agent, error) {
	if t == agent.TypeCustom && bp == nil {
		return nil, agent.ErrBlueprintRequired
	}
	a, err := m.creator.New(t, bp)
	if err != nil {
		return nil, fmt.Errorf("create %s agent: %w", t, err)
	}
	m.agents[a.ID()] = a
	m.byType[t] = append(m.byType[t], a.ID())
	if bp != nil {
		if key := blueprintKey(bp); key != "" {
			m.blueprints[key] = bp
			m.origin[a.ID()] = key
		}
	}
	m.logger.Info("created agent",
		zap.String("id", a.ID()),
		zap.String("type", string(t)),
		zap.Int("live", len(m.byType[t])))
	return a, nil
}

// Blueprints returns the registered custom agent blueprints ordered by key.
func (m *Manager) Blueprints() []*agent.Blueprint {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.blueprints))
	for k := range m.blueprints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*agent.Blueprint, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.blueprints[k])
	}
	return out
}

const (
	// AgentTypeKey is the task metadata key that pins a task to an agent type.
	AgentTypeKey = "agent_type"
	// BlueprintKey is the task metadata key that pins a task to one custom
	// blueprint. It implies the custom agent type.
	BlueprintKey = "blueprint"
)

// SelectType maps a task to the agent type that should run it.
func SelectType(task *agent.Task) agent.AgentType {
	if t, ok := task.Metadata[AgentTypeKey]; ok && t != "" {
		return agent.AgentType(t)
	}
	if task.Metadata[BlueprintKey] != "" {
		return agent.TypeCustom
	}
	switch task.Type {
	case agent.TaskResearch:
		return agent.TypeResearch
	case agent.TaskCodeGeneration, agent.TaskCodeReview:
		return agent.TypeCode
	case agent.TaskAnalysis:
		return agent.TypeAnalysis
	case agent.TaskDesign:
		return agent.TypeDesign
	}

	req := task.Required()
	switch {
	case req.Has(agent.CapWebSearch) || req.Has(agent.CapDocumentRetrieval):
		return agent.TypeResearch
	case req.Has(agent.CapCodeGeneration) || req.Has(agent.CapCodeReview):
		return agent.TypeCode
	case req.Has(agent.CapDataProcessing) || req.Has(agent.CapReasoning):
		return agent.TypeAnalysis
	case req.Has(agent.CapUIDesign):
		return agent.TypeDesign
	}
	return agent.TypeAnalysis
}

// GetAgent leases an agent for the task: an idle one, a new one while under
// the cap, otherwise it polls until one frees up. When the wait times out it
// creates past the cap, unless StrictCap is set.
// Custom agents are matched per blueprint; new ones are only built from a
// registered blueprint that covers the task.
// The caller must Release the agent.
func (m *Manager) GetAgent(ctx context.Context, task *agent.Task) (agent.Agent, error) {
	t := SelectType(task)

	if a, ok, err := m.tryAcquire(t, task); ok || err != nil {
		return a, err
	}

	m.logger.Debug("pool saturated, waiting for idle agent",
		zap.String("type", string(t)),
		zap.Duration("timeout", m.cfg.WaitTimeout))

	timer := time.NewTimer(m.cfg.WaitTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			if m.cfg.StrictCap {
				return nil, fmt.Errorf("%w: no %s agent free after %s", ErrPoolSaturated, t, m.cfg.WaitTimeout)
			}
			m.logger.Warn("pool wait timed out, creating agent past cap",
				zap.String("type", string(t)),
				zap.Int("cap", m.cfg.MaxAgentsPerType))
			m.mu.Lock()
			defer m.mu.Unlock()
			bp, err := m.blueprintForLocked(t, task)
			if err != nil {
				return nil, err
			}
			a, err := m.createLocked(t, bp)
			if err != nil {
				return nil, err
			}
			m.leased[a.ID()] = true
			return a, nil
		case <-ticker.C:
			if a, ok, err := m.tryAcquire(t, task); ok || err != nil {
				return a, err
			}
		}
	}
}

// tryAcquire leases an idle agent or creates one under the cap. It reports
// false with a nil error when the caller should wait.
func (m *Manager) tryAcquire(t agent.AgentType, task *agent.Task) (agent.Agent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pin := task.Metadata[BlueprintKey]
	for _, id := range m.byType[t] {
		a := m.agents[id]
		if m.leased[id] || a.State().Kind != agent.StateIdle {
			continue
		}
		if t == agent.TypeCustom {
			if (pin != "" && m.origin[id] != pin) || !a.CanHandle(task) {
				continue
			}
		}
		m.leased[id] = true
		return a, true, nil
	}

	bp, err := m.blueprintForLocked(t, task)
	if err != nil {
		return nil, false, err
	}
	if m.liveLocked(t) < m.cfg.MaxAgentsPerType {
		a, err := m.createLocked(t, bp)
		if err != nil {
			return nil, false, err
		}
		m.leased[a.ID()] = true
		return a, true, nil
	}
	return nil, false, nil
}

// blueprintForLocked picks the blueprint a new custom agent for task would
// be built from. Built-in types need none.
func (m *Manager) blueprintForLocked(t agent.AgentType, task *agent.Task) (*agent.Blueprint, error) {
	if t != agent.TypeCustom {
		return nil, nil
	}
	if pin := task.Metadata[BlueprintKey]; pin != "" {
		bp, ok := m.blueprints[pin]
		if !ok {
			return nil, fmt.Errorf("%w: unknown blueprint %q", agent.ErrBlueprintRequired, pin)
		}
		if !agent.NewCapabilitySet(bp.Capabilities...).Contains(task.Required()) {
			return nil, &agent.CapabilityMismatchError{AgentType: t, TaskType: task.Type}
		}
		return bp, nil
	}
	if len(m.blueprints) == 0 {
		return nil, agent.ErrBlueprintRequired
	}
	keys := make([]string, 0, len(m.blueprints))
	for k := range m.blueprints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		bp := m.blueprints[k]
		if agent.NewCapabilitySet(bp.Capabilities...).Contains(task.Required()) {
			return bp, nil
		}
	}
	return nil, &agent.CapabilityMismatchError{AgentType: t, TaskType: task.Type}
}

// liveLocked counts agents of t that are not yet terminal.
func (m *Manager) liveLocked(t agent.AgentType) int {
	n := 0
	for _, id := range m.byType[t] {
		if !m.agents[id].State().IsTerminal() {
			n++
		}
	}
	return n
}

// Release returns a leased agent to the pool. With reuse off the agent is
// retired instead, freeing its slot under the cap.
func (m *Manager) Release(a agent.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leased, a.ID())
	if !m.cfg.ReuseAgents {
		m.removeLocked(a.Type(), a.ID())
	}
}

func (m *Manager) removeLocked(t agent.AgentType, id string) {
	if _, ok := m.agents[id]; !ok {
		return
	}
	delete(m.agents, id)
	delete(m.leased, id)
	delete(m.origin, id)
	ids := m.byType[t]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(m.byType, t)
	} else {
		m.byType[t] = ids
	}
}

// ExecuteTask runs one task on a pooled agent.
func (m *Manager) ExecuteTask(ctx context.Context, task *agent.Task) (*agent.Result, error) {
	a, err := m.GetAgent(ctx, task)
	if err != nil {
		return nil, err
	}
	return m.Run(ctx, a, task)
}

// Run executes task on an agent leased from GetAgent and releases it.
func (m *Manager) Run(ctx context.Context, a agent.Agent, task *agent.Task) (*agent.Result, error) {
	defer m.Release(a)

	if !a.CanHandle(task) {
		return nil, &agent.CapabilityMismatchError{AgentType: a.Type(), TaskType: task.Type}
	}

	start := time.Now()
	res, err := a.Execute(ctx, task)
	elapsed := time.Since(start)

	m.mu.Lock()
	m.executed++
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("task failed",
			zap.String("task", task.ID),
			zap.String("agent", a.ID()),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}
	m.logger.Info("task executed",
		zap.String("task", task.ID),
		zap.String("agent", a.ID()),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

// ExecuteTasksParallel runs every task concurrently. The first failure
// cancels the rest and is returned; otherwise results follow input order.
func (m *Manager) ExecuteTasksParallel(ctx context.Context, tasks []*agent.Task) ([]*agent.Result, error) {
	results := make([]*agent.Result, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		g.Go(func() error {
			res, err := m.ExecuteTask(gctx, task)
			if err != nil {
				return fmt.Errorf("task %s: %w", task.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// CancelAll broadcasts cancellation to every live agent.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	agents := make([]agent.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	for _, a := range agents {
		a.Cancel()
	}
	m.logger.Info("cancelled all agents", zap.Int("count", len(agents)))
}

// Cleanup removes agents in a terminal state and reports how many went.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for t, ids := range m.byType {
		kept := ids[:0]
		for _, id := range ids {
			if m.agents[id].State().IsTerminal() {
				delete(m.agents, id)
				delete(m.leased, id)
				delete(m.origin, id)
				removed++
				continue
			}
			kept = append(kept, id)
		}
		if len(kept) == 0 {
			delete(m.byType, t)
		} else {
			m.byType[t] = kept
		}
	}
	if removed > 0 {
		m.logger.Info("reclaimed agents", zap.Int("count", removed))
	}
	return removed
}

// Statistics returns a snapshot of the pool.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Statistics{
		TotalAgents:   len(m.agents),
		TasksExecuted: m.executed,
		ByType:        make(map[agent.AgentType]int, len(m.byType)),
	}
	for t, ids := range m.byType {
		st.ByType[t] = len(ids)
	}
	for _, a := range m.agents {
		s := a.State()
		switch {
		case s.IsActive():
			st.ActiveAgents++
		case s.Kind == agent.StateIdle:
			st.IdleAgents++
		}
	}
	return st
}

// Agents lists live agents, ordered by type then creation.
func (m *Manager) Agents() []AgentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AgentInfo
	for _, t := range agent.AllTypes {
		for _, id := range m.byType[t] {
			a := m.agents[id]
			out = append(out, AgentInfo{
				ID:           a.ID(),
				Type:         a.Type(),
				Name:         a.Name(),
				Capabilities: a.Capabilities().List(),
				State:        a.State(),
				Leased:       m.leased[id],
				Metrics:      a.Metrics(),
			})
		}
	}
	return out
}
