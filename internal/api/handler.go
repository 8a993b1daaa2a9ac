package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-agents/internal/agent"
	"github.com/nidhogg/nuka-agents/internal/orchestrator"
	"github.com/nidhogg/nuka-agents/internal/pool"
	"github.com/nidhogg/nuka-agents/internal/store"
	"go.uber.org/zap"
)

// Persistence is the optional durable backend behind the history and
// blueprint routes. *store.Store implements it.
type Persistence interface {
	SaveBlueprint(ctx context.Context, bp *agent.Blueprint) error
	ListBlueprints(ctx context.Context) ([]*agent.Blueprint, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]*orchestrator.OrchestrationTask, error)
	ListWorkflowRuns(ctx context.Context, limit int) ([]*orchestrator.WorkflowRun, error)
}

// HealthFunc reports the health of one backend.
type HealthFunc func(ctx context.Context) error

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	pool    *pool.Manager
	orch    *orchestrator.Orchestrator
	persist Persistence
	checks  map[string]HealthFunc
	flows   map[string]*orchestrator.Workflow
	logger  *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(pm *pool.Manager, orch *orchestrator.Orchestrator, logger *zap.Logger) *Handler {
	return &Handler{
		pool:   pm,
		orch:   orch,
		checks: make(map[string]HealthFunc),
		flows:  make(map[string]*orchestrator.Workflow),
		logger: logger,
	}
}

// SetPersistence enables the persisted history and blueprint routes.
func (h *Handler) SetPersistence(p Persistence) { h.persist = p }

// AddHealthCheck registers a backend check reported by /api/health.
func (h *Handler) AddHealthCheck(name string, fn HealthFunc) { h.checks[name] = fn }

// AddWorkflow makes a loaded workflow runnable by id as a template.
func (h *Handler) AddWorkflow(wf *orchestrator.Workflow) { h.flows[wf.ID] = wf }

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Pool routes
		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.createAgent)
		r.Post("/agents/cancel", h.cancelAgents)
		r.Post("/agents/cleanup", h.cleanupAgents)
		r.Get("/agents/stats", h.poolStats)
		r.Get("/blueprints", h.listBlueprints)

		// Orchestrator routes
		r.Post("/tasks", h.executeTask)
		r.Post("/tasks/batch", h.executeBatch)
		r.Get("/tasks/history", h.taskHistory)
		r.Get("/tasks/{id}", h.getTask)
		r.Get("/workflows", h.listWorkflows)
		r.Post("/workflows", h.executeWorkflow)
		r.Get("/workflows/runs", h.workflowRuns)
		r.Get("/orchestrator/stats", h.orchestratorStats)
		r.Post("/orchestrator/cleanup", h.orchestratorCleanup)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	backends := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			backends[name] = err.Error()
			status = "degraded"
			continue
		}
		backends[name] = "ok"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status, "backends": backends})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.pool.Agents()
	if agents == nil {
		agents = []pool.AgentInfo{}
	}
	writeJSON(w, http.StatusOK, agents)
}

type createAgentRequest struct {
	Type      agent.AgentType  `json:"type"`
	Blueprint *agent.Blueprint `json:"blueprint,omitempty"`
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Type == "" && req.Blueprint != nil {
		req.Type = agent.TypeCustom
	}

	a, err := h.pool.CreateAgent(req.Type, req.Blueprint)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if req.Blueprint != nil && h.persist != nil {
		if err := h.persist.SaveBlueprint(r.Context(), req.Blueprint); err != nil {
			h.logger.Warn("save blueprint", zap.String("blueprint", req.Blueprint.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusCreated, pool.AgentInfo{
		ID:           a.ID(),
		Type:         a.Type(),
		Name:         a.Name(),
		Capabilities: a.Capabilities().List(),
		State:        a.State(),
		Metrics:      a.Metrics(),
	})
}

func (h *Handler) cancelAgents(w http.ResponseWriter, r *http.Request) {
	h.pool.CancelAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) cleanupAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": h.pool.Cleanup()})
}

func (h *Handler) poolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Statistics())
}

func (h *Handler) listBlueprints(w http.ResponseWriter, r *http.Request) {
	if h.persist == nil {
		writeJSON(w, http.StatusOK, h.pool.Blueprints())
		return
	}
	bps, err := h.persist.ListBlueprints(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if bps == nil {
		bps = []*agent.Blueprint{}
	}
	writeJSON(w, http.StatusOK, bps)
}

// taskRequest is the wire form of a task. Timeout is a Go duration string;
// a missing priority means normal.
type taskRequest struct {
	ID                   string             `json:"id"`
	Type                 agent.TaskType     `json:"type"`
	Input                string             `json:"input"`
	Context              *agent.TaskContext `json:"context,omitempty"`
	Priority             string             `json:"priority,omitempty"`
	Timeout              string             `json:"timeout,omitempty"`
	RequiredCapabilities []agent.Capability `json:"required_capabilities,omitempty"`
	Metadata             map[string]string  `json:"metadata,omitempty"`
}

func (tr *taskRequest) toTask() (*agent.Task, error) {
	prio, err := agent.ParsePriority(tr.Priority)
	if err != nil {
		return nil, err
	}
	task := &agent.Task{
		ID:                   tr.ID,
		Type:                 tr.Type,
		Input:                tr.Input,
		Context:              tr.Context,
		Priority:             prio,
		RequiredCapabilities: tr.RequiredCapabilities,
		Metadata:             tr.Metadata,
	}
	if task.Type == "" {
		task.Type = agent.TaskGeneral
	}
	if tr.Timeout != "" {
		d, err := time.ParseDuration(tr.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", tr.Timeout, err)
		}
		task.Timeout = d
	}
	return task, nil
}

func (h *Handler) executeTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := req.toTask()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.orch.Execute(r.Context(), task)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	Strategy string        `json:"strategy"`
	Tasks    []taskRequest `json:"tasks"`
}

func (h *Handler) executeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	strategy, err := orchestrator.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tasks := make([]*agent.Task, 0, len(req.Tasks))
	for i := range req.Tasks {
		task, err := req.Tasks[i].toTask()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		tasks = append(tasks, task)
	}

	results, err := h.orch.ExecuteParallel(r.Context(), tasks, strategy)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if results == nil {
		results = []*agent.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy": strategy,
		"results":  results,
	})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.orch.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("task not found"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) taskHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	if r.URL.Query().Get("source") == "db" {
		if h.persist == nil {
			writeError(w, http.StatusServiceUnavailable, errors.New("persistence not configured"))
			return
		}
		recs, err := h.persist.ListTasks(r.Context(), store.TaskFilter{
			Status: orchestrator.Status(r.URL.Query().Get("status")),
			Limit:  limit,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if recs == nil {
			recs = []*orchestrator.OrchestrationTask{}
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}
	writeJSON(w, http.StatusOK, h.orch.History(limit))
}

// workflowRequest accepts either a named template or an inline workflow.
type workflowRequest struct {
	Template string `json:"template,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Name     string `json:"name,omitempty"`
	Stages   []struct {
		ID        string      `json:"id"`
		Name      string      `json:"name,omitempty"`
		Task      taskRequest `json:"task"`
		DependsOn []string    `json:"depends_on,omitempty"`
	} `json:"stages,omitempty"`
}

func (req *workflowRequest) toWorkflow(flows map[string]*orchestrator.Workflow) (*orchestrator.Workflow, error) {
	switch req.Template {
	case "":
	case "council":
		if req.Topic == "" {
			return nil, fmt.Errorf("%w: council needs a topic", orchestrator.ErrInvalidWorkflow)
		}
		return orchestrator.CouncilWorkflow(req.Topic), nil
	default:
		wf, ok := flows[req.Template]
		if !ok {
			return nil, fmt.Errorf("%w: unknown template %q", orchestrator.ErrInvalidWorkflow, req.Template)
		}
		return wf, nil
	}

	wf := &orchestrator.Workflow{Name: req.Name}
	for _, s := range req.Stages {
		task, err := s.Task.toTask()
		if err != nil {
			return nil, fmt.Errorf("%w: stage %s: %v", orchestrator.ErrInvalidWorkflow, s.ID, err)
		}
		wf.Stages = append(wf.Stages, orchestrator.Stage{
			ID:        s.ID,
			Name:      s.Name,
			Task:      task,
			DependsOn: s.DependsOn,
		})
	}
	return wf, nil
}

func (h *Handler) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var (
		wf  *orchestrator.Workflow
		err error
	)
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "yaml") {
		var body []byte
		if body, err = io.ReadAll(r.Body); err == nil {
			wf, err = orchestrator.ParseWorkflow(body)
		}
	} else {
		var req workflowRequest
		if err = json.NewDecoder(r.Body).Decode(&req); err == nil {
			wf, err = req.toWorkflow(h.flows)
		}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	results, err := h.orch.ExecuteWorkflow(r.Context(), wf)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflow": wf.Name,
		"results":  results,
	})
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	type summary struct {
		ID     string   `json:"id"`
		Name   string   `json:"name"`
		Stages []string `json:"stages"`
	}
	out := []summary{{ID: "council", Name: "Council"}}
	for _, wf := range h.flows {
		s := summary{ID: wf.ID, Name: wf.Name}
		for _, st := range wf.Stages {
			s.Stages = append(s.Stages, st.ID)
		}
		out = append(out, s)
	}
	sort.Slice(out[1:], func(i, j int) bool { return out[i+1].ID < out[j+1].ID })
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) workflowRuns(w http.ResponseWriter, r *http.Request) {
	if h.persist == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("persistence not configured"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.persist.ListWorkflowRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []*orchestrator.WorkflowRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) orchestratorStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"orchestrator": h.orch.Statistics(),
		"pool":         h.pool.Statistics(),
	})
}

func (h *Handler) orchestratorCleanup(w http.ResponseWriter, r *http.Request) {
	tasks, agents := h.orch.Cleanup()
	writeJSON(w, http.StatusOK, map[string]int{"tasks": tasks, "agents": agents})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var mismatch *agent.CapabilityMismatchError
	switch {
	case errors.Is(err, agent.ErrBlueprintRequired),
		errors.Is(err, agent.ErrUnknownType),
		errors.Is(err, orchestrator.ErrUnknownStrategy),
		errors.Is(err, orchestrator.ErrInvalidWorkflow):
		return http.StatusBadRequest
	case errors.As(err, &mismatch), errors.Is(err, orchestrator.ErrDependencyNotMet):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, pool.ErrPoolSaturated):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
