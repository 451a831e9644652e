package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/kingrea/reconflow/internal/catalog"
	"github.com/kingrea/reconflow/internal/history"
	"github.com/kingrea/reconflow/internal/workflow"
	"github.com/kingrea/reconflow/internal/workflow/scheduler"
)

// RegisterRoutes registers every API route on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", s.Health)

	v1 := e.Group("/v1")
	v1.POST("/runs", s.StartRun)
	v1.GET("/runs", s.ListRuns)
	v1.GET("/runs/:id", s.GetRun)
	v1.POST("/runs/:id/cancel", s.CancelRun)
	v1.GET("/runs/:id/events", s.StreamEvents)
	v1.GET("/runs/:id/ws", s.StreamWebSocket)
	v1.GET("/workflows", s.ListWorkflows)
	v1.POST("/workflows/validate", s.ValidateWorkflow)
	v1.GET("/executors", s.ListExecutors)

	if s.metrics != nil && s.settings.MetricsPath != "" {
		e.GET(s.settings.MetricsPath, echo.WrapHandler(s.metrics))
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type startRequest struct {
	Workflow string `json:"workflow"`
	Target   string `json:"target"`
}

type startResponse struct {
	RunID      string             `json:"run_id"`
	WorkflowID string             `json:"workflow_id"`
	Status     workflow.RunStatus `json:"status"`
	EventsURL  string             `json:"events_url"`
}

type runSummary struct {
	RunID      string             `json:"run_id"`
	WorkflowID string             `json:"workflow_id"`
	Name       string             `json:"name,omitempty"`
	Target     string             `json:"target,omitempty"`
	Status     workflow.RunStatus `json:"status"`
	Live       bool               `json:"live"`
	Total      int                `json:"total"`
	Completed  int                `json:"completed"`
	Failed     int                `json:"failed"`
	Blocked    int                `json:"blocked"`
	Cancelled  int                `json:"cancelled"`
}

// Health reports liveness.
// GET /healthz
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": s.uptimeSeconds(),
		"runs":           len(s.engine.Runs()),
	})
}

// StartRun starts a workflow. The body is either an inline graph or a
// reference to a catalog workflow with an optional target override.
// POST /v1/runs
func (s *Server) StartRun(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "unable to read body"})
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "empty body"})
	}
	var req startRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
	}

	var g workflow.Graph
	switch {
	case req.Workflow != "":
		if s.catalog == nil {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "no workflow catalog configured"})
		}
		g, err = s.catalog.Get(req.Workflow)
		if errors.Is(err, catalog.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		}
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		if req.Target != "" {
			g.Target = req.Target
		}
	default:
		g, err = workflow.ParseGraphYAML(body)
		if err != nil {
			return c.JSON(validationStatus(err), validationError(err))
		}
	}

	h, err := s.engine.Start(s.runCtx, g)
	if err != nil {
		return c.JSON(validationStatus(err), validationError(err))
	}
	return c.JSON(http.StatusCreated, startResponse{
		RunID:      h.RunID,
		WorkflowID: h.WorkflowID,
		Status:     workflow.RunRunning,
		EventsURL:  "/v1/runs/" + h.RunID + "/events",
	})
}

// ListRuns lists runs held by the engine followed by recorded history.
// GET /v1/runs
func (s *Server) ListRuns(c echo.Context) error {
	live := s.engine.Runs()
	seen := make(map[string]struct{}, len(live))
	out := make([]runSummary, 0, len(live))
	for i := len(live) - 1; i >= 0; i-- {
		run := live[i]
		seen[run.RunID] = struct{}{}
		out = append(out, runSummary{
			RunID: run.RunID, WorkflowID: run.WorkflowID, Name: run.Name, Target: run.Target,
			Status: run.Status, Live: true, Total: run.Total(),
			Completed: run.Completed, Failed: run.Failed, Blocked: run.Blocked, Cancelled: run.Cancelled,
		})
	}
	if s.history != nil {
		records, err := s.history.ListRuns(c.Request().Context(), history.ListOptions{
			WorkflowID: c.QueryParam("workflow"),
			Limit:      100,
		})
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		for _, rec := range records {
			if _, ok := seen[rec.RunID]; ok {
				continue
			}
			out = append(out, runSummary{
				RunID: rec.RunID, WorkflowID: rec.WorkflowID, Name: rec.Name, Target: rec.Target,
				Status: rec.Status, Total: rec.Total,
				Completed: rec.Completed, Failed: rec.Failed, Blocked: rec.Blocked, Cancelled: rec.Cancelled,
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": out})
}

// GetRun returns the live snapshot of a run, or its history record.
// GET /v1/runs/:id
func (s *Server) GetRun(c echo.Context) error {
	runID := c.Param("id")
	if h, err := s.engine.Lookup(runID); err == nil {
		return c.JSON(http.StatusOK, s.engine.Status(h))
	}
	if s.history != nil {
		detail, err := s.history.GetRun(c.Request().Context(), runID)
		if err == nil {
			return c.JSON(http.StatusOK, detail)
		}
		if !errors.Is(err, history.ErrNotFound) {
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
	}
	return c.JSON(http.StatusNotFound, errorResponse{Error: "run not found"})
}

// CancelRun requests cancellation of a live run.
// POST /v1/runs/:id/cancel
func (s *Server) CancelRun(c echo.Context) error {
	h, err := s.engine.Lookup(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "run not found"})
	}
	s.engine.Cancel(h)
	snapshot := s.engine.Status(h)
	return c.JSON(http.StatusAccepted, map[string]any{
		"run_id":           h.RunID,
		"status":           snapshot.Status,
		"cancel_requested": true,
	})
}

// ListWorkflows lists the catalog.
// GET /v1/workflows
func (s *Server) ListWorkflows(c echo.Context) error {
	if s.catalog == nil {
		return c.JSON(http.StatusOK, map[string]any{"workflows": []catalog.Entry{}})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"workflows": s.catalog.List(),
		"problems":  s.catalog.Problems(),
	})
}

type validateResponse struct {
	Valid bool     `json:"valid"`
	ID    string   `json:"id,omitempty"`
	Tasks int      `json:"tasks,omitempty"`
	Order []string `json:"order,omitempty"`
	Error string   `json:"error,omitempty"`
	Kind  string   `json:"kind,omitempty"`
}

// ValidateWorkflow checks a definition without running it. YAML and JSON
// bodies are accepted; HCL when ?format=hcl or the content type says so.
// POST /v1/workflows/validate
func (s *Server) ValidateWorkflow(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "unable to read body"})
	}
	var g workflow.Graph
	if isHCL(c) {
		g, err = workflow.ParseGraphHCL(body, "request.hcl")
	} else {
		g, err = workflow.ParseGraphYAML(body)
	}
	if err != nil {
		resp := validationError(err)
		return c.JSON(http.StatusOK, validateResponse{Error: resp.Error, Kind: resp.Kind})
	}
	return c.JSON(http.StatusOK, validateResponse{
		Valid: true,
		ID:    g.ID,
		Tasks: len(g.Tasks),
		Order: scheduler.Order(g),
	})
}

type executorInfo struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// ListExecutors describes every registered executor.
// GET /v1/executors
func (s *Server) ListExecutors(c echo.Context) error {
	infos, err := s.engine.Registry().Describe()
	if err != nil {
		s.logger.Warn("describe executors", "error", err)
	}
	out := make([]executorInfo, 0, len(infos))
	for _, info := range infos {
		item := executorInfo{Name: info.Name, Description: info.Description}
		if len(info.Schema) > 0 {
			item.Parameters = make(map[string]string, len(info.Schema))
			for name, ty := range info.Schema {
				item.Parameters[name] = ty.FriendlyName()
			}
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return c.JSON(http.StatusOK, map[string]any{"executors": out})
}

func isHCL(c echo.Context) bool {
	if strings.EqualFold(c.QueryParam("format"), "hcl") {
		return true
	}
	ct := c.Request().Header.Get(echo.HeaderContentType)
	return strings.Contains(ct, "hcl")
}

// validationError maps graph errors to a response carrying the error kind.
func validationError(err error) errorResponse {
	resp := errorResponse{Error: err.Error(), Kind: "invalid_definition"}
	var (
		dup     *workflow.DuplicateTaskIDError
		unknown *workflow.UnknownDependencyError
		cycle   *workflow.CircularDependencyError
		missing *workflow.MissingFieldError
		badID   *workflow.InvalidTaskIDError
	)
	switch {
	case errors.As(err, &dup):
		resp.Kind = "duplicate_task_id"
	case errors.As(err, &unknown):
		resp.Kind = "unknown_dependency"
	case errors.As(err, &cycle):
		resp.Kind = "circular_dependency"
	case errors.As(err, &missing):
		resp.Kind = "missing_field"
	case errors.As(err, &badID):
		resp.Kind = "invalid_task_id"
	}
	return resp
}

func validationStatus(err error) int {
	if errors.Is(err, workflow.ErrInvalidGraph) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}
