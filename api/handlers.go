package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"flowpilot/shared"
	"flowpilot/workflow"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const maxDefinitionSize = 1 << 20

// StartInstanceRequest is the body of POST /api/v1/instances.
type StartInstanceRequest struct {
	DefinitionID string         `json:"definitionId"`
	Version      int            `json:"version,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// CompleteTaskRequest is the body of POST /api/v1/tasks/:id/complete.
type CompleteTaskRequest struct {
	Decision string         `json:"decision,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// DefinitionSummary describes a registered definition.
type DefinitionSummary struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Name    string `json:"name,omitempty"`
	Nodes   int    `json:"nodes"`
}

func summarize(def *shared.WorkflowDefinition) DefinitionSummary {
	return DefinitionSummary{ID: def.ID, Version: def.Version, Name: def.Name, Nodes: len(def.Nodes)}
}

// caller returns the acting user or a 401 error when none is given.
func caller(c echo.Context) (string, error) {
	user := strings.TrimSpace(c.Request().Header.Get(UserHeader))
	if user == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing "+UserHeader+" header")
	}
	return user, nil
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"service":   "flowpilot",
	})
}

// readDefinition decodes a YAML or JSON definition from the body, chosen by
// Content-Type. Parsing also validates.
func readDefinition(c echo.Context) (*shared.WorkflowDefinition, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxDefinitionSize))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read body: "+err.Error())
	}
	if len(body) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "empty definition")
	}
	if strings.Contains(c.Request().Header.Get(echo.HeaderContentType), "yaml") {
		return workflow.LoadDefinitionFromYAML(body)
	}
	return workflow.LoadDefinitionFromJSON(body)
}

// asBadRequest turns decode failures into 400 while keeping validation
// errors for the 422 mapping.
func asBadRequest(err error) error {
	if statusFor(err) == http.StatusInternalServerError {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}

func (s *Server) listDefinitions(c echo.Context) error {
	defs := s.defs.List()
	out := make([]DefinitionSummary, 0, len(defs))
	for _, d := range defs {
		out = append(out, summarize(d))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) registerDefinition(c echo.Context) error {
	def, err := readDefinition(c)
	if err != nil {
		return asBadRequest(err)
	}
	stored, err := s.defs.Register(def)
	if err != nil {
		return err
	}
	s.logger.Info("Definition registered", zap.String("definitionID", stored.ID), zap.Int("version", stored.Version))
	return c.JSON(http.StatusCreated, summarize(stored))
}

func (s *Server) validateDefinition(c echo.Context) error {
	def, err := readDefinition(c)
	if err != nil {
		err = asBadRequest(err)
		if statusFor(err) == http.StatusUnprocessableEntity {
			return c.JSON(http.StatusUnprocessableEntity, map[string]any{"valid": false, "error": err.Error()})
		}
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"valid": true, "definition": summarize(def)})
}

func (s *Server) startInstance(c echo.Context) error {
	user, err := caller(c)
	if err != nil {
		return err
	}
	var req StartInstanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.DefinitionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "definitionId is required")
	}
	ctx := c.Request().Context()
	id, err := s.engine.StartInstanceVersion(ctx, req.DefinitionID, req.Version, req.Data, user)
	if err != nil {
		return err
	}
	snap, err := s.engine.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, snap)
}

func (s *Server) getInstance(c echo.Context) error {
	snap, err := s.engine.GetInstance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) cancelInstance(c echo.Context) error {
	user, err := caller(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := s.engine.CancelInstance(ctx, c.Param("id"), user); err != nil {
		return err
	}
	snap, err := s.engine.GetInstance(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) watchInstance(c echo.Context) error {
	user, err := caller(c)
	if err != nil {
		return err
	}
	if err := s.engine.WatchInstance(c.Request().Context(), c.Param("id"), user); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listTasks(c echo.Context) error {
	user, err := caller(c)
	if err != nil {
		return err
	}
	tasks, err := s.engine.ListTasks(c.Request().Context(), user)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []*shared.Task{}
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) getTask(c echo.Context) error {
	user, err := caller(c)
	if err != nil {
		return err
	}
	task, err := s.engine.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if !task.Assignee.Allows(user) {
		return shared.NewTaskError(shared.TaskForbidden, task.ID, "")
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) claimTask(c echo.Context) error {
	user, err := caller(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := s.engine.ClaimTask(ctx, c.Param("id"), user); err != nil {
		return err
	}
	task, err := s.engine.GetTask(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) completeTask(c echo.Context) error {
	user, err := caller(c)
	if err != nil {
		return err
	}
	var req CompleteTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	if err := s.engine.CompleteTask(ctx, c.Param("id"), user, req.Decision, req.Data); err != nil {
		return err
	}
	task, err := s.engine.GetTask(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}
