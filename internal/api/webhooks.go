package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pico-mes/pico-mrp/internal/mrp"
	"github.com/pico-mes/pico-mrp/internal/workflow"
)

// minCorrelationIDLen rejects malformed correlation ids at the transport
// boundary before any core logic runs.
const minCorrelationIDLen = 14

// rpcEnvelope is the method-dispatched JSON envelope the MES posts to the
// callback endpoint.
type rpcEnvelope struct {
	ID     string          `json:"id"`
	Method string          `json:"method" validate:"required"`
	Params json.RawMessage `json:"params"`
}

type rpcHandler func(c echo.Context, env rpcEnvelope) error

// HandleRPC routes an inbound callback through the closed dispatch table.
// Unknown methods are rejected before reaching the core.
func (s *Server) HandleRPC(c echo.Context) error {
	var env rpcEnvelope
	if err := c.Bind(&env); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid callback envelope", err.Error())
	}
	if err := s.validate.Struct(env); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid callback envelope", err.Error())
	}

	handler, ok := s.dispatch[env.Method]
	if !ok {
		s.metrics.WebhookReceived(env.Method, "unknown_method")
		return problem(c, http.StatusBadRequest, "Unknown callback method", env.Method)
	}
	return handler(c, env)
}

func (s *Server) handleNewWorkflowVersion(c echo.Context, env rpcEnvelope) error {
	var snap workflow.Snapshot
	if err := json.Unmarshal(env.Params, &snap); err != nil {
		s.metrics.WebhookReceived(env.Method, "malformed")
		return problem(c, http.StatusBadRequest, "Invalid workflow snapshot", err.Error())
	}

	wf, err := s.Engine.Reconcile(c.Request().Context(), snap)
	switch {
	case err == nil:
		s.metrics.WebhookReceived(env.Method, "ok")
		return c.JSON(http.StatusOK, map[string]string{"workflow": wf.PicoID})
	case errors.Is(err, workflow.ErrMalformedSnapshot):
		s.metrics.WebhookReceived(env.Method, "malformed")
		return problem(c, http.StatusBadRequest, "Malformed workflow snapshot", err.Error())
	default:
		s.metrics.WebhookReceived(env.Method, "error")
		return problem(c, http.StatusInternalServerError, "Reconciliation failed", err.Error())
	}
}

func (s *Server) handleWorkOrderComplete(c echo.Context, env rpcEnvelope) error {
	if len(env.ID) < minCorrelationIDLen {
		s.metrics.WebhookReceived(env.Method, "malformed")
		return problem(c, http.StatusBadRequest, "Correlation id too short", env.ID)
	}

	var payload mrp.Payload
	if err := json.Unmarshal(env.Params, &payload); err != nil {
		s.metrics.WebhookReceived(env.Method, "malformed")
		return problem(c, http.StatusBadRequest, "Invalid completion payload", err.Error())
	}
	if err := s.validate.Struct(payload); err != nil {
		s.metrics.WebhookReceived(env.Method, "malformed")
		return problem(c, http.StatusBadRequest, "Invalid completion payload", err.Error())
	}

	err := s.Completion.Apply(c.Request().Context(), "", payload)
	switch {
	case err == nil:
		s.metrics.WebhookReceived(env.Method, "ok")
		return c.NoContent(http.StatusOK)
	case errors.Is(err, mrp.ErrMissingFinishedSerial):
		// the pending pool waits for resupplied attribute data; signal the
		// MES to redeliver
		s.metrics.WebhookReceived(env.Method, "missing_serial")
		return problem(c, http.StatusConflict, "Missing finished serial", err.Error())
	default:
		s.metrics.WebhookReceived(env.Method, "error")
		return problem(c, http.StatusInternalServerError, "Completion failed", err.Error())
	}
}
