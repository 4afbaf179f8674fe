// Package api contains the HTTP handlers for the bridge: the Pico webhook
// RPC endpoint and the admin REST surface.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/pico-mes/pico-mrp/internal/mrp"
	"github.com/pico-mes/pico-mrp/internal/pico"
	"github.com/pico-mes/pico-mrp/internal/repository"
	"github.com/pico-mes/pico-mrp/internal/telemetry"
	"github.com/pico-mes/pico-mrp/internal/workflow"
)

// Server holds the dependencies for the API handlers.
type Server struct {
	Engine     *workflow.Engine
	Completion *mrp.Completion
	Store      repository.Store
	Client     *pico.Client
	// PublicURL is the externally reachable base URL of this service.
	PublicURL string
	// WebhookKey, when non-empty, is required on inbound callbacks.
	WebhookKey string

	validate *validator.Validate
	dispatch map[string]rpcHandler
	log      zerolog.Logger
	metrics  *telemetry.Metrics
}

// NewServer creates the API server and builds the webhook dispatch table.
func NewServer(engine *workflow.Engine, completion *mrp.Completion, store repository.Store, client *pico.Client, publicURL, webhookKey string, log zerolog.Logger, metrics *telemetry.Metrics) *Server {
	s := &Server{
		Engine:     engine,
		Completion: completion,
		Store:      store,
		Client:     client,
		PublicURL:  publicURL,
		WebhookKey: webhookKey,
		validate:   validator.New(),
		log:        log.With().Str("component", "api").Logger(),
		metrics:    metrics,
	}
	s.dispatch = map[string]rpcHandler{
		pico.MethodNewWorkflowVersion: s.handleNewWorkflowVersion,
		pico.MethodWorkOrderComplete:  s.handleWorkOrderComplete,
	}
	return s
}

// Register mounts all routes on the echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	hooks := e.Group("/picoapi")
	if s.WebhookKey != "" {
		hooks.Use(s.requireWebhookKey)
	}
	hooks.POST("/rpc", s.HandleRPC)

	admin := e.Group("/api/v1")
	admin.POST("/pico/subscribe", s.HandleSubscribe)
	admin.GET("/workflows", s.ListWorkflows)
	admin.GET("/runs/:id", s.GetRun)
	admin.POST("/runs/:id/confirm", s.ConfirmRun)
	admin.POST("/runs/:id/cancel", s.CancelRun)
}

// HealthStatus is the health check response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns basic health status.
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "pico-mrp",
		Version:   "1.0.0",
	})
}

// ListWorkflows returns all synced workflows with their graphs.
func (s *Server) ListWorkflows(c echo.Context) error {
	workflows, err := s.Store.ListWorkflows(c.Request().Context())
	if err != nil {
		return problem(c, http.StatusInternalServerError, "Failed to list workflows", err.Error())
	}
	return c.JSON(http.StatusOK, workflows)
}

// GetRun returns one production run aggregate.
func (s *Server) GetRun(c echo.Context) error {
	run, err := s.Store.GetRun(c.Request().Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		return problem(c, http.StatusNotFound, "Run not found", c.Param("id"))
	}
	if err != nil {
		return problem(c, http.StatusInternalServerError, "Failed to load run", err.Error())
	}
	return c.JSON(http.StatusOK, run)
}

// ConfirmRun confirms a draft run, opening its remote work orders.
func (s *Server) ConfirmRun(c echo.Context) error {
	err := s.Completion.ConfirmRun(c.Request().Context(), c.Param("id"))
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, repository.ErrNotFound):
		return problem(c, http.StatusNotFound, "Run not found", c.Param("id"))
	case errors.Is(err, mrp.ErrBomNeedsMapping):
		return problem(c, http.StatusConflict, "Bom needs mapping", err.Error())
	case errors.Is(err, pico.ErrConnection), errors.Is(err, pico.ErrInvalidEndpoint):
		return problem(c, http.StatusBadGateway, "Pico endpoint unreachable", err.Error())
	default:
		return problem(c, http.StatusInternalServerError, "Failed to confirm run", err.Error())
	}
}

// CancelRun cancels a run, deleting its remote work orders best-effort.
func (s *Server) CancelRun(c echo.Context) error {
	err := s.Completion.CancelRun(c.Request().Context(), c.Param("id"))
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, repository.ErrNotFound):
		return problem(c, http.StatusNotFound, "Run not found", c.Param("id"))
	default:
		return problem(c, http.StatusInternalServerError, "Failed to cancel run", err.Error())
	}
}

// HandleSubscribe registers this service's RPC endpoint with the MES. The
// distinct failure kinds map to distinct operator-facing messages.
func (s *Server) HandleSubscribe(c echo.Context) error {
	err := s.Client.Subscribe(c.Request().Context(), s.PublicURL+"/picoapi/rpc")
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, pico.ErrInvalidEndpoint):
		s.metrics.RemoteCallError("subscribe")
		return problem(c, http.StatusBadRequest, "Invalid Pico endpoint URL", s.Client.URL())
	case errors.Is(err, pico.ErrConnection):
		s.metrics.RemoteCallError("subscribe")
		return problem(c, http.StatusBadGateway, "Cannot connect to Pico endpoint URL", s.Client.URL())
	default:
		s.metrics.RemoteCallError("subscribe")
		return problem(c, http.StatusBadGateway, "Webhook subscribe rejected by Pico endpoint", err.Error())
	}
}

func (s *Server) requireWebhookKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Header.Get("X-Pico-Customer-Key") != s.WebhookKey {
			return problem(c, http.StatusUnauthorized, "Invalid webhook key", "")
		}
		return next(c)
	}
}

// ProblemDetails is an RFC 7807 Problem Details response.
type ProblemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func problem(c echo.Context, status int, title, detail string) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
