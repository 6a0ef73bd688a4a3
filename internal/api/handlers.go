package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"schoolerp/backend/internal/services"
	"schoolerp/backend/internal/workflow"
)

// Logger is the logging surface the handlers need.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Pinger reports database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains the unauthenticated operational endpoints.
type Handler struct {
	db      Pinger
	version string
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(db Pinger, version string) *Handler {
	return &Handler{db: db, version: version}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Database  string    `json:"database,omitempty"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, h.status("ok"))
}

// HandleReady reports 503 while the database is unreachable.
func (h *Handler) HandleReady(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := h.status("ok")
	if err := h.db.Ping(ctx); err != nil {
		status.Status = "unavailable"
		status.Database = err.Error()
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	status.Database = "ok"
	return c.JSON(http.StatusOK, status)
}

func (h *Handler) status(s string) HealthStatus {
	return HealthStatus{
		Status:    s,
		Timestamp: time.Now().UTC(),
		Service:   "schoolerp-workflow",
		Version:   h.version,
	}
}

// ProblemDetails represents an RFC 7807 Problem Details response. Code and
// Data are extension members carrying the workflow error code and any
// operation details such as verification issues.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// StatusForCode maps a workflow error code to its HTTP status.
func StatusForCode(code string) int {
	switch code {
	case workflow.CodeNotFound:
		return http.StatusNotFound
	case workflow.CodeConflict:
		return http.StatusConflict
	case workflow.CodeInvalidState, workflow.CodeIllegalTransition:
		return http.StatusUnprocessableEntity
	case workflow.CodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeProblem writes an RFC 7807 Problem Details JSON error response
func writeProblem(c echo.Context, p ProblemDetails) error {
	if p.Type == "" {
		p.Type = "about:blank"
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	p.Instance = c.Request().URL.Path
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	c.Response().WriteHeader(p.Status)
	return json.NewEncoder(c.Response()).Encode(p)
}

// writeResult writes a successful Result as JSON and a failed one as a
// problem response with the status of its code.
func writeResult(c echo.Context, res *services.Result) error {
	if res.Success {
		return c.JSON(http.StatusOK, res)
	}
	return writeProblem(c, ProblemDetails{
		Status: StatusForCode(res.Code),
		Detail: res.Message,
		Code:   res.Code,
		Data:   res.Data,
	})
}

// writeError maps an engine error to a problem response. Unexpected faults
// are logged and reported without detail.
func (s *Server) writeError(c echo.Context, err error) error {
	code := workflow.ErrorCode(err)
	if code == workflow.CodeInternal || code == workflow.CodeConfiguration {
		s.logger.Error("Request failed", "path", c.Request().URL.Path, "error", err)
		return writeProblem(c, ProblemDetails{
			Status: http.StatusInternalServerError,
			Detail: "The request could not be processed",
			Code:   code,
		})
	}
	return writeProblem(c, ProblemDetails{Status: StatusForCode(code), Detail: err.Error(), Code: code})
}

// ProblemErrorHandler renders echo errors, binding failures included, as
// problem responses.
func ProblemErrorHandler(logger Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := http.StatusInternalServerError
		detail := "The request could not be processed"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			if msg, ok := he.Message.(string); ok {
				detail = msg
			}
		} else {
			logger.Error("Unhandled error", "path", c.Request().URL.Path, "error", err)
		}
		if werr := writeProblem(c, ProblemDetails{Status: status, Detail: detail}); werr != nil {
			logger.Error("Failed to write error response", "error", werr)
		}
	}
}
