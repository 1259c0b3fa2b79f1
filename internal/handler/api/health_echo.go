package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	xhttp "SettleGuard/pkg/http"
)

// ReadinessCheck probes one dependency.
type ReadinessCheck func(ctx context.Context) error

// HealthEchoHandler serves /readyz over named dependency checks.
type HealthEchoHandler struct {
	checks  map[string]ReadinessCheck
	timeout time.Duration
}

func NewHealthEchoHandler(checks map[string]ReadinessCheck) *HealthEchoHandler {
	return &HealthEchoHandler{checks: checks, timeout: 2 * time.Second}
}

func (h *HealthEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/readyz", h.Ready)
}

func (h *HealthEchoHandler) Ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	status := make(map[string]string, len(h.checks))
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	return xhttp.DataResponse(c, code, status)
}
