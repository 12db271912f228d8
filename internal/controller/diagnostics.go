package controller

import (
	"net/http"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/service"

	"github.com/labstack/echo"
)

type diagnosticRoutesHandler struct {
	diagnosticService service.Diagnostics
}

func newDiagnosticRoutesHandler(outer *echo.Group, services *service.Services) *diagnosticRoutesHandler {
	h := &diagnosticRoutesHandler{services.Diagnostics}
	outer.GET("/ping", h.Ping)
	outer.GET("/health", h.Health)

	return h
}

func (h *diagnosticRoutesHandler) Ping(c echo.Context) error {
	if err := h.diagnosticService.Ping(); err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}

	return c.JSON(http.StatusOK, "ok")
}

// /health answers 503 while any component is down so load balancers drain the instance.
func (h *diagnosticRoutesHandler) Health(c echo.Context) error {
	report := h.diagnosticService.Health(c.Request().Context())
	if report.Status != entity.HealthOk {
		return c.JSON(http.StatusServiceUnavailable, report)
	}

	return c.JSON(http.StatusOK, report)
}
