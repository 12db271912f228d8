package controller

import (
	"time"

	"blood-request-engine/internal/events"
	"blood-request-engine/internal/service"

	"github.com/labstack/echo"
	"github.com/labstack/echo/middleware"
	"go.uber.org/zap"
)

const loggerKey = "logger"

// EventSource hands out live subscriptions to status changes.
type EventSource interface {
	Subscribe(requestId string) *events.Subscription
}

func SetupRoutesHandlers(handler *echo.Echo, services *service.Services, source EventSource, log *zap.Logger) {
	handler.HideBanner = true
	handler.Use(middleware.Recover(), requestLogger(log))

	validate := newValidator()
	api := handler.Group("/api")
	newDiagnosticRoutesHandler(api, services)
	newRequestRoutesHandler(api, services, validate)
	newResponseRoutesHandler(api, services, validate)
	newDonorRoutesHandler(api, services, validate)
	newEventRoutesHandler(api, services, source)
}

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(loggerKey, log)
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			log.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)))

			return nil
		}
	}
}

func loggerFrom(c echo.Context) *zap.Logger {
	if log, ok := c.Get(loggerKey).(*zap.Logger); ok {
		return log
	}

	return zap.NewNop()
}
