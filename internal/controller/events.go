package controller

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/service"

	"github.com/labstack/echo"
)

const heartbeatInterval = 15 * time.Second

type eventRoutesHandler struct {
	requestService service.Request
	source         EventSource
}

func newEventRoutesHandler(outer *echo.Group, services *service.Services, source EventSource) *eventRoutesHandler {
	h := &eventRoutesHandler{requestService: services.Request, source: source}
	if source == nil {
		return h
	}

	outer.GET("/events", h.StreamAll)
	outer.GET("/requests/:requestId/events", h.StreamRequest)

	return h
}

// /events
func (h *eventRoutesHandler) StreamAll(c echo.Context) error {
	return h.stream(c, c.QueryParam("request_id"))
}

// /requests/:requestId/events
func (h *eventRoutesHandler) StreamRequest(c echo.Context) error {
	id := c.Param("requestId")
	if _, err := h.requestService.GetRequest(c.Request().Context(), id); err != nil {
		return writeServiceError(c, err)
	}

	return h.stream(c, id)
}

// stream writes status changes as server-sent events until the client goes away.
func (h *eventRoutesHandler) stream(c echo.Context, requestId string) error {
	sub := h.source.Subscribe(requestId)
	defer sub.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": keep-alive\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case event, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := writeEvent(res, event); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

func writeEvent(res *echo.Response, event entity.RequestEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(res, "id: %s-%d\nevent: status\ndata: %s\n\n", event.RequestId, event.Version, data)

	return err
}
