package controller

import (
	"net/http"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo"
)

type responseRoutesHandler struct {
	matchingService service.Matching
	validate        *validator.Validate
}

func newResponseRoutesHandler(outer *echo.Group, services *service.Services, v *validator.Validate) *responseRoutesHandler {
	h := &responseRoutesHandler{matchingService: services.Matching, validate: v}

	outer.POST("/requests/:requestId/responses", h.PostResponse)

	return h
}

type postResponseInput struct {
	DonorId  string `json:"donorId" validate:"required,max=100"`
	Response string `json:"response" validate:"required,oneof=accepted declined"`
}

type acceptedResponse struct {
	RequestId string `json:"requestId"`
	DonorId   string `json:"donorId"`
	Response  string `json:"response"`
}

// /requests/:requestId/responses
//
// Replies are queued behind the request's other work and answered with 202.
// With ?wait=true the reply is applied before answering and the match record is returned.
func (h *responseRoutesHandler) PostResponse(c echo.Context) error {
	var input postResponseInput
	if ok, err := bindAndValidate(c, h.validate, &input); !ok {
		return err
	}

	model := entity.ResponseInput{
		RequestId: c.Param("requestId"),
		DonorId:   input.DonorId,
		Response:  entity.MatchResponse(input.Response),
	}
	ctx := c.Request().Context()

	if c.QueryParam("wait") == "true" {
		record, err := h.matchingService.HandleResponse(ctx, model)
		if err != nil {
			return writeServiceError(c, err)
		}

		return c.JSON(http.StatusOK, service.MapMatch(record))
	}

	if err := h.matchingService.EnqueueResponse(ctx, model); err != nil {
		return writeServiceError(c, err)
	}

	return c.JSON(http.StatusAccepted, acceptedResponse{model.RequestId, model.DonorId, input.Response})
}
