package controller

import (
	"net/http"
	"time"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo"
)

type requestRoutesHandler struct {
	requestService  service.Request
	matchingService service.Matching
	validate        *validator.Validate
}

func newRequestRoutesHandler(outer *echo.Group, services *service.Services, v *validator.Validate) *requestRoutesHandler {
	h := &requestRoutesHandler{requestService: services.Request, matchingService: services.Matching, validate: v}

	outer.POST("/requests", h.PostRequest)
	outer.GET("/requests", h.GetRequests)
	outer.GET("/requests/stats", h.GetRequestStats)
	outer.GET("/requests/:requestId", h.GetRequest)
	outer.GET("/requests/:requestId/matches", h.GetRequestMatches)
	outer.PUT("/requests/:requestId/status", h.UpdateRequestStatus)
	outer.PUT("/requests/:requestId/approve", h.ApproveRequest)
	outer.PUT("/requests/:requestId/cancel", h.CancelRequest)

	return h
}

type postRequestInput struct {
	HospitalId       string           `json:"hospitalId" validate:"required,max=100"`
	BloodType        string           `json:"bloodType" validate:"required,bloodtype"`
	Units            int              `json:"units" validate:"gt=0,lte=1000"`
	Urgency          string           `json:"urgency" validate:"required,oneof=critical urgent routine"`
	RequiredByTime   string           `json:"requiredByTime" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	PatientCondition string           `json:"patientCondition" validate:"required,max=500"`
	Notes            string           `json:"notes" validate:"max=1000"`
	Location         *entity.Location `json:"location"`
}

// /requests
func (h *requestRoutesHandler) PostRequest(c echo.Context) error {
	var input postRequestInput
	if ok, err := bindAndValidate(c, h.validate, &input); !ok {
		return err
	}

	requiredBy, err := time.Parse(time.RFC3339, input.RequiredByTime)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{"'RequiredByTime': should be an RFC 3339 timestamp"})
	}

	model := &entity.CreateRequestInput{
		HospitalId: input.HospitalId, BloodType: entity.BloodType(input.BloodType), Units: input.Units,
		Urgency: entity.Urgency(input.Urgency), RequiredByTime: requiredBy,
		PatientCondition: input.PatientCondition, Notes: input.Notes,
	}
	if input.Location != nil {
		model.Location = *input.Location
	}

	request, err := h.requestService.CreateRequest(c.Request().Context(), model)
	if err != nil {
		return writeServiceError(c, err)
	}

	return c.JSON(http.StatusOK, service.MapRequest(request))
}

type getRequestsInput struct {
	Limit      int32    `query:"limit" validate:"gte=0,lte=100"`
	Offset     int32    `query:"offset" validate:"gte=0"`
	HospitalId string   `query:"hospital_id" validate:"max=100"`
	Statuses   []string `query:"status" validate:"dive,oneof=pending approved donors-contacted fulfilled rejected expired"`
}

func newGetRequestsInput() getRequestsInput {
	return getRequestsInput{Limit: defaultLimit, Offset: defaultOffset, Statuses: make([]string, 0)}
}

// /requests
func (h *requestRoutesHandler) GetRequests(c echo.Context) error {
	var input = newGetRequestsInput()
	if ok, err := bindAndValidate(c, h.validate, &input); !ok {
		return err
	}

	filter := entity.RequestFilter{HospitalId: input.HospitalId}
	for _, st := range input.Statuses {
		filter.Statuses = append(filter.Statuses, entity.RequestStatus(st))
	}

	pg := entity.NewPaginationInput(int(input.Limit), int(input.Offset))
	requests, err := h.requestService.ListRequests(c.Request().Context(), filter, pg)
	if err != nil {
		return writeServiceError(c, err)
	}

	return c.JSON(http.StatusOK, service.MapRequests(requests))
}

// /requests/stats
func (h *requestRoutesHandler) GetRequestStats(c echo.Context) error {
	stats, err := h.requestService.GetRequestStats(c.Request().Context(), c.QueryParam("hospital_id"))
	if err != nil {
		return writeServiceError(c, err)
	}

	return c.JSON(http.StatusOK, stats)
}

// /requests/:requestId
func (h *requestRoutesHandler) GetRequest(c echo.Context) error {
	request, err := h.requestService.GetRequest(c.Request().Context(), c.Param("requestId"))
	if err != nil {
		return writeServiceError(c, err)
	}

	return c.JSON(http.StatusOK, service.MapRequest(request))
}

// /requests/:requestId/matches
func (h *requestRoutesHandler) GetRequestMatches(c echo.Context) error {
	records, err := h.matchingService.ListMatches(c.Request().Context(), c.Param("requestId"))
	if err != nil {
		return writeServiceError(c, err)
	}

	return c.JSON(http.StatusOK, service.MapMatches(records))
}

type updateRequestStatusInput struct {
	Status       string `json:"status" validate:"required,oneof=approved fulfilled rejected"`
	Actor        string `json:"actor" validate:"required,max=100"`
	UnitsSecured int    `json:"unitsSecured" validate:"gte=0"`
}

// /requests/:requestId/status
//
// Moving to approved goes through the matching coordinator so donors are contacted.
// Donors-contacted and expired are never set by hand.
func (h *requestRoutesHandler) UpdateRequestStatus(c echo.Context) error {
	var input updateRequestStatusInput
	if ok, err := bindAndValidate(c, h.validate, &input); !ok {
		return err
	}

	ctx := c.Request().Context()
	id := c.Param("requestId")

	var (
		request *entity.BloodRequest
		err     error
	)
	if target := entity.RequestStatus(input.Status); target == entity.StatusApproved {
		request, err = h.matchingService.Approve(ctx, id, input.Actor)
	} else {
		request, err = h.requestService.Transition(ctx, entity.TransitionInput{
			RequestId: id, Target: target, Actor: input.Actor, UnitsSecured: input.UnitsSecured,
		})
	}
	if err != nil {
		return writeServiceError(c, err)
	}

	return c.JSON(http.StatusOK, service.MapRequest(request))
}

// /requests/:requestId/approve
func (h *requestRoutesHandler) ApproveRequest(c echo.Context) error {
	var input actorInput
	if ok, err := bindAndValidate(c, h.validate, &input); !ok {
		return err
	}

	request, err := h.matchingService.Approve(c.Request().Context(), c.Param("requestId"), input.Actor)
	if err != nil {
		return writeServiceError(c, err)
	}

	return c.JSON(http.StatusOK, service.MapRequest(request))
}

// /requests/:requestId/cancel
func (h *requestRoutesHandler) CancelRequest(c echo.Context) error {
	var input actorInput
	if ok, err := bindAndValidate(c, h.validate, &input); !ok {
		return err
	}

	request, err := h.requestService.Cancel(c.Request().Context(), c.Param("requestId"), input.Actor)
	if err != nil {
		return writeServiceError(c, err)
	}

	return c.JSON(http.StatusOK, service.MapRequest(request))
}
