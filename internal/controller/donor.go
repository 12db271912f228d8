package controller

import (
	"net/http"
	"time"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo"
)

type donorRoutesHandler struct {
	donorService    service.Donor
	matchingService service.Matching
	validate        *validator.Validate
}

func newDonorRoutesHandler(outer *echo.Group, services *service.Services, v *validator.Validate) *donorRoutesHandler {
	h := &donorRoutesHandler{donorService: services.Donor, matchingService: services.Matching, validate: v}

	outer.PUT("/donors/:donorId", h.PutDonor)
	outer.GET("/donors/:donorId", h.GetDonor)
	outer.PUT("/donors/:donorId/status", h.UpdateDonorStatus)
	outer.GET("/donors/:donorId/eligibility", h.GetDonorEligibility)

	return h
}

type putDonorInput struct {
	BloodType        string          `json:"bloodType" validate:"required,bloodtype"`
	LastDonationDate string          `json:"lastDonationDate" validate:"omitempty,datetime=2006-01-02"`
	Age              int             `json:"age" validate:"required,gte=1,lte=130"`
	WeightKg         float64         `json:"weightKg" validate:"required,gt=0,lte=400"`
	MedicalFlags     []string        `json:"medicalFlags" validate:"max=50,dive,max=64"`
	Location         entity.Location `json:"location"`
	Status           string          `json:"status" validate:"omitempty,oneof=active suspended"`
}

// /donors/:donorId
func (h *donorRoutesHandler) PutDonor(c echo.Context) error {
	var input putDonorInput
	if ok, err := bindAndValidate(c, h.validate, &input); !ok {
		return err
	}

	model := &entity.RegisterDonorInput{
		Id: c.Param("donorId"), BloodType: entity.BloodType(input.BloodType),
		Age: input.Age, WeightKg: input.WeightKg, MedicalFlags: input.MedicalFlags,
		Location: input.Location, Status: entity.DonorStatus(input.Status),
	}
	if input.LastDonationDate != "" {
		last, err := time.Parse(time.DateOnly, input.LastDonationDate)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{"'LastDonationDate': should be a date in layout 2006-01-02"})
		}
		model.LastDonationDate = &last
	}

	donor, err := h.donorService.RegisterDonor(c.Request().Context(), model)
	if err != nil {
		return writeServiceError(c, err)
	}

	return c.JSON(http.StatusOK, service.MapDonor(donor))
}

// /donors/:donorId
func (h *donorRoutesHandler) GetDonor(c echo.Context) error {
	donor, err := h.donorService.GetDonor(c.Request().Context(), c.Param("donorId"))
	if err != nil {
		return writeServiceError(c, err)
	}

	return c.JSON(http.StatusOK, service.MapDonor(donor))
}

type updateDonorStatusInput struct {
	Status string `json:"status" validate:"required,oneof=active suspended"`
}

// /donors/:donorId/status
func (h *donorRoutesHandler) UpdateDonorStatus(c echo.Context) error {
	var input updateDonorStatusInput
	if ok, err := bindAndValidate(c, h.validate, &input); !ok {
		return err
	}

	donor, err := h.donorService.SetDonorStatus(c.Request().Context(), c.Param("donorId"), entity.DonorStatus(input.Status))
	if err != nil {
		return writeServiceError(c, err)
	}

	return c.JSON(http.StatusOK, service.MapDonor(donor))
}

type getEligibilityInput struct {
	AsOf string `query:"as_of" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// /donors/:donorId/eligibility
func (h *donorRoutesHandler) GetDonorEligibility(c echo.Context) error {
	var input getEligibilityInput
	if ok, err := bindAndValidate(c, h.validate, &input); !ok {
		return err
	}

	asOf := time.Now()
	if input.AsOf != "" {
		var err error
		if asOf, err = time.Parse(time.RFC3339, input.AsOf); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{"'AsOf': should be an RFC 3339 timestamp"})
		}
	}

	donorId := c.Param("donorId")
	assessment, err := h.matchingService.CheckEligibility(c.Request().Context(), donorId, asOf)
	if err != nil {
		return writeServiceError(c, err)
	}

	return c.JSON(http.StatusOK, service.MapEligibility(donorId, assessment))
}
