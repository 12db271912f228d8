package controller

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo"
	"go.uber.org/zap"
)

const (
	defaultLimit  = 20
	defaultOffset = 0
)

const malformedInput = "Input data is not formed correctly"

type errorResponse struct {
	Reason string `json:"reason"`
}

type actorInput struct {
	Actor string `json:"actor" validate:"required,max=100"`
}

const bloodTypeTag = "bloodtype"

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation(bloodTypeTag, func(fl validator.FieldLevel) bool {
		_, ok := entity.ParseBloodType(fl.Field().String())
		return ok
	})

	return v
}

func getAllErrorMessages(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}

	var builder strings.Builder
	for _, fe := range ve {
		message := fmt.Sprintf("'%s': %s\n", fe.Field(), getMessage(fe))
		builder.WriteString(message)
	}

	return builder.String()
}

func getMessage(fe validator.FieldError) string {
	switch fe.Kind() {
	case reflect.String:
		return getMessageForString(fe)
	case reflect.Int, reflect.Int32, reflect.Int64, reflect.Float64:
		return getMessageForNumber(fe)
	case reflect.Slice:
		return getMessageForSlice(fe)
	}

	if fe.Tag() == "required" {
		return "this field is required"
	}

	return "incorrect value passed"
}

func getMessageForNumber(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "lte", "max":
		return "should be less or equal than " + fe.Param()
	case "gte", "min":
		return "should be greater or equal than " + fe.Param()
	case "gt":
		return "should be greater than " + fe.Param()
	}

	return "incorrect value passed"
}

func getMessageForString(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "lte", "max":
		return "length should be less or equal than " + fe.Param()
	case "gte", "min":
		return "length should be greater or equal than " + fe.Param()
	case "oneof":
		return "should have value in: " + fe.Param()
	case "datetime":
		return "should be a timestamp in layout " + fe.Param()
	case bloodTypeTag:
		types := make([]string, len(entity.AllBloodTypes))
		for i, bt := range entity.AllBloodTypes {
			types[i] = bt.String()
		}
		return "should be a blood type in: " + strings.Join(types, " ")
	}

	return "incorrect value passed"
}

func getMessageForSlice(fe validator.FieldError) string {
	switch fe.Tag() {
	case "max", "lte":
		return "should have at most " + fe.Param() + " items"
	}

	return "incorrect value passed"
}

// bindAndValidate writes the 400 response itself and reports whether the handler may go on.
func bindAndValidate(c echo.Context, v *validator.Validate, input interface{}) (bool, error) {
	if err := c.Bind(input); err != nil {
		return false, c.JSON(http.StatusBadRequest, errorResponse{malformedInput})
	}
	if err := v.Struct(input); err != nil {
		return false, c.JSON(http.StatusBadRequest, errorResponse{getAllErrorMessages(err)})
	}

	return true, nil
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrInvalidResponse),
		errors.Is(err, service.ErrInvalidDonor):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRequestNotFound),
		errors.Is(err, service.ErrDonorNotFound),
		errors.Is(err, service.ErrMatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrTerminalState),
		errors.Is(err, service.ErrResponseAlreadyRecorded),
		errors.Is(err, service.ErrVersionConflict):
		return http.StatusConflict
	}

	return http.StatusInternalServerError
}

func writeServiceError(c echo.Context, err error) error {
	code := statusForError(err)
	reason := err.Error()
	if code == http.StatusInternalServerError {
		loggerFrom(c).Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		reason = "Internal error"
	}

	return c.JSON(code, errorResponse{reason})
}
