package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// ValidationHelper wraps a shared validator instance. The validator caches
// struct metadata, so services hold one helper for their lifetime.
type ValidationHelper struct {
	validator *validator.Validate
}

func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{validator: validator.New()}
}

// ValidateStruct returns the raw validator.ValidationErrors for s, or nil.
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// validate is ValidateStruct mapped onto a VALIDATION_ERROR carrying one
// message per failing field.
func (vh *ValidationHelper) validate(s any) error {
	err := vh.ValidateStruct(s)
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    KindValidation,
		Message: "validation failed",
		Fields:  fieldErrors(err),
		Err:     err,
	}
}

func fieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describeField(fe)
	}
	return fields
}

func describeField(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "uppercase":
		return "must be upper case"
	case "startsnotwith":
		return fmt.Sprintf("must not start with %q", fe.Param())
	case "nefield":
		return "must differ from " + fe.Param()
	default:
		return fmt.Sprintf("failed the %q rule", fe.Tag())
	}
}

// SendErrorResponse writes statusCode with an ErrorResponse body. When cause
// is a ledger *Error its kind becomes the response code and its Fields the
// details; bare validator errors contribute details only.
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, cause error) {
	resp := ErrorResponse{Error: message}
	if cause != nil {
		resp.Details = fieldErrors(cause)

		var e *Error
		if errors.As(cause, &e) {
			resp.Code = string(e.Kind)
			if len(e.Fields) > 0 {
				resp.Details = e.Fields
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}
