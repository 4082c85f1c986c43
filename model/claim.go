// Package model holds the wire types shared by the engine and its callers.
package model

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

const DefaultMinDescriptionLength = 50

type ClaimRequest struct {
	PolicyID          string `json:"policy_id" validate:"required"`
	PolicyHolderName  string `json:"policy_holder_name" validate:"required"`
	IncidentDate      string `json:"incident_date" validate:"required,datetime=2006-01-02"`
	IncidentTime      string `json:"incident_time,omitempty" validate:"omitempty,incident_time"`
	Location          string `json:"location" validate:"required"`
	Description       string `json:"description" validate:"required"`
	RetrievalStrategy string `json:"retrieval_strategy" validate:"omitempty,oneof=basic advanced_flashrank advanced_cohere"`
}

// ValidationError lists every field problem found in a request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, name := range sortedKeys(e.Fields) {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "invalid claim request: " + strings.Join(parts, "; ")
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(jsonName)
		_ = validate.RegisterValidation("incident_time", func(fl validator.FieldLevel) bool {
			return validIncidentTime(fl.Field().String())
		})
	})
	return validate
}

// Normalized returns a copy with surrounding whitespace removed.
func (r ClaimRequest) Normalized() ClaimRequest {
	r.PolicyID = strings.TrimSpace(r.PolicyID)
	r.PolicyHolderName = strings.TrimSpace(r.PolicyHolderName)
	r.IncidentDate = strings.TrimSpace(r.IncidentDate)
	r.IncidentTime = strings.TrimSpace(r.IncidentTime)
	r.Location = strings.TrimSpace(r.Location)
	r.Description = strings.TrimSpace(r.Description)
	r.RetrievalStrategy = strings.TrimSpace(r.RetrievalStrategy)
	return r
}

// Validate checks required fields and that the description is longer than
// minDescription characters once surrounding whitespace is removed.
func (r ClaimRequest) Validate(minDescription int) error {
	if minDescription <= 0 {
		minDescription = DefaultMinDescriptionLength
	}
	r = r.Normalized()

	fields := map[string]string{}
	if err := requestValidator().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate claim request: %w", err)
		}
		for _, fe := range verrs {
			fields[fe.Field()] = describe(fe)
		}
	}

	if _, bad := fields["description"]; !bad {
		if n := len([]rune(r.Description)); n <= minDescription {
			fields["description"] = fmt.Sprintf("must be longer than %d characters (got %d)", minDescription, n)
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "datetime":
		return "must be a date in YYYY-MM-DD format"
	case "incident_time":
		return "must be a time in HH:MM or HH:MM:SS format"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}

func validIncidentTime(value string) bool {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if _, err := time.Parse(layout, value); err == nil {
			return true
		}
	}
	return false
}

func jsonName(field reflect.StructField) string {
	name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return field.Name
	}
	return name
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
