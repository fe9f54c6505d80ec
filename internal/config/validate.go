package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their YAML names so messages match the config file.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// FieldError is a single field-level validation failure.
type FieldError struct {
	Field   string
	Message string
}

// ValidationErrors holds every failed field of one validation pass
type ValidationErrors struct {
	Errors []FieldError
}

func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		messages[i] = e.Message
	}
	return strings.Join(messages, "; ")
}

func validateStruct(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	out := &ValidationErrors{}
	for _, e := range fieldErrs {
		out.Errors = append(out.Errors, FieldError{
			Field:   fieldPath(e),
			Message: formatValidationMessage(e),
		})
	}
	return out
}

// fieldPath turns "Config.execution.max_concurrent_jobs" into "execution.max_concurrent_jobs".
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// formatValidationMessage creates human-readable error messages
func formatValidationMessage(e validator.FieldError) string {
	field := fieldPath(e)
	switch e.Tag() {
	case "required", "required_with":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if e.Kind().String() == "slice" {
			return fmt.Sprintf("%s must have at least %s entries", field, e.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}
