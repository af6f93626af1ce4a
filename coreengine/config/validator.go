package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(localEngineStages, Config{})
	return v
}

// localEngineStages requires a URL for every stage when the in-process engine
// runs them; without one each stage call fails.
func localEngineStages(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	if cfg.Engine.Mode != "local" {
		return
	}
	stages := []struct {
		field string
		url   string
	}{
		{"Classification", cfg.Stages.Classification.URL},
		{"DocumentAnalysis", cfg.Stages.DocumentAnalysis.URL},
		{"DeadlineExtraction", cfg.Stages.DeadlineExtraction.URL},
		{"TaskExtraction", cfg.Stages.TaskExtraction.URL},
		{"Synthesis", cfg.Stages.Synthesis.URL},
	}
	for _, st := range stages {
		if st.url == "" {
			name := "Stages." + st.field + ".URL"
			sl.ReportError(st.url, name, name, "required_local", "")
		}
	}
}

// Validate checks struct tags and returns every violation in one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("validation error: %w", err)
	}

	messages := make([]string, 0, len(validationErrs))
	for _, e := range validationErrs {
		messages = append(messages, formatValidationError(e))
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}

func formatValidationError(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "required_local":
		return fmt.Sprintf("%s is required when Engine.Mode is local", field)
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, e.Param(), e.Value())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, e.Param(), e.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got: %v)", field, e.Param(), e.Value())
	case "gtefield":
		return fmt.Sprintf("%s must not be less than %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}
