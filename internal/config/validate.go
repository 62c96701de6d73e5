package config

import (
	"fmt"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	f := cfg.Factory

	if f.DatabasePath == "" {
		errs = append(errs, ValidationError{Field: "factory.database_path", Message: "is required"})
	}
	if f.MaxBackoffSeconds < f.BaseBackoffSeconds {
		errs = append(errs, ValidationError{
			Field:   "factory.max_backoff_seconds",
			Message: fmt.Sprintf("must be >= base_backoff_seconds (%d)", f.BaseBackoffSeconds),
		})
	}

	p := cfg.Policy
	for i, g := range p.Paths.Allowed {
		if !doublestar.ValidatePattern(g) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("policy.paths.allowed[%d]", i),
				Message: fmt.Sprintf("invalid glob %q", g),
			})
		}
	}
	for i, g := range p.Paths.Forbidden {
		if !doublestar.ValidatePattern(g) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("policy.paths.forbidden[%d]", i),
				Message: fmt.Sprintf("invalid glob %q", g),
			})
		}
	}
	for i, r := range p.Danger.RiskyPaths {
		if !doublestar.ValidatePattern(r.Glob) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("policy.danger.risky_paths[%d].glob", i),
				Message: fmt.Sprintf("invalid glob %q", r.Glob),
			})
		}
		if r.Weight <= 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("policy.danger.risky_paths[%d].weight", i),
				Message: "must be positive",
			})
		}
	}
	for i, pat := range p.Secrets.ForbiddenPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("policy.secrets.forbidden_patterns[%d]", i),
				Message: fmt.Sprintf("invalid regexp: %v", err),
			})
		}
	}

	return errs
}
