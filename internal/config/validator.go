package config

import (
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	mboxerrors "github.com/mboxkit/mboxkit/pkg/errors"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	upnPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// validatorInstance configures and returns the shared validator instance
// used across the config package.
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("upn", func(fl validator.FieldLevel) bool {
			return upnPattern.MatchString(fl.Field().String())
		})

		validateInst = v
	})
	return validateInst
}

// ValidateConfig checks structural constraints on a parsed configuration.
func ValidateConfig(cfg *Config) error {
	if err := validatorInstance().Struct(cfg); err != nil {
		var blockers []string
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fieldErr := range errs {
				blockers = append(blockers, fieldError(fieldErr))
			}
		} else {
			blockers = append(blockers, err.Error())
		}
		return mboxerrors.NewValidationError("config", blockers, err)
	}
	return nil
}

func fieldError(err validator.FieldError) string {
	field := strings.ToLower(err.Namespace())
	switch err.Tag() {
	case "required":
		return field + " is required"
	case "upn":
		return field + " must be a user principal name (user@domain)"
	case "hostname":
		return field + " must be a DNS hostname"
	case "oneof":
		return field + " must be one of: " + err.Param()
	case "gte":
		return field + " must be >= " + err.Param()
	case "lte":
		return field + " must be <= " + err.Param()
	default:
		return field + " failed " + err.Tag() + " validation"
	}
}
