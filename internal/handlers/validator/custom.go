package validator

import (
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/carbontrack/docpipeline/internal/store/model"
)

var (
	ownerRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._@:-]{0,127}$`)
	tokenRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._-]{0,126}[a-zA-Z0-9])?$`)
)

func categoryValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return model.Category(val).Valid()
}

func ownerValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return ownerRegex.MatchString(val)
}

// batchTokenValidator accepts an empty value; use required alongside it
// when the token is mandatory.
func batchTokenValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	if val == "" {
		return true
	}
	return tokenRegex.MatchString(val)
}

func uuidValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(uuid.UUID)
	if !ok {
		return false
	}
	return val != uuid.UUID{}
}

func jobListStateValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	switch model.JobState(val) {
	case model.JobActive, model.JobFailed:
		return true
	default:
		return false
	}
}
