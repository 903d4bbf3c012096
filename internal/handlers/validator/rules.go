package validator

import "github.com/go-playground/validator/v10"

func registerFn(tag string, fn func(fl validator.FieldLevel) bool) func(v *validator.Validate) {
	return func(v *validator.Validate) {
		_ = v.RegisterValidation(tag, fn)
	}
}

func NewDocumentValidationRules() []ValidationRule {
	return []ValidationRule{
		{
			Rule: registerFn("category", categoryValidator),
		},
		{
			Rule: registerFn("owner", ownerValidator),
		},
		{
			Rule: registerFn("batch_token", batchTokenValidator),
		},
	}
}

func NewJobValidationRules() []ValidationRule {
	return []ValidationRule{
		{
			Rule: registerFn("documentId", uuidValidator),
		},
		{
			Rule: registerFn("job_list_state", jobListStateValidator),
		},
	}
}
