package validator

import "github.com/go-playground/validator/v10"

func registerFn(tag string, fn func(fl validator.FieldLevel) bool) func(v *validator.Validate) {
	return func(v *validator.Validate) {
		_ = v.RegisterValidation(tag, fn)
	}
}

func NewJobValidationRules() []ValidationRule {
	return []ValidationRule{
		{
			Rule: registerFn("provider_id", providerIDValidator),
		},
		{
			Rule: registerFn("job_state", jobStateValidator),
		},
		{
			Rule: registerFn("session_type", sessionTypeValidator),
		},
		{
			Rule: registerFn("relative_path", relativePathValidator),
		},
	}
}

func NewResourceValidationRules() []ValidationRule {
	return []ValidationRule{
		{
			Rule: registerFn("provider_id", providerIDValidator),
		},
		{
			Rule: registerFn("username", usernameValidator),
		},
	}
}
