package validator

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

type ValidationRule struct {
	Rule func(v *validator.Validate)
}

// Validator is a wrapper around the actual validator
// It sets up the validator and extract the rule error message from the underlying error
type Validator struct {
	validator *validator.Validate
	rules     []ValidationRule
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	return &Validator{validator: v}
}

func (v *Validator) Register(rules ...ValidationRule) {
	for _, validationRule := range rules {
		validationRule.Rule(v.validator)
	}
	v.rules = append(v.rules, rules...)
}

// Struct validates s and reports the first failing field.
func (v *Validator) Struct(s any) error {
	err := v.validator.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	if fe.Param() != "" {
		return NewErrInvalidRequest(fe.Namespace(), "field '%s' failed on '%s=%s'", fe.Namespace(), fe.Tag(), fe.Param())
	}
	return NewErrInvalidRequest(fe.Namespace(), "field '%s' failed on '%s'", fe.Namespace(), fe.Tag())
}

// Var validates a single value against tag.
func (v *Validator) Var(field string, value any, tag string) error {
	if err := v.validator.Var(value, tag); err != nil {
		return NewErrInvalidRequest(field, "field '%s' failed on '%s'", field, tag)
	}
	return nil
}
