package validator

import (
	"path"
	"regexp"
	"strings"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/statemachine"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/go-playground/validator/v10"
	"github.com/thoas/go-funk"
)

var (
	providerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._-]*[a-zA-Z0-9])?$`)
	usernameRegex   = regexp.MustCompile(`^[^\s/]+$`)

	sessionTypes = []string{"shell", "web", "vnc"}
)

func providerIDValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return len(val) <= 128 && providerIDRegex.MatchString(val)
}

// usernameValidator accepts user names. Provider identities are never users.
func usernameValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	if strings.HasPrefix(val, auth.ProviderPrefix) || val == auth.SystemUsername {
		return false
	}
	return usernameRegex.MatchString(val)
}

// relativePathValidator accepts paths that stay below the folder they are
// resolved against.
func relativePathValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok || val == "" || strings.HasPrefix(val, "/") {
		return false
	}
	cleaned := path.Clean(val)
	return cleaned != "." && cleaned != ".." && !strings.HasPrefix(cleaned, "../")
}

func sessionTypeValidator(fl validator.FieldLevel) bool {
	val := fl.Field().String()
	return funk.ContainsString(sessionTypes, val)
}

func jobStateValidator(fl validator.FieldLevel) bool {
	return statemachine.IsKnown(model.JobState(fl.Field().String()))
}
