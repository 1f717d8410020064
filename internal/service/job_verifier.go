package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/store"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/SDU-eScience/UCloud-sub028/internal/support"
	"github.com/google/uuid"
)

const (
	injectedParameterPrefix = "_injected_"
	defaultTimeAllocation   = time.Hour
)

// ComputeSupport is the feature set a provider enables for a compute product.
type ComputeSupport struct {
	Docker         bool `json:"docker"`
	VirtualMachine bool `json:"virtualMachine"`
	Native         bool `json:"native"`
	Logs           bool `json:"logs"`
	Terminal       bool `json:"terminal"`
	Web            bool `json:"web"`
	Vnc            bool `json:"vnc"`
	Peers          bool `json:"peers"`
	Suspension     bool `json:"suspension"`
	TimeExtension  bool `json:"timeExtension"`
}

// JobSpecification is what a user submits to start a job.
type JobSpecification struct {
	Name              *string                `json:"name,omitempty" validate:"omitempty,max=256"`
	Application       model.NameAndVersion   `json:"application"`
	Product           model.ProductReference `json:"product"`
	Replicas          int                    `json:"replicas" validate:"gte=0,lte=1000"`
	TimeAllocation    *model.SimpleDuration  `json:"timeAllocation,omitempty"`
	Reservation       string                 `json:"reservation,omitempty" validate:"max=128"`
	Parameters        map[string]any         `json:"parameters"`
	Files             []model.FileMount      `json:"files,omitempty" validate:"dive"`
	Mounts            []model.FileMount      `json:"mounts,omitempty" validate:"dive"`
	Peers             []model.Peer           `json:"peers,omitempty" validate:"dive"`
	AllowDuplicateJob bool                   `json:"allowDuplicateJob"`
}

// JobVerifier turns a job specification into a VALIDATED job.
type JobVerifier struct {
	applications store.Application
	products     *support.Resolver[ComputeSupport]
}

func NewJobVerifier(applications store.Application, products *support.Resolver[ComputeSupport]) *JobVerifier {
	return &JobVerifier{applications: applications, products: products}
}

func (v *JobVerifier) Verify(ctx context.Context, principal auth.Principal, spec JobSpecification) (*model.Job, error) {
	app, err := v.applications.FindByNameAndVersion(ctx, spec.Application.Name, spec.Application.Version)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrResourceNotFound(spec.Application.Name+"@"+spec.Application.Version, "application")
		}
		return nil, err
	}

	parameters, err := verifyParameters(app, spec.Parameters)
	if err != nil {
		return nil, err
	}

	reservation, err := v.verifyProduct(ctx, spec)
	if err != nil {
		return nil, err
	}

	replicas := spec.Replicas
	if replicas == 0 {
		replicas = 1
	}
	if replicas < 0 {
		return nil, NewErrJobException("the number of replicas must be positive")
	}

	allocation := model.NewSimpleDuration(defaultTimeAllocation)
	if spec.TimeAllocation != nil {
		if spec.TimeAllocation.Duration() <= 0 {
			return nil, NewErrJobException("time allocation must be positive")
		}
		allocation = *spec.TimeAllocation
	}

	job := &model.Job{
		ID:                uuid.NewString(),
		Owner:             principal.Username,
		Name:              spec.Name,
		Application:       app.Reference(),
		Tool:              app.Tool,
		Product:           spec.Product,
		Replicas:          replicas,
		TimeAllocation:    allocation,
		Reservation:       reservation,
		Parameters:        model.MakeJSONField(parameters),
		Files:             model.MakeJSONField(spec.Files),
		Mounts:            model.MakeJSONField(spec.Mounts),
		Peers:             model.MakeJSONField(spec.Peers),
		AllowDuplicateJob: spec.AllowDuplicateJob,
		State:             model.JobStateValidated,
		Updates:           model.MakeJSONField([]model.JobUpdate{}),
	}
	if principal.Project != "" {
		project := principal.Project
		job.Project = &project
	}
	return job, nil
}

func (v *JobVerifier) verifyProduct(ctx context.Context, spec JobSpecification) (string, error) {
	products, err := v.products.RetrieveProducts(ctx, spec.Product.Provider)
	if err != nil {
		return "", err
	}

	supported := false
	for _, p := range products {
		if p.Product.Reference == spec.Product {
			supported = true
			break
		}
	}
	if !supported {
		return "", NewErrJobException(fmt.Sprintf("product %s is not supported", spec.Product))
	}

	if spec.Reservation == "" {
		return spec.Product.ID, nil
	}
	for _, p := range products {
		if p.Product.Reference.ID == spec.Reservation && p.Product.Reference.Category == spec.Product.Category {
			return spec.Reservation, nil
		}
	}
	return "", NewErrJobException("Unknown reservation: " + spec.Reservation)
}

// verifyParameters checks the declared parameters of the application and keeps
// every supplied value, declared or not.
func verifyParameters(app *model.Application, supplied map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(supplied))
	for k, val := range supplied {
		result[k] = val
	}

	if app.Parameters == nil {
		return result, nil
	}

	for _, param := range app.Parameters.Data {
		if strings.HasPrefix(param.Name, injectedParameterPrefix) {
			continue
		}

		value, present := supplied[param.Name]
		if !present || value == nil {
			if len(param.DefaultValue) > 0 {
				var def any
				if err := json.Unmarshal(param.DefaultValue, &def); err != nil {
					return nil, NewErrInternal(fmt.Errorf("default value of '%s' in %s@%s: %w", param.Name, app.Name, app.Version, err))
				}
				result[param.Name] = def
				continue
			}
			if !param.Optional {
				return nil, NewErrMissingParameter(param.Name)
			}
			continue
		}

		if !hasParameterType(param, value) {
			return nil, NewErrIncorrectParameterType(param.Name)
		}
	}
	return result, nil
}

func hasParameterType(param model.ApplicationParameter, value any) bool {
	switch param.Type {
	case model.ParameterTypeText, model.ParameterTypeTextArea, model.ParameterTypeInputFile, model.ParameterTypeInputDirectory, model.ParameterTypePeer:
		_, ok := value.(string)
		return ok
	case model.ParameterTypeBoolean:
		switch v := value.(type) {
		case bool:
			return true
		case string:
			_, err := strconv.ParseBool(v)
			return err == nil
		}
		return false
	case model.ParameterTypeInteger:
		return isInteger(value)
	case model.ParameterTypeFloatingPoint:
		switch v := value.(type) {
		case float64, float32, int, int32, int64, json.Number:
			return true
		case string:
			_, err := strconv.ParseFloat(v, 64)
			return err == nil
		}
		return false
	case model.ParameterTypeEnumeration:
		s, ok := value.(string)
		if !ok {
			return false
		}
		if len(param.Options) == 0 {
			return true
		}
		for _, o := range param.Options {
			if o == s {
				return true
			}
		}
		return false
	}
	return true
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int32, int64:
		return true
	case float64:
		return v == math.Trunc(v)
	case float32:
		return float64(v) == math.Trunc(float64(v))
	case json.Number:
		_, err := v.Int64()
		return err == nil
	case string:
		_, err := strconv.ParseInt(v, 10, 64)
		return err == nil
	}
	return false
}
