package v1

import (
	"net/http"
	"strconv"

	"github.com/SDU-eScience/UCloud-sub028/internal/handlers/validator"
	"github.com/SDU-eScience/UCloud-sub028/internal/orchestrator"
	"github.com/SDU-eScience/UCloud-sub028/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
)

const maxBulkItems = 1000

type ServiceHandler struct {
	jobs      *service.JobService
	follows   *service.FollowService
	resources *service.ResourceServices
	validator *validator.Validator
	upgrader  websocket.Upgrader
}

func NewServiceHandler(jobs *service.JobService, follows *service.FollowService, resources *service.ResourceServices) *ServiceHandler {
	v := validator.NewValidator()
	v.Register(validator.NewJobValidationRules()...)
	v.Register(validator.NewResourceValidationRules()...)

	return &ServiceHandler{
		jobs:      jobs,
		follows:   follows,
		resources: resources,
		validator: v,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *ServiceHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// RegisterUserRoutes mounts the endpoints called by end users.
func (h *ServiceHandler) RegisterUserRoutes(r chi.Router) {
	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", h.StartJobs)
		r.Get("/", h.BrowseJobs)
		r.Get("/retrieveProducts", h.RetrieveJobProducts)
		r.Post("/cancel", h.CancelJobs)
		r.Post("/extend", h.ExtendJobs)
		r.Post("/suspend", h.SuspendJobs)
		r.Post("/terminate", h.TerminateJobs)
		r.Post("/interactiveSession", h.OpenInteractiveSession)
		r.Post("/follow", h.FollowJob)
		r.Get("/{id}", h.RetrieveJob)
		r.Get("/{id}/follow", h.FollowJobStream)
	})

	registerResource(h, r, "/api/files/collections", h.resources.FileCollections)
	registerResource(h, r, "/api/shares", h.resources.Shares)
	registerResource(h, r, "/api/sync/devices", h.resources.SyncDevices)
	registerResource(h, r, "/api/sync/folders", h.resources.SyncFolders)
	registerResource(h, r, "/api/files/metadataTemplates", h.resources.MetadataTemplateNamespaces)
}

// RegisterProviderRoutes mounts the callbacks used by providers.
func (h *ServiceHandler) RegisterProviderRoutes(r chi.Router) {
	r.Route("/api/jobs/control", func(r chi.Router) {
		r.Post("/update", h.UpdateJobStates)
		r.Post("/status", h.AddJobStatus)
		r.Post("/complete", h.CompleteJobs)
		r.Get("/{id}", h.RetrieveJob)
		r.Put("/{id}/files", h.UploadJobFile)
	})

	registerResourceControl(h, r, "/api/files/collections", h.resources.FileCollections)
	registerResourceControl(h, r, "/api/shares", h.resources.Shares)
	registerResourceControl(h, r, "/api/sync/devices", h.resources.SyncDevices)
	registerResourceControl(h, r, "/api/sync/folders", h.resources.SyncFolders)
	registerResourceControl(h, r, "/api/files/metadataTemplates", h.resources.MetadataTemplateNamespaces)
}

type BulkRequest[T any] struct {
	Items []T `json:"items" validate:"required,min=1,dive"`
}

type ItemReply[T any] struct {
	Status int         `json:"status"`
	Value  *T          `json:"value,omitempty"`
	Error  *ErrorReply `json:"error,omitempty"`
}

type BulkReply[T any] struct {
	Responses []ItemReply[T] `json:"responses"`
}

func (b BulkReply[T]) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type FindByID struct {
	ID string `json:"id" validate:"required"`
}

func ids(items []FindByID) []string {
	result := make([]string, len(items))
	for i, item := range items {
		result[i] = item.ID
	}
	return result
}

// decodeBulk reads and validates a bulk request. It answers the request itself
// when the body is invalid.
func decodeBulk[T any](h *ServiceHandler, w http.ResponseWriter, r *http.Request) ([]T, bool) {
	var req BulkRequest[T]
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badRequest(w, r, err)
		return nil, false
	}
	if len(req.Items) > maxBulkItems {
		badRequest(w, r, validator.NewErrInvalidRequest("items", "at most %d items are allowed", maxBulkItems))
		return nil, false
	}
	if err := h.validator.Struct(req); err != nil {
		badRequest(w, r, err)
		return nil, false
	}
	return req.Items, true
}

// renderBulk answers a bulk request. A single failed item fails the request, a
// larger batch reports every item on its own.
func renderBulk[T any](w http.ResponseWriter, r *http.Request, values []T, errs []error) {
	if len(errs) == 1 && errs[0] != nil {
		renderError(w, r, errs[0])
		return
	}

	reply := BulkReply[T]{Responses: make([]ItemReply[T], len(errs))}
	for i, err := range errs {
		if err != nil {
			reply.Responses[i] = ItemReply[T]{Status: statusOf(err), Error: newErrorReply(r, err)}
			continue
		}
		reply.Responses[i] = ItemReply[T]{Status: http.StatusOK}
		if values != nil {
			v := values[i]
			reply.Responses[i].Value = &v
		}
	}
	render.Status(r, http.StatusOK)
	_ = render.Render(w, r, reply)
}

func renderResults[T any](w http.ResponseWriter, r *http.Request, results []orchestrator.Result[T]) {
	values := make([]T, len(results))
	errs := make([]error, len(results))
	for i, res := range results {
		values[i], errs[i] = res.Value, res.Err
	}
	renderBulk(w, r, values, errs)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, validator.NewErrInvalidRequest(key, "%s must be a number", key)
	}
	return v, nil
}
