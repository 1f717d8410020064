package v1

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/handlers/validator"
	"github.com/SDU-eScience/UCloud-sub028/internal/service"
	"github.com/SDU-eScience/UCloud-sub028/internal/store"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/SDU-eScience/UCloud-sub028/pkg/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
)

var jobSortColumns = map[string]store.JobSortBy{
	"name":        store.SortByName,
	"state":       store.SortByState,
	"application": store.SortByApplication,
	"startedAt":   store.SortByStartedAt,
	"lastUpdate":  store.SortByLastUpdate,
	"createdAt":   store.SortByCreatedAt,
}

func (h *ServiceHandler) StartJobs(w http.ResponseWriter, r *http.Request) {
	logger := log.NewDebugLogger("job_handler").WithContext(r.Context()).Operation("start_jobs").Build()

	specs, ok := decodeBulk[service.JobSpecification](h, w, r)
	if !ok {
		return
	}

	results, err := h.jobs.StartJobs(r.Context(), auth.MustHavePrincipal(r.Context()), specs)
	if err != nil {
		logger.Error(err).Log()
	}

	ids := make([]FindByID, len(results))
	errs := make([]error, len(results))
	for i, res := range results {
		ids[i], errs[i] = FindByID{ID: res.Value}, res.Err
	}
	renderBulk(w, r, ids, errs)
}

func (h *ServiceHandler) RetrieveJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.LookupOwnJob(r.Context(), auth.MustHavePrincipal(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, JobToApi(*job))
}

func (h *ServiceHandler) BrowseJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := service.JobListRequest{Application: query.Get("application")}

	if raw := query.Get("states"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			req.States = append(req.States, model.JobState(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	if raw := query.Get("sortBy"); raw != "" {
		sortBy, found := jobSortColumns[raw]
		if !found {
			badRequest(w, r, validator.NewErrInvalidRequest("sortBy", "unknown sort column %q", raw))
			return
		}
		req.SortBy = sortBy
		req.SortDirection = store.SortDescending
		if strings.EqualFold(query.Get("sortDirection"), "ascending") {
			req.SortDirection = store.SortAscending
		}
	}
	for key, target := range map[string]**time.Time{"createdAfter": &req.CreatedAfter, "createdBefore": &req.CreatedBefore} {
		if raw := query.Get(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				badRequest(w, r, validator.NewErrInvalidRequest(key, "%s must be an RFC3339 timestamp", key))
				return
			}
			*target = &t
		}
	}

	var err error
	if req.Limit, err = queryInt(r, "limit"); err != nil {
		badRequest(w, r, err)
		return
	}
	if req.Offset, err = queryInt(r, "offset"); err != nil {
		badRequest(w, r, err)
		return
	}

	page, err := h.jobs.ListJobs(r.Context(), auth.MustHavePrincipal(r.Context()), req)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, JobListToApi(page.Items, page.Total, page.Next))
}

func (h *ServiceHandler) RetrieveJobProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.jobs.Products().RetrieveProducts(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, products)
}

func (h *ServiceHandler) CancelJobs(w http.ResponseWriter, r *http.Request) {
	items, ok := decodeBulk[FindByID](h, w, r)
	if !ok {
		return
	}
	errs := h.jobs.Cancel(r.Context(), auth.MustHavePrincipal(r.Context()), ids(items))
	renderBulk[struct{}](w, r, nil, errs)
}

func (h *ServiceHandler) ExtendJobs(w http.ResponseWriter, r *http.Request) {
	items, ok := decodeBulk[service.ExtendRequest](h, w, r)
	if !ok {
		return
	}
	errs := h.jobs.Extend(r.Context(), auth.MustHavePrincipal(r.Context()), items)
	renderBulk[struct{}](w, r, nil, errs)
}

func (h *ServiceHandler) SuspendJobs(w http.ResponseWriter, r *http.Request) {
	items, ok := decodeBulk[FindByID](h, w, r)
	if !ok {
		return
	}
	errs := h.jobs.Suspend(r.Context(), auth.MustHavePrincipal(r.Context()), ids(items))
	renderBulk[struct{}](w, r, nil, errs)
}

func (h *ServiceHandler) TerminateJobs(w http.ResponseWriter, r *http.Request) {
	items, ok := decodeBulk[FindByID](h, w, r)
	if !ok {
		return
	}
	errs := h.jobs.Terminate(r.Context(), auth.MustHavePrincipal(r.Context()), ids(items))
	renderBulk[struct{}](w, r, nil, errs)
}

func (h *ServiceHandler) OpenInteractiveSession(w http.ResponseWriter, r *http.Request) {
	items, ok := decodeBulk[service.OpenSessionRequest](h, w, r)
	if !ok {
		return
	}
	results, _ := h.jobs.OpenInteractiveSession(r.Context(), auth.MustHavePrincipal(r.Context()), items)
	renderResults(w, r, results)
}

func (h *ServiceHandler) FollowJob(w http.ResponseWriter, r *http.Request) {
	var req service.FollowRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		badRequest(w, r, err)
		return
	}

	chunk, err := h.follows.FollowStreams(r.Context(), auth.MustHavePrincipal(r.Context()), req)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, chunk)
}

// FollowJobStream upgrades to a websocket and sends the output of the job until
// it finishes.
func (h *ServiceHandler) FollowJobStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	logger := log.NewDebugLogger("job_handler").WithContext(r.Context()).Operation("follow_job_stream").WithString("job_id", jobID).Build()
	principal := auth.MustHavePrincipal(r.Context())

	if _, err := h.jobs.LookupOwnJob(r.Context(), principal, jobID); err != nil {
		renderError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error(err).Log()
		return
	}
	defer conn.Close()

	err = h.follows.Stream(r.Context(), principal, jobID, func(chunk service.FollowChunk) error {
		return conn.WriteJSON(chunk)
	})
	if err != nil && !service.IsStreamClosed(err) {
		logger.Error(err).Log()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}

	logger.Success().Log()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// provider callbacks

func (h *ServiceHandler) UpdateJobStates(w http.ResponseWriter, r *http.Request) {
	items, ok := decodeBulk[service.JobStateProposal](h, w, r)
	if !ok {
		return
	}
	errs := h.jobs.HandleProposedStateChanges(r.Context(), auth.MustHavePrincipal(r.Context()), items)
	renderBulk[struct{}](w, r, nil, errs)
}

type JobStatusUpdate struct {
	JobID  string `json:"jobId" validate:"required"`
	Status string `json:"status" validate:"required,max=4096"`
}

func (h *ServiceHandler) AddJobStatus(w http.ResponseWriter, r *http.Request) {
	items, ok := decodeBulk[JobStatusUpdate](h, w, r)
	if !ok {
		return
	}
	principal := auth.MustHavePrincipal(r.Context())

	errs := make([]error, len(items))
	for i, item := range items {
		_, errs[i] = h.jobs.HandleAddStatus(r.Context(), principal, item.JobID, item.Status)
	}
	renderBulk[struct{}](w, r, nil, errs)
}

type JobCompletion struct {
	JobID               string   `json:"jobId" validate:"required"`
	Success             bool     `json:"success"`
	WallDurationSeconds *float64 `json:"wallDurationSeconds,omitempty" validate:"omitempty,gte=0"`
}

type JobCompletionReply struct {
	WallDurationSeconds *float64 `json:"wallDurationSeconds,omitempty"`
}

func (h *ServiceHandler) CompleteJobs(w http.ResponseWriter, r *http.Request) {
	items, ok := decodeBulk[JobCompletion](h, w, r)
	if !ok {
		return
	}
	principal := auth.MustHavePrincipal(r.Context())

	replies := make([]JobCompletionReply, len(items))
	errs := make([]error, len(items))
	for i, item := range items {
		var given *time.Duration
		if item.WallDurationSeconds != nil {
			d := time.Duration(*item.WallDurationSeconds * float64(time.Second))
			given = &d
		}

		d, err := h.jobs.HandleJobComplete(r.Context(), principal, item.JobID, given, item.Success)
		if err != nil {
			errs[i] = err
			continue
		}
		if d != nil {
			seconds := d.Seconds()
			replies[i].WallDurationSeconds = &seconds
		}
	}
	renderBulk(w, r, replies, errs)
}

// UploadJobFile stores a file produced by a job in its output folder. The
// relative path is given by the path query parameter.
func (h *ServiceHandler) UploadJobFile(w http.ResponseWriter, r *http.Request) {
	relativePath := r.URL.Query().Get("path")
	if err := h.validator.Var("path", relativePath, "relative_path"); err != nil {
		badRequest(w, r, err)
		return
	}
	if r.ContentLength < 0 {
		render.Status(r, http.StatusLengthRequired)
		_ = render.Render(w, r, newErrorReply(r, errors.New("content length is required")))
		return
	}

	err := h.jobs.HandleIncomingFile(r.Context(), auth.MustHavePrincipal(r.Context()), chi.URLParam(r, "id"), relativePath, r.ContentLength, r.Body)
	if err != nil {
		renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
