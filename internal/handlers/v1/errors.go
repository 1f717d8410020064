package v1

import (
	"errors"
	"net/http"

	"github.com/SDU-eScience/UCloud-sub028/internal/handlers/validator"
	"github.com/SDU-eScience/UCloud-sub028/internal/service"
	"github.com/SDU-eScience/UCloud-sub028/pkg/requestid"
	"github.com/go-chi/render"
)

type ErrorReply struct {
	Message   string  `json:"message"`
	RequestId *string `json:"requestId,omitempty"`
}

func (e ErrorReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func newErrorReply(r *http.Request, err error) *ErrorReply {
	return &ErrorReply{Message: err.Error(), RequestId: requestid.FromContextPtr(r.Context())}
}

// statusOf maps an error of the service layer to its http status.
func statusOf(err error) int {
	var (
		notFound   *service.ErrResourceNotFound
		forbidden  *service.ErrForbidden
		transition *service.ErrBadStateTransition
		verify     *service.ErrVerification
		conflict   *service.ErrConflict
		jobErr     *service.ErrJobException
		invalid    *validator.ErrInvalidRequest
	)
	switch {
	case errors.As(err, &invalid), errors.As(err, &verify), errors.As(err, &jobErr):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.As(err, &transition), errors.As(err, &conflict):
		return http.StatusConflict
	case service.IsProviderError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	render.Status(r, statusOf(err))
	_ = render.Render(w, r, newErrorReply(r, err))
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	render.Status(r, http.StatusBadRequest)
	_ = render.Render(w, r, newErrorReply(r, err))
}
