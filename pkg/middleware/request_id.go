package middleware

import (
	"net/http"

	"github.com/SDU-eScience/UCloud-sub028/pkg/requestid"
	"github.com/go-chi/chi/v5/middleware"
)

const requestIDHeader = "x-request-id"

// RequestID puts a request id into the context of every request. A provider or
// client supplied x-request-id wins over the id chi generated. The id is echoed
// in the response so bulk replies and logs can be correlated.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = middleware.GetReqID(r.Context())
		}
		if id == "" {
			id = requestid.Generate()
		}

		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(requestid.ToContext(r.Context(), id)))
	})
}
