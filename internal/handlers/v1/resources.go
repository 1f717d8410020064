package v1

import (
	"net/http"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/service"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type RenameRequest struct {
	ID       string `json:"id" validate:"required"`
	NewTitle string `json:"newTitle" validate:"required,max=256"`
}

type UpdateAclRequest struct {
	ID  string    `json:"id" validate:"required"`
	Acl model.Acl `json:"acl"`
}

// registerResource mounts the user endpoints shared by every resource type
// below base.
func registerResource[S service.Specification, F any](h *ServiceHandler, r chi.Router, base string, svc *service.ResourceService[S, F]) {
	r.Route(base, func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			specs, ok := decodeBulk[S](h, w, r)
			if !ok {
				return
			}
			results, _ := svc.Create(r.Context(), auth.MustHavePrincipal(r.Context()), specs)

			ids := make([]FindByID, len(results))
			errs := make([]error, len(results))
			for i, res := range results {
				ids[i], errs[i] = FindByID{ID: res.Value}, res.Err
			}
			renderBulk(w, r, ids, errs)
		})

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			limit, err := queryInt(r, "limit")
			if err != nil {
				badRequest(w, r, err)
				return
			}
			offset, err := queryInt(r, "offset")
			if err != nil {
				badRequest(w, r, err)
				return
			}
			page, err := svc.Browse(r.Context(), auth.MustHavePrincipal(r.Context()), limit, offset)
			if err != nil {
				renderError(w, r, err)
				return
			}
			render.JSON(w, r, page)
		})

		r.Get("/retrieveProducts", func(w http.ResponseWriter, r *http.Request) {
			products, err := svc.RetrieveProducts(r.Context(), r.URL.Query().Get("provider"))
			if err != nil {
				renderError(w, r, err)
				return
			}
			render.JSON(w, r, products)
		})

		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			resource, err := svc.Retrieve(r.Context(), auth.MustHavePrincipal(r.Context()), chi.URLParam(r, "id"))
			if err != nil {
				renderError(w, r, err)
				return
			}
			render.JSON(w, r, resource)
		})

		r.Post("/delete", func(w http.ResponseWriter, r *http.Request) {
			items, ok := decodeBulk[FindByID](h, w, r)
			if !ok {
				return
			}
			renderBulk[struct{}](w, r, nil, svc.Delete(r.Context(), auth.MustHavePrincipal(r.Context()), ids(items)))
		})

		r.Post("/rename", func(w http.ResponseWriter, r *http.Request) {
			items, ok := decodeBulk[RenameRequest](h, w, r)
			if !ok {
				return
			}
			principal := auth.MustHavePrincipal(r.Context())
			errs := make([]error, len(items))
			for i, item := range items {
				errs[i] = svc.Rename(r.Context(), principal, item.ID, item.NewTitle)
			}
			renderBulk[struct{}](w, r, nil, errs)
		})

		r.Post("/updateAcl", func(w http.ResponseWriter, r *http.Request) {
			items, ok := decodeBulk[UpdateAclRequest](h, w, r)
			if !ok {
				return
			}
			principal := auth.MustHavePrincipal(r.Context())
			errs := make([]error, len(items))
			for i, item := range items {
				errs[i] = svc.UpdateAcl(r.Context(), principal, item.ID, item.Acl)
			}
			renderBulk[struct{}](w, r, nil, errs)
		})
	})
}

// registerResourceControl mounts the provider callbacks of a resource type.
func registerResourceControl[S service.Specification, F any](h *ServiceHandler, r chi.Router, base string, svc *service.ResourceService[S, F]) {
	r.Post(base+"/control/update", func(w http.ResponseWriter, r *http.Request) {
		items, ok := decodeBulk[service.ResourceUpdate](h, w, r)
		if !ok {
			return
		}
		renderBulk[struct{}](w, r, nil, svc.HandleProviderUpdates(r.Context(), auth.MustHavePrincipal(r.Context()), items))
	})
}
