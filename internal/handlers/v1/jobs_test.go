package v1_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/config"
	handlers "github.com/SDU-eScience/UCloud-sub028/internal/handlers/v1"
	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/SDU-eScience/UCloud-sub028/internal/service"
	"github.com/SDU-eScience/UCloud-sub028/internal/storage"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/go-chi/chi/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var computeProducts = []map[string]any{
	{
		"product": map[string]any{"reference": map[string]string{"id": "u1-standard", "category": "u1", "provider": "k8s"}},
		"support": map[string]bool{"docker": true, "logs": true},
	},
	{
		"product": map[string]any{"reference": map[string]string{"id": "u1-large", "category": "u1", "provider": "k8s"}},
		"support": map[string]bool{"docker": true},
	},
}

// newProvider starts a provider acknowledging every call. Products are served
// for the jobs namespace.
func newProvider() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Items []json.RawMessage `json:"items"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		var body any = map[string]any{"responses": make([]struct{}, len(req.Items))}
		if strings.HasSuffix(r.URL.Path, "/jobs/retrieveProducts") {
			body = map[string]any{"responses": computeProducts}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func withPrincipal(p *auth.Principal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.NewPrincipalContext(r.Context(), *p)))
		})
	}
}

type bulkReply struct {
	Responses []struct {
		Status int `json:"status"`
		Value  *struct {
			ID string `json:"id"`
		} `json:"value"`
		Error *handlers.ErrorReply `json:"error"`
	} `json:"responses"`
}

func jobSpec(parameters map[string]any) map[string]any {
	return map[string]any{
		"application":       map[string]string{"name": "hello", "version": "1.0"},
		"product":           map[string]string{"id": "u1-standard", "category": "u1", "provider": "k8s"},
		"parameters":        parameters,
		"allowDuplicateJob": true,
	}
}

func items(values ...any) string {
	body, _ := json.Marshal(map[string]any{"items": values})
	return string(body)
}

var _ = Describe("job handler", Ordered, func() {
	var (
		k8s       *httptest.Server
		principal auth.Principal
		users     http.Handler
		providers http.Handler
	)

	call := func(h http.Handler, method string, target string, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	startJob := func() string {
		principal = auth.Principal{Username: "alice", Role: auth.RoleUser}
		rr := call(users, http.MethodPost, "/api/jobs", items(jobSpec(map[string]any{"missing": 1})))
		Expect(rr.Code).To(Equal(http.StatusOK))

		var reply bulkReply
		Expect(json.Unmarshal(rr.Body.Bytes(), &reply)).To(Succeed())
		Expect(reply.Responses).To(HaveLen(1))
		Expect(reply.Responses[0].Value).NotTo(BeNil())
		return reply.Responses[0].Value.ID
	}

	BeforeEach(func() {
		k8s = newProvider()
		u, _ := url.Parse(k8s.URL)
		port, _ := strconv.Atoi(u.Port())
		_, err := testStore.Provider().Upsert(context.TODO(), model.Provider{ID: "k8s", Domain: u.Hostname(), Port: port})
		Expect(err).To(BeNil())

		cfg := config.NewDefault()
		registry := provider.NewRegistry(provider.NewStoreDirectory(testStore.Provider()), provider.NewDefaultCallRegistry(), nil, provider.NewRegistryOptions(cfg))
		jobs, err := service.NewJobService(testStore, registry, storage.NewMemoryBackend(), nil, cfg)
		Expect(err).To(BeNil())

		h := handlers.NewServiceHandler(jobs, service.NewFollowService(jobs, cfg), service.NewResourceServices(testStore, registry, nil, cfg))

		userRouter := chi.NewRouter()
		userRouter.Use(withPrincipal(&principal))
		h.RegisterUserRoutes(userRouter)
		users = userRouter

		providerRouter := chi.NewRouter()
		providerRouter.Use(withPrincipal(&principal))
		h.RegisterProviderRoutes(providerRouter)
		providers = providerRouter
	})

	AfterEach(func() {
		k8s.Close()
		cleanTables()
	})

	Context("start", func() {
		It("starts a job and retrieves it", func() {
			id := startJob()

			rr := call(users, http.MethodGet, "/api/jobs/"+id, "")
			Expect(rr.Code).To(Equal(http.StatusOK))

			var view handlers.JobView
			Expect(json.Unmarshal(rr.Body.Bytes(), &view)).To(Succeed())
			Expect(view.ID).To(Equal(id))
			Expect(view.Owner).To(Equal("alice"))
			Expect(view.Application.Name).To(Equal("hello"))
		})

		It("reports every item of a batch on its own", func() {
			principal = auth.Principal{Username: "alice", Role: auth.RoleUser}
			rr := call(users, http.MethodPost, "/api/jobs", items(jobSpec(map[string]any{"missing": 1}), jobSpec(map[string]any{})))
			Expect(rr.Code).To(Equal(http.StatusOK))

			var reply bulkReply
			Expect(json.Unmarshal(rr.Body.Bytes(), &reply)).To(Succeed())
			Expect(reply.Responses).To(HaveLen(2))
			Expect(reply.Responses[0].Status).To(Equal(http.StatusOK))
			Expect(reply.Responses[1].Status).To(Equal(http.StatusBadRequest))
			Expect(reply.Responses[1].Error.Message).To(Equal("missing value for 'missing'"))
		})

		It("fails a single item batch with the status of the item", func() {
			principal = auth.Principal{Username: "alice", Role: auth.RoleUser}
			rr := call(users, http.MethodPost, "/api/jobs", items(jobSpec(map[string]any{"missing": "x"})))
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
			Expect(rr.Body.String()).To(ContainSubstring("incorrect parameter type for 'missing'"))
		})

		It("rejects malformed bodies", func() {
			principal = auth.Principal{Username: "alice", Role: auth.RoleUser}
			Expect(call(users, http.MethodPost, "/api/jobs", "{").Code).To(Equal(http.StatusBadRequest))
			Expect(call(users, http.MethodPost, "/api/jobs", `{"items": []}`).Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("retrieve", func() {
		It("returns 404 for unknown jobs", func() {
			principal = auth.Principal{Username: "alice", Role: auth.RoleUser}
			Expect(call(users, http.MethodGet, "/api/jobs/unknown", "").Code).To(Equal(http.StatusNotFound))
		})

		It("hides jobs of other users", func() {
			id := startJob()
			principal = auth.Principal{Username: "bob", Role: auth.RoleUser}
			Expect(call(users, http.MethodGet, "/api/jobs/"+id, "").Code).To(Equal(http.StatusNotFound))
		})

		It("browses the jobs of the caller", func() {
			startJob()
			startJob()

			rr := call(users, http.MethodGet, "/api/jobs?limit=1&sortBy=createdAt", "")
			Expect(rr.Code).To(Equal(http.StatusOK))

			var page handlers.JobPageView
			Expect(json.Unmarshal(rr.Body.Bytes(), &page)).To(Succeed())
			Expect(page.Total).To(BeNumerically("==", 2))
			Expect(page.Items).To(HaveLen(1))
			Expect(page.Next).NotTo(BeNil())
		})

		It("rejects unknown sort columns", func() {
			principal = auth.Principal{Username: "alice", Role: auth.RoleUser}
			Expect(call(users, http.MethodGet, "/api/jobs?sortBy=color", "").Code).To(Equal(http.StatusBadRequest))
		})

		It("lists the products of a provider", func() {
			principal = auth.Principal{Username: "alice", Role: auth.RoleUser}
			rr := call(users, http.MethodGet, "/api/jobs/retrieveProducts?provider=k8s", "")
			Expect(rr.Code).To(Equal(http.StatusOK))

			var products []json.RawMessage
			Expect(json.Unmarshal(rr.Body.Bytes(), &products)).To(Succeed())
			Expect(products).To(HaveLen(2))
		})
	})

	Context("provider callbacks", func() {
		It("accepts files uploaded by the provider", func() {
			id := startJob()
			principal = auth.ProviderPrincipal("k8s")

			rr := call(providers, http.MethodPut, "/api/jobs/control/"+id+"/files?path=out/result.txt", "done")
			Expect(rr.Code).To(Equal(http.StatusNoContent))
		})

		It("rejects paths leaving the output folder", func() {
			id := startJob()
			principal = auth.ProviderPrincipal("k8s")

			rr := call(providers, http.MethodPut, "/api/jobs/control/"+id+"/files?path=../escape.txt", "done")
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects unknown states", func() {
			id := startJob()
			principal = auth.ProviderPrincipal("k8s")

			rr := call(providers, http.MethodPost, "/api/jobs/control/update", items(map[string]string{"jobId": id, "state": "SLEEPING"}))
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("moves the job to RUNNING", func() {
			id := startJob()
			principal = auth.ProviderPrincipal("k8s")

			rr := call(providers, http.MethodPost, "/api/jobs/control/update", items(map[string]string{"jobId": id, "state": "RUNNING"}))
			Expect(rr.Code).To(Equal(http.StatusOK))

			job, err := testStore.Job().Get(context.TODO(), id)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStateRunning))
		})

		It("forbids strangers to propose states", func() {
			id := startJob()
			principal = auth.Principal{Username: "bob", Role: auth.RoleUser}

			rr := call(providers, http.MethodPost, "/api/jobs/control/update", items(map[string]string{"jobId": id, "state": "RUNNING"}))
			Expect(rr.Code).To(Equal(http.StatusForbidden))
		})
	})
})
