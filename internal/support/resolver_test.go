package support_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/SDU-eScience/UCloud-sub028/internal/support"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type staticDirectory map[string]model.Provider

func (d staticDirectory) RetrieveSpecification(_ context.Context, id string) (*model.Provider, error) {
	p, found := d[id]
	if !found {
		return nil, provider.ErrUnknownProvider
	}
	return &p, nil
}

type computeSupport struct {
	Docker      bool `json:"docker"`
	Interactive bool `json:"interactive"`
}

const productsResponse = `{"responses":[
	{"product":{"reference":{"id":"u1-standard","category":"u1","provider":"k8s"}},"support":{"docker":true}},
	{"product":{"reference":{"id":"u1-gpu","category":"u1","provider":"k8s"}},"support":{"docker":true,"interactive":true}},
	{"product":{"reference":{"id":"stray","category":"x","provider":"slurm"}},"support":{}}
]}`

var _ = Describe("support resolver", func() {
	var (
		server   *httptest.Server
		requests atomic.Int32
		registry *provider.Registry
	)

	BeforeEach(func() {
		requests.Store(0)
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			if r.URL.Path != "/providers/jobs/retrieveProducts" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(productsResponse))
		}))

		u, _ := url.Parse(server.URL)
		port, _ := strconv.Atoi(u.Port())
		directory := staticDirectory{"k8s": {ID: "k8s", Domain: u.Hostname(), Port: port}}
		registry = provider.NewRegistry(directory, provider.NewDefaultCallRegistry(), nil, provider.RegistryOptions{
			TTL:    time.Minute,
			Client: provider.ClientOptions{Timeout: time.Second, RetryAttempts: 1},
		})
	})

	AfterEach(func() {
		server.Close()
	})

	It("resolves the support of a product", func() {
		resolver := support.NewResolver[computeSupport](registry, provider.NamespaceJobs, time.Minute)

		s, err := resolver.ResolveSupport(context.TODO(), model.ProductReference{ID: "u1-gpu", Category: "u1", Provider: "k8s"})
		Expect(err).To(BeNil())
		Expect(s.Support.Interactive).To(BeTrue())
	})

	It("finishes a refresh its caller abandoned", func() {
		resolver := support.NewResolver[computeSupport](registry, provider.NamespaceJobs, time.Minute)

		canceled, cancel := context.WithCancel(context.TODO())
		cancel()
		_, err := resolver.RetrieveProducts(canceled, "k8s")
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())

		Eventually(requests.Load).Should(BeNumerically("==", 1))
		Eventually(func() error {
			_, err := resolver.RetrieveProducts(context.TODO(), "k8s")
			return err
		}).Should(Succeed())
		Expect(requests.Load()).To(BeNumerically("==", 1))
	})

	It("refreshes the whole list once per provider", func() {
		resolver := support.NewResolver[computeSupport](registry, provider.NamespaceJobs, time.Minute)

		for _, id := range []string{"u1-standard", "u1-gpu", "u1-standard"} {
			_, err := resolver.ResolveSupport(context.TODO(), model.ProductReference{ID: id, Category: "u1", Provider: "k8s"})
			Expect(err).To(BeNil())
		}
		Expect(requests.Load()).To(BeNumerically("==", 1))
	})

	It("drops products of other providers", func() {
		resolver := support.NewResolver[computeSupport](registry, provider.NamespaceJobs, time.Minute)

		products, err := resolver.RetrieveProducts(context.TODO(), "k8s")
		Expect(err).To(BeNil())
		Expect(products).To(HaveLen(2))
	})

	It("fails for unknown products", func() {
		resolver := support.NewResolver[computeSupport](registry, provider.NamespaceJobs, time.Minute)

		_, err := resolver.ResolveSupport(context.TODO(), model.ProductReference{ID: "missing", Category: "u1", Provider: "k8s"})
		Expect(errors.Is(err, support.ErrProductNotSupported)).To(BeTrue())
	})

	It("refreshes after the ttl", func() {
		resolver := support.NewResolver[computeSupport](registry, provider.NamespaceJobs, 20*time.Millisecond)

		_, err := resolver.RetrieveProducts(context.TODO(), "k8s")
		Expect(err).To(BeNil())
		time.Sleep(40 * time.Millisecond)
		_, err = resolver.RetrieveProducts(context.TODO(), "k8s")
		Expect(err).To(BeNil())
		Expect(requests.Load()).To(BeNumerically("==", 2))
	})

	It("surfaces unknown providers", func() {
		resolver := support.NewResolver[computeSupport](registry, provider.NamespaceJobs, time.Minute)

		_, err := resolver.RetrieveProducts(context.TODO(), "unknown")
		Expect(errors.Is(err, provider.ErrUnknownProvider)).To(BeTrue())
	})
})
