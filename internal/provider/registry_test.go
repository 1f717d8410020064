package provider_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type countingDirectory struct {
	providers map[string]model.Provider
	lookups   atomic.Int32
	delay     time.Duration
}

func (d *countingDirectory) RetrieveSpecification(ctx context.Context, id string) (*model.Provider, error) {
	d.lookups.Add(1)
	time.Sleep(d.delay)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, found := d.providers[id]
	if !found {
		return nil, provider.ErrUnknownProvider
	}
	return &p, nil
}

var _ = Describe("provider registry", func() {
	var directory *countingDirectory

	BeforeEach(func() {
		directory = &countingDirectory{
			providers: map[string]model.Provider{
				"k8s":   {ID: "k8s", Domain: "k8s.example.com", Port: 443, Https: true},
				"slurm": {ID: "slurm", Domain: "slurm.example.com", Port: 8080},
			},
		}
	})

	newRegistry := func(ttl time.Duration) *provider.Registry {
		return provider.NewRegistry(directory, provider.NewDefaultCallRegistry(), nil, provider.RegistryOptions{TTL: ttl})
	}

	It("caches the communication handle", func() {
		registry := newRegistry(time.Minute)

		first, err := registry.PrepareCommunication(context.TODO(), "k8s")
		Expect(err).To(BeNil())
		second, err := registry.PrepareCommunication(context.TODO(), "k8s")
		Expect(err).To(BeNil())

		Expect(first).To(BeIdenticalTo(second))
		Expect(first.Provider.BaseURL()).To(Equal("https://k8s.example.com:443"))
		Expect(first.Client.Provider().StreamURL()).To(Equal("wss://k8s.example.com:443"))
		Expect(directory.lookups.Load()).To(BeNumerically("==", 1))
	})

	It("rebuilds the handle once the entry expired", func() {
		registry := newRegistry(20 * time.Millisecond)

		first, err := registry.PrepareCommunication(context.TODO(), "slurm")
		Expect(err).To(BeNil())

		time.Sleep(40 * time.Millisecond)

		second, err := registry.PrepareCommunication(context.TODO(), "slurm")
		Expect(err).To(BeNil())
		Expect(first).NotTo(BeIdenticalTo(second))
		Expect(directory.lookups.Load()).To(BeNumerically("==", 2))
	})

	It("coalesces concurrent misses", func() {
		directory.delay = 50 * time.Millisecond
		registry := newRegistry(time.Minute)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := registry.PrepareCommunication(context.TODO(), "k8s")
				Expect(err).To(BeNil())
			}()
		}
		wg.Wait()

		Expect(directory.lookups.Load()).To(BeNumerically("==", 1))
	})

	It("keeps a shared lookup alive when its first caller gives up", func() {
		directory.delay = 50 * time.Millisecond
		registry := newRegistry(time.Minute)

		first, cancel := context.WithCancel(context.TODO())
		firstErr := make(chan error, 1)
		go func() {
			_, err := registry.PrepareCommunication(first, "k8s")
			firstErr <- err
		}()
		time.Sleep(10 * time.Millisecond)

		second := make(chan error, 1)
		go func() {
			_, err := registry.PrepareCommunication(context.TODO(), "k8s")
			second <- err
		}()
		time.Sleep(10 * time.Millisecond)
		cancel()

		Eventually(firstErr).Should(Receive(MatchError(context.Canceled)))
		Eventually(second).Should(Receive(BeNil()))
		Expect(directory.lookups.Load()).To(BeNumerically("==", 1))
	})

	It("fails for unknown providers", func() {
		registry := newRegistry(time.Minute)
		_, err := registry.PrepareCommunication(context.TODO(), "unknown")
		Expect(errors.Is(err, provider.ErrUnknownProvider)).To(BeTrue())
	})

	It("rebuilds an invalidated handle", func() {
		registry := newRegistry(time.Minute)
		_, err := registry.PrepareCommunication(context.TODO(), "k8s")
		Expect(err).To(BeNil())

		registry.Invalidate("k8s")
		_, err = registry.PrepareCommunication(context.TODO(), "k8s")
		Expect(err).To(BeNil())
		Expect(directory.lookups.Load()).To(BeNumerically("==", 2))
	})

	Context("verify provider", func() {
		It("accepts the provider acting for itself", func() {
			Expect(provider.VerifyProvider("k8s", auth.ProviderPrincipal("k8s"))).To(Succeed())
		})

		It("rejects another provider", func() {
			err := provider.VerifyProvider("k8s", auth.ProviderPrincipal("slurm"))
			Expect(errors.Is(err, provider.ErrForbidden)).To(BeTrue())
		})

		It("rejects a user named like the provider", func() {
			err := provider.VerifyProvider("k8s", auth.Principal{Username: "k8s", Role: auth.RoleUser})
			Expect(errors.Is(err, provider.ErrForbidden)).To(BeTrue())
		})

		It("rejects the bare prefix", func() {
			err := provider.VerifyProvider("", auth.Principal{Username: auth.ProviderPrefix})
			Expect(errors.Is(err, provider.ErrForbidden)).To(BeTrue())
		})
	})
})
