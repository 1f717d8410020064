package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/events"
	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/SDU-eScience/UCloud-sub028/internal/service"
	"github.com/SDU-eScience/UCloud-sub028/internal/store"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("job service", Ordered, func() {
	var (
		k8s *fakeProvider
		env *testEnv
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.TODO()
		k8s = newFakeProvider("k8s")
		k8s.serveProducts(provider.NamespaceJobs, computeProducts)
		env = newTestEnv(testStore, k8s)
	})

	AfterEach(func() {
		k8s.close()
		cleanTables()
	})

	startJob := func(parameters map[string]any) string {
		id, err := env.jobs.StartJob(ctx, alice, helloSpec(parameters))
		Expect(err).To(BeNil())
		return id
	}

	propose := func(principal auth.Principal, id string, state model.JobState) error {
		_, err := env.jobs.HandleProposedStateChange(ctx, principal, service.JobStateProposal{JobID: id, State: state})
		return err
	}

	Context("start", func() {
		It("verifies, prepares and records a provider failure", func() {
			observed := make(chan model.JobState, 1)
			k8s.on("jobs/jobVerified", func(items []json.RawMessage) (int, any) {
				job, err := testStore.Job().Get(context.TODO(), itemIDs(items)[0])
				Expect(err).To(BeNil())
				observed <- job.State
				return respond(map[string]any{})
			})

			id := startJob(map[string]any{"missing": 23})
			Eventually(observed).Should(Receive(Equal(model.JobStateValidated)))

			job, err := env.jobs.LookupOwnJob(ctx, alice, id)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStatePrepared))
			Expect(job.OutputFolder).NotTo(BeNil())
			Expect(*job.OutputFolder).To(Equal("home/alice/Jobs/" + id))
			Expect(k8s.count("jobs/jobPrepared")).To(Equal(1))

			_, err = env.jobs.HandleProposedStateChange(ctx, auth.ProviderPrincipal("k8s"), service.JobStateProposal{
				JobID:  id,
				State:  model.JobStateFailure,
				Status: strPtr("bad"),
			})
			Expect(err).To(BeNil())

			job, err = env.jobs.LookupOwnJob(ctx, alice, id)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStateFailure))
			Expect(job.FailedState).NotTo(BeNil())
			Expect(*job.FailedState).To(Equal(model.JobStatePrepared))
			Expect(job.Status).To(Equal("bad"))
			Expect(k8s.count("jobs/cleanup")).To(Equal(1))
		})

		It("rolls back a job its provider refuses to verify", func() {
			k8s.on("jobs/jobVerified", func([]json.RawMessage) (int, any) {
				return fail(http.StatusUnprocessableEntity, "no capacity")
			})

			_, err := env.jobs.StartJob(ctx, alice, helloSpec(map[string]any{"missing": 1}))
			Expect(err).NotTo(BeNil())
			Expect(service.IsProviderError(err)).To(BeTrue())

			jobs, err := testStore.Job().List(ctx, store.NewJobQueryFilter().ByOwner("alice"), nil)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].State).To(Equal(model.JobStateFailure))
			Expect(jobs[0].Status).To(Equal("no capacity"))
			Expect(*jobs[0].FailedState).To(Equal(model.JobStateValidated))
			Expect(k8s.count("jobs/jobPrepared")).To(Equal(0))
		})

		It("rolls back a job rejected in the acknowledgement", func() {
			k8s.on("jobs/jobPrepared", func([]json.RawMessage) (int, any) {
				return respond(map[string]string{"error": "quota exceeded"})
			})

			_, err := env.jobs.StartJob(ctx, alice, helloSpec(map[string]any{"missing": 1}))
			Expect(service.IsProviderError(err)).To(BeTrue())

			jobs, err := testStore.Job().List(ctx, store.NewJobQueryFilter().ByOwner("alice"), nil)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].State).To(Equal(model.JobStateFailure))
			Expect(jobs[0].Status).To(Equal("quota exceeded"))
		})

		It("refuses a duplicate of a running job unless asked to allow it", func() {
			startJob(map[string]any{"missing": 7})

			_, err := env.jobs.StartJob(ctx, alice, helloSpec(map[string]any{"missing": 7}))
			var conflict *service.ErrConflict
			Expect(errors.As(err, &conflict)).To(BeTrue())

			spec := helloSpec(map[string]any{"missing": 7})
			spec.AllowDuplicateJob = true
			_, err = env.jobs.StartJob(ctx, alice, spec)
			Expect(err).To(BeNil())

			_, err = env.jobs.StartJob(ctx, alice, helloSpec(map[string]any{"missing": 8}))
			Expect(err).To(BeNil())
		})

		It("answers every item of a batch on its own", func() {
			unsupported := helloSpec(map[string]any{"missing": 3})
			unsupported.Product = model.ProductReference{ID: "u9-gpu", Category: "u9", Provider: "k8s"}

			results, err := env.jobs.StartJobs(ctx, alice, []service.JobSpecification{
				helloSpec(map[string]any{"missing": 1}),
				helloSpec(map[string]any{}),
				unsupported,
			})
			Expect(err).NotTo(BeNil())
			Expect(results).To(HaveLen(3))

			Expect(results[0].Err).To(BeNil())
			Expect(results[0].Value).NotTo(BeEmpty())

			var verr *service.ErrVerification
			Expect(errors.As(results[1].Err, &verr)).To(BeTrue())
			Expect(verr.Parameter).To(Equal("missing"))

			var jerr *service.ErrJobException
			Expect(errors.As(results[2].Err, &jerr)).To(BeTrue())

			count, err := testStore.Job().Count(ctx, store.NewJobQueryFilter().ByOwner("alice"))
			Expect(err).To(BeNil())
			Expect(count).To(BeEquivalentTo(1))
		})
	})

	Context("state changes", func() {
		It("applies a repeated state only once", func() {
			id := startJob(map[string]any{"missing": 1})
			k8sPrincipal := auth.ProviderPrincipal("k8s")

			Expect(propose(k8sPrincipal, id, model.JobStateRunning)).To(Succeed())
			first, err := testStore.Job().Get(ctx, id)
			Expect(err).To(BeNil())
			published := env.publisher.count(events.JobStateChangedKind)

			Expect(propose(k8sPrincipal, id, model.JobStateRunning)).To(Succeed())
			second, err := testStore.Job().Get(ctx, id)
			Expect(err).To(BeNil())

			Expect(second.State).To(Equal(model.JobStateRunning))
			Expect(second.Version).To(Equal(first.Version))
			Expect(second.Updates.Data).To(HaveLen(len(first.Updates.Data)))
			Expect(second.StartedAt).NotTo(BeNil())
			Expect(second.StartedAt.Equal(*first.StartedAt)).To(BeTrue())
			Expect(env.publisher.count(events.JobStateChangedKind)).To(Equal(published))
		})

		It("records a new status for the current state", func() {
			id := startJob(map[string]any{"missing": 1})

			_, err := env.jobs.HandleAddStatus(ctx, auth.ProviderPrincipal("k8s"), id, "pulling image")
			Expect(err).To(BeNil())

			job, err := testStore.Job().Get(ctx, id)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStatePrepared))
			Expect(job.Status).To(Equal("pulling image"))
			Expect(job.Updates.Data[len(job.Updates.Data)-1].Status).To(Equal("pulling image"))
		})

		It("rejects going back in the lifecycle for every caller", func() {
			id := startJob(map[string]any{"missing": 1})

			for _, principal := range []auth.Principal{alice, bob, auth.ProviderPrincipal("k8s"), auth.ProviderPrincipal("slurm"), auth.SystemPrincipal()} {
				err := propose(principal, id, model.JobStateValidated)
				var bad *service.ErrBadStateTransition
				Expect(errors.As(err, &bad)).To(BeTrue(), principal.Username)
			}

			job, err := testStore.Job().Get(ctx, id)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStatePrepared))
		})

		It("only lets the owner, the provider of the job and the system change it", func() {
			id := startJob(map[string]any{"missing": 1})

			var forbidden *service.ErrForbidden
			Expect(errors.As(propose(auth.ProviderPrincipal("slurm"), id, model.JobStateRunning), &forbidden)).To(BeTrue())
			Expect(errors.As(propose(bob, id, model.JobStateRunning), &forbidden)).To(BeTrue())

			Expect(propose(auth.ProviderPrincipal("k8s"), id, model.JobStateRunning)).To(Succeed())
			Expect(propose(auth.SystemPrincipal(), id, model.JobStateSuccess)).To(Succeed())
		})

		It("lets exactly one of two racing terminal states win", func() {
			k8sPrincipal := auth.ProviderPrincipal("k8s")
			for round := 0; round < 5; round++ {
				id := startJob(map[string]any{"missing": round})
				Expect(propose(k8sPrincipal, id, model.JobStateRunning)).To(Succeed())

				states := []model.JobState{model.JobStateSuccess, model.JobStateFailure}
				errs := make([]error, len(states))
				var wg sync.WaitGroup
				for i, state := range states {
					wg.Add(1)
					go func(i int, state model.JobState) {
						defer GinkgoRecover()
						defer wg.Done()
						errs[i] = propose(k8sPrincipal, id, state)
					}(i, state)
				}
				wg.Wait()

				winner := -1
				for i, err := range errs {
					if err == nil {
						Expect(winner).To(Equal(-1), "both proposals were applied")
						winner = i
						continue
					}
					var bad *service.ErrBadStateTransition
					Expect(errors.As(err, &bad)).To(BeTrue())
				}
				Expect(winner).NotTo(Equal(-1))

				job, err := testStore.Job().Get(ctx, id)
				Expect(err).To(BeNil())
				Expect(job.State).To(Equal(states[winner]))
			}
		})

		It("reports unknown jobs as not found", func() {
			err := propose(auth.ProviderPrincipal("k8s"), "does-not-exist", model.JobStateRunning)
			var notFound *service.ErrResourceNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})

		It("ignores a proposal for a job that left the expected state", func() {
			id := startJob(map[string]any{"missing": 1})
			running := model.JobStateRunning

			_, err := env.jobs.HandleProposedStateChange(ctx, auth.ProviderPrincipal("k8s"), service.JobStateProposal{
				JobID:         id,
				State:         model.JobStateFailure,
				ExpectedState: &running,
			})
			Expect(err).To(BeNil())

			job, err := testStore.Job().Get(ctx, id)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStatePrepared))
		})

		It("derives the wall duration from the start of the job", func() {
			id := startJob(map[string]any{"missing": 1})
			Expect(propose(auth.ProviderPrincipal("k8s"), id, model.JobStateRunning)).To(Succeed())

			d, err := env.jobs.HandleJobComplete(ctx, auth.ProviderPrincipal("k8s"), id, nil, true)
			Expect(err).To(BeNil())
			Expect(d).NotTo(BeNil())
			Expect(*d).To(BeNumerically(">=", 0))

			given := 3 * time.Minute
			other := startJob(map[string]any{"missing": 2})
			Expect(propose(auth.ProviderPrincipal("k8s"), other, model.JobStateRunning)).To(Succeed())
			d, err = env.jobs.HandleJobComplete(ctx, auth.ProviderPrincipal("k8s"), other, &given, false)
			Expect(err).To(BeNil())
			Expect(*d).To(Equal(given))
		})

		It("has no wall duration for a job that never ran", func() {
			id := startJob(map[string]any{"missing": 1})

			d, err := env.jobs.HandleJobComplete(ctx, auth.ProviderPrincipal("k8s"), id, nil, false)
			Expect(err).To(BeNil())
			Expect(d).To(BeNil())

			job, err := testStore.Job().Get(ctx, id)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStateFailure))
		})
	})

	Context("cancel", func() {
		It("does nothing for a finished job", func() {
			id := startJob(map[string]any{"missing": 1})
			Expect(propose(auth.ProviderPrincipal("k8s"), id, model.JobStateRunning)).To(Succeed())
			Expect(propose(auth.ProviderPrincipal("k8s"), id, model.JobStateSuccess)).To(Succeed())

			errs := env.jobs.Cancel(ctx, alice, []string{id})
			Expect(errs).To(HaveLen(1))
			Expect(errs[0]).To(BeNil())
			Expect(propose(auth.ProviderPrincipal("k8s"), id, model.JobStateCanceling)).To(Succeed())

			job, err := testStore.Job().Get(ctx, id)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStateSuccess))
			Expect(k8s.count("jobs/cancel")).To(Equal(0))
		})

		It("moves a running job to CANCELING and tells its provider", func() {
			id := startJob(map[string]any{"missing": 1})
			Expect(propose(auth.ProviderPrincipal("k8s"), id, model.JobStateRunning)).To(Succeed())

			errs := env.jobs.Cancel(ctx, alice, []string{id})
			Expect(errs[0]).To(BeNil())

			job, err := testStore.Job().Get(ctx, id)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStateCanceling))
			Expect(k8s.count("jobs/cancel")).To(Equal(1))

			errs = env.jobs.Cancel(ctx, alice, []string{id})
			Expect(errs[0]).To(BeNil())
			Expect(k8s.count("jobs/cancel")).To(Equal(1))
		})
	})

	Context("visibility", func() {
		It("hides jobs from other users unless shared", func() {
			id := startJob(map[string]any{"missing": 1})

			_, err := env.jobs.LookupOwnJob(ctx, bob, id)
			var notFound *service.ErrResourceNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())

			_, err = env.jobs.LookupOwnJob(ctx, alice, "does-not-exist")
			Expect(errors.As(err, &notFound)).To(BeTrue())

			Expect(testStore.Acl().Replace(ctx, id, model.Acl{
				{Type: model.AclEntityUser, Name: "bob", Permissions: []model.Permission{model.PermissionRead}},
			})).To(Succeed())

			job, err := env.jobs.LookupOwnJob(ctx, bob, id)
			Expect(err).To(BeNil())
			Expect(job.ID).To(Equal(id))

			errs := env.jobs.Cancel(ctx, bob, []string{id})
			var forbidden *service.ErrForbidden
			Expect(errors.As(errs[0], &forbidden)).To(BeTrue())
		})

		It("lets the owner reach a personal job from any workspace", func() {
			id := startJob(map[string]any{"missing": 1})
			inProject := auth.Principal{Username: "alice", Role: auth.RoleUser, Project: "p1"}

			job, err := env.jobs.LookupOwnJob(ctx, inProject, id)
			Expect(err).To(BeNil())
			Expect(job.ID).To(Equal(id))

			_, err = env.jobs.LookupOwnJob(ctx, auth.Principal{Username: "bob", Role: auth.RoleUser, Project: "p1"}, id)
			var notFound *service.ErrResourceNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})

		It("grants project jobs by membership", func() {
			creator := auth.Principal{Username: "alice", Role: auth.RoleUser, Project: "p1"}
			id, err := env.jobs.StartJob(ctx, creator, helloSpec(map[string]any{"missing": 1}))
			Expect(err).To(BeNil())

			// the creator stays a member outside the project workspace
			_, err = env.jobs.LookupOwnJob(ctx, auth.Principal{Username: "alice", Role: auth.RoleUser, Projects: []string{"p1"}}, id)
			Expect(err).To(BeNil())

			_, err = env.jobs.LookupOwnJob(ctx, auth.Principal{Username: "carol", Role: auth.RoleUser, Project: "p1", ProjectAdmin: true}, id)
			Expect(err).To(BeNil())

			var notFound *service.ErrResourceNotFound
			_, err = env.jobs.LookupOwnJob(ctx, alice, id)
			Expect(errors.As(err, &notFound)).To(BeTrue())
			_, err = env.jobs.LookupOwnJob(ctx, auth.Principal{Username: "bob", Role: auth.RoleUser, Project: "p1"}, id)
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})

		It("lists only the jobs of the caller", func() {
			startJob(map[string]any{"missing": 1})
			startJob(map[string]any{"missing": 2})

			page, err := env.jobs.ListJobs(ctx, alice, service.JobListRequest{Limit: 1})
			Expect(err).To(BeNil())
			Expect(page.Total).To(BeEquivalentTo(2))
			Expect(page.Items).To(HaveLen(1))
			Expect(page.Next).NotTo(BeNil())

			page, err = env.jobs.ListJobs(ctx, bob, service.JobListRequest{})
			Expect(err).To(BeNil())
			Expect(page.Total).To(BeEquivalentTo(0))
		})
	})

	Context("control", func() {
		It("extends the time allocation of a running job", func() {
			id := startJob(map[string]any{"missing": 1})
			Expect(propose(auth.ProviderPrincipal("k8s"), id, model.JobStateRunning)).To(Succeed())

			errs := env.jobs.Extend(ctx, alice, []service.ExtendRequest{{JobID: id, RequestedTime: model.SimpleDuration{Minutes: 30}}})
			Expect(errs[0]).To(BeNil())

			job, err := testStore.Job().Get(ctx, id)
			Expect(err).To(BeNil())
			Expect(job.TimeAllocation).To(Equal(model.SimpleDuration{Hours: 1, Minutes: 30}))
			Expect(k8s.count("jobs/extend")).To(Equal(1))
		})

		It("refuses features the product does not support", func() {
			spec := helloSpec(map[string]any{"missing": 1})
			spec.Product = model.ProductReference{ID: "u1-large", Category: "u1", Provider: "k8s"}
			id, err := env.jobs.StartJob(ctx, alice, spec)
			Expect(err).To(BeNil())
			Expect(propose(auth.ProviderPrincipal("k8s"), id, model.JobStateRunning)).To(Succeed())

			var jerr *service.ErrJobException
			errs := env.jobs.Extend(ctx, alice, []service.ExtendRequest{{JobID: id, RequestedTime: model.SimpleDuration{Hours: 1}}})
			Expect(errors.As(errs[0], &jerr)).To(BeTrue())

			errs = env.jobs.Suspend(ctx, alice, []string{id})
			Expect(errors.As(errs[0], &jerr)).To(BeTrue())
			Expect(k8s.count("jobs/extend")).To(Equal(0))
			Expect(k8s.count("jobs/suspend")).To(Equal(0))
		})

		It("opens interactive sessions on running jobs", func() {
			k8s.on("jobs/openInteractiveSession", func(items []json.RawMessage) (int, any) {
				return respond(map[string]string{"sessionId": "s-1", "url": "wss://k8s/s-1"})
			})
			id := startJob(map[string]any{"missing": 1})

			results, err := env.jobs.OpenInteractiveSession(ctx, alice, []service.OpenSessionRequest{{JobID: id, SessionType: service.SessionTypeShell}})
			Expect(err).To(BeNil())
			var jerr *service.ErrJobException
			Expect(errors.As(results[0].Err, &jerr)).To(BeTrue())

			Expect(propose(auth.ProviderPrincipal("k8s"), id, model.JobStateRunning)).To(Succeed())
			results, err = env.jobs.OpenInteractiveSession(ctx, alice, []service.OpenSessionRequest{
				{JobID: id, SessionType: service.SessionTypeShell},
				{JobID: id, SessionType: service.SessionTypeVnc},
				{JobID: id, Rank: 4, SessionType: service.SessionTypeShell},
			})
			Expect(err).To(BeNil())
			Expect(results[0].Err).To(BeNil())
			Expect(results[0].Value.SessionID).To(Equal("s-1"))
			Expect(results[0].Value.JobID).To(Equal(id))
			Expect(errors.As(results[1].Err, &jerr)).To(BeTrue())
			Expect(errors.As(results[2].Err, &jerr)).To(BeTrue())
		})
	})

	Context("expiry", func() {
		It("fails jobs older than the expiry and only once", func() {
			id := startJob(map[string]any{"missing": 1})
			fresh := startJob(map[string]any{"missing": 2})
			tx := gormdb.Exec("UPDATE jobs SET created_at = ? WHERE id = ?", time.Now().Add(-300*time.Hour), id)
			Expect(tx.Error).To(BeNil())

			removed, err := env.jobs.RemoveExpiredJobs(ctx)
			Expect(err).To(BeNil())
			Expect(removed).To(Equal(1))

			job, err := testStore.Job().Get(ctx, id)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStateFailure))
			Expect(job.Status).To(Equal("The job expired before it finished"))
			Expect(k8s.count("jobs/cancel")).To(Equal(1))

			job, err = testStore.Job().Get(ctx, fresh)
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStatePrepared))

			removed, err = env.jobs.RemoveExpiredJobs(ctx)
			Expect(err).To(BeNil())
			Expect(removed).To(Equal(0))
		})

		It("expires jobs of an unreachable provider", func() {
			k8s.on("jobs/cancel", func([]json.RawMessage) (int, any) {
				return fail(http.StatusServiceUnavailable, "down")
			})
			id := startJob(map[string]any{"missing": 1})
			Expect(gormdb.Exec("UPDATE jobs SET created_at = ? WHERE id = ?", time.Now().Add(-300*time.Hour), id).Error).To(BeNil())

			removed, err := env.jobs.RemoveExpiredJobs(ctx)
			Expect(err).To(BeNil())
			Expect(removed).To(Equal(1))
		})
	})
})
