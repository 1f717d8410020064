package store_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/config"
	"github.com/SDU-eScience/UCloud-sub028/internal/store"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

const (
	insertJobStm = "INSERT INTO jobs (id, owner, name, application_name, application_version, product_id, product_category, product_provider, state, created_at, updated_at, version) VALUES ('%s', '%s', '%s', '%s', '1.0', 'p', 'c', 'k8s', '%s', '%s', '%s', 0);"
	insertAclStm = "INSERT INTO acl_entries (resource_id, entity_type, entity, permission) VALUES ('%s', '%s', '%s', '%s');"
)

func ts(value string) string {
	t, _ := time.Parse(time.RFC3339, value)
	return t.UTC().Format("2006-01-02 15:04:05.999999999-07:00")
}

var _ = Describe("job store", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
	)

	BeforeAll(func() {
		db, err := store.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db
		Expect(s.InitialMigration(context.TODO())).To(BeNil())
	})

	AfterAll(func() {
		s.Close()
	})

	Context("get", func() {
		It("successfully get a job", func() {
			job, err := s.Job().Create(context.TODO(), newTestJob("alice", model.JobStateValidated))
			Expect(err).To(BeNil())

			found, err := s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(found.Owner).To(Equal("alice"))
			Expect(found.InputParameters()).To(HaveKeyWithValue("text", "hello"))
		})

		It("fails with not found for an unknown job", func() {
			_, err := s.Job().Get(context.TODO(), "unknown")
			Expect(errors.Is(err, store.ErrRecordNotFound)).To(BeTrue())
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM jobs;")
		})
	})

	Context("list", func() {
		BeforeEach(func() {
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, "job-c", "alice", "charlie", "terminal", "RUNNING", ts("2026-01-01T10:00:00Z"), ts("2026-01-03T10:00:00Z")))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertJobStm, "job-a", "alice", "alpha", "jupyter", "SUCCESS", ts("2026-01-01T10:00:00Z"), ts("2026-01-02T10:00:00Z")))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertJobStm, "job-b", "alice", "bravo", "terminal", "FAILURE", ts("2026-01-02T10:00:00Z"), ts("2026-01-04T10:00:00Z")))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertJobStm, "job-d", "bob", "delta", "terminal", "RUNNING", ts("2026-01-05T10:00:00Z"), ts("2026-01-05T10:00:00Z")))
			Expect(tx.Error).To(BeNil())
		})

		It("breaks ties on creation time by id", func() {
			jobs, err := s.Job().List(context.TODO(), store.NewJobQueryFilter().ByOwner("alice"), store.NewJobQueryOptions().WithSort(store.SortByCreatedAt, store.SortAscending))
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(3))
			Expect(jobs[0].ID).To(Equal("job-a"))
			Expect(jobs[1].ID).To(Equal("job-c"))
			Expect(jobs[2].ID).To(Equal("job-b"))
		})

		It("sorts by name descending", func() {
			jobs, err := s.Job().List(context.TODO(), store.NewJobQueryFilter().ByOwner("alice"), store.NewJobQueryOptions().WithSort(store.SortByName, store.SortDescending))
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(3))
			Expect(jobs[0].ID).To(Equal("job-c"))
			Expect(jobs[2].ID).To(Equal("job-a"))
		})

		It("sorts by application and keeps creation order inside a group", func() {
			jobs, err := s.Job().List(context.TODO(), store.NewJobQueryFilter().ByOwner("alice"), store.NewJobQueryOptions().WithSort(store.SortByApplication, store.SortAscending))
			Expect(err).To(BeNil())
			Expect(jobs[0].ID).To(Equal("job-a"))
			Expect(jobs[1].ID).To(Equal("job-c"))
			Expect(jobs[2].ID).To(Equal("job-b"))
		})

		It("sorts by last update", func() {
			jobs, err := s.Job().List(context.TODO(), store.NewJobQueryFilter().ByOwner("alice"), store.NewJobQueryOptions().WithSort(store.SortByLastUpdate, store.SortDescending))
			Expect(err).To(BeNil())
			Expect(jobs[0].ID).To(Equal("job-b"))
			Expect(jobs[1].ID).To(Equal("job-c"))
			Expect(jobs[2].ID).To(Equal("job-a"))
		})

		It("filters by state and time range", func() {
			min, _ := time.Parse(time.RFC3339, "2026-01-01T12:00:00Z")
			max, _ := time.Parse(time.RFC3339, "2026-01-06T00:00:00Z")
			jobs, err := s.Job().List(context.TODO(),
				store.NewJobQueryFilter().ByState(model.JobStateRunning).CreatedAfter(min).CreatedBefore(max),
				store.NewJobQueryOptions().WithSort(store.SortByCreatedAt, store.SortAscending))
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].ID).To(Equal("job-d"))
		})

		It("filters by application and pages", func() {
			filter := store.NewJobQueryFilter().ByApplication("terminal", "1.0")
			count, err := s.Job().Count(context.TODO(), filter)
			Expect(err).To(BeNil())
			Expect(count).To(BeNumerically("==", 3))

			jobs, err := s.Job().List(context.TODO(), filter, store.NewJobQueryOptions().WithSort(store.SortByCreatedAt, store.SortAscending).WithLimit(2).WithOffset(2))
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].ID).To(Equal("job-d"))
		})

		It("lists non final jobs", func() {
			jobs, err := s.Job().List(context.TODO(), store.NewJobQueryFilter().NotFinal(), nil)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(2))
		})

		It("shows jobs shared through the acl", func() {
			tx := gormdb.Exec(fmt.Sprintf(insertAclStm, "job-d", "user", "alice", "READ"))
			Expect(tx.Error).To(BeNil())

			jobs, err := s.Job().List(context.TODO(), store.NewJobQueryFilter().VisibleTo(store.Visibility{Username: "alice"}), nil)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(4))

			jobs, err = s.Job().List(context.TODO(), store.NewJobQueryFilter().VisibleTo(store.Visibility{Username: "bob"}), nil)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
		})

		It("shows jobs shared with a group", func() {
			tx := gormdb.Exec(fmt.Sprintf(insertAclStm, "job-a", "group", "project-1/group-1", "READ"))
			Expect(tx.Error).To(BeNil())

			jobs, err := s.Job().List(context.TODO(), store.NewJobQueryFilter().VisibleTo(store.Visibility{Username: "bob", Groups: []string{"project-1/group-1"}}), nil)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(2))
		})

		It("shows every job of a provider to the provider", func() {
			jobs, err := s.Job().List(context.TODO(), store.NewJobQueryFilter().VisibleTo(store.Visibility{Provider: "k8s"}), nil)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(4))
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM acl_entries;")
			gormdb.Exec("DELETE FROM jobs;")
		})
	})

	Context("update", func() {
		It("updates the status of a job", func() {
			job, err := s.Job().Create(context.TODO(), newTestJob("alice", model.JobStatePrepared))
			Expect(err).To(BeNil())

			running := model.JobStateRunning
			status := "started"
			updated, err := s.Job().UpdateStatus(context.TODO(), job.ID, &running, &status)
			Expect(err).To(BeNil())
			Expect(updated.State).To(Equal(model.JobStateRunning))
			Expect(updated.Status).To(Equal("started"))
			Expect(updated.StartedAt).ToNot(BeNil())
			Expect(updated.Version).To(BeNumerically("==", job.Version+1))
		})

		It("fails to update the status of an unknown job", func() {
			status := "nothing"
			_, err := s.Job().UpdateStatus(context.TODO(), "unknown", nil, &status)
			Expect(errors.Is(err, store.ErrRecordNotFound)).To(BeTrue())
		})

		It("rejects a state update carrying a stale version", func() {
			job, err := s.Job().Create(context.TODO(), newTestJob("alice", model.JobStatePrepared))
			Expect(err).To(BeNil())

			_, err = s.Job().UpdateState(context.TODO(), store.JobStateUpdate{ID: job.ID, ExpectedVersion: job.Version, State: model.JobStateRunning})
			Expect(err).To(BeNil())

			_, err = s.Job().UpdateState(context.TODO(), store.JobStateUpdate{ID: job.ID, ExpectedVersion: job.Version, State: model.JobStateFailure})
			Expect(errors.Is(err, store.ErrStaleUpdate)).To(BeTrue())

			found, err := s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(found.State).To(Equal(model.JobStateRunning))
		})

		It("records the failed state and update history", func() {
			job, err := s.Job().Create(context.TODO(), newTestJob("alice", model.JobStatePrepared))
			Expect(err).To(BeNil())

			failure := model.JobStateFailure
			prepared := model.JobStatePrepared
			status := "bad"
			updated, err := s.Job().UpdateState(context.TODO(), store.JobStateUpdate{
				ID:              job.ID,
				ExpectedVersion: job.Version,
				State:           failure,
				FailedState:     &prepared,
				Status:          &status,
				Updates:         []model.JobUpdate{{Timestamp: time.Now(), State: &failure, Status: status}},
			})
			Expect(err).To(BeNil())
			Expect(updated.State).To(Equal(model.JobStateFailure))
			Expect(*updated.FailedState).To(Equal(model.JobStatePrepared))
			Expect(updated.Updates.Data).To(HaveLen(1))
		})

		It("updates output folder and time allocation", func() {
			job, err := s.Job().Create(context.TODO(), newTestJob("alice", model.JobStatePrepared))
			Expect(err).To(BeNil())

			Expect(s.Job().UpdateOutputFolder(context.TODO(), job.ID, "/home/alice/Jobs/terminal/"+job.ID)).To(BeNil())
			Expect(s.Job().UpdateTimeAllocation(context.TODO(), job.ID, model.SimpleDuration{Hours: 2})).To(BeNil())

			found, err := s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(*found.OutputFolder).To(Equal("/home/alice/Jobs/terminal/" + job.ID))
			Expect(found.TimeAllocation.Hours).To(Equal(2))

			Expect(errors.Is(s.Job().UpdateOutputFolder(context.TODO(), "unknown", "/"), store.ErrRecordNotFound)).To(BeTrue())
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM jobs;")
		})
	})

	Context("delete", func() {
		It("hard deletes jobs and their acl", func() {
			job, err := s.Job().Create(context.TODO(), newTestJob("alice", model.JobStateSuccess))
			Expect(err).To(BeNil())
			Expect(s.Acl().Replace(context.TODO(), job.ID, model.Acl{{Type: model.AclEntityUser, Name: "bob", Permissions: []model.Permission{model.PermissionRead}}})).To(BeNil())

			Expect(s.Job().Delete(context.TODO(), job.ID)).To(BeNil())

			count := 0
			Expect(gormdb.Raw("SELECT COUNT(*) FROM acl_entries;").Scan(&count).Error).To(BeNil())
			Expect(count).To(Equal(0))
			_, err = s.Job().Get(context.TODO(), job.ID)
			Expect(errors.Is(err, store.ErrRecordNotFound)).To(BeTrue())
		})

		It("counts jobs by state", func() {
			_, err := s.Job().Create(context.TODO(), newTestJob("alice", model.JobStateSuccess))
			Expect(err).To(BeNil())
			_, err = s.Job().Create(context.TODO(), newTestJob("alice", model.JobStateSuccess))
			Expect(err).To(BeNil())
			_, err = s.Job().Create(context.TODO(), newTestJob("alice", model.JobStateRunning))
			Expect(err).To(BeNil())

			counts, err := s.Job().CountByState(context.TODO())
			Expect(err).To(BeNil())
			Expect(counts[model.JobStateSuccess]).To(BeNumerically("==", 2))
			Expect(counts[model.JobStateRunning]).To(BeNumerically("==", 1))
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM acl_entries;")
			gormdb.Exec("DELETE FROM jobs;")
		})
	})
})
