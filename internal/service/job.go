package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/config"
	"github.com/SDU-eScience/UCloud-sub028/internal/orchestrator"
	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/SDU-eScience/UCloud-sub028/internal/storage"
	"github.com/SDU-eScience/UCloud-sub028/internal/store"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/SDU-eScience/UCloud-sub028/internal/support"
	"github.com/SDU-eScience/UCloud-sub028/pkg/log"
	"github.com/hashicorp/go-multierror"
)

// Publisher hands events to the event producer.
type Publisher interface {
	Publish(ctx context.Context, kind string, v any) error
}

type jobSettings struct {
	expiryTTL        time.Duration
	resultFolderName string
	extractArchives  bool
}

type JobService struct {
	store     store.Store
	registry  *provider.Registry
	products  *support.Resolver[ComputeSupport]
	verifier  *JobVerifier
	files     storage.Backend
	archives  *storage.ArchivePolicy
	publisher Publisher
	followers *followers
	settings  jobSettings
	logger    *log.StructuredLogger
}

func NewJobService(s store.Store, registry *provider.Registry, files storage.Backend, publisher Publisher, cfg *config.Config) (*JobService, error) {
	archives, err := storage.NewArchivePolicy(cfg.Jobs.ArchivePatterns)
	if err != nil {
		return nil, err
	}

	products := support.NewResolver[ComputeSupport](registry, provider.NamespaceJobs, cfg.Provider.ProductTTL)
	return &JobService{
		store:     s,
		registry:  registry,
		products:  products,
		verifier:  NewJobVerifier(s.Application(), products),
		files:     files,
		archives:  archives,
		publisher: publisher,
		followers: newFollowers(),
		settings: jobSettings{
			expiryTTL:        cfg.Jobs.ExpiryTTL,
			resultFolderName: cfg.Jobs.ResultFolderName,
			extractArchives:  cfg.Jobs.ExtractArchives,
		},
		logger: log.NewDebugLogger("job_service"),
	}, nil
}

// Products exposes the compute product support of the providers.
func (s *JobService) Products() *support.Resolver[ComputeSupport] {
	return s.products
}

// StartJob verifies and submits a single job and returns its id.
func (s *JobService) StartJob(ctx context.Context, principal auth.Principal, spec JobSpecification) (string, error) {
	results, _ := s.StartJobs(ctx, principal, []JobSpecification{spec})
	if err := results[0].Err; err != nil {
		return "", err
	}
	return results[0].Value, nil
}

// StartJobs submits a batch of jobs. Every item answers with the id of its job or
// the reason it was rejected. Jobs rejected by their provider are kept as FAILURE.
func (s *JobService) StartJobs(ctx context.Context, principal auth.Principal, specs []JobSpecification) ([]orchestrator.Result[string], error) {
	tracer := s.logger.WithContext(ctx).
		Operation("start_jobs").
		WithString("user", principal.Username).
		WithInt("count", len(specs)).
		Build()

	results := make([]orchestrator.Result[string], len(specs))
	var (
		created []model.Job
		indices []int
	)

	for i, spec := range specs {
		results[i].Provider = spec.Product.Provider

		job, err := s.verifier.Verify(ctx, principal, spec)
		if err != nil {
			results[i].Err = err
			continue
		}

		if !spec.AllowDuplicateJob {
			if err := s.checkDuplicate(ctx, job); err != nil {
				results[i].Err = err
				continue
			}
		}

		job, err = s.store.Job().Create(ctx, *job)
		if err != nil {
			results[i].Err = err
			continue
		}
		tracer.Step("job_validated").WithString("job_id", job.ID).Log()

		if err := s.initResultFolder(ctx, job); err != nil {
			results[i].Err = err
			s.rollback(ctx, job, "Failed to initialize the result folder")
			continue
		}

		created = append(created, *job)
		indices = append(indices, i)
	}

	verified, verifiedIndices := s.dispatchStart(ctx, provider.VerbJobVerified, created, indices, results)
	prepared, preparedIndices := s.dispatchStart(ctx, provider.VerbJobPrepared, verified, verifiedIndices, results)

	for k, job := range prepared {
		job := job
		i := preparedIndices[k]
		if _, _, err := s.applyProposal(ctx, &job, proposal{state: model.JobStatePrepared}); err != nil {
			results[i].Err = err
			continue
		}
		results[i].Value = job.ID
	}

	var merr *multierror.Error
	for i, r := range results {
		if r.Err != nil {
			merr = multierror.Append(merr, fmt.Errorf("job %d: %w", i, r.Err))
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		tracer.Error(err).Log()
		return results, err
	}

	tracer.Success().Log()
	return results, nil
}

// dispatchStart sends one step of the start protocol and returns the jobs its
// provider accepted. Rejected jobs are rolled back to FAILURE with the reason of
// the provider.
func (s *JobService) dispatchStart(ctx context.Context, verb provider.Verb, jobs []model.Job, indices []int, results []orchestrator.Result[string]) ([]model.Job, []int) {
	if len(jobs) == 0 {
		return nil, nil
	}

	acks, _ := callJobs[ProviderJob, ItemAck](ctx, s.registry, verb, jobs, toProviderJob)

	var (
		accepted        []model.Job
		acceptedIndices []int
	)
	for k, ack := range acks {
		job := jobs[k]
		if err := ackError(ack, provider.NamespaceJobs, verb); err != nil {
			results[indices[k]].Err = err
			s.rollback(ctx, &job, rejectionStatus(err))
			continue
		}
		accepted = append(accepted, job)
		acceptedIndices = append(acceptedIndices, indices[k])
	}
	return accepted, acceptedIndices
}

func rejectionStatus(err error) string {
	var perr *provider.Error
	if errors.As(err, &perr) && perr.Why != "" {
		return perr.Why
	}
	return "The provider could not start the job"
}

func (s *JobService) rollback(ctx context.Context, job *model.Job, status string) {
	if _, _, err := s.applyProposal(ctx, job, proposal{state: model.JobStateFailure, status: &status}); err != nil {
		s.logger.WithContext(ctx).
			Operation("rollback_job").
			WithString("job_id", job.ID).
			Build().
			Error(err).Log()
	}
}

// checkDuplicate rejects a job equal to a running job of the same owner.
func (s *JobService) checkDuplicate(ctx context.Context, job *model.Job) error {
	filter := store.NewJobQueryFilter().
		ByOwner(job.Owner).
		ByApplication(job.Application.Name, job.Application.Version).
		ByProvider(job.Backend()).
		NotFinal()
	running, err := s.store.Job().List(ctx, filter, nil)
	if err != nil {
		return err
	}

	for _, other := range running {
		if other.Product == job.Product && other.ProjectID() == job.ProjectID() && sameParameters(other.InputParameters(), job.InputParameters()) {
			return NewErrConflict(fmt.Sprintf("an identical job is already running (%s)", other.ID))
		}
	}
	return nil
}

// sameParameters compares parameter maps by their json form, which is independent
// of the numeric type a value was decoded into.
func sameParameters(a, b map[string]any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// initResultFolder creates the output folder of the job below the home folder of
// its owner. An existing folder is reused.
func (s *JobService) initResultFolder(ctx context.Context, job *model.Job) error {
	home, err := s.files.FindHomeFolder(ctx, job.Owner)
	if err != nil {
		return err
	}

	folder := storage.Join(home, storage.Join(s.settings.resultFolderName, job.ID))
	if err := s.files.CreateDirectory(ctx, folder); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return err
	}

	if err := s.store.Job().UpdateOutputFolder(ctx, job.ID, folder); err != nil {
		return err
	}
	job.OutputFolder = &folder
	return nil
}

// LookupOwnJob returns the job if principal may read it. Jobs the principal
// cannot see are reported as not found.
func (s *JobService) LookupOwnJob(ctx context.Context, principal auth.Principal, id string) (*model.Job, error) {
	job, _, err := s.jobFor(ctx, principal, id, model.PermissionRead)
	return job, err
}

// jobFor loads a job and checks that principal holds wanted. Missing read access
// is reported as not found, any other missing permission as forbidden.
func (s *JobService) jobFor(ctx context.Context, principal auth.Principal, id string, wanted model.Permission) (*model.Job, []model.Permission, error) {
	job, err := s.store.Job().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, nil, NewErrJobNotFound(id)
		}
		return nil, nil, err
	}

	acl, err := s.store.Acl().Get(ctx, job.ID)
	if err != nil {
		return nil, nil, err
	}

	granted := permissionsOf(principal, ownership{
		owner:    job.Owner,
		project:  job.Project,
		provider: job.Backend(),
		acl:      acl,
	})
	if !hasPermission(granted, model.PermissionRead) {
		return nil, nil, NewErrJobNotFound(id)
	}
	if !hasPermission(granted, wanted) {
		return nil, nil, NewErrForbidden(fmt.Sprintf("missing %s permission on job %s", wanted, id))
	}
	return job, granted, nil
}

type JobListRequest struct {
	States        []model.JobState
	Application   string
	SortBy        store.JobSortBy
	SortDirection store.SortDirection
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

type JobPage struct {
	Items model.JobList
	Total int64
	Next  *int
}

const (
	defaultPageSize = 50
	maxPageSize     = 250
)

func (s *JobService) ListJobs(ctx context.Context, principal auth.Principal, req JobListRequest) (*JobPage, error) {
	filter := store.NewJobQueryFilter().VisibleTo(visibilityOf(principal))
	if len(req.States) > 0 {
		filter = filter.ByState(req.States...)
	}
	if req.Application != "" {
		filter = filter.ByApplication(req.Application, "")
	}
	if req.CreatedAfter != nil {
		filter = filter.CreatedAfter(*req.CreatedAfter)
	}
	if req.CreatedBefore != nil {
		filter = filter.CreatedBefore(*req.CreatedBefore)
	}

	total, err := s.store.Job().Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset := max(req.Offset, 0)

	opts := store.NewJobQueryOptions().
		WithSort(req.SortBy, req.SortDirection).
		WithLimit(limit).
		WithOffset(offset)
	jobs, err := s.store.Job().List(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	page := &JobPage{Items: jobs, Total: total}
	if next := offset + len(jobs); int64(next) < total {
		page.Next = &next
	}
	return page, nil
}
