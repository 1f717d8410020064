package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/events"
	"github.com/SDU-eScience/UCloud-sub028/internal/orchestrator"
	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/SDU-eScience/UCloud-sub028/internal/store"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/SDU-eScience/UCloud-sub028/internal/support"
	"github.com/SDU-eScience/UCloud-sub028/pkg/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/thoas/go-funk"
)

// Specification is the user supplied part of a resource.
type Specification interface {
	ProductReference() model.ProductReference
	// NaturalKey must be unique per resource type in a workspace. Empty means
	// the type has no natural key.
	NaturalKey() string
	DisplayTitle() string
}

type ResourceOptions[F any] struct {
	Type      model.ResourceType
	Namespace provider.Namespace
	// AllowDuplicates disables the natural key check.
	AllowDuplicates bool
	// CanRename reports whether the product supports renaming. Nil forbids it.
	CanRename func(F) bool
}

// Resource is a resource as shown to its users.
type Resource[S any] struct {
	ID                  string                 `json:"id"`
	Owner               string                 `json:"owner"`
	Project             string                 `json:"project,omitempty"`
	Product             model.ProductReference `json:"product"`
	ProviderGeneratedID string                 `json:"providerGeneratedId,omitempty"`
	Title               string                 `json:"title"`
	Specification       S                      `json:"specification"`
	State               string                 `json:"state"`
	Status              string                 `json:"status,omitempty"`
	Permissions         []model.Permission     `json:"permissions"`
	Acl                 model.Acl              `json:"acl,omitempty"`
	CreatedAt           time.Time              `json:"createdAt"`
	UpdatedAt           time.Time              `json:"updatedAt"`
}

type ResourcePage[S any] struct {
	Items []Resource[S] `json:"items"`
	Total int64         `json:"total"`
	Next  *int          `json:"next,omitempty"`
}

// ProviderResource is the view of a resource sent to its provider.
type ProviderResource[S any] struct {
	ID            string `json:"id"`
	Owner         string `json:"owner"`
	Project       string `json:"project,omitempty"`
	Specification S      `json:"specification"`
}

type CreateAck struct {
	ProviderGeneratedID string `json:"providerGeneratedId,omitempty"`
	Error               string `json:"error,omitempty"`
}

type ResourceIDRequest struct {
	ID string `json:"id"`
}

type RenameRequest struct {
	ID       string `json:"id"`
	NewTitle string `json:"newTitle"`
}

type UpdateAclRequest struct {
	ID  string    `json:"id"`
	Acl model.Acl `json:"acl"`
}

// ResourceUpdate is a change of a resource reported by its provider.
type ResourceUpdate struct {
	ID                  string  `json:"id"`
	State               *string `json:"state,omitempty"`
	Status              *string `json:"status,omitempty"`
	ProviderGeneratedID *string `json:"providerGeneratedId,omitempty"`
}

var resourceStates = []string{
	model.ResourceStateReady,
	model.ResourceStatePending,
	model.ResourceStateFailure,
	model.ResourceStateDeleted,
}

// ResourceService implements the lifecycle shared by every resource type other
// than jobs. S is the specification of the type and F the feature set its
// providers announce per product.
type ResourceService[S Specification, F any] struct {
	store     store.Store
	registry  *provider.Registry
	products  *support.Resolver[F]
	publisher Publisher
	opts      ResourceOptions[F]
	logger    *log.StructuredLogger
}

func NewResourceService[S Specification, F any](s store.Store, registry *provider.Registry, publisher Publisher, productTTL time.Duration, opts ResourceOptions[F]) *ResourceService[S, F] {
	return &ResourceService[S, F]{
		store:     s,
		registry:  registry,
		products:  support.NewResolver[F](registry, opts.Namespace, productTTL),
		publisher: publisher,
		opts:      opts,
		logger:    log.NewDebugLogger(string(opts.Type) + "_service"),
	}
}

type pendingResource[S any] struct {
	row  model.Resource
	spec S
}

func (p pendingResource[S]) backend() string {
	return p.row.Product.Provider
}

// Create registers the resources and asks their providers to create them. Every
// item answers with the id of its resource or the reason it failed.
func (s *ResourceService[S, F]) Create(ctx context.Context, principal auth.Principal, specs []S) ([]orchestrator.Result[string], error) {
	tracer := s.logger.WithContext(ctx).
		Operation("create_resources").
		WithString("user", principal.Username).
		WithInt("count", len(specs)).
		Build()

	results := make([]orchestrator.Result[string], len(specs))
	var (
		pending []pendingResource[S]
		indices []int
	)
	for i, spec := range specs {
		product := spec.ProductReference()
		results[i].Provider = product.Provider

		if _, err := s.products.ResolveSupport(ctx, product); err != nil {
			if errors.Is(err, support.ErrProductNotSupported) {
				err = NewErrJobException(err.Error())
			}
			results[i].Err = err
			continue
		}

		row, err := s.insert(ctx, principal, spec)
		if err != nil {
			results[i].Err = err
			continue
		}
		pending = append(pending, pendingResource[S]{row: *row, spec: spec})
		indices = append(indices, i)
	}

	acks, _ := orchestrator.FanOut(ctx, pending, pendingResource[S].backend, func(ctx context.Context, providerID string, batch []pendingResource[S]) ([]CreateAck, error) {
		comm, err := s.registry.PrepareCommunication(ctx, providerID)
		if err != nil {
			return nil, err
		}
		requests := make([]ProviderResource[S], len(batch))
		for i, p := range batch {
			requests[i] = ProviderResource[S]{ID: p.row.ID, Owner: p.row.Owner, Project: p.row.ProjectID(), Specification: p.spec}
		}
		return provider.CallBulk[ProviderResource[S], CreateAck](ctx, comm.Client, s.opts.Namespace, provider.VerbCreate, requests)
	})

	for k, ack := range acks {
		i := indices[k]
		row := pending[k].row
		if err := s.completeCreate(ctx, row, ack); err != nil {
			results[i].Err = err
			continue
		}
		results[i].Value = row.ID
	}

	var merr *multierror.Error
	for i, r := range results {
		if r.Err != nil {
			merr = multierror.Append(merr, fmt.Errorf("item %d: %w", i, r.Err))
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		tracer.Error(err).Log()
		return results, err
	}
	tracer.Success().Log()
	return results, nil
}

func (s *ResourceService[S, F]) insert(ctx context.Context, principal auth.Principal, spec S) (*model.Resource, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, NewErrInternal(err)
	}

	row := model.Resource{
		ID:            uuid.NewString(),
		Type:          s.opts.Type,
		Owner:         principal.Username,
		Product:       spec.ProductReference(),
		Title:         spec.DisplayTitle(),
		Specification: model.MakeJSONField(json.RawMessage(raw)),
		State:         model.ResourceStatePending,
	}
	if principal.Project != "" {
		project := principal.Project
		row.Project = &project
	}
	row.Workspace = model.WorkspaceOf(row.Owner, row.Project)
	if key := spec.NaturalKey(); key != "" && !s.opts.AllowDuplicates {
		row.NaturalKey = &key
	}

	created, err := s.store.Resource().Create(ctx, row)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, NewErrConflict(fmt.Sprintf("%s %q already exists", s.opts.Type, spec.NaturalKey()))
		}
		return nil, err
	}
	return created, nil
}

// completeCreate records the answer of the provider. A rejected resource is kept
// as FAILURE with the reason as status.
func (s *ResourceService[S, F]) completeCreate(ctx context.Context, row model.Resource, ack orchestrator.Result[CreateAck]) error {
	err := ack.Err
	if err == nil && ack.Value.Error != "" {
		err = rejection(ack.Provider, s.opts.Namespace, provider.VerbCreate, ack.Value.Error)
	}
	if err == nil && ack.Value.ProviderGeneratedID != "" {
		if perr := s.store.Resource().UpdateProviderGeneratedID(ctx, row.ID, ack.Value.ProviderGeneratedID); perr != nil {
			err = perr
			if errors.Is(perr, store.ErrDuplicateKey) {
				err = NewErrConflict(fmt.Sprintf("provider id %q is already in use", ack.Value.ProviderGeneratedID))
			}
		}
	}

	state := model.ResourceStateReady
	var status *string
	if err != nil {
		state = model.ResourceStateFailure
		reason := err.Error()
		var perr *provider.Error
		if errors.As(err, &perr) && perr.Why != "" {
			reason = perr.Why
		}
		status = &reason
	}
	if _, uerr := s.store.Resource().UpdateStatus(ctx, row.ID, &state, status); uerr != nil {
		return multierror.Append(err, uerr).ErrorOrNil()
	}
	return err
}

// resourceFor loads a resource of this type and checks that principal holds
// wanted. Missing read access is reported as not found.
func (s *ResourceService[S, F]) resourceFor(ctx context.Context, principal auth.Principal, id string, wanted model.Permission) (*model.Resource, model.Acl, []model.Permission, error) {
	row, err := s.store.Resource().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, nil, nil, NewErrResourceNotFound(id, string(s.opts.Type))
		}
		return nil, nil, nil, err
	}
	if row.Type != s.opts.Type || row.State == model.ResourceStateDeleted {
		return nil, nil, nil, NewErrResourceNotFound(id, string(s.opts.Type))
	}

	acl, err := s.store.Acl().Get(ctx, row.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	granted := permissionsOf(principal, ownership{owner: row.Owner, project: row.Project, provider: row.Product.Provider, acl: acl})
	if !hasPermission(granted, model.PermissionRead) {
		return nil, nil, nil, NewErrResourceNotFound(id, string(s.opts.Type))
	}
	if !hasPermission(granted, wanted) {
		return nil, nil, nil, NewErrForbidden(fmt.Sprintf("missing %s permission on %s %s", wanted, s.opts.Type, id))
	}
	return row, acl, granted, nil
}

func (s *ResourceService[S, F]) toView(row model.Resource, acl model.Acl, granted []model.Permission) (Resource[S], error) {
	view := Resource[S]{
		ID:          row.ID,
		Owner:       row.Owner,
		Project:     row.ProjectID(),
		Product:     row.Product,
		Title:       row.Title,
		State:       row.State,
		Status:      row.Status,
		Permissions: granted,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.ProviderGeneratedID != nil {
		view.ProviderGeneratedID = *row.ProviderGeneratedID
	}
	if hasPermission(granted, model.PermissionAdmin) {
		view.Acl = acl
	}
	if row.Specification != nil {
		if err := json.Unmarshal(row.Specification.Data, &view.Specification); err != nil {
			return view, NewErrInternal(fmt.Errorf("decoding %s %s: %w", row.Type, row.ID, err))
		}
	}
	return view, nil
}

func (s *ResourceService[S, F]) Retrieve(ctx context.Context, principal auth.Principal, id string) (*Resource[S], error) {
	row, acl, granted, err := s.resourceFor(ctx, principal, id, model.PermissionRead)
	if err != nil {
		return nil, err
	}
	view, err := s.toView(*row, acl, granted)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// Browse lists the resources of this type visible to principal in creation order.
func (s *ResourceService[S, F]) Browse(ctx context.Context, principal auth.Principal, limit int, offset int) (*ResourcePage[S], error) {
	filter := store.NewResourceQueryFilter().
		ByType(s.opts.Type).
		WithoutState(model.ResourceStateDeleted).
		VisibleTo(visibilityOf(principal))

	total, err := s.store.Resource().Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset = max(offset, 0)

	rows, err := s.store.Resource().List(ctx, filter, store.NewResourceQueryOptions().WithCreationOrder().WithLimit(limit).WithOffset(offset))
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	acls, err := s.store.Acl().GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	page := &ResourcePage[S]{Items: make([]Resource[S], 0, len(rows)), Total: total}
	for _, row := range rows {
		granted := permissionsOf(principal, ownership{owner: row.Owner, project: row.Project, provider: row.Product.Provider, acl: acls[row.ID]})
		view, err := s.toView(row, acls[row.ID], granted)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, view)
	}
	if next := offset + len(rows); int64(next) < total {
		page.Next = &next
	}
	return page, nil
}

func (s *ResourceService[S, F]) call(ctx context.Context, providerID string, verb provider.Verb, request any) error {
	comm, err := s.registry.PrepareCommunication(ctx, providerID)
	if err != nil {
		return err
	}
	acks, err := provider.CallBulk[any, ItemAck](ctx, comm.Client, s.opts.Namespace, verb, []any{request})
	if err != nil {
		return err
	}
	return ackError(orchestrator.Result[ItemAck]{Provider: providerID, Value: acks[0]}, s.opts.Namespace, verb)
}

// Rename changes the title of a resource on providers supporting it.
func (s *ResourceService[S, F]) Rename(ctx context.Context, principal auth.Principal, id string, title string) error {
	row, _, _, err := s.resourceFor(ctx, principal, id, model.PermissionEdit)
	if err != nil {
		return err
	}

	product, err := s.products.ResolveSupport(ctx, row.Product)
	if err != nil {
		return err
	}
	if s.opts.CanRename == nil || !s.opts.CanRename(product.Support) {
		return NewErrJobException(fmt.Sprintf("%s does not support renaming", row.Product))
	}

	if err := s.call(ctx, row.Product.Provider, provider.VerbRename, RenameRequest{ID: row.ID, NewTitle: title}); err != nil {
		return err
	}
	return s.store.Resource().Rename(ctx, row.ID, title, row.NaturalKey)
}

// UpdateAcl replaces the acl of a resource. The new acl is only kept when the
// provider accepted it.
func (s *ResourceService[S, F]) UpdateAcl(ctx context.Context, principal auth.Principal, id string, acl model.Acl) (err error) {
	row, _, _, err := s.resourceFor(ctx, principal, id, model.PermissionAdmin)
	if err != nil {
		return err
	}
	for _, entity := range acl {
		for _, p := range entity.Permissions {
			if !funk.Contains([]model.Permission{model.PermissionRead, model.PermissionEdit, model.PermissionAdmin}, p) {
				return NewErrForbidden(fmt.Sprintf("permission %s cannot be granted", p))
			}
		}
	}

	if err = s.call(ctx, row.Product.Provider, provider.VerbUpdateAcl, UpdateAclRequest{ID: row.ID, Acl: acl}); err != nil {
		return err
	}

	ctx, err = s.store.NewTransactionContext(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_, _ = store.Rollback(ctx)
		}
	}()

	if err = s.store.Acl().Replace(ctx, row.ID, acl); err != nil {
		s.logger.WithContext(ctx).Operation("update_acl").WithString("resource_id", row.ID).Build().Error(err).Log()
		return err
	}
	_, err = store.Commit(ctx)
	return err
}

// Delete retires resources. Their rows stay as DELETED and their natural keys are
// released.
func (s *ResourceService[S, F]) Delete(ctx context.Context, principal auth.Principal, ids []string) []error {
	errs := make([]error, len(ids))
	var (
		rows    []model.Resource
		indices []int
	)
	for i, id := range ids {
		row, _, _, err := s.resourceFor(ctx, principal, id, model.PermissionEdit)
		if err != nil {
			errs[i] = err
			continue
		}
		rows = append(rows, *row)
		indices = append(indices, i)
	}

	acks, _ := orchestrator.FanOut(ctx, rows, func(r model.Resource) string { return r.Product.Provider }, func(ctx context.Context, providerID string, batch []model.Resource) ([]ItemAck, error) {
		comm, err := s.registry.PrepareCommunication(ctx, providerID)
		if err != nil {
			return nil, err
		}
		requests := make([]ResourceIDRequest, len(batch))
		for i, r := range batch {
			requests[i] = ResourceIDRequest{ID: r.ID}
		}
		return provider.CallBulk[ResourceIDRequest, ItemAck](ctx, comm.Client, s.opts.Namespace, provider.VerbDelete, requests)
	})

	deleted := model.ResourceStateDeleted
	for k, ack := range acks {
		i := indices[k]
		if errs[i] = ackError(ack, s.opts.Namespace, provider.VerbDelete); errs[i] != nil {
			continue
		}
		if err := s.store.Resource().Rename(ctx, rows[k].ID, rows[k].Title, nil); err != nil {
			errs[i] = err
			continue
		}
		_, errs[i] = s.store.Resource().UpdateStatus(ctx, rows[k].ID, &deleted, nil)
	}
	return errs
}

// RetrieveProducts lists the products a provider supports for this type.
func (s *ResourceService[S, F]) RetrieveProducts(ctx context.Context, providerID string) ([]support.ProductSupport[F], error) {
	return s.products.RetrieveProducts(ctx, providerID)
}

// HandleProviderUpdates applies state reports of providers. A provider may only
// report on resources it hosts.
func (s *ResourceService[S, F]) HandleProviderUpdates(ctx context.Context, principal auth.Principal, updates []ResourceUpdate) []error {
	errs := make([]error, len(updates))
	for i, u := range updates {
		errs[i] = s.handleProviderUpdate(ctx, principal, u)
	}
	return errs
}

func (s *ResourceService[S, F]) handleProviderUpdate(ctx context.Context, principal auth.Principal, u ResourceUpdate) error {
	row, err := s.store.Resource().Get(ctx, u.ID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return NewErrResourceNotFound(u.ID, string(s.opts.Type))
		}
		return err
	}
	if row.Type != s.opts.Type {
		return NewErrResourceNotFound(u.ID, string(s.opts.Type))
	}
	if err := provider.VerifyProvider(row.Product.Provider, principal); err != nil {
		return NewErrForbidden(err.Error())
	}
	if u.State != nil && !funk.ContainsString(resourceStates, *u.State) {
		return NewErrBadStateTransition(fmt.Errorf("unknown resource state %q", *u.State))
	}

	if u.ProviderGeneratedID != nil {
		if err := s.store.Resource().UpdateProviderGeneratedID(ctx, row.ID, *u.ProviderGeneratedID); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				return NewErrConflict(fmt.Sprintf("provider id %q is already in use", *u.ProviderGeneratedID))
			}
			return err
		}
	}

	updated, err := s.store.Resource().UpdateStatus(ctx, row.ID, u.State, u.Status)
	if err != nil {
		return err
	}

	if s.publisher != nil {
		err := s.publisher.Publish(ctx, events.ResourceStateChangedKind, events.ResourceStateChanged{
			ResourceID: updated.ID,
			Type:       string(updated.Type),
			Provider:   updated.Product.Provider,
			State:      updated.State,
			Status:     updated.Status,
			Timestamp:  updated.UpdatedAt,
		})
		if err != nil {
			s.logger.WithContext(ctx).Operation("publish_resource_event").WithString("resource_id", updated.ID).Build().Error(err).Log()
		}
	}
	return nil
}
