package store

import (
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"gorm.io/gorm"
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

type SortDirection string

const (
	SortAscending  SortDirection = "ASC"
	SortDescending SortDirection = "DESC"
)

type JobSortBy int

const (
	Unsorted JobSortBy = iota
	SortByName
	SortByState
	SortByApplication
	SortByStartedAt
	SortByLastUpdate
	SortByCreatedAt
)

var jobSortColumns = map[JobSortBy]string{
	SortByName:        "name",
	SortByState:       "state",
	SortByApplication: "application_name",
	SortByStartedAt:   "started_at",
	SortByLastUpdate:  "updated_at",
	SortByCreatedAt:   "created_at",
}

// Visibility describes who is looking at a set of rows.
type Visibility struct {
	System       bool
	Provider     string
	Username     string
	Project      string
	ProjectAdmin bool
	Groups       []string
}

func (v Visibility) apply(tx *gorm.DB) *gorm.DB {
	switch {
	case v.System:
		return tx
	case v.Provider != "":
		return tx.Where("product_provider = ?", v.Provider)
	}

	aclSubquery := tx.Session(&gorm.Session{NewDB: true}).
		Model(&model.AclEntry{}).
		Select("resource_id")
	if len(v.Groups) > 0 {
		aclSubquery = aclSubquery.Where("(entity_type = ? AND entity = ?) OR (entity_type = ? AND entity IN ?)",
			model.AclEntityUser, v.Username, model.AclEntityGroup, v.Groups)
	} else {
		aclSubquery = aclSubquery.Where("entity_type = ? AND entity = ?", model.AclEntityUser, v.Username)
	}

	if v.Project == "" {
		return tx.Where("project IS NULL").Where("owner = ? OR id IN (?)", v.Username, aclSubquery)
	}
	if v.ProjectAdmin {
		return tx.Where("project = ?", v.Project)
	}
	return tx.Where("project = ?", v.Project).Where("owner = ? OR id IN (?)", v.Username, aclSubquery)
}

type JobQueryFilter BaseQuerier

func NewJobQueryFilter() *JobQueryFilter {
	return &JobQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *JobQueryFilter) ByID(ids []string) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id IN ?", ids)
	})
	return qf
}

func (qf *JobQueryFilter) ByOwner(owner string) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("owner = ?", owner)
	})
	return qf
}

func (qf *JobQueryFilter) VisibleTo(v Visibility) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, v.apply)
	return qf
}

func (qf *JobQueryFilter) ByState(states ...model.JobState) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("state IN ?", states)
	})
	return qf
}

func (qf *JobQueryFilter) NotFinal() *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("state NOT IN ?", []model.JobState{model.JobStateSuccess, model.JobStateFailure})
	})
	return qf
}

func (qf *JobQueryFilter) ByApplication(name string, version string) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		tx = tx.Where("application_name = ?", name)
		if version != "" {
			tx = tx.Where("application_version = ?", version)
		}
		return tx
	})
	return qf
}

func (qf *JobQueryFilter) ByProvider(provider string) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("product_provider = ?", provider)
	})
	return qf
}

func (qf *JobQueryFilter) CreatedAfter(ts time.Time) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("created_at >= ?", ts)
	})
	return qf
}

func (qf *JobQueryFilter) CreatedBefore(ts time.Time) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("created_at < ?", ts)
	})
	return qf
}

func (qf *JobQueryFilter) UpdatedBefore(ts time.Time) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("updated_at < ?", ts)
	})
	return qf
}

type JobQueryOptions BaseQuerier

func NewJobQueryOptions() *JobQueryOptions {
	return &JobQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

// WithSort orders by the selected column. Ties are broken by creation time and
// then by id, both ascending.
func (o *JobQueryOptions) WithSort(sortBy JobSortBy, direction SortDirection) *JobQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		if direction != SortDescending {
			direction = SortAscending
		}
		if column, found := jobSortColumns[sortBy]; found {
			tx = tx.Order(column + " " + string(direction))
		}
		return tx.Order("created_at ASC").Order("id ASC")
	})
	return o
}

func (o *JobQueryOptions) WithLimit(limit int) *JobQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	})
	return o
}

func (o *JobQueryOptions) WithOffset(offset int) *JobQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Offset(offset)
	})
	return o
}

type ResourceQueryFilter BaseQuerier

func NewResourceQueryFilter() *ResourceQueryFilter {
	return &ResourceQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *ResourceQueryFilter) ByType(t model.ResourceType) *ResourceQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("type = ?", t)
	})
	return qf
}

func (qf *ResourceQueryFilter) ByID(ids []string) *ResourceQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id IN ?", ids)
	})
	return qf
}

func (qf *ResourceQueryFilter) VisibleTo(v Visibility) *ResourceQueryFilter {
	qf.QueryFn = append(qf.QueryFn, v.apply)
	return qf
}

func (qf *ResourceQueryFilter) ByState(states ...string) *ResourceQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("state IN ?", states)
	})
	return qf
}

func (qf *ResourceQueryFilter) WithoutState(state string) *ResourceQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("state <> ?", state)
	})
	return qf
}

func (qf *ResourceQueryFilter) ByProvider(provider string) *ResourceQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("product_provider = ?", provider)
	})
	return qf
}

func (qf *ResourceQueryFilter) UpdatedBefore(ts time.Time) *ResourceQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("updated_at < ?", ts)
	})
	return qf
}

type ResourceQueryOptions BaseQuerier

func NewResourceQueryOptions() *ResourceQueryOptions {
	return &ResourceQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (o *ResourceQueryOptions) WithCreationOrder() *ResourceQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Order("created_at ASC").Order("id ASC")
	})
	return o
}

func (o *ResourceQueryOptions) WithLimit(limit int) *ResourceQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	})
	return o
}

func (o *ResourceQueryOptions) WithOffset(offset int) *ResourceQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Offset(offset)
	})
	return o
}
