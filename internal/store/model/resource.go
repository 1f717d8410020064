package model

import (
	"encoding/json"
	"time"
)

type ResourceType string

const (
	ResourceTypeFileCollection            ResourceType = "file_collection"
	ResourceTypeShare                     ResourceType = "share"
	ResourceTypeSyncDevice                ResourceType = "sync_device"
	ResourceTypeSyncFolder                ResourceType = "sync_folder"
	ResourceTypeMetadataTemplateNamespace ResourceType = "metadata_template_namespace"
)

const (
	ResourceStateReady   = "READY"
	ResourceStatePending = "PENDING"
	ResourceStateFailure = "FAILURE"
	ResourceStateDeleted = "DELETED"
)

// Resource is the generic persisted form of every non-job resource type. The
// specification is written once at creation.
type Resource struct {
	ID                  string           `gorm:"primaryKey;type:VARCHAR(64)"`
	Type                ResourceType     `gorm:"type:VARCHAR(64);not null;index;uniqueIndex:resources_natural_key"`
	Owner               string           `gorm:"index;not null"`
	Project             *string          `gorm:"index"`
	Workspace           string           `gorm:"not null;uniqueIndex:resources_natural_key"`
	NaturalKey          *string          `gorm:"uniqueIndex:resources_natural_key"`
	Product             ProductReference `gorm:"embedded;embeddedPrefix:product_"`
	ProviderGeneratedID *string          `gorm:"uniqueIndex"`
	Title               string
	Specification       *JSONField[json.RawMessage] `gorm:"type:jsonb"`
	State               string                      `gorm:"type:VARCHAR(32);index"`
	Status              string
	CreatedAt           time.Time `gorm:"index"`
	UpdatedAt           time.Time
	Version             int64 `gorm:"not null;default:0"`
}

type ResourceList []Resource

func (r Resource) ProjectID() string {
	if r.Project == nil {
		return ""
	}
	return *r.Project
}

func (r Resource) String() string {
	val, _ := json.Marshal(r)
	return string(val)
}

// WorkspaceOf is the scope natural keys are unique in.
func WorkspaceOf(owner string, project *string) string {
	if project != nil && *project != "" {
		return "project:" + *project
	}
	return "user:" + owner
}
