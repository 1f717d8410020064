package service

import (
	"path"

	"github.com/SDU-eScience/UCloud-sub028/internal/config"
	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/SDU-eScience/UCloud-sub028/internal/store"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
)

type FileCollectionSpecification struct {
	Title   string                 `json:"title" validate:"required,max=256"`
	Product model.ProductReference `json:"product"`
}

func (s FileCollectionSpecification) ProductReference() model.ProductReference { return s.Product }
func (s FileCollectionSpecification) NaturalKey() string                      { return "" }
func (s FileCollectionSpecification) DisplayTitle() string                    { return s.Title }

type FileCollectionSupport struct {
	Rename        bool `json:"rename"`
	AclModifiable bool `json:"aclModifiable"`
	Trash         bool `json:"trash"`
}

type ShareSpecification struct {
	SharedWith     string                 `json:"sharedWith" validate:"required,username"`
	SourceFilePath string                 `json:"sourceFilePath" validate:"required,max=4096"`
	Permissions    []model.Permission     `json:"permissions" validate:"required,min=1,dive,oneof=READ EDIT"`
	Product        model.ProductReference `json:"product"`
}

func (s ShareSpecification) ProductReference() model.ProductReference { return s.Product }

// NaturalKey allows a single share of a path per recipient.
func (s ShareSpecification) NaturalKey() string {
	return s.SharedWith + "|" + path.Clean("/"+s.SourceFilePath)
}

func (s ShareSpecification) DisplayTitle() string { return path.Base(s.SourceFilePath) }

type ShareSupport struct {
	Type string `json:"type"`
}

type SyncDeviceSpecification struct {
	DeviceID string                 `json:"deviceId" validate:"required"`
	Product  model.ProductReference `json:"product"`
}

func (s SyncDeviceSpecification) ProductReference() model.ProductReference { return s.Product }
func (s SyncDeviceSpecification) NaturalKey() string                      { return s.DeviceID }
func (s SyncDeviceSpecification) DisplayTitle() string                    { return s.DeviceID }

type SyncFolderSpecification struct {
	Path    string                 `json:"path" validate:"required"`
	Product model.ProductReference `json:"product"`
}

func (s SyncFolderSpecification) ProductReference() model.ProductReference { return s.Product }
func (s SyncFolderSpecification) NaturalKey() string                      { return path.Clean("/" + s.Path) }
func (s SyncFolderSpecification) DisplayTitle() string                    { return path.Base(s.Path) }

type SyncSupport struct {
	Enabled bool `json:"enabled"`
}

type MetadataTemplateNamespaceSpecification struct {
	Name          string                 `json:"name" validate:"required,max=128"`
	Title         string                 `json:"title"`
	NamespaceType string                 `json:"namespaceType" validate:"omitempty,oneof=COLLABORATORS PER_USER"`
	Product       model.ProductReference `json:"product"`
}

func (s MetadataTemplateNamespaceSpecification) ProductReference() model.ProductReference {
	return s.Product
}
func (s MetadataTemplateNamespaceSpecification) NaturalKey() string { return s.Name }
func (s MetadataTemplateNamespaceSpecification) DisplayTitle() string {
	if s.Title != "" {
		return s.Title
	}
	return s.Name
}

type MetadataTemplateNamespaceSupport struct{}

type (
	FileCollectionService            = ResourceService[FileCollectionSpecification, FileCollectionSupport]
	ShareService                     = ResourceService[ShareSpecification, ShareSupport]
	SyncDeviceService                = ResourceService[SyncDeviceSpecification, SyncSupport]
	SyncFolderService                = ResourceService[SyncFolderSpecification, SyncSupport]
	MetadataTemplateNamespaceService = ResourceService[MetadataTemplateNamespaceSpecification, MetadataTemplateNamespaceSupport]
)

// ResourceServices holds one service per resource type.
type ResourceServices struct {
	FileCollections            *FileCollectionService
	Shares                     *ShareService
	SyncDevices                *SyncDeviceService
	SyncFolders                *SyncFolderService
	MetadataTemplateNamespaces *MetadataTemplateNamespaceService
}

func NewResourceServices(s store.Store, registry *provider.Registry, publisher Publisher, cfg *config.Config) *ResourceServices {
	ttl := cfg.Provider.ProductTTL
	return &ResourceServices{
		FileCollections: NewResourceService[FileCollectionSpecification](s, registry, publisher, ttl, ResourceOptions[FileCollectionSupport]{
			Type:            model.ResourceTypeFileCollection,
			Namespace:       provider.NamespaceFileCollections,
			AllowDuplicates: true,
			CanRename:       func(f FileCollectionSupport) bool { return f.Rename },
		}),
		Shares: NewResourceService[ShareSpecification](s, registry, publisher, ttl, ResourceOptions[ShareSupport]{
			Type:      model.ResourceTypeShare,
			Namespace: provider.NamespaceShares,
		}),
		SyncDevices: NewResourceService[SyncDeviceSpecification](s, registry, publisher, ttl, ResourceOptions[SyncSupport]{
			Type:      model.ResourceTypeSyncDevice,
			Namespace: provider.NamespaceSyncDevices,
		}),
		SyncFolders: NewResourceService[SyncFolderSpecification](s, registry, publisher, ttl, ResourceOptions[SyncSupport]{
			Type:      model.ResourceTypeSyncFolder,
			Namespace: provider.NamespaceSyncFolders,
		}),
		MetadataTemplateNamespaces: NewResourceService[MetadataTemplateNamespaceSpecification](s, registry, publisher, ttl, ResourceOptions[MetadataTemplateNamespaceSupport]{
			Type:      model.ResourceTypeMetadataTemplateNamespace,
			Namespace: provider.NamespaceMetadataTemplateNamespace,
		}),
	}
}
