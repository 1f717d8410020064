package service

import (
	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/store"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/thoas/go-funk"
)

var allPermissions = []model.Permission{
	model.PermissionAdmin,
	model.PermissionEdit,
	model.PermissionRead,
	model.PermissionProvider,
}

// ownership is the part of a job or resource that permissions derive from.
type ownership struct {
	owner    string
	project  *string
	provider string
	acl      model.Acl
}

func visibilityOf(p auth.Principal) store.Visibility {
	if p.IsSystem() {
		return store.Visibility{System: true}
	}
	if id, isProvider := p.ProviderID(); isProvider {
		return store.Visibility{Provider: id}
	}
	return store.Visibility{
		Username:     p.Username,
		Project:      p.Project,
		ProjectAdmin: p.ProjectAdmin,
		Groups:       p.Groups,
	}
}

// permissionsOf derives what p may do. Owners of personal resources and
// members who created a project resource get full rights from any workspace.
// Admins of the active project get full rights over its resources, providers
// get read access to what they host, everybody else gets what the acl grants.
func permissionsOf(p auth.Principal, o ownership) []model.Permission {
	if p.IsSystem() {
		return allPermissions
	}

	if id, isProvider := p.ProviderID(); isProvider {
		if id != "" && id == o.provider {
			return []model.Permission{model.PermissionRead, model.PermissionProvider}
		}
		return nil
	}

	full := []model.Permission{model.PermissionAdmin, model.PermissionEdit, model.PermissionRead}
	if o.project == nil {
		if o.owner == p.Username {
			return full
		}
		return aclPermissions(p, o.acl, false)
	}

	project := *o.project
	if !p.MemberOf(project) {
		return aclPermissions(p, o.acl, false)
	}
	if o.owner == p.Username || (project == p.Project && p.ProjectAdmin) {
		return full
	}
	// groups are those of the active project
	return aclPermissions(p, o.acl, project == p.Project)
}

func aclPermissions(p auth.Principal, acl model.Acl, groupsApply bool) []model.Permission {
	var granted []model.Permission
	for _, entity := range acl {
		switch entity.Type {
		case model.AclEntityUser:
			if entity.Name != p.Username {
				continue
			}
		case model.AclEntityGroup:
			if !groupsApply || !funk.ContainsString(p.Groups, entity.Name) {
				continue
			}
		default:
			continue
		}
		for _, perm := range entity.Permissions {
			if !funk.Contains(granted, perm) {
				granted = append(granted, perm)
			}
		}
	}
	return granted
}

// hasPermission treats ADMIN as implying EDIT and EDIT as implying READ.
func hasPermission(granted []model.Permission, wanted model.Permission) bool {
	for _, g := range granted {
		if g == wanted {
			return true
		}
		switch wanted {
		case model.PermissionRead:
			if g == model.PermissionEdit || g == model.PermissionAdmin {
				return true
			}
		case model.PermissionEdit:
			if g == model.PermissionAdmin {
				return true
			}
		}
	}
	return false
}
