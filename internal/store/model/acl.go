package model

type Permission string

const (
	PermissionRead     Permission = "READ"
	PermissionEdit     Permission = "EDIT"
	PermissionAdmin    Permission = "ADMIN"
	PermissionProvider Permission = "PROVIDER"
)

type AclEntityType string

const (
	AclEntityUser  AclEntityType = "user"
	AclEntityGroup AclEntityType = "group"
)

// AclEntry is a single permission granted to an entity on a resource or a job.
type AclEntry struct {
	ResourceID string        `gorm:"primaryKey;column:resource_id;type:VARCHAR(64)"`
	EntityType AclEntityType `gorm:"primaryKey;column:entity_type;type:VARCHAR(16)"`
	Entity     string        `gorm:"primaryKey;column:entity;type:VARCHAR(255)"`
	Permission Permission    `gorm:"primaryKey;column:permission;type:VARCHAR(16)"`
}

func (AclEntry) TableName() string {
	return "acl_entries"
}

type AclEntity struct {
	Type        AclEntityType `json:"type"`
	Name        string        `json:"name"`
	Permissions []Permission  `json:"permissions"`
}

type Acl []AclEntity

// Rows flattens the acl into one row per granted permission.
func (a Acl) Rows(resourceID string) []AclEntry {
	rows := make([]AclEntry, 0, len(a))
	for _, e := range a {
		for _, p := range e.Permissions {
			rows = append(rows, AclEntry{ResourceID: resourceID, EntityType: e.Type, Entity: e.Name, Permission: p})
		}
	}
	return rows
}

func NewAclFromRows(rows []AclEntry) Acl {
	acl := Acl{}
	index := map[string]int{}
	for _, r := range rows {
		key := string(r.EntityType) + ":" + r.Entity
		i, found := index[key]
		if !found {
			acl = append(acl, AclEntity{Type: r.EntityType, Name: r.Entity})
			i = len(acl) - 1
			index[key] = i
		}
		acl[i].Permissions = append(acl[i].Permissions, r.Permission)
	}
	return acl
}
