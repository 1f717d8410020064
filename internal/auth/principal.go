package auth

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"
)

const (
	// ProviderPrefix marks the username of a principal acting on behalf of a provider.
	ProviderPrefix = "#P_"
	SystemUsername = "_orchestrator"
)

type Role string

const (
	RoleUser     Role = "USER"
	RoleAdmin    Role = "ADMIN"
	RoleProvider Role = "PROVIDER"
	RoleService  Role = "SERVICE"
)

type Principal struct {
	Username     string
	Role         Role
	Project      string
	ProjectAdmin bool
	Groups       []string
	// Projects lists every project the user is a member of. The active
	// Project is always included.
	Projects []string
	Token    string
}

// MemberOf reports whether the principal belongs to project.
func (p Principal) MemberOf(project string) bool {
	return project != "" && (project == p.Project || slices.Contains(p.Projects, project))
}

// ProviderID returns the provider identity of the principal with the prefix stripped.
func (p Principal) ProviderID() (string, bool) {
	return strings.CutPrefix(p.Username, ProviderPrefix)
}

func (p Principal) IsSystem() bool {
	return p.Username == SystemUsername && p.Role == RoleService
}

func SystemPrincipal() Principal {
	return Principal{Username: SystemUsername, Role: RoleService}
}

func ProviderPrincipal(providerID string) Principal {
	return Principal{Username: ProviderPrefix + providerID, Role: RoleProvider}
}

type principalKeyType struct{}

var (
	principalKey principalKeyType
)

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	val := ctx.Value(principalKey)
	if val == nil {
		return Principal{}, false
	}
	return val.(Principal), true
}

func MustHavePrincipal(ctx context.Context) Principal {
	p, found := PrincipalFromContext(ctx)
	if !found {
		zap.S().Named("auth").Panic("failed to find principal in context")
	}
	return p
}

func NewPrincipalContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}
