package auth

import "sort"

// Role is a named bundle of permissions.
type Role string

// Permission guards an API surface.
type Permission string

const (
	RoleAdmin       Role = "admin"
	RoleGestor      Role = "gestor"
	RoleRH          Role = "rh"
	RoleFinanceiro  Role = "financeiro"
	RoleComercial   Role = "comercial"
	RoleColaborador Role = "colaborador"
)

const (
	PermCRMRead           Permission = "crm:read"
	PermCRMWrite          Permission = "crm:write"
	PermHRRead            Permission = "hr:read"
	PermHRWrite           Permission = "hr:write"
	PermTimeRead          Permission = "time:read"
	PermTimeWrite         Permission = "time:write"
	PermTimeValidate      Permission = "time:validate"
	PermFinanceRead       Permission = "finance:read"
	PermFinanceWrite      Permission = "finance:write"
	PermChatUse           Permission = "chat:use"
	PermDashboardRead     Permission = "dashboard:read"
	PermNotificationsRead Permission = "notifications:read"
	PermUsersAdmin        Permission = "users:admin"
)

// AllPermissions lists every permission in a stable order.
var AllPermissions = []Permission{
	PermCRMRead, PermCRMWrite,
	PermHRRead, PermHRWrite,
	PermTimeRead, PermTimeWrite, PermTimeValidate,
	PermFinanceRead, PermFinanceWrite,
	PermChatUse, PermDashboardRead, PermNotificationsRead,
	PermUsersAdmin,
}

var baseline = []Permission{PermChatUse, PermNotificationsRead}

var catalogue = map[Role][]Permission{
	RoleAdmin: AllPermissions,
	RoleGestor: append([]Permission{
		PermCRMRead, PermCRMWrite, PermHRRead, PermTimeRead, PermTimeValidate,
		PermFinanceRead, PermDashboardRead,
	}, baseline...),
	RoleRH: append([]Permission{
		PermHRRead, PermHRWrite, PermTimeRead, PermTimeWrite, PermTimeValidate, PermDashboardRead,
	}, baseline...),
	RoleFinanceiro: append([]Permission{
		PermFinanceRead, PermFinanceWrite, PermCRMRead, PermDashboardRead,
	}, baseline...),
	RoleComercial: append([]Permission{
		PermCRMRead, PermCRMWrite, PermDashboardRead,
	}, baseline...),
	RoleColaborador: append([]Permission{
		PermTimeRead, PermTimeWrite,
	}, baseline...),
}

// KnownRole reports whether role exists in the catalogue.
func KnownRole(role Role) bool {
	_, ok := catalogue[role]
	return ok
}

// Roles returns the catalogue role names.
func Roles() []Role {
	out := make([]Role, 0, len(catalogue))
	for role := range catalogue {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PermissionsFor returns the union of the permissions granted by roles,
// sorted. Unknown roles grant nothing.
func PermissionsFor(roles ...Role) []Permission {
	set := make(map[Permission]struct{})
	for _, role := range roles {
		for _, perm := range catalogue[role] {
			set[perm] = struct{}{}
		}
	}
	out := make([]Permission, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
