package auth

// Permission codes follow resource:action:scope, where scope is "own" or "all".
const (
	PermClassificationsCreateOwn = "classifications:create:own"
	PermClassificationsReadOwn   = "classifications:read:own"
	PermClassificationsUpdateOwn = "classifications:update:own"
	PermClassificationsDeleteOwn = "classifications:delete:own"
	PermClassificationsReadAll   = "classifications:read:all"
	PermClassificationsDeleteAll = "classifications:delete:all"
	PermUsersReadOwn             = "users:read:own"
	PermUsersUpdateOwn           = "users:update:own"
	PermUsersReadAll             = "users:read:all"
	PermUsersUpdateAll           = "users:update:all"
	PermRolesUpdateAll           = "roles:update:all"
)

const (
	RoleClassificador = "classificador"
	RoleAdmin         = "admin"
)

// BuiltinPermissions is the seeded permission catalog.
var BuiltinPermissions = []Permission{
	{Code: PermClassificationsCreateOwn, Description: "Create own classifications"},
	{Code: PermClassificationsReadOwn, Description: "Read own classifications"},
	{Code: PermClassificationsUpdateOwn, Description: "Update own classifications"},
	{Code: PermClassificationsDeleteOwn, Description: "Delete own classifications"},
	{Code: PermClassificationsReadAll, Description: "Read any classification"},
	{Code: PermClassificationsDeleteAll, Description: "Delete any classification"},
	{Code: PermUsersReadOwn, Description: "Read own profile"},
	{Code: PermUsersUpdateOwn, Description: "Update own profile"},
	{Code: PermUsersReadAll, Description: "Read any user"},
	{Code: PermUsersUpdateAll, Description: "Update any user"},
	{Code: PermRolesUpdateAll, Description: "Rewrite role permission grants"},
}

// BuiltinRoleGrants maps seeded roles to their permission codes. The sets are
// flat and computed here at seed time: the admin role carries the own-scope
// codes explicitly instead of inheriting them through a hierarchy.
var BuiltinRoleGrants = map[string][]string{
	RoleClassificador: {
		PermClassificationsCreateOwn,
		PermClassificationsReadOwn,
		PermClassificationsUpdateOwn,
		PermClassificationsDeleteOwn,
		PermUsersReadOwn,
		PermUsersUpdateOwn,
	},
	RoleAdmin: {
		PermClassificationsCreateOwn,
		PermClassificationsReadOwn,
		PermClassificationsUpdateOwn,
		PermClassificationsDeleteOwn,
		PermClassificationsReadAll,
		PermClassificationsDeleteAll,
		PermUsersReadOwn,
		PermUsersUpdateOwn,
		PermUsersReadAll,
		PermUsersUpdateAll,
		PermRolesUpdateAll,
	},
}
