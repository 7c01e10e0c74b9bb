package rbac

// Built-in role names
const (
	RoleAdministrator = "Administrator"
	RoleManager       = "Manager"
	RoleDeveloper     = "Developer"
	RoleViewer        = "Viewer"
)

// CatalogEntry defines one catalog-level permission
type CatalogEntry struct {
	Key         PermissionKey
	Description string
}

// catalogActions lists the actions defined for each resource, in display order
var catalogActions = []struct {
	resource Resource
	actions  []Action
}{
	{ResourceProject, []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}},
	{ResourcePage, []Action{ActionCreate, ActionRead, ActionWrite, ActionDelete}},
	{ResourceDatasource, []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionQuery}},
	{ResourceWorkflow, []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionExecute}},
	{ResourceRole, []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionAssign}},
	{ResourceUser, []Action{ActionRead, ActionUpdate, ActionDelete}},
	{ResourceGroup, []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}},
	{ResourceAudit, []Action{ActionRead}},
}

// Catalog returns the fixed permission catalog seeded by InitializeRBAC
func Catalog() []CatalogEntry {
	var entries []CatalogEntry
	for _, ra := range catalogActions {
		for _, a := range ra.actions {
			entries = append(entries, CatalogEntry{
				Key:         NewPermissionKey(ra.resource, a),
				Description: describe(ra.resource, a),
			})
		}
	}
	return entries
}

func describe(resource Resource, action Action) string {
	switch action {
	case ActionQuery:
		return "Run queries against " + string(resource) + "s"
	case ActionExecute:
		return "Execute " + string(resource) + "s"
	case ActionAssign:
		return "Assign " + string(resource) + "s to users and groups"
	default:
		return capitalize(string(action)) + " " + string(resource) + "s"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

// BuiltInRole is the definition of a system role
type BuiltInRole struct {
	Name        string
	Description string
	Permissions []PermissionKey
}

// BuiltInRoles returns all built-in role definitions
func BuiltInRoles() []BuiltInRole {
	all := make([]PermissionKey, 0, len(catalogActions)*4)
	for _, e := range Catalog() {
		all = append(all, e.Key)
	}

	return []BuiltInRole{
		{
			Name:        RoleAdministrator,
			Description: "Full access to every resource",
			Permissions: all,
		},
		{
			Name:        RoleManager,
			Description: "Manage projects, pages and groups; read and run everything else",
			Permissions: concatKeys(
				keysFor(ResourceProject, ActionCreate, ActionRead, ActionUpdate, ActionDelete),
				keysFor(ResourcePage, ActionCreate, ActionRead, ActionWrite, ActionDelete),
				keysFor(ResourceDatasource, ActionRead, ActionQuery),
				keysFor(ResourceWorkflow, ActionRead, ActionExecute),
				keysFor(ResourceUser, ActionRead),
				keysFor(ResourceGroup, ActionCreate, ActionRead, ActionUpdate, ActionDelete),
				keysFor(ResourceRole, ActionRead),
				keysFor(ResourceAudit, ActionRead),
			),
		},
		{
			Name:        RoleDeveloper,
			Description: "Build pages, datasources and workflows inside existing projects",
			Permissions: concatKeys(
				keysFor(ResourceProject, ActionRead, ActionUpdate),
				keysFor(ResourcePage, ActionCreate, ActionRead, ActionWrite, ActionDelete),
				keysFor(ResourceDatasource, ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionQuery),
				keysFor(ResourceWorkflow, ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionExecute),
			),
		},
		{
			Name:        RoleViewer,
			Description: "Read-only access to projects, workflows and datasources",
			Permissions: concatKeys(
				keysFor(ResourceProject, ActionRead),
				keysFor(ResourceWorkflow, ActionRead),
				keysFor(ResourceDatasource, ActionRead),
			),
		},
	}
}

func keysFor(resource Resource, actions ...Action) []PermissionKey {
	keys := make([]PermissionKey, 0, len(actions))
	for _, a := range actions {
		keys = append(keys, NewPermissionKey(resource, a))
	}
	return keys
}

func concatKeys(lists ...[]PermissionKey) []PermissionKey {
	var out []PermissionKey
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
