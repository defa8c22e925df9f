package ast

// ApplicationType enumerates the render/deployment targets an application
// may declare.
type ApplicationType string

const (
	AppTypeHTML          ApplicationType = "html"
	AppTypeTerminal      ApplicationType = "terminal"
	AppTypeDesktop       ApplicationType = "desktop"
	AppTypeGame          ApplicationType = "game"
	AppTypeAPI           ApplicationType = "api"
	AppTypeMicroservices ApplicationType = "microservices"
	AppTypeLibrary       ApplicationType = "library"
)

var knownAppTypes = map[ApplicationType]bool{
	AppTypeHTML: true, AppTypeTerminal: true, AppTypeDesktop: true,
	AppTypeGame: true, AppTypeAPI: true, AppTypeMicroservices: true,
	AppTypeLibrary: true,
}

// ApplicationNode is the root of an application document.
type ApplicationNode struct {
	ID          string
	Type        ApplicationType
	Engine      string
	Datasources map[string]*DatasourceNode
	Components  []*ComponentNode
	Scenes      []Node
	Screens     []Node
	Prefabs     []Node
	Behaviors   []Node
	Windows     []Node
}

func (n *ApplicationNode) Kind() string { return "application" }

func (n *ApplicationNode) Validate() []error {
	var errs []error
	errs = append(errs, requireAttr("application", "id", n.ID)...)
	if n.Type != "" && !knownAppTypes[n.Type] {
		errs = append(errs, validationErrorf("application", "unknown type %q", n.Type))
	}
	return errs
}

func (n *ApplicationNode) ToDict() map[string]any {
	datasources := make(map[string]any, len(n.Datasources))
	for id, ds := range n.Datasources {
		datasources[id] = ds.ToDict()
	}
	components := make([]any, len(n.Components))
	for i, c := range n.Components {
		components[i] = c.ToDict()
	}
	return map[string]any{
		"kind":        "application",
		"id":          n.ID,
		"type":        string(n.Type),
		"engine":      n.Engine,
		"datasources": datasources,
		"components":  components,
		"scenes":      childDicts(n.Scenes),
		"screens":     childDicts(n.Screens),
		"prefabs":     childDicts(n.Prefabs),
		"behaviors":   childDicts(n.Behaviors),
		"windows":     childDicts(n.Windows),
	}
}

// Datasource returns the datasource declared under id, if any.
func (n *ApplicationNode) Datasource(id string) (*DatasourceNode, bool) {
	ds, ok := n.Datasources[id]
	return ds, ok
}

// ComponentNode is a named, renderable statement list.
type ComponentNode struct {
	Name       string
	Statements []Node
}

func (n *ComponentNode) Kind() string { return "component" }

func (n *ComponentNode) Validate() []error {
	return requireAttr("component", "name", n.Name)
}

func (n *ComponentNode) ToDict() map[string]any {
	return map[string]any{
		"kind":       "component",
		"name":       n.Name,
		"statements": childDicts(n.Statements),
	}
}

// DatasourceType identifies the driver a datasource binds to.
type DatasourceType string

const (
	DatasourcePostgres   DatasourceType = "postgres"
	DatasourceMySQL      DatasourceType = "mysql"
	DatasourceSQLite     DatasourceType = "sqlite"
	DatasourceMSSQL      DatasourceType = "mssql"
	DatasourceRedis      DatasourceType = "redis"
	DatasourceLLM        DatasourceType = "llm"
	DatasourceKnowledge  DatasourceType = "knowledge"
	DatasourceQueue      DatasourceType = "queue"
	DatasourceCache      DatasourceType = "cache"
	DatasourceHTTP       DatasourceType = "http"
	DatasourceFilesystem DatasourceType = "filesystem"
)

var knownDatasourceTypes = map[DatasourceType]bool{
	DatasourcePostgres: true, DatasourceMySQL: true, DatasourceSQLite: true,
	DatasourceMSSQL: true, DatasourceRedis: true, DatasourceLLM: true,
	DatasourceKnowledge: true, DatasourceQueue: true, DatasourceCache: true,
	DatasourceHTTP: true, DatasourceFilesystem: true,
}

// IsDatabase reports whether the type resolves through the SQL database
// collaborator.
func (t DatasourceType) IsDatabase() bool {
	switch t {
	case DatasourcePostgres, DatasourceMySQL, DatasourceSQLite, DatasourceMSSQL:
		return true
	default:
		return false
	}
}

// DatasourceNode declares a named external service binding. Provider-specific
// attributes are preserved verbatim in Attributes.
type DatasourceNode struct {
	ID         string
	Type       DatasourceType
	Attributes map[string]string
}

func (n *DatasourceNode) Kind() string { return "datasource" }

func (n *DatasourceNode) Validate() []error {
	var errs []error
	errs = append(errs, requireAttr("datasource", "id", n.ID)...)
	if n.Type == "" {
		errs = append(errs, validationErrorf("datasource", "missing required attribute %q", "type"))
	} else if !knownDatasourceTypes[n.Type] {
		errs = append(errs, validationErrorf("datasource", "unknown type %q", n.Type))
	}
	return errs
}

func (n *DatasourceNode) ToDict() map[string]any {
	attrs := make(map[string]any, len(n.Attributes))
	for k, v := range n.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		"kind":       "datasource",
		"id":         n.ID,
		"type":       string(n.Type),
		"attributes": attrs,
	}
}
