package ast

// QueryNode executes SQL against a named datasource, storing a QueryResult
// under Name.
type QueryNode struct {
	Name       string
	Datasource string
	SQL        string
	MaxRows    int
	Timeout    int
}

func (n *QueryNode) Kind() string { return "query" }

func (n *QueryNode) Validate() []error {
	errs := requireAttr("query", "name", n.Name)
	errs = append(errs, requireAttr("query", "datasource", n.Datasource)...)
	return errs
}

func (n *QueryNode) ToDict() map[string]any {
	return map[string]any{
		"kind":       "query",
		"name":       n.Name,
		"datasource": n.Datasource,
		"sql":        n.SQL,
		"max_rows":   n.MaxRows,
		"timeout":    n.Timeout,
	}
}

// ActionNode runs its body only when the current HTTP request matches the
// declared action name and method.
type ActionNode struct {
	Name     string
	Method   string
	Redirect string
	Body     []Node
}

func (n *ActionNode) Kind() string { return "action" }

func (n *ActionNode) Validate() []error {
	return requireAttr("action", "name", n.Name)
}

func (n *ActionNode) ToDict() map[string]any {
	return map[string]any{
		"kind":     "action",
		"name":     n.Name,
		"method":   n.Method,
		"redirect": n.Redirect,
		"body":     childDicts(n.Body),
	}
}

// MailNode sends an email through the mail collaborator.
type MailNode struct {
	To        string
	Subject   string
	Body      string
	From      string
	CC        string
	BCC       string
	ReplyTo   string
	Type      string // html or text
	ResultVar string
}

func (n *MailNode) Kind() string { return "mail" }

func (n *MailNode) Validate() []error {
	errs := requireAttr("mail", "to", n.To)
	switch n.Type {
	case "", "html", "text":
	default:
		errs = append(errs, validationErrorf("mail", "unknown type %q", n.Type))
	}
	return errs
}

func (n *MailNode) ToDict() map[string]any {
	return map[string]any{
		"kind":       "mail",
		"to":         n.To,
		"subject":    n.Subject,
		"body":       n.Body,
		"type":       n.Type,
		"result_var": n.ResultVar,
	}
}

// FileNode handles a file upload via the file collaborator.
type FileNode struct {
	Field             string
	Destination       string
	AllowedExtensions string
	MaxFileSize       int64
	NameConflict      string // makeunique, overwrite, error
	ResultVar         string
}

func (n *FileNode) Kind() string { return "file" }

func (n *FileNode) Validate() []error {
	errs := requireAttr("file", "field", n.Field)
	errs = append(errs, requireAttr("file", "destination", n.Destination)...)
	switch n.NameConflict {
	case "", "makeunique", "overwrite", "error":
	default:
		errs = append(errs, validationErrorf("file", "unknown name_conflict %q", n.NameConflict))
	}
	return errs
}

func (n *FileNode) ToDict() map[string]any {
	return map[string]any{
		"kind":          "file",
		"field":         n.Field,
		"destination":   n.Destination,
		"name_conflict": n.NameConflict,
		"result_var":    n.ResultVar,
	}
}

// DumpNode renders a variable for debugging in one of several formats.
type DumpNode struct {
	Var    string
	Format string // html, json, text
	Depth  int
	Label  string
}

func (n *DumpNode) Kind() string { return "dump" }

func (n *DumpNode) Validate() []error {
	errs := requireAttr("dump", "var", n.Var)
	switch n.Format {
	case "", "html", "json", "text":
	default:
		errs = append(errs, validationErrorf("dump", "unknown format %q", n.Format))
	}
	return errs
}

func (n *DumpNode) ToDict() map[string]any {
	return map[string]any{
		"kind":   "dump",
		"var":    n.Var,
		"format": n.Format,
		"depth":  n.Depth,
		"label":  n.Label,
	}
}

// LogNode writes a message to the runtime log.
type LogNode struct {
	Message string
	Level   string // debug, info, warn, error
}

func (n *LogNode) Kind() string { return "log" }

func (n *LogNode) Validate() []error {
	switch n.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return []error{validationErrorf("log", "unknown level %q", n.Level)}
	}
}

func (n *LogNode) ToDict() map[string]any {
	return map[string]any{"kind": "log", "message": n.Message, "level": n.Level}
}

// HTMLNode is a passthrough HTML element with resolved attributes and
// recursively rendered children.
type HTMLNode struct {
	Tag        string
	Attributes map[string]string
	Children   []Node
}

func (n *HTMLNode) Kind() string { return "html" }

func (n *HTMLNode) Validate() []error {
	return requireAttr("html", "tag", n.Tag)
}

func (n *HTMLNode) ToDict() map[string]any {
	attrs := make(map[string]any, len(n.Attributes))
	for k, v := range n.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		"kind":       "html",
		"tag":        n.Tag,
		"attributes": attrs,
		"children":   childDicts(n.Children),
	}
}

// TextNode is literal text content; databinding applies at render time.
type TextNode struct {
	Text string
}

func (n *TextNode) Kind() string { return "text" }

func (n *TextNode) Validate() []error { return nil }

func (n *TextNode) ToDict() map[string]any {
	return map[string]any{"kind": "text", "text": n.Text}
}

// RawCodeNode preserves raw interleaved text inside terminal-namespace
// function bodies so template text keeps its ordering with embedded tags.
type RawCodeNode struct {
	Code string
}

func (n *RawCodeNode) Kind() string { return "rawcode" }

func (n *RawCodeNode) Validate() []error { return nil }

func (n *RawCodeNode) ToDict() map[string]any {
	return map[string]any{"kind": "rawcode", "code": n.Code}
}
