package interp

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/quillframe/quill/pkg/ast"
	"github.com/quillframe/quill/pkg/value"
)

const defaultDumpDepth = 5

func (r *run) execMail(ctx context.Context, n *ast.MailNode) error {
	result := r.mailResult(ctx, n)
	if n.ResultVar != "" {
		r.sc.Set(n.ResultVar, result)
		return nil
	}
	if errMsg, ok := result["error"].(string); ok && errMsg != "" {
		return renderErrorf("mail", nil, "%s", errMsg)
	}
	return nil
}

func (r *run) mailResult(ctx context.Context, n *ast.MailNode) map[string]any {
	if r.in.mailer == nil {
		return map[string]any{"success": false, "error": "no mail service configured"}
	}
	err := r.in.mailer.SendEmail(ctx,
		r.bindString(n.To), r.bindString(n.Subject), r.bindString(n.Body),
		MailOptions{
			From:    r.bindString(n.From),
			CC:      r.bindString(n.CC),
			BCC:     r.bindString(n.BCC),
			ReplyTo: r.bindString(n.ReplyTo),
			Type:    n.Type,
		})
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}
	return map[string]any{"success": true}
}

func (r *run) execFile(ctx context.Context, n *ast.FileNode) error {
	result := r.fileResult(ctx, n)
	if n.ResultVar != "" {
		r.sc.Set(n.ResultVar, result)
		return nil
	}
	if errMsg, ok := result["error"].(string); ok && errMsg != "" {
		return renderErrorf("file", nil, "%s", errMsg)
	}
	return nil
}

func (r *run) fileResult(ctx context.Context, n *ast.FileNode) map[string]any {
	if r.in.files == nil {
		return map[string]any{"success": false, "error": "no file upload service configured"}
	}
	var allowed []string
	if n.AllowedExtensions != "" {
		for _, ext := range strings.Split(n.AllowedExtensions, ",") {
			allowed = append(allowed, strings.TrimSpace(ext))
		}
	}
	path, err := r.in.files.HandleUpload(ctx, n.Field, r.bindString(n.Destination), UploadOptions{
		AllowedExtensions: allowed,
		MaxFileSize:       n.MaxFileSize,
		NameConflict:      n.NameConflict,
	})
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}
	return map[string]any{"success": true, "path": path}
}

func (r *run) execDump(n *ast.DumpNode) error {
	v, ok := r.sc.Get(n.Var)
	if !ok {
		// dump the bound expression result when the name is not a variable
		v = r.bindValue(n.Var)
	}
	depth := n.Depth
	if depth <= 0 {
		depth = defaultDumpDepth
	}
	safe := dumpValue(v, depth, map[any]bool{})

	label := n.Label
	if label == "" {
		label = n.Var
	}

	switch n.Format {
	case "json":
		// keep markers like <circular> readable in the output
		enc := json.NewEncoder(&r.out)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(safe); err != nil {
			return renderErrorf("dump", err, "cannot encode %q: %v", n.Var, err)
		}
	case "text":
		fmt.Fprintf(&r.out, "%s = %s", label, dumpText(safe))
	default:
		fmt.Fprintf(&r.out, "<pre class=\"dump\"><strong>%s</strong>\n%s</pre>",
			html.EscapeString(label), html.EscapeString(dumpText(safe)))
	}
	return nil
}

// dumpValue converts a context value into a bounded, cycle-safe structure.
// Containers deeper than depth collapse to a marker; revisited containers
// report a circular reference instead of recursing.
func dumpValue(v any, depth int, seen map[any]bool) any {
	switch n := value.Normalize(v).(type) {
	case []any:
		if depth <= 0 {
			return fmt.Sprintf("[… %d items]", len(n))
		}
		key := fmt.Sprintf("%p", n)
		if seen[key] {
			return "<circular>"
		}
		seen[key] = true
		defer delete(seen, key)
		out := make([]any, len(n))
		for i, item := range n {
			out[i] = dumpValue(item, depth-1, seen)
		}
		return out
	case map[string]any:
		if depth <= 0 {
			return fmt.Sprintf("{… %d keys}", len(n))
		}
		key := fmt.Sprintf("%p", n)
		if seen[key] {
			return "<circular>"
		}
		seen[key] = true
		defer delete(seen, key)
		out := make(map[string]any, len(n))
		for k, item := range n {
			out[k] = dumpValue(item, depth-1, seen)
		}
		return out
	case nil, bool, int64, float64, string:
		return n
	default:
		return fmt.Sprintf("%v", n)
	}
}

// dumpText renders a dump structure as indented plain text with stable key
// order.
func dumpText(v any) string {
	var sb strings.Builder
	writeDumpText(&sb, v, 0)
	return sb.String()
}

func writeDumpText(sb *strings.Builder, v any, indent int) {
	pad := strings.Repeat("  ", indent)
	switch n := v.(type) {
	case []any:
		sb.WriteString("[\n")
		for _, item := range n {
			sb.WriteString(pad + "  ")
			writeDumpText(sb, item, indent+1)
			sb.WriteString("\n")
		}
		sb.WriteString(pad + "]")
	case map[string]any:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("{\n")
		for _, k := range keys {
			sb.WriteString(pad + "  " + k + ": ")
			writeDumpText(sb, n[k], indent+1)
			sb.WriteString("\n")
		}
		sb.WriteString(pad + "}")
	default:
		sb.WriteString(value.Stringify(n))
	}
}

func (r *run) execLog(n *ast.LogNode) error {
	msg := r.bindString(n.Message)
	switch n.Level {
	case "debug":
		r.in.log.Debug(msg)
	case "warn":
		r.in.log.Warn(msg)
	case "error":
		r.in.log.Error(msg)
	default:
		r.in.log.Info(msg)
	}
	return nil
}
