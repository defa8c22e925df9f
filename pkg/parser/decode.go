package parser

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Namespace URIs recognized by the parser. Documents may also use the bare
// prefixes (q:, ui:, qt:, qg:) without xmlns declarations; both forms
// normalize to the same canonical prefix.
const (
	NamespaceQ        = "https://quillframe.dev/ns/q"
	NamespaceUI       = "https://quillframe.dev/ns/ui"
	NamespaceTerminal = "https://quillframe.dev/ns/qt"
	NamespaceGame     = "https://quillframe.dev/ns/qg"
)

// ParseError reports malformed XML or an unknown tag.
type ParseError struct {
	Line    int
	Column  int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Message)
	}
	return "parse error: " + e.Message
}

func parseErrorf(format string, args ...any) error {
	return &ParseError{Message: fmt.Sprintf(format, args...)}
}

// element is the intermediate tree the decoder builds before dispatch.
// Children preserve document order across elements and text runs.
type element struct {
	space    string // canonical prefix: "q", "ui", "qt", "qg", "" (html), or raw
	rawSpace string
	local    string
	attrs    map[string]string
	children []xchild
}

// xchild is either a nested element or a text run.
type xchild struct {
	el   *element
	text string
}

func canonSpace(space string) string {
	switch space {
	case "q", NamespaceQ:
		return "q"
	case "ui", NamespaceUI:
		return "ui"
	case "qt", NamespaceTerminal:
		return "qt"
	case "qg", NamespaceGame:
		return "qg"
	default:
		return space
	}
}

// decode builds the element tree for a document or fragment. Undeclared
// namespace prefixes are tolerated, which is what lets documents omit xmlns
// declarations entirely.
func decode(content string) (*element, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	dec.Entity = xml.HTMLEntity

	var root *element
	var stack []*element
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			if syn, ok := err.(*xml.SyntaxError); ok {
				return nil, &ParseError{Line: syn.Line, Message: syn.Msg}
			}
			return nil, &ParseError{Message: err.Error()}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := &element{
				space:    canonSpace(t.Name.Space),
				rawSpace: t.Name.Space,
				local:    t.Name.Local,
				attrs:    map[string]string{},
			}
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
					continue
				}
				el.attrs[a.Name.Local] = a.Value
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, parseErrorf("multiple root elements")
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, xchild{el: el})
			}
			stack = append(stack, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, xchild{text: string(t)})
			}
		}
	}
	if root == nil {
		return nil, parseErrorf("empty document")
	}
	return root, nil
}

// innerText joins and trims the element's direct text runs.
func (e *element) innerText() string {
	var b strings.Builder
	for _, c := range e.children {
		if c.el == nil {
			b.WriteString(c.text)
		}
	}
	return strings.TrimSpace(b.String())
}

// childElements returns the element children, skipping text runs.
func (e *element) childElements() []*element {
	var out []*element
	for _, c := range e.children {
		if c.el != nil {
			out = append(out, c.el)
		}
	}
	return out
}

// serialize renders the element back to markup. Used for opaque passthrough
// content such as mail bodies authored with foreign-namespace elements.
func (e *element) serialize() string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(e.qualifiedName())
	keys := make([]string, 0, len(e.attrs))
	for k := range e.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, e.attrs[k])
	}
	if len(e.children) == 0 {
		b.WriteString(" />")
		return b.String()
	}
	b.WriteByte('>')
	for _, c := range e.children {
		if c.el != nil {
			b.WriteString(c.el.serialize())
		} else {
			b.WriteString(c.text)
		}
	}
	b.WriteString("</" + e.qualifiedName() + ">")
	return b.String()
}

func (e *element) qualifiedName() string {
	if e.rawSpace == "" {
		return e.local
	}
	switch e.space {
	case "q", "ui", "qt", "qg":
		return e.space + ":" + e.local
	}
	return e.rawSpace + ":" + e.local
}
