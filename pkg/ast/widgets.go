package ast

// UIWidgetNode is a desktop-namespace widget (ui:*). The widget name is the
// local tag name; layout and styling attributes pass through unresolved until
// render time.
type UIWidgetNode struct {
	Widget     string
	Attributes map[string]string
	Children   []Node
}

func (n *UIWidgetNode) Kind() string { return "ui-widget" }

func (n *UIWidgetNode) Validate() []error {
	return requireAttr("ui-widget", "widget", n.Widget)
}

func (n *UIWidgetNode) ToDict() map[string]any {
	attrs := make(map[string]any, len(n.Attributes))
	for k, v := range n.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		"kind":       "ui-widget",
		"widget":     n.Widget,
		"attributes": attrs,
		"children":   childDicts(n.Children),
	}
}

// TerminalWidgetNode is a terminal-namespace widget (qt:*).
type TerminalWidgetNode struct {
	Widget     string
	Attributes map[string]string
	Children   []Node
}

func (n *TerminalWidgetNode) Kind() string { return "terminal-widget" }

func (n *TerminalWidgetNode) Validate() []error {
	return requireAttr("terminal-widget", "widget", n.Widget)
}

func (n *TerminalWidgetNode) ToDict() map[string]any {
	attrs := make(map[string]any, len(n.Attributes))
	for k, v := range n.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		"kind":       "terminal-widget",
		"widget":     n.Widget,
		"attributes": attrs,
		"children":   childDicts(n.Children),
	}
}

// GameNode is a game-namespace element (qg:*): scenes, entities, sprites and
// behaviors all share this shape, distinguished by Element.
type GameNode struct {
	Element    string
	Attributes map[string]string
	Children   []Node
}

func (n *GameNode) Kind() string { return "game" }

func (n *GameNode) Validate() []error {
	return requireAttr("game", "element", n.Element)
}

func (n *GameNode) ToDict() map[string]any {
	attrs := make(map[string]any, len(n.Attributes))
	for k, v := range n.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		"kind":       "game",
		"element":    n.Element,
		"attributes": attrs,
		"children":   childDicts(n.Children),
	}
}
