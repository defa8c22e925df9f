package expr

import (
	"fmt"
	"strconv"
)

// node is a compiled expression tree node. Nodes are immutable after parse so
// a compiled expression may be evaluated concurrently.
type node interface{ eval(env *env) (any, error) }

type litNode struct{ val any }

type identNode struct{ name string }

type attrNode struct {
	target node
	name   string
}

type indexNode struct {
	target node
	index  node
}

type callNode struct {
	name string
	args []node
}

type unaryNode struct {
	op      string // "-" "+" "not"
	operand node
}

type binaryNode struct {
	op    string
	left  node
	right node
}

type logicalNode struct {
	op    string // "and" "or"
	left  node
	right node
}

type condNode struct {
	value node
	cond  node
	alt   node
}

type listNode struct{ items []node }

type dictNode struct {
	keys   []node
	values []node
}

type parser struct {
	src    string
	tokens []token
	pos    int
}

func parse(src string) (node, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens}
	root, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if p.current().kind != tokEOF {
		return nil, p.errorf("unexpected token %q", p.current().text)
	}
	return root, nil
}

func (p *parser) current() token { return p.tokens[p.pos] }

func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) accept(kind tokenKind, text string) bool {
	if p.current().kind == kind && p.current().text == text {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, text string) error {
	if !p.accept(kind, text) {
		return p.errorf("expected %q, got %q", text, p.current().text)
	}
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Pos: p.current().pos, Message: fmt.Sprintf(format, args...)}
}

// parseTernary handles the value-first conditional: a if cond else b.
func (p *parser) parseTernary() (node, error) {
	val, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.accept(tokKeyword, "if") {
		return val, nil
	}
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokKeyword, "else"); err != nil {
		return nil, err
	}
	alt, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &condNode{value: val, cond: cond, alt: alt}, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(tokKeyword, "or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.accept(tokKeyword, "and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.accept(tokKeyword, "not") {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "not", operand: operand}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.current()
		switch {
		case tok.kind == tokOp && comparisonOps[tok.text]:
			p.advance()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: tok.text, left: left, right: right}
		case tok.kind == tokKeyword && tok.text == "in":
			p.advance()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: "in", left: left, right: right}
		case tok.kind == tokKeyword && tok.text == "not":
			// "not in" is the only comparison starting with "not" in this
			// position; bare "not" midway through a comparison is a syntax
			// error, surfaced by expect below.
			p.advance()
			if err := p.expect(tokKeyword, "in"); err != nil {
				return nil, err
			}
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &unaryNode{op: "not", operand: &binaryNode{op: "in", left: left, right: right}}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.current().kind == tokOp && (p.current().text == "+" || p.current().text == "-") {
		op := p.advance().text
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.current().kind == tokOp {
		op := p.current().text
		if op != "*" && op != "/" && op != "%" && op != "//" {
			break
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.current().kind == tokOp && (p.current().text == "-" || p.current().text == "+") {
		op := p.advance().text
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	target, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.accept(tokPunct, "."):
			tok := p.current()
			if tok.kind != tokIdent && tok.kind != tokKeyword {
				return nil, p.errorf("expected attribute name after '.'")
			}
			p.advance()
			target = &attrNode{target: target, name: tok.text}
		case p.accept(tokPunct, "["):
			idx, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if err := p.expect(tokPunct, "]"); err != nil {
				return nil, err
			}
			target = &indexNode{target: target, index: idx}
		case p.current().kind == tokPunct && p.current().text == "(":
			ident, ok := target.(*identNode)
			if !ok {
				return nil, p.errorf("only builtin functions may be called")
			}
			if !builtinNames[ident.name] {
				return nil, p.errorf("call to non-builtin %q", ident.name)
			}
			p.advance()
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			target = &callNode{name: ident.name, args: args}
		default:
			return target, nil
		}
	}
}

func (p *parser) parseArgs() ([]node, error) {
	var args []node
	if p.accept(tokPunct, ")") {
		return args, nil
	}
	for {
		arg, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.accept(tokPunct, ",") {
			continue
		}
		if err := p.expect(tokPunct, ")"); err != nil {
			return nil, err
		}
		return args, nil
	}
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.current()
	switch tok.kind {
	case tokNumber:
		p.advance()
		if hasDot(tok.text) {
			f, err := strconv.ParseFloat(tok.text, 64)
			if err != nil {
				return nil, p.errorf("invalid number %q", tok.text)
			}
			return &litNode{val: f}, nil
		}
		n, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, p.errorf("invalid number %q", tok.text)
		}
		return &litNode{val: n}, nil
	case tokString:
		p.advance()
		return &litNode{val: tok.text}, nil
	case tokKeyword:
		switch tok.text {
		case "true", "True":
			p.advance()
			return &litNode{val: true}, nil
		case "false", "False":
			p.advance()
			return &litNode{val: false}, nil
		case "null", "None":
			p.advance()
			return &litNode{val: nil}, nil
		}
		return nil, p.errorf("unexpected keyword %q", tok.text)
	case tokIdent:
		p.advance()
		return &identNode{name: tok.text}, nil
	case tokPunct:
		switch tok.text {
		case "(":
			p.advance()
			inner, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if err := p.expect(tokPunct, ")"); err != nil {
				return nil, err
			}
			return inner, nil
		case "[":
			return p.parseList()
		case "{":
			return p.parseDict()
		}
	}
	return nil, p.errorf("unexpected token %q", tok.text)
}

func (p *parser) parseList() (node, error) {
	p.advance() // [
	out := &listNode{}
	if p.accept(tokPunct, "]") {
		return out, nil
	}
	for {
		item, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		out.items = append(out.items, item)
		if p.accept(tokPunct, ",") {
			if p.accept(tokPunct, "]") {
				return out, nil
			}
			continue
		}
		if err := p.expect(tokPunct, "]"); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func (p *parser) parseDict() (node, error) {
	p.advance() // {
	out := &dictNode{}
	if p.accept(tokPunct, "}") {
		return out, nil
	}
	for {
		key, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokPunct, ":"); err != nil {
			return nil, err
		}
		val, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		out.keys = append(out.keys, key)
		out.values = append(out.values, val)
		if p.accept(tokPunct, ",") {
			if p.accept(tokPunct, "}") {
				return out, nil
			}
			continue
		}
		if err := p.expect(tokPunct, "}"); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func hasDot(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return true
		}
	}
	return false
}

