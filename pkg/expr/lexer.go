package expr

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokKeyword // if else and or not in true false null
	tokOp      // + - * / % // == != < <= > >= = ! etc.
	tokPunct   // ( ) [ ] { } , : .
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]bool{
	"if": true, "else": true, "and": true, "or": true, "not": true,
	"in": true, "true": true, "false": true, "True": true, "False": true,
	"null": true, "None": true,
}

type lexer struct {
	src    string
	pos    int
	tokens []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for l.pos < len(l.src) {
		r, width := utf8.DecodeRuneInString(l.src[l.pos:])
		switch {
		case unicode.IsSpace(r):
			l.pos += width
		case unicode.IsDigit(r) || (r == '.' && l.peekDigit()):
			if err := l.lexNumber(); err != nil {
				return nil, err
			}
		case r == '\'' || r == '"':
			if err := l.lexString(byte(r)); err != nil {
				return nil, err
			}
		case unicode.IsLetter(r) || r == '_':
			l.lexIdent()
		default:
			if err := l.lexOperator(); err != nil {
				return nil, err
			}
		}
	}
	l.tokens = append(l.tokens, token{kind: tokEOF, pos: l.pos})
	return l.tokens, nil
}

func (l *lexer) peekDigit() bool {
	if l.pos+1 >= len(l.src) {
		return false
	}
	return l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9'
}

func (l *lexer) lexNumber() error {
	start := l.pos
	seenDot := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c >= '0' && c <= '9' {
			l.pos++
			continue
		}
		if c == '.' && !seenDot {
			// Attribute access on an integer literal is not a decimal point.
			if l.pos+1 < len(l.src) && !isDigitByte(l.src[l.pos+1]) {
				break
			}
			seenDot = true
			l.pos++
			continue
		}
		break
	}
	l.tokens = append(l.tokens, token{kind: tokNumber, text: l.src[start:l.pos], pos: start})
	return nil
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			next := l.src[l.pos+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\', '\'', '"':
				sb.WriteByte(next)
			default:
				sb.WriteByte('\\')
				sb.WriteByte(next)
			}
			l.pos += 2
			continue
		}
		if c == quote {
			l.pos++
			l.tokens = append(l.tokens, token{kind: tokString, text: sb.String(), pos: start})
			return nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return &SyntaxError{Expr: l.src, Pos: start, Message: "unterminated string literal"}
}

func (l *lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.src) {
		r, width := utf8.DecodeRuneInString(l.src[l.pos:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			l.pos += width
			continue
		}
		break
	}
	text := l.src[start:l.pos]
	kind := tokIdent
	if keywords[text] {
		kind = tokKeyword
	}
	l.tokens = append(l.tokens, token{kind: kind, text: text, pos: start})
}

var twoCharOps = map[string]bool{
	"==": true, "!=": true, "<=": true, ">=": true, "//": true,
}

func (l *lexer) lexOperator() error {
	start := l.pos
	if l.pos+2 <= len(l.src) && twoCharOps[l.src[l.pos:l.pos+2]] {
		l.tokens = append(l.tokens, token{kind: tokOp, text: l.src[l.pos : l.pos+2], pos: start})
		l.pos += 2
		return nil
	}
	c := l.src[l.pos]
	switch c {
	case '+', '-', '*', '/', '%', '<', '>':
		l.tokens = append(l.tokens, token{kind: tokOp, text: string(c), pos: start})
	case '(', ')', '[', ']', '{', '}', ',', ':', '.':
		l.tokens = append(l.tokens, token{kind: tokPunct, text: string(c), pos: start})
	default:
		return &SyntaxError{Expr: l.src, Pos: start, Message: "unexpected character " + string(c)}
	}
	l.pos++
	return nil
}

func isDigitByte(c byte) bool { return c >= '0' && c <= '9' }
