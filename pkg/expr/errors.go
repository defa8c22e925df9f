package expr

import "fmt"

// SyntaxError reports a malformed expression.
type SyntaxError struct {
	Expr    string
	Pos     int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error in %q at offset %d: %s", e.Expr, e.Pos, e.Message)
}

// UnsafeExpressionError reports an expression rejected by the safety scan
// before compilation.
type UnsafeExpressionError struct {
	Expr  string
	Token string
}

func (e *UnsafeExpressionError) Error() string {
	return fmt.Sprintf("unsafe expression %q: forbidden construct %q", e.Expr, e.Token)
}

// UndefinedNameError reports an identifier absent from both the caller
// context and the builtin namespace.
type UndefinedNameError struct {
	Name string
}

func (e *UndefinedNameError) Error() string {
	return fmt.Sprintf("undefined name %q", e.Name)
}

// RuntimeError reports an evaluation failure on a well-formed expression
// (bad operand types, division by zero, bad builtin arguments).
type RuntimeError struct {
	Message string
}

func (e *RuntimeError) Error() string {
	return e.Message
}

func runtimeErrorf(format string, args ...any) error {
	return &RuntimeError{Message: fmt.Sprintf(format, args...)}
}
