package expr

import (
	"errors"
	"fmt"
)

// Standard resolver error types. Callers classify failures with errors.Is.
var (
	// ErrUndefinedReference indicates a path segment does not exist in scope.
	ErrUndefinedReference = errors.New("undefined reference")

	// ErrTypeMismatch indicates an operator was applied to incompatible operand types.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrSyntax indicates an expression could not be parsed.
	ErrSyntax = errors.New("invalid expression")
)

// UndefinedReferenceError reports the path that failed to resolve.
type UndefinedReferenceError struct {
	Path string
}

func (e *UndefinedReferenceError) Error() string {
	return fmt.Sprintf("undefined reference %q", e.Path)
}

func (e *UndefinedReferenceError) Unwrap() error {
	return ErrUndefinedReference
}

// TypeMismatchError reports an operator applied to operands it does not support.
type TypeMismatchError struct {
	Op      string
	Operand any
	Message string
}

func (e *TypeMismatchError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("operator %q: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("operator %q not applicable to %T", e.Op, e.Operand)
}

func (e *TypeMismatchError) Unwrap() error {
	return ErrTypeMismatch
}

// SyntaxError reports a malformed expression together with the offending position.
type SyntaxError struct {
	Expr    string
	Pos     int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid expression %q at offset %d: %s", e.Expr, e.Pos, e.Message)
}

func (e *SyntaxError) Unwrap() error {
	return ErrSyntax
}
